package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/pki"
)

// principal returns the authenticated principal or writes a 401.
func principal(w http.ResponseWriter, r *http.Request) (pki.Principal, bool) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return p, ok
}

// fail writes err and audits denials.
func (a *API) fail(w http.ResponseWriter, r *http.Request, p pki.Principal, op string, err error) {
	if errors.Is(err, pki.ErrDenied) {
		a.audit.logEvent(AuditPermissionDenied, r, p.UserID,
			slog.String("operation", op),
			slog.String("certificate_id", chi.URLParam(r, "certID")))
	}
	mapError(w, err)
}

func (a *API) certificateResponse(c *pki.Certificate) CertificateResponse {
	return CertificateResponse{
		CertificateInfo: c.Info(a.svc.Now()),
		PEM:             string(c.PEM()),
	}
}

func writeFile(w http.ResponseWriter, e *pki.Export) {
	w.Header().Set("Content-Type", e.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+e.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(e.Data)
}

// IssueRoot handles POST /certificates/root.
func (a *API) IssueRoot(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[IssueRootRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	in := pki.RootRequest{
		Subject:     req.Subject,
		ValidTo:     req.ValidTo,
		OwnerID:     req.OwnerID,
		MaxPathLen:  req.MaxPathLen,
		KeyUsage:    req.KeyUsage,
		ExtKeyUsage: req.ExtKeyUsage,
		SANs:        req.SANs,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}

	c, err := a.svc.IssueRoot(r.Context(), p, in)
	if err != nil {
		a.fail(w, r, p, "issue_root", err)
		return
	}
	a.audit.logEvent(AuditRootIssued, r, p.UserID,
		slog.String("certificate_id", c.ID),
		slog.String("serial", c.SerialNumber))
	writeJSON(w, http.StatusCreated, a.certificateResponse(c))
}

// IssueCertificate handles POST /certificates/{certID}/issue.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	caID := chi.URLParam(r, "certID")
	req, ok := decodeJSON[IssueCertificateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	c, err := a.svc.IssueUnderCA(r.Context(), p, caID, pki.IssueRequest{
		Subject:      req.Subject,
		ValidityDays: req.ValidityDays,
		OwnerID:      req.OwnerID,
		MaxPathLen:   req.MaxPathLen,
		KeyUsage:     req.KeyUsage,
		ExtKeyUsage:  req.ExtKeyUsage,
		SANs:         req.SANs,
	})
	if err != nil {
		a.fail(w, r, p, "issue", err)
		return
	}
	a.audit.logEvent(AuditCertIssued, r, p.UserID,
		slog.String("certificate_id", c.ID),
		slog.String("issuer_id", caID),
		slog.String("type", string(c.Type)),
		slog.String("serial", c.SerialNumber))
	writeJSON(w, http.StatusCreated, a.certificateResponse(c))
}

// SignCSR handles POST /certificates/{certID}/csr.
func (a *API) SignCSR(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	caID := chi.URLParam(r, "certID")
	req, ok := decodeJSON[SignCSRRequest](w, r, maxCSRBodySize)
	if !ok {
		return
	}
	if req.CSR == "" {
		writeError(w, http.StatusBadRequest, "csr is required")
		return
	}

	c, err := a.svc.IssueFromCSR(r.Context(), p, caID, pki.CSRRequest{
		CSR:          req.CSR,
		ValidityDays: req.ValidityDays,
		OwnerID:      req.OwnerID,
		KeyUsage:     req.KeyUsage,
		ExtKeyUsage:  req.ExtKeyUsage,
	})
	if err != nil {
		a.fail(w, r, p, "sign_csr", err)
		return
	}
	a.audit.logEvent(AuditCSRSigned, r, p.UserID,
		slog.String("certificate_id", c.ID),
		slog.String("issuer_id", caID),
		slog.String("serial", c.SerialNumber))
	writeJSON(w, http.StatusCreated, a.certificateResponse(c))
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certificateResponse(c))
}

// GetCertificatePEM handles GET /certificates/{certID}/pem.
func (a *API) GetCertificatePEM(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.CertificatePEM(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeFile(w, e)
}

// ListChildren handles GET /certificates/{certID}/children.
func (a *API) ListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := a.svc.ChildrenOf(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	now := a.svc.Now()
	resp := ListCertificatesResponse{Certificates: make([]*pki.CertificateInfo, 0, len(children))}
	for _, c := range children {
		resp.Certificates = append(resp.Certificates, c.Info(now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAuthorities handles GET /authorities.
func (a *API) ListAuthorities(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	authorities, err := a.svc.ListAuthorities(r.Context(), p)
	if err != nil {
		mapError(w, err)
		return
	}
	if authorities == nil {
		authorities = []*pki.Authority{}
	}
	writeJSON(w, http.StatusOK, ListAuthoritiesResponse{Authorities: authorities})
}

// Tree handles GET /tree.
func (a *API) Tree(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	roots, err := a.svc.Tree(r.Context(), p)
	if err != nil {
		mapError(w, err)
		return
	}
	if roots == nil {
		roots = []*pki.TreeNode{}
	}
	writeJSON(w, http.StatusOK, TreeResponse{Roots: roots})
}

// RevokeCertificate handles POST /certificates/{certID}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	certID := chi.URLParam(r, "certID")
	req, ok := decodeJSON[RevokeRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	revoked, err := a.svc.Revoke(r.Context(), p, certID, req.Reason)
	if err != nil {
		a.fail(w, r, p, "revoke", err)
		return
	}
	now := a.svc.Now()
	resp := RevokeResponse{Revoked: make([]*pki.CertificateInfo, 0, len(revoked))}
	for _, c := range revoked {
		resp.Revoked = append(resp.Revoked, c.Info(now))
		a.audit.logEvent(AuditCertRevoked, r, p.UserID,
			slog.String("certificate_id", c.ID),
			slog.String("serial", c.SerialNumber),
			slog.String("reason", req.Reason),
			slog.Bool("cascade", c.ID != certID))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPermissions handles GET /certificates/{certID}/permissions.
func (a *API) GetPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	certID := chi.URLParam(r, "certID")
	c, err := a.svc.GetCertificate(r.Context(), certID)
	if err != nil {
		mapError(w, err)
		return
	}
	extract, err := a.svc.CanExtractPrivateKey(r.Context(), p, certID)
	if err != nil {
		mapError(w, err)
		return
	}
	revoke, err := a.svc.CanRevoke(r.Context(), p, c)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PermissionsResponse{
		CanExtractPrivateKey: extract,
		CanRevoke:            revoke && !c.Revoked,
	})
}

// RequestDownload handles POST /certificates/{certID}/download.
func (a *API) RequestDownload(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	certID := chi.URLParam(r, "certID")
	ticket, err := a.svc.RequestDownload(r.Context(), p, certID)
	if err != nil {
		a.fail(w, r, p, "request_download", err)
		return
	}
	a.audit.logEvent(AuditKeyExportRequested, r, p.UserID,
		slog.String("certificate_id", certID),
		slog.String("download_id", ticket.RequestID),
		slog.String("expires_at", ticket.ExpiresAt.Format(time.RFC3339)))

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, DownloadTicketResponse{
		RequestID:   ticket.RequestID,
		Password:    ticket.Password,
		ExpiresAt:   ticket.ExpiresAt,
		DownloadURL: "/api/v1/downloads/" + ticket.RequestID,
	})
}

// DownloadPKCS12 handles GET /downloads/{requestID}.
func (a *API) DownloadPKCS12(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	ip := a.clientIP(r)
	if blocked, retryAfter := a.downloadLimiter.check(ip); blocked {
		a.audit.logFailure(AuditRateLimited, r, "too many unknown download requests")
		writeRateLimited(w, retryAfter)
		return
	}
	e, err := a.svc.DownloadPKCS12(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pki.ErrNotFound) {
			a.downloadLimiter.recordFailure(ip)
			a.audit.logFailure(AuditKeyExportUnavailable, r, "unknown or expired request",
				slog.String("download_id", requestID))
		}
		mapError(w, err)
		return
	}
	a.audit.log(slog.LevelInfo, AuditKeyExportDownloaded, r, slog.String("download_id", requestID))
	w.Header().Set("Cache-Control", "no-store")
	writeFile(w, e)
}

// GetCRL handles GET /crl/{authorityID}.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	authorityID := chi.URLParam(r, "authorityID")
	e, err := a.svc.GetCRL(r.Context(), authorityID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(slog.LevelInfo, AuditCRLServed, r, slog.String("authority_id", authorityID))
	writeFile(w, e)
}
