package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"time"

	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/vault"
)

// RootRequest describes a new self-signed root.
type RootRequest struct {
	Subject     Subject   `json:"subject"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	OwnerID     string    `json:"owner_id,omitempty"`
	MaxPathLen  *int      `json:"max_path_len,omitempty"`
	KeyUsage    []string  `json:"key_usage,omitempty"`
	ExtKeyUsage []string  `json:"ext_key_usage,omitempty"`
	SANs
}

// IssueRequest describes a certificate issued under an existing authority.
// The certificate type follows the role of the subject owner.
type IssueRequest struct {
	Subject      Subject  `json:"subject"`
	ValidityDays int      `json:"validity_days"`
	OwnerID      string   `json:"owner_id,omitempty"`
	MaxPathLen   *int     `json:"max_path_len,omitempty"`
	KeyUsage     []string `json:"key_usage,omitempty"`
	ExtKeyUsage  []string `json:"ext_key_usage,omitempty"`
	SANs
}

// CSRRequest describes an end-entity certificate for an externally held
// key. CSR is PEM.
type CSRRequest struct {
	CSR          string   `json:"csr"`
	ValidityDays int      `json:"validity_days"`
	OwnerID      string   `json:"owner_id,omitempty"`
	KeyUsage     []string `json:"key_usage,omitempty"`
	ExtKeyUsage  []string `json:"ext_key_usage,omitempty"`
}

// issuance is one prepared certificate on its way through issue.
type issuance struct {
	id          string
	parent      *Certificate
	issuerCert  *x509.Certificate
	issuerKey   crypto.Signer
	issuerChain []*x509.Certificate
	privateKey  crypto.Signer
	ownerID     string
	req         *signRequest
}

// IssueRoot creates a self-signed ROOT certificate. Only administrators may
// create roots, and only for their own organization.
func (s *Service) IssueRoot(ctx context.Context, p Principal, req RootRequest) (*Certificate, error) {
	if p.Role != RoleAdministrator {
		return nil, ErrDenied
	}
	if req.ValidFrom.IsZero() {
		req.ValidFrom = s.now()
	}
	if req.ValidFrom.After(req.ValidTo) {
		return nil, invalidf("valid_from is after valid_to")
	}
	if !req.ValidTo.After(s.now()) {
		return nil, invalidf("valid_to is in the past")
	}
	if !orgMatches(p, req.Subject.Organization) {
		return nil, ErrDenied
	}
	subject, err := EncodeName(req.Subject)
	if err != nil {
		return nil, err
	}
	owner, err := s.resolveOwner(ctx, p, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if req.MaxPathLen != nil && *req.MaxPathLen < 0 {
		return nil, invalidf("max_path_len must not be negative")
	}
	ku, err := keyUsage(req.KeyUsage, TypeRoot)
	if err != nil {
		return nil, err
	}
	eku, err := extKeyUsage(req.ExtKeyUsage)
	if err != nil {
		return nil, err
	}
	sans, err := req.SANs.parse()
	if err != nil {
		return nil, err
	}

	key, err := s.keygen.GenerateKey()
	if err != nil {
		return nil, s.internal("generating key pair", err)
	}

	id := uuid.New()
	return s.issue(ctx, &issuance{
		id:         id,
		privateKey: key,
		ownerID:    owner.ID,
		req: &signRequest{
			Subject:        subject,
			Type:           TypeRoot,
			NotBefore:      req.ValidFrom,
			NotAfter:       req.ValidTo,
			MaxPathLen:     req.MaxPathLen,
			KeyUsage:       ku,
			ExtKeyUsage:    eku,
			SANs:           sans,
			CRLAuthorityID: id,
		},
	})
}

// IssueUnderCA issues a certificate signed by the authority caID. The
// subject owner's role decides the type: regular users receive END_ENTITY
// certificates, CA-capable users INTERMEDIATE ones. The certificate is valid
// from now until today plus ValidityDays, which may not pass the
// authority's own expiry.
func (s *Service) IssueUnderCA(ctx context.Context, p Principal, caID string, req IssueRequest) (*Certificate, error) {
	if !p.Role.CanIssue() {
		return nil, ErrDenied
	}
	if req.ValidityDays < 1 {
		return nil, invalidf("validity_days must be at least 1")
	}
	ca, caCert, err := s.authorityFor(ctx, p, caID)
	if err != nil {
		return nil, err
	}
	owner, err := s.resolveOwner(ctx, p, req.OwnerID)
	if err != nil {
		return nil, err
	}
	certType := owner.Role.issuedType()

	subject, err := EncodeName(req.Subject)
	if err != nil {
		return nil, err
	}
	validTo, err := s.validTo(ca, req.ValidityDays)
	if err != nil {
		return nil, err
	}
	pathLen, err := childPathLen(caCert, certType, req.MaxPathLen)
	if err != nil {
		return nil, err
	}
	ku, err := keyUsage(req.KeyUsage, certType)
	if err != nil {
		return nil, err
	}
	eku, err := extKeyUsage(req.ExtKeyUsage)
	if err != nil {
		return nil, err
	}
	sans, err := req.SANs.parse()
	if err != nil {
		return nil, err
	}

	issuerKey, _, chain, err := s.signer(ctx, ca)
	if err != nil {
		return nil, err
	}
	key, err := s.keygen.GenerateKey()
	if err != nil {
		return nil, s.internal("generating key pair", err)
	}

	return s.issue(ctx, &issuance{
		id:          uuid.New(),
		parent:      ca,
		issuerCert:  caCert,
		issuerKey:   issuerKey,
		issuerChain: chain,
		privateKey:  key,
		ownerID:     owner.ID,
		req: &signRequest{
			Subject:        subject,
			PublicKey:      key.Public(),
			Type:           certType,
			NotBefore:      s.now(),
			NotAfter:       validTo,
			MaxPathLen:     pathLen,
			KeyUsage:       ku,
			ExtKeyUsage:    eku,
			SANs:           sans,
			CRLAuthorityID: ca.ID,
		},
	})
}

// IssueFromCSR issues an END_ENTITY certificate for the key in an external
// CSR. The CSR must be signed by its own key. Subject and SANs are taken
// from the CSR and no private key is escrowed.
func (s *Service) IssueFromCSR(ctx context.Context, p Principal, caID string, req CSRRequest) (*Certificate, error) {
	if !p.Role.CanIssue() {
		return nil, ErrDenied
	}
	if req.ValidityDays < 1 {
		return nil, invalidf("validity_days must be at least 1")
	}
	csr, err := parseCSR(req.CSR)
	if err != nil {
		return nil, err
	}
	ca, caCert, err := s.authorityFor(ctx, p, caID)
	if err != nil {
		return nil, err
	}
	owner, err := s.resolveOwner(ctx, p, req.OwnerID)
	if err != nil {
		return nil, err
	}
	validTo, err := s.validTo(ca, req.ValidityDays)
	if err != nil {
		return nil, err
	}
	ku, err := keyUsage(req.KeyUsage, TypeEndEntity)
	if err != nil {
		return nil, err
	}
	eku, err := extKeyUsage(req.ExtKeyUsage)
	if err != nil {
		return nil, err
	}

	issuerKey, _, _, err := s.signer(ctx, ca)
	if err != nil {
		return nil, err
	}

	return s.issue(ctx, &issuance{
		id:         uuid.New(),
		parent:     ca,
		issuerCert: caCert,
		issuerKey:  issuerKey,
		ownerID:    owner.ID,
		req: &signRequest{
			Subject:        csr.RawSubject,
			PublicKey:      csr.PublicKey,
			Type:           TypeEndEntity,
			NotBefore:      s.now(),
			NotAfter:       validTo,
			KeyUsage:       ku,
			ExtKeyUsage:    eku,
			SANs:           sansFromCSR(csr),
			CRLAuthorityID: ca.ID,
		},
	})
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, ErrInvalidPEM
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, invalidf("parsing CSR: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, invalidf("CSR signature does not verify: %v", err)
	}
	seq, err := parseName(csr.RawSubject)
	if err != nil {
		return nil, err
	}
	if len(seq) == 0 {
		return nil, invalidf("CSR subject is empty")
	}
	return csr, nil
}

// issue reserves a serial, signs, escrows the private key and finally
// commits the certificate record. The record is the durability boundary:
// secret files written before a failed commit are never referenced.
func (s *Service) issue(ctx context.Context, in *issuance) (*Certificate, error) {
	authorityID := in.id
	if in.parent != nil {
		authorityID = in.parent.ID
	}

	for attempt := 1; ; attempt++ {
		serial, err := newSerialNumber()
		if err != nil {
			return nil, s.internal("generating serial number", err)
		}
		err = s.store.reserveSerial(ctx, serialHex(serial), authorityID)
		if err == nil {
			in.req.Serial = serial
			break
		}
		if !errors.Is(err, errSerialTaken) || attempt >= maxSerialAttempts {
			return nil, s.internal("reserving serial number", err)
		}
		s.logger.Warn("serial number collision, retrying", slog.Int("attempt", attempt))
	}

	var (
		cert *x509.Certificate
		err  error
	)
	if in.parent == nil {
		cert, err = s.generator.SelfSign(in.req, in.privateKey)
	} else {
		cert, err = s.generator.Sign(in.req, in.issuerCert, in.issuerKey)
	}
	if err != nil {
		return nil, s.internal("signing certificate", err, slog.String("certificate_id", in.id))
	}

	rec := &Certificate{
		ID:            in.id,
		Type:          in.req.Type,
		SerialNumber:  serialHex(cert.SerialNumber),
		ValidFrom:     cert.NotBefore,
		ValidTo:       cert.NotAfter,
		IssuerName:    cert.RawIssuer,
		SubjectName:   cert.RawSubject,
		OwnerID:       in.ownerID,
		HasPrivateKey: in.privateKey != nil,
		DER:           cert.Raw,
		CreatedAt:     s.now(),
	}
	if in.parent != nil {
		rec.ParentID = in.parent.ID
	}

	if in.privateKey != nil {
		var chain []*x509.Certificate
		if in.issuerCert != nil {
			chain = append([]*x509.Certificate{in.issuerCert}, in.issuerChain...)
		}
		err := s.vault.Persist(ctx, rec.SerialNumber, rec.Organization(), &vault.Entry{
			PrivateKey:  in.privateKey,
			Certificate: cert,
			Chain:       chain,
		})
		if err != nil {
			return nil, s.internal("escrowing private key", err, slog.String("serial", rec.SerialNumber))
		}
	}

	if err := s.store.createCertificate(ctx, rec); err != nil {
		return nil, s.internal("storing certificate", err, slog.String("certificate_id", rec.ID))
	}

	s.logger.Info("certificate issued",
		slog.String("certificate_id", rec.ID),
		slog.String("type", string(rec.Type)),
		slog.String("serial", rec.SerialNumber),
		slog.String("parent_id", rec.ParentID),
		slog.String("owner_id", rec.OwnerID),
	)
	return rec, nil
}

// authorityFor loads caID and checks that p may issue under it and that it
// can currently sign.
func (s *Service) authorityFor(ctx context.Context, p Principal, caID string) (*Certificate, *x509.Certificate, error) {
	ca, err := s.GetCertificate(ctx, caID)
	if err != nil {
		return nil, nil, err
	}
	if !ca.Type.IsCA() {
		return nil, nil, invalidf("certificate %s is not an authority", ca.ID)
	}
	ok, err := s.canIssueUnder(ctx, p, ca)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrDenied
	}
	switch ca.Status(s.now()) {
	case StatusRevoked:
		return nil, nil, invalidf("authority %s is revoked", ca.ID)
	case StatusExpired:
		return nil, nil, invalidf("authority %s is not currently valid", ca.ID)
	}
	caCert, err := ca.X509()
	if err != nil {
		return nil, nil, s.internal("parsing authority certificate", err, slog.String("certificate_id", ca.ID))
	}
	return ca, caCert, nil
}

// validTo is today plus days, bounded by the authority's own expiry.
func (s *Service) validTo(ca *Certificate, days int) (time.Time, error) {
	validTo := s.today().AddDate(0, 0, days)
	if validTo.After(ca.ValidTo) {
		return time.Time{}, invalidf("requested validity ends %s, after authority expiry %s",
			validTo.Format(time.DateOnly), ca.ValidTo.Format(time.DateOnly))
	}
	return validTo, nil
}

// childPathLen derives the path length of a new intermediate from its
// issuer's basic constraints.
func childPathLen(issuer *x509.Certificate, t CertType, requested *int) (*int, error) {
	if t != TypeIntermediate {
		return nil, nil
	}
	if requested != nil && *requested < 0 {
		return nil, invalidf("max_path_len must not be negative")
	}
	if issuer.MaxPathLen == 0 && issuer.MaxPathLenZero {
		return nil, invalidf("issuer path length constraint forbids intermediate authorities")
	}
	if issuer.MaxPathLen > 0 {
		limit := issuer.MaxPathLen - 1
		if requested == nil {
			return &limit, nil
		}
		if *requested > limit {
			return nil, invalidf("max_path_len %d exceeds issuer limit %d", *requested, limit)
		}
	}
	return requested, nil
}

// resolveOwner returns the directory entry for ownerID, defaulting to the
// principal.
func (s *Service) resolveOwner(ctx context.Context, p Principal, ownerID string) (*User, error) {
	if ownerID == "" {
		ownerID = p.UserID
	}
	u, err := s.store.User(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalidf("unknown owner %s", ownerID)
	}
	if err != nil {
		return nil, s.internal("loading owner", err, slog.String("user_id", ownerID))
	}
	return u, nil
}

func orgMatches(p Principal, org string) bool {
	return p.Organization == "" || p.Organization == org
}
