package api

import (
	"time"

	"github.com/jmcleod/ironca/pki"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IssueRootRequest is the JSON body for POST /certificates/root.
type IssueRootRequest struct {
	Subject     pki.Subject `json:"subject"`
	ValidFrom   *time.Time  `json:"valid_from,omitempty"`
	ValidTo     time.Time   `json:"valid_to"`
	OwnerID     string      `json:"owner_id,omitempty"`
	MaxPathLen  *int        `json:"max_path_len,omitempty"`
	KeyUsage    []string    `json:"key_usage,omitempty"`
	ExtKeyUsage []string    `json:"ext_key_usage,omitempty"`
	SANs        pki.SANs    `json:"sans"`
}

// IssueCertificateRequest is the JSON body for POST /certificates/{certID}/issue.
type IssueCertificateRequest struct {
	Subject      pki.Subject `json:"subject"`
	ValidityDays int         `json:"validity_days"`
	OwnerID      string      `json:"owner_id,omitempty"`
	MaxPathLen   *int        `json:"max_path_len,omitempty"`
	KeyUsage     []string    `json:"key_usage,omitempty"`
	ExtKeyUsage  []string    `json:"ext_key_usage,omitempty"`
	SANs         pki.SANs    `json:"sans"`
}

// SignCSRRequest is the JSON body for POST /certificates/{certID}/csr.
type SignCSRRequest struct {
	CSR          string   `json:"csr"`
	ValidityDays int      `json:"validity_days"`
	OwnerID      string   `json:"owner_id,omitempty"`
	KeyUsage     []string `json:"key_usage,omitempty"`
	ExtKeyUsage  []string `json:"ext_key_usage,omitempty"`
}

// CertificateResponse is a certificate together with its PEM encoding.
type CertificateResponse struct {
	*pki.CertificateInfo
	PEM string `json:"pem"`
}

// ListCertificatesResponse is returned from GET /certificates/{certID}/children.
type ListCertificatesResponse struct {
	Certificates []*pki.CertificateInfo `json:"certificates"`
}

// ListAuthoritiesResponse is returned from GET /authorities.
type ListAuthoritiesResponse struct {
	Authorities []*pki.Authority `json:"authorities"`
}

// TreeResponse is returned from GET /tree.
type TreeResponse struct {
	Roots []*pki.TreeNode `json:"roots"`
}

// RevokeRequest is the JSON body for POST /certificates/{certID}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeResponse lists every certificate revoked by the request, the
// target first.
type RevokeResponse struct {
	Revoked []*pki.CertificateInfo `json:"revoked"`
}

// PermissionsResponse is returned from GET /certificates/{certID}/permissions.
type PermissionsResponse struct {
	CanExtractPrivateKey bool `json:"can_extract_private_key"`
	CanRevoke            bool `json:"can_revoke"`
}

// DownloadTicketResponse is returned from POST /certificates/{certID}/download.
// The password is shown once and opens the PKCS#12 file.
type DownloadTicketResponse struct {
	RequestID   string    `json:"request_id"`
	Password    string    `json:"password"`
	ExpiresAt   time.Time `json:"expires_at"`
	DownloadURL string    `json:"download_url"`
}
