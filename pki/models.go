package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/storage"
)

// CertType is the position of a certificate in the hierarchy.
type CertType string

const (
	TypeRoot         CertType = "ROOT"
	TypeIntermediate CertType = "INTERMEDIATE"
	TypeEndEntity    CertType = "END_ENTITY"
)

// IsCA reports whether certificates of type t may sign other certificates.
func (t CertType) IsCA() bool {
	return t == TypeRoot || t == TypeIntermediate
}

// Role is a principal's authorization role.
type Role string

const (
	RoleAdministrator Role = "ADMINISTRATOR"
	RoleCAUser        Role = "CA_USER"
	RoleRegularUser   Role = "REGULAR_USER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleCAUser, RoleRegularUser:
		return true
	}
	return false
}

// CanIssue reports whether r is CA-capable.
func (r Role) CanIssue() bool {
	return r == RoleAdministrator || r == RoleCAUser
}

// issuedType is the certificate type a subject owner with role r receives.
func (r Role) issuedType() CertType {
	if r == RoleRegularUser {
		return TypeEndEntity
	}
	return TypeIntermediate
}

// Principal is the authenticated caller.
type Principal struct {
	UserID       string `json:"user_id"`
	Role         Role   `json:"role"`
	Organization string `json:"organization,omitempty"`
}

// User is a directory entry for a certificate owner.
type User struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Organization string    `json:"organization"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Certificate is an issued certificate. Only the revocation fields change
// after creation.
type Certificate struct {
	ID               string     `json:"id"`
	Type             CertType   `json:"type"`
	SerialNumber     string     `json:"serial_number"`
	ValidFrom        time.Time  `json:"valid_from"`
	ValidTo          time.Time  `json:"valid_to"`
	ParentID         string     `json:"parent_id,omitempty"`
	IssuerName       []byte     `json:"issuer_name"`
	SubjectName      []byte     `json:"subject_name"`
	OwnerID          string     `json:"owner_id"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	HasPrivateKey    bool       `json:"has_private_key"`
	DER              []byte     `json:"der"`
	CreatedAt        time.Time  `json:"created_at"`

	version uint64
}

// Organization is the organization that scopes this certificate's key
// material: the organizationName of its issuer.
func (c *Certificate) Organization() string {
	org, _ := Organization(c.IssuerName)
	return org
}

// SubjectOrganization is the organizationName of the subject.
func (c *Certificate) SubjectOrganization() string {
	org, _ := Organization(c.SubjectName)
	return org
}

// CommonName is the subject commonName.
func (c *Certificate) CommonName() string {
	cn, _ := CommonName(c.SubjectName)
	return cn
}

// Status derives the certificate status at now.
func (c *Certificate) Status(now time.Time) string {
	switch {
	case c.Revoked:
		return StatusRevoked
	case now.Before(c.ValidFrom) || now.After(c.ValidTo):
		return StatusExpired
	default:
		return StatusActive
	}
}

// X509 parses the stored DER.
func (c *Certificate) X509() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(c.DER)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", c.ID, err)
	}
	return cert, nil
}

// PEM returns the certificate PEM-encoded.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// CertificateInfo is the read view of a certificate returned to callers.
type CertificateInfo struct {
	ID                string     `json:"id"`
	Type              CertType   `json:"type"`
	SerialNumber      string     `json:"serial_number"`
	Subject           string     `json:"subject"`
	Issuer            string     `json:"issuer"`
	CommonName        string     `json:"common_name"`
	Organization      string     `json:"organization"`
	ValidFrom         time.Time  `json:"valid_from"`
	ValidTo           time.Time  `json:"valid_to"`
	ParentID          string     `json:"parent_id,omitempty"`
	OwnerID           string     `json:"owner_id"`
	Status            string     `json:"status"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevocationReason  string     `json:"revocation_reason,omitempty"`
	HasPrivateKey     bool       `json:"has_private_key"`
	FingerprintSHA256 string     `json:"fingerprint_sha256"`
	KeyAlgorithm      string     `json:"key_algorithm"`
}

// Info builds the read view of c at now.
func (c *Certificate) Info(now time.Time) *CertificateInfo {
	fingerprint := sha256.Sum256(c.DER)
	info := &CertificateInfo{
		ID:                c.ID,
		Type:              c.Type,
		SerialNumber:      c.SerialNumber,
		Subject:           NameString(c.SubjectName),
		Issuer:            NameString(c.IssuerName),
		CommonName:        c.CommonName(),
		Organization:      c.SubjectOrganization(),
		ValidFrom:         c.ValidFrom,
		ValidTo:           c.ValidTo,
		ParentID:          c.ParentID,
		OwnerID:           c.OwnerID,
		Status:            c.Status(now),
		RevokedAt:         c.RevokedAt,
		RevocationReason:  c.RevocationReason,
		HasPrivateKey:     c.HasPrivateKey,
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
	}
	if cert, err := c.X509(); err == nil {
		info.KeyAlgorithm = keyAlgorithmString(cert)
	}
	return info
}

// Authority is the issuance view of a CA certificate.
type Authority struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	MaxValidityDays     int    `json:"max_validity_days"`
	MinValidityDays     int    `json:"min_validity_days"`
	DefaultValidityDays int    `json:"default_validity_days"`
}

// TreeNode is one certificate with its direct children.
type TreeNode struct {
	Certificate *CertificateInfo `json:"certificate"`
	Children    []*TreeNode      `json:"children"`
}

// CRLRecord holds the latest signed revocation list of one authority.
type CRLRecord struct {
	AuthorityID string    `json:"authority_id"`
	Number      int64     `json:"number"`
	DER         []byte    `json:"der"`
	UpdatedAt   time.Time `json:"updated_at"`

	version uint64
}

// DownloadRequest is a single-use ticket for exporting a certificate with
// its private key.
type DownloadRequest struct {
	ID            string            `json:"id"`
	CertificateID string            `json:"certificate_id"`
	Organization  string            `json:"organization"`
	RequestedBy   string            `json:"requested_by"`
	Password      *storage.Envelope `json:"password"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Expired reports whether the request is no longer usable at now.
func (d *DownloadRequest) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// DownloadTicket is returned to the caller who requested an export. The
// password opens the PKCS#12 file and is shown only once.
type DownloadTicket struct {
	RequestID string    `json:"request_id"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Export is a file produced for download.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}
