package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// signRequest is everything the generator needs to build one certificate.
type signRequest struct {
	Subject     []byte
	PublicKey   crypto.PublicKey
	Type        CertType
	Serial      *big.Int
	NotBefore   time.Time
	NotAfter    time.Time
	MaxPathLen  *int
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	SANs        *parsedSANs
	// CRLAuthorityID is the authority whose CRL covers this certificate.
	CRLAuthorityID string
}

// Generator builds and signs certificates.
type Generator struct {
	publicURL string
}

// NewGenerator returns a Generator whose CRL distribution points are served
// under publicURL. An empty publicURL omits the extension.
func NewGenerator(publicURL string) *Generator {
	return &Generator{publicURL: publicURL}
}

func (g *Generator) template(req *signRequest) (*x509.Certificate, error) {
	ski, err := subjectKeyID(req.PublicKey)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          req.Serial,
		RawSubject:            req.Subject,
		NotBefore:             req.NotBefore.UTC().Truncate(time.Second),
		NotAfter:              req.NotAfter.UTC().Truncate(time.Second),
		KeyUsage:              req.KeyUsage,
		ExtKeyUsage:           req.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  req.Type.IsCA(),
		MaxPathLen:            -1,
		SubjectKeyId:          ski,
	}
	if req.Type.IsCA() && req.MaxPathLen != nil {
		tmpl.MaxPathLen = *req.MaxPathLen
		tmpl.MaxPathLenZero = *req.MaxPathLen == 0
	}
	if !req.Type.IsCA() {
		tmpl.MaxPathLen = 0
	}
	if req.SANs != nil {
		tmpl.DNSNames = req.SANs.dns
		tmpl.IPAddresses = req.SANs.ips
		tmpl.EmailAddresses = req.SANs.emails
		tmpl.URIs = req.SANs.uris
	}
	if g.publicURL != "" && req.CRLAuthorityID != "" {
		tmpl.CRLDistributionPoints = []string{crlURL(g.publicURL, req.CRLAuthorityID)}
	}
	return tmpl, nil
}

// Sign issues a certificate for req signed by issuer. The authority key
// identifier is taken from the issuer's subject key identifier.
func (g *Generator) Sign(req *signRequest, issuer *x509.Certificate, issuerKey crypto.Signer) (*x509.Certificate, error) {
	tmpl, err := g.template(req)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, req.PublicKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// SelfSign issues a self-signed certificate for key and checks its
// signature against the freshly generated public key before returning.
func (g *Generator) SelfSign(req *signRequest, key crypto.Signer) (*x509.Certificate, error) {
	req.PublicKey = key.Public()
	tmpl, err := g.template(req)
	if err != nil {
		return nil, err
	}
	tmpl.AuthorityKeyId = tmpl.SubjectKeyId

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, req.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("self-signed certificate does not verify: %w", err)
	}
	return cert, nil
}
