package pki

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // RFC 5280 method 1 key identifier
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"nonRepudiation":    x509.KeyUsageContentCommitment,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
	"encipherOnly":      x509.KeyUsageEncipherOnly,
	"decipherOnly":      x509.KeyUsageDecipherOnly,
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"serverAuth":      x509.ExtKeyUsageServerAuth,
	"clientAuth":      x509.ExtKeyUsageClientAuth,
	"codeSigning":     x509.ExtKeyUsageCodeSigning,
	"emailProtection": x509.ExtKeyUsageEmailProtection,
	"timeStamping":    x509.ExtKeyUsageTimeStamping,
}

// RFC 5280 CRLReason values. 7 is unused.
var reasonCodes = map[string]int{
	"unspecified":          0,
	"keyCompromise":        1,
	"cACompromise":         2,
	"affiliationChanged":   3,
	"superseded":           4,
	"cessationOfOperation": 5,
	"certificateHold":      6,
	"removeFromCRL":        8,
	"privilegeWithdrawn":   9,
	"aACompromise":         10,
}

const caKeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign

// keyUsage assembles the KeyUsage bitmask for names. CA types always get
// keyCertSign and cRLSign; end entities may not ask for them.
func keyUsage(names []string, t CertType) (x509.KeyUsage, error) {
	var ku x509.KeyUsage
	for _, n := range names {
		bit, ok := keyUsageNames[n]
		if !ok {
			return 0, invalidf("unknown key usage %q", n)
		}
		ku |= bit
	}
	if len(names) == 0 {
		ku = x509.KeyUsageDigitalSignature
		if t == TypeEndEntity {
			ku |= x509.KeyUsageKeyEncipherment
		}
	}
	if t.IsCA() {
		ku |= caKeyUsage
	} else if ku&caKeyUsage != 0 {
		return 0, invalidf("end-entity certificates cannot carry keyCertSign or cRLSign")
	}
	return ku, nil
}

func extKeyUsage(names []string) ([]x509.ExtKeyUsage, error) {
	var out []x509.ExtKeyUsage
	seen := make(map[x509.ExtKeyUsage]bool)
	for _, n := range names {
		eku, ok := extKeyUsageNames[n]
		if !ok {
			return nil, invalidf("unknown extended key usage %q", n)
		}
		if !seen[eku] {
			seen[eku] = true
			out = append(out, eku)
		}
	}
	return out, nil
}

// ReasonCode maps a revocation reason name to its CRL reason code. An
// empty name is "unspecified".
func ReasonCode(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	code, ok := reasonCodes[name]
	if !ok {
		return 0, invalidf("unknown revocation reason %q", name)
	}
	return code, nil
}

// ReasonNames returns the accepted revocation reason names, sorted.
func ReasonNames() []string {
	names := make([]string, 0, len(reasonCodes))
	for n := range reasonCodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func reasonName(code int) string {
	for n, c := range reasonCodes {
		if c == code {
			return n
		}
	}
	return "unspecified"
}

// SANs are the subject alternative names requested for a certificate.
type SANs struct {
	DNSNames       []string `json:"dns_names,omitempty"`
	IPAddresses    []string `json:"ip_addresses,omitempty"`
	EmailAddresses []string `json:"email_addresses,omitempty"`
	URIs           []string `json:"uris,omitempty"`
}

type parsedSANs struct {
	dns    []string
	ips    []net.IP
	emails []string
	uris   []*url.URL
}

func (s SANs) parse() (*parsedSANs, error) {
	p := &parsedSANs{}
	for _, d := range s.DNSNames {
		if d == "" || strings.ContainsAny(d, " /@") {
			return nil, invalidf("invalid DNS name %q", d)
		}
		p.dns = append(p.dns, d)
	}
	for _, raw := range s.IPAddresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, invalidf("invalid IP address %q", raw)
		}
		p.ips = append(p.ips, ip)
	}
	for _, e := range s.EmailAddresses {
		if !strings.Contains(e, "@") {
			return nil, invalidf("invalid email address %q", e)
		}
		p.emails = append(p.emails, e)
	}
	for _, raw := range s.URIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, invalidf("invalid URI %q", raw)
		}
		p.uris = append(p.uris, u)
	}
	return p, nil
}

func sansFromCSR(csr *x509.CertificateRequest) *parsedSANs {
	return &parsedSANs{
		dns:    csr.DNSNames,
		ips:    csr.IPAddresses,
		emails: csr.EmailAddresses,
		uris:   csr.URIs,
	}
}

// subjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1 of
// the subjectPublicKey bit string.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) //nolint:gosec
	return sum[:], nil
}

// crlURL is the distribution point for the CRL of authorityID.
func crlURL(publicURL, authorityID string) string {
	return strings.TrimRight(publicURL, "/") + "/api/v1/crl/" + authorityID
}
