package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Attribute OIDs in canonical RDN order.
var (
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidState              = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidStreet             = asn1.ObjectIdentifier{2, 5, 4, 9}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidSurname            = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidGivenName          = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidInitials           = asn1.ObjectIdentifier{2, 5, 4, 43}
	oidGeneration         = asn1.ObjectIdentifier{2, 5, 4, 44}
	oidTitle              = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidSerialNumber       = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidPseudonym          = asn1.ObjectIdentifier{2, 5, 4, 65}
	oidEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

const maxAttributeLength = 128

// Subject is the flat set of optional subject attributes accepted by
// issuance requests.
type Subject struct {
	Country            string `json:"c,omitempty"`
	State              string `json:"st,omitempty"`
	Locality           string `json:"l,omitempty"`
	Street             string `json:"street,omitempty"`
	Organization       string `json:"o,omitempty"`
	OrganizationalUnit string `json:"ou,omitempty"`
	CommonName         string `json:"cn,omitempty"`
	Surname            string `json:"surname,omitempty"`
	GivenName          string `json:"given_name,omitempty"`
	Initials           string `json:"initials,omitempty"`
	Generation         string `json:"generation,omitempty"`
	Title              string `json:"title,omitempty"`
	SerialNumber       string `json:"serial_number,omitempty"`
	Pseudonym          string `json:"pseudonym,omitempty"`
	Email              string `json:"email,omitempty"`
}

func (s Subject) attributes() []pkix.AttributeTypeAndValue {
	pairs := []struct {
		oid   asn1.ObjectIdentifier
		value string
	}{
		{oidCountry, s.Country},
		{oidState, s.State},
		{oidLocality, s.Locality},
		{oidStreet, s.Street},
		{oidOrganization, s.Organization},
		{oidOrganizationalUnit, s.OrganizationalUnit},
		{oidCommonName, s.CommonName},
		{oidSurname, s.Surname},
		{oidGivenName, s.GivenName},
		{oidInitials, s.Initials},
		{oidGeneration, s.Generation},
		{oidTitle, s.Title},
		{oidSerialNumber, s.SerialNumber},
		{oidPseudonym, s.Pseudonym},
		{oidEmailAddress, s.Email},
	}
	var attrs []pkix.AttributeTypeAndValue
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		var v any = p.value
		if p.oid.Equal(oidEmailAddress) {
			// PKCS#9 emailAddress is an IA5String.
			v = asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(p.value)}
		}
		attrs = append(attrs, pkix.AttributeTypeAndValue{Type: p.oid, Value: v})
	}
	return attrs
}

// Validate rejects subjects that would produce a malformed name. Common
// name and organization are required; organization scopes key material.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.CommonName) == "" {
		return invalidf("subject common name is required")
	}
	if strings.TrimSpace(s.Organization) == "" {
		return invalidf("subject organization is required")
	}
	if s.Country != "" && (len(s.Country) != 2 || strings.ToUpper(s.Country) != s.Country) {
		return invalidf("subject country must be a two-letter ISO 3166 code")
	}
	for _, a := range s.attributes() {
		v, ok := a.Value.(string)
		if !ok {
			v = string(a.Value.(asn1.RawValue).Bytes)
		}
		if len(v) > maxAttributeLength {
			return invalidf("subject attribute %s exceeds %d bytes", a.Type, maxAttributeLength)
		}
		if !utf8.ValidString(v) {
			return invalidf("subject attribute %s is not valid UTF-8", a.Type)
		}
		for _, r := range v {
			if unicode.IsControl(r) {
				return invalidf("subject attribute %s contains a control character", a.Type)
			}
		}
	}
	if s.Email != "" {
		for _, r := range s.Email {
			if r > unicode.MaxASCII {
				return invalidf("subject email must be ASCII")
			}
		}
	}
	return nil
}

// BuildName maps s to an RDN sequence in canonical order, one attribute per
// RDN, omitting empty attributes.
func BuildName(s Subject) pkix.RDNSequence {
	attrs := s.attributes()
	seq := make(pkix.RDNSequence, 0, len(attrs))
	for _, a := range attrs {
		seq = append(seq, pkix.RelativeDistinguishedNameSET{a})
	}
	return seq
}

// EncodeName validates s and returns its DER-encoded name.
func EncodeName(s Subject) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	raw, err := asn1.Marshal(BuildName(s))
	if err != nil {
		return nil, invalidf("encoding subject: %v", err)
	}
	return raw, nil
}

func parseName(raw []byte) (pkix.RDNSequence, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &seq)
	if err != nil {
		return nil, invalidf("malformed name: %v", err)
	}
	if len(rest) != 0 {
		return nil, invalidf("malformed name: trailing data")
	}
	return seq, nil
}

func nameAttribute(raw []byte, oid asn1.ObjectIdentifier, label string) (string, error) {
	seq, err := parseName(raw)
	if err != nil {
		return "", err
	}
	for _, rdn := range seq {
		for _, atv := range rdn {
			if atv.Type.Equal(oid) {
				if v, ok := atv.Value.(string); ok {
					return v, nil
				}
			}
		}
	}
	return "", notFoundf("name has no %s", label)
}

// Organization extracts the organizationName from a DER-encoded name.
func Organization(raw []byte) (string, error) {
	return nameAttribute(raw, oidOrganization, "organization")
}

// CommonName extracts the commonName from a DER-encoded name.
func CommonName(raw []byte) (string, error) {
	return nameAttribute(raw, oidCommonName, "common name")
}

// NameString renders a DER-encoded name in RFC 2253 form.
func NameString(raw []byte) string {
	seq, err := parseName(raw)
	if err != nil {
		return ""
	}
	return seq.String()
}
