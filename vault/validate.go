package vault

import (
	"unicode"
	"unicode/utf8"
)

const (
	// MaxSerialLength bounds a hex serial; 20 octets is the X.509 maximum.
	MaxSerialLength = 40
	// MaxOrganizationLength matches the upper bound for an X.520 organizationName.
	MaxOrganizationLength = 64
)

// validateSerial ensures serial is lowercase hex so it is safe as a file name.
func validateSerial(serial string) error {
	if serial == "" {
		return validationErrorf("serial must not be empty")
	}
	if len(serial) > MaxSerialLength {
		return validationErrorf("serial exceeds maximum length of %d", MaxSerialLength)
	}
	for _, r := range serial {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return validationErrorf("serial contains non-hex character %q", r)
		}
	}
	return nil
}

func validateOrganization(org string) error {
	if org == "" {
		return validationErrorf("organization must not be empty")
	}
	if len(org) > MaxOrganizationLength {
		return validationErrorf("organization exceeds maximum length of %d", MaxOrganizationLength)
	}
	if !utf8.ValidString(org) {
		return validationErrorf("organization contains invalid UTF-8")
	}
	for _, r := range org {
		if unicode.IsControl(r) {
			return validationErrorf("organization contains control character")
		}
	}
	return nil
}
