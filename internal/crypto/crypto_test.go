package icrypto

import (
	"bytes"
	"testing"
)

func TestAAD(t *testing.T) {
	aad1 := AADPassword("keystore", "0a1b", "Acme", 1)
	aad2 := AADPassword("keystore", "0a1b", "Acme", 1)
	if !bytes.Equal(aad1, aad2) {
		t.Error("AADPassword should be deterministic")
	}

	if bytes.Equal(aad1, AADPassword("entry", "0a1b", "Acme", 1)) {
		t.Error("AADPassword should differ by kind")
	}
	if bytes.Equal(aad1, AADPassword("keystore", "0a1c", "Acme", 1)) {
		t.Error("AADPassword should differ by serial")
	}
	if bytes.Equal(aad1, AADPassword("keystore", "0a1b", "Globex", 1)) {
		t.Error("AADPassword should differ by organization")
	}

	// Length prefixes keep adjacent fields from sliding into each other.
	a := AADOrgKeyWrap("ab", "c", 1)
	b := AADOrgKeyWrap("a", "bc", 1)
	if bytes.Equal(a, b) {
		t.Error("AADOrgKeyWrap should be unambiguous across field boundaries")
	}

	if bytes.Equal(AADDownload("r1", "c1", 1), AADDownload("r2", "c1", 1)) {
		t.Error("AADDownload should differ by request id")
	}
	if len(AADKeyStore("0a1b", 1)) == 0 {
		t.Error("AADKeyStore produced empty AAD")
	}
}
