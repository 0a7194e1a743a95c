package util

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKD form of a password so that visually identical
// inputs derive the same key-store sealing key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecodeN decodes s and requires exactly n bytes.
func HexDecodeN(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	if len(b) != n {
		WipeBytes(b)
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
