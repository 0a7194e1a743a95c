package pki

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

const serialBits = 159

// maxSerialAttempts bounds retries after a serial collision.
const maxSerialAttempts = 5

var serialLimit = new(big.Int).Lsh(big.NewInt(1), serialBits)

// newSerialNumber returns a positive, non-zero random serial below 2^159, so
// its DER encoding never exceeds 20 octets.
func newSerialNumber() (*big.Int, error) {
	for {
		n, err := rand.Int(rand.Reader, serialLimit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// serialHex is the canonical lowercase hex form used as record and file key.
func serialHex(n *big.Int) string {
	return hex.EncodeToString(n.Bytes())
}

func parseSerialHex(s string) (*big.Int, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding serial %q: %w", s, err)
	}
	return new(big.Int).SetBytes(b), nil
}
