package util

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2SaltSize is the salt length used for every derived key.
const Argon2SaltSize = 16

// ErrInvalidKDFParams is returned for Argon2id parameters that cannot produce a usable key.
var ErrInvalidKDFParams = errors.New("invalid argon2id parameters")

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// Validate rejects parameter sets that are zero or would not yield an AES-256 key.
func (p Argon2idParams) Validate() error {
	if p.KeyLen != AESKeySize {
		return fmt.Errorf("%w: key length must be %d bytes", ErrInvalidKDFParams, AESKeySize)
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 {
		return fmt.Errorf("%w: time, memory and parallelism must be non-zero", ErrInvalidKDFParams)
	}
	return nil
}

// DeriveArgon2idKey stretches a password into an AES-256 key. The password
// is NFKD-normalised first so equivalent Unicode input derives the same key.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}
