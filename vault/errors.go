package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyStoreNotFound indicates no escrowed key material exists for a serial.
	ErrKeyStoreNotFound = errors.New("key store not found")
	// ErrKeyStoreCorrupt indicates stored key material exists but cannot be
	// decrypted or parsed.
	ErrKeyStoreCorrupt = errors.New("key store corrupt")
	// ErrKeyStoreExists indicates an attempt to escrow a serial twice.
	ErrKeyStoreExists = errors.New("key store already exists")
	// ErrValidation indicates a malformed serial, organization or key.
	ErrValidation = errors.New("validation failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrKeyStoreCorrupt, fmt.Sprintf(format, args...))
}
