package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize   = 32
	GCMNonceSize = 12
)

// ErrCiphertextTooShort is returned when a sealed value cannot even hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce size")

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func EncryptAES(plainText, rawKey []byte) ([]byte, error) {
	return EncryptAESWithAAD(plainText, rawKey, nil)
}

// EncryptAESWithAAD seals plainText with AES-256-GCM under a fresh random
// nonce and returns nonce || ciphertext.
func EncryptAESWithAAD(plainText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plainText, aad), nil
}

func DecryptAES(cipherText, rawKey []byte) ([]byte, error) {
	return DecryptAESWithAAD(cipherText, rawKey, nil)
}

// DecryptAESWithAAD opens a nonce || ciphertext value produced by
// EncryptAESWithAAD. Any tampering, wrong key or wrong AAD is an error.
func DecryptAESWithAAD(cipherText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	if len(cipherText) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, cipherText := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]

	plainText, err := gcm.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}

	return plainText, nil
}

// SplitNonce separates a nonce || ciphertext value into its two parts.
func SplitNonce(sealed []byte) (nonce, cipherText []byte, err error) {
	if len(sealed) < GCMNonceSize {
		return nil, nil, ErrCiphertextTooShort
	}
	return sealed[:GCMNonceSize], sealed[GCMNonceSize:], nil
}

// JoinNonce is the inverse of SplitNonce. It never aliases its inputs.
func JoinNonce(nonce, cipherText []byte) []byte {
	out := make([]byte, len(nonce)+len(cipherText))
	copy(out, nonce)
	copy(out[len(nonce):], cipherText)
	return out
}

func NewAESKey() ([]byte, error) {
	rawKey := make([]byte, AESKeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generating AES key: %w", err)
	}
	return rawKey, nil
}
