package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
)

// ErrUnsupportedEnvelope is returned for envelopes this build cannot open.
var ErrUnsupportedEnvelope = errors.New("unsupported envelope")

// Envelope is a sealed secret containing AES-256-GCM encrypted data with
// its nonce stored alongside.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Sealer encrypts with AES-256-GCM and returns nonce || ciphertext.
// key.Key satisfies it.
type Sealer interface {
	Encrypt(plainText, aad []byte) ([]byte, error)
}

// Opener is the decrypting counterpart of Sealer.
type Opener interface {
	Decrypt(cipherText, aad []byte) ([]byte, error)
}

type rawKey []byte

func (k rawKey) Encrypt(plainText, aad []byte) ([]byte, error) {
	return util.EncryptAESWithAAD(plainText, k, aad)
}

func (k rawKey) Decrypt(cipherText, aad []byte) ([]byte, error) {
	return util.DecryptAESWithAAD(cipherText, k, aad)
}

// SealRecord encrypts plaintext into an Envelope using the given raw key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	return Seal(rawKey(recordKey), plaintext, aad)
}

// OpenRecord decrypts an Envelope using the given raw key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	return Open(rawKey(recordKey), envelope, aad)
}

// Seal encrypts plaintext into an Envelope with s.
func Seal(s Sealer, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := s.Encrypt(plaintext, aad)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := util.SplitNonce(sealed)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Open decrypts an Envelope with o.
func Open(o Opener, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrUnsupportedEnvelope)
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedEnvelope, envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("%w: scheme %s", ErrUnsupportedEnvelope, envelope.Scheme)
	}

	// JoinNonce copies, so the envelope fields are never mutated.
	return o.Decrypt(util.JoinNonce(envelope.Nonce, envelope.Ciphertext), aad)
}
