package key

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
)

// ErrWrongKey is returned when a wrapped key is opened with a key other than
// the one that wrapped it.
var ErrWrongKey = errors.New("wrapped by a different key")

// Encrypter can encrypt data and identify itself.
type Encrypter interface {
	ID() string
	Encrypt(plainText, aad []byte) ([]byte, error)
}

// Decrypter can decrypt data and identify itself.
type Decrypter interface {
	ID() string
	Decrypt(cipherText, aad []byte) ([]byte, error)
}

// Key represents a symmetric encryption key that can both encrypt and decrypt.
type Key interface {
	Type() Type
	EncryptKey(e Encrypter, aad []byte) (EncryptedKey, error)
	Copy() Key
	// Destroy wipes the key material. The key is unusable afterwards.
	Destroy()
	Encrypter
	Decrypter
}

type key struct {
	keyID   string
	keyType Type
	bytes   []byte
}

func (k *key) ID() string {
	return k.keyID
}

func (k *key) Type() Type {
	return k.keyType
}

func (k *key) EncryptKey(e Encrypter, aad []byte) (EncryptedKey, error) {
	return newEncryptedKey(e, k.keyID, k.keyType, k.bytes, aad)
}

func (k *key) Encrypt(plainText, aad []byte) ([]byte, error) {
	return util.EncryptAESWithAAD(plainText, k.bytes, aad)
}

func (k *key) Decrypt(cipherText, aad []byte) ([]byte, error) {
	return util.DecryptAESWithAAD(cipherText, k.bytes, aad)
}

func (k *key) Copy() Key {
	return newWithIDAndTypeAndBytes(k.keyID, k.keyType, k.bytes)
}

func (k *key) Destroy() {
	util.WipeBytes(k.bytes)
	k.bytes = nil
}

func newWithIDAndTypeAndBytes(keyID string, t Type, bytes []byte) Key {
	return &key{
		keyID:   keyID,
		keyType: t,
		bytes:   util.CopyBytes(bytes),
	}
}

// NewSymmetricKey generates a new random 256-bit AES symmetric key.
func NewSymmetricKey() (Key, error) {
	return newRandomKey(Symmetric)
}

// NewOrganizationKey generates a fresh per-organization data key.
func NewOrganizationKey() (Key, error) {
	return newRandomKey(Organization)
}

func newRandomKey(t Type) (Key, error) {
	rawKey, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", t, err)
	}
	defer util.WipeBytes(rawKey)
	return newWithIDAndTypeAndBytes(uuid.New(), t, rawKey), nil
}

// NewMasterKey wraps raw master key material. Its ID is a fingerprint of
// the material, so the same bytes always yield the same ID and keys wrapped
// under a different master are detected before decryption is attempted.
func NewMasterKey(raw []byte) (Key, error) {
	if len(raw) != util.AESKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", util.AESKeySize, len(raw))
	}
	return newWithIDAndTypeAndBytes(Fingerprint(raw), Master, raw), nil
}

// Fingerprint returns a short, non-reversible identifier for key material.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "mk-" + util.HexEncode(sum[:8])
}
