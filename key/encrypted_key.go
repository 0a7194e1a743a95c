package key

import (
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

// Encrypted is key material wrapped by the key named by EncryptedBy.
type Encrypted interface {
	ID() string
	EncryptedBy() string
	Decrypter(d Decrypter, aad []byte) (Key, error)
}

// Rotatable can be rewrapped from one key to another, as when the master
// key changes and every organization key is wrapped again.
type Rotatable interface {
	Rotate(d Decrypter, e Encrypter, aad []byte) error
}

// EncryptedKey is an organization key wrapped by the master key.
type EncryptedKey interface {
	Encrypted
	Rotatable
	Type() Type
	Copy() EncryptedKey
}

type encryptedKey struct {
	keyID       string
	encryptedBy string
	keyType     Type
	bytes       []byte
}

func (ek *encryptedKey) ID() string {
	return ek.keyID
}

func (ek *encryptedKey) Type() Type {
	return ek.keyType
}

func (ek *encryptedKey) EncryptedBy() string {
	return ek.encryptedBy
}

func (ek *encryptedKey) Decrypter(d Decrypter, aad []byte) (Key, error) {
	if ek.encryptedBy != d.ID() {
		return nil, fmt.Errorf("%w: expected %s but got %s", ErrWrongKey, ek.encryptedBy, d.ID())
	}

	bytes, err := d.Decrypt(ek.bytes, aad)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(bytes)

	return newWithIDAndTypeAndBytes(ek.keyID, ek.keyType, bytes), nil
}

func (ek *encryptedKey) Rotate(d Decrypter, e Encrypter, aad []byte) error {
	if ek.encryptedBy != d.ID() {
		return fmt.Errorf("%w: expected %s but got %s", ErrWrongKey, ek.encryptedBy, d.ID())
	}

	bytes, err := d.Decrypt(ek.bytes, aad)
	if err != nil {
		return fmt.Errorf("decrypting key for rotation: %w", err)
	}
	defer util.WipeBytes(bytes)

	encBytes, err := e.Encrypt(bytes, aad)
	if err != nil {
		return fmt.Errorf("encrypting key for rotation: %w", err)
	}

	ek.encryptedBy = e.ID()
	ek.bytes = encBytes

	return nil
}

func (ek *encryptedKey) Copy() EncryptedKey {
	return &encryptedKey{
		keyID:       ek.keyID,
		encryptedBy: ek.encryptedBy,
		keyType:     ek.keyType,
		bytes:       util.CopyBytes(ek.bytes),
	}
}

func newEncryptedKey(e Encrypter, id string, keyType Type, bytes, aad []byte) (EncryptedKey, error) {
	encBytes, err := e.Encrypt(bytes, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting key: %w", err)
	}

	return &encryptedKey{
		keyID:       id,
		encryptedBy: e.ID(),
		keyType:     keyType,
		bytes:       encBytes,
	}, nil
}
