package key

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

// jsonEncryptedKey stores the nonce apart from the ciphertext so the
// persisted form carries both halves of the wrap explicitly.
type jsonEncryptedKey struct {
	KeyID       string `json:"keyId"`
	EncryptedBy string `json:"encryptedBy"`
	KeyType     Type   `json:"keyType"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (ek *encryptedKey) MarshalJSON() ([]byte, error) {
	nonce, ct, err := util.SplitNonce(ek.bytes)
	if err != nil {
		return nil, fmt.Errorf("marshaling encrypted key: %w", err)
	}
	return json.Marshal(&jsonEncryptedKey{
		KeyID:       ek.keyID,
		EncryptedBy: ek.encryptedBy,
		KeyType:     ek.keyType,
		Nonce:       nonce,
		Ciphertext:  ct,
	})
}

func (ek *encryptedKey) UnmarshalJSON(b []byte) error {
	return unmarshalEncryptedKey(&jsonEncryptedKey{}, ek, b)
}

func unmarshalEncryptedKey(jek *jsonEncryptedKey, ek *encryptedKey, b []byte) error {
	if err := json.Unmarshal(b, jek); err != nil {
		return fmt.Errorf("unmarshaling encrypted key JSON: %w", err)
	}
	if len(jek.Nonce) != util.GCMNonceSize {
		return fmt.Errorf("unmarshaling encrypted key JSON: nonce must be %d bytes", util.GCMNonceSize)
	}

	ek.keyID = jek.KeyID
	ek.encryptedBy = jek.EncryptedBy
	ek.keyType = jek.KeyType
	ek.bytes = util.JoinNonce(jek.Nonce, jek.Ciphertext)

	return nil
}

// UnmarshalEncryptedKey deserializes an EncryptedKey from JSON.
func UnmarshalEncryptedKey(message json.RawMessage) (EncryptedKey, error) {
	jek := &jsonEncryptedKey{}
	ek := &encryptedKey{}

	if err := unmarshalEncryptedKey(jek, ek, message); err != nil {
		return nil, err
	}

	return ek, nil
}
