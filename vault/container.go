package vault

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

const (
	containerVersion = 1

	pemCertificate         = "CERTIFICATE"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"

	// Upper bounds for KDF parameters read back from disk.
	maxKDFTime      = 16
	maxKDFMemoryKiB = 1 << 20
)

// container is the on-disk key store. Its envelope seals a PEM bundle of
// the certificate chain and the entry-password protected private key under
// a key derived from the key-store password.
type container struct {
	Ver      int                 `json:"ver"`
	KDF      util.Argon2idParams `json:"kdf"`
	Salt     []byte              `json:"salt"`
	Envelope *storage.Envelope   `json:"envelope"`
}

// Entry is the content of one key store.
type Entry struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	// Chain holds the issuer certificates stored alongside, nearest first.
	Chain []*x509.Certificate
}

func sealContainer(serial string, e *Entry, keyStorePassword, entryPassword string, kdf util.Argon2idParams) ([]byte, error) {
	der, err := pkcs8.MarshalPrivateKey(e.PrivateKey, []byte(entryPassword), nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key entry: %w", err)
	}

	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: e.Certificate.Raw})...)
	for _, c := range e.Chain {
		bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: c.Raw})...)
	}
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivateKey, Bytes: der})...)
	defer util.WipeBytes(bundle)

	salt, err := util.RandomBytes(util.Argon2SaltSize)
	if err != nil {
		return nil, err
	}
	sealKey, err := util.DeriveArgon2idKey(keyStorePassword, salt, kdf)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(sealKey)

	env, err := storage.SealRecord(sealKey, bundle, icrypto.AADKeyStore(serial, containerVersion))
	if err != nil {
		return nil, fmt.Errorf("sealing key store: %w", err)
	}
	return json.Marshal(&container{
		Ver:      containerVersion,
		KDF:      kdf,
		Salt:     salt,
		Envelope: env,
	})
}

func openContainer(serial string, data []byte, keyStorePassword, entryPassword string) (*Entry, error) {
	var c container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, corruptf("%s: %v", serial, err)
	}
	if c.Ver != containerVersion {
		return nil, corruptf("%s: unsupported version %d", serial, c.Ver)
	}
	if c.KDF.Time > maxKDFTime || c.KDF.MemoryKiB > maxKDFMemoryKiB {
		return nil, corruptf("%s: KDF parameters out of range", serial)
	}
	if len(c.Salt) != util.Argon2SaltSize {
		return nil, corruptf("%s: bad salt", serial)
	}

	sealKey, err := util.DeriveArgon2idKey(keyStorePassword, c.Salt, c.KDF)
	if err != nil {
		return nil, corruptf("%s: %v", serial, err)
	}
	defer util.WipeBytes(sealKey)

	bundle, err := storage.OpenRecord(sealKey, c.Envelope, icrypto.AADKeyStore(serial, containerVersion))
	if err != nil {
		return nil, corruptf("%s: wrong key-store password or tampered container", serial)
	}
	defer util.WipeBytes(bundle)

	e := &Entry{}
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case pemCertificate:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, corruptf("%s: %v", serial, err)
			}
			if e.Certificate == nil {
				e.Certificate = cert
			} else {
				e.Chain = append(e.Chain, cert)
			}
		case pemEncryptedPrivateKey:
			priv, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(entryPassword))
			if err != nil {
				return nil, corruptf("%s: wrong entry password: %v", serial, err)
			}
			signer, ok := priv.(crypto.Signer)
			if !ok {
				return nil, corruptf("%s: private key of type %T cannot sign", serial, priv)
			}
			e.PrivateKey = signer
		}
	}
	if e.Certificate == nil || e.PrivateKey == nil {
		return nil, corruptf("%s: incomplete key store", serial)
	}
	return e, nil
}
