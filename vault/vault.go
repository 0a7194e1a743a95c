// Package vault escrows the private keys the CA generates. Each certificate
// serial gets a key-store file and two encrypted password files; the
// passwords are sealed under the owning organization's key.
package vault

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/lock"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/key"
	"github.com/jmcleod/ironca/storage"
)

// DefaultPasswordLength is the length of generated passwords.
const DefaultPasswordLength = 24

const passwordVersion = 1

// PasswordKind names one of the two per-serial passwords.
type PasswordKind string

const (
	KeyStorePassword PasswordKind = "keystore"
	EntryPassword    PasswordKind = "entry"
)

// OrgKeys resolves an organization to its data key. *orgkey.Provider
// satisfies it.
type OrgKeys interface {
	GetOrCreate(ctx context.Context, organization string) (key.Key, error)
}

// Vault is the key and password vault. It is safe for concurrent use.
type Vault struct {
	files          *FileStore
	keys           OrgKeys
	kdf            util.Argon2idParams
	passwordLength int
	locks          lock.Keyed
	logger         *slog.Logger
}

// New creates a Vault storing files in files and sealing passwords with
// keys from keys.
func New(files *FileStore, keys OrgKeys, opts ...Option) *Vault {
	v := &Vault{
		files:          files,
		keys:           keys,
		kdf:            util.DefaultArgon2idParams(),
		passwordLength: DefaultPasswordLength,
		logger:         slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("component", "vault"))
	return v
}

// Persist escrows e under serial for organization. The password files are
// written before the key store, and all three are synced before Persist
// returns, so the caller may commit its certificate record afterwards.
func (v *Vault) Persist(ctx context.Context, serial, organization string, e *Entry) error {
	if err := validateSerial(serial); err != nil {
		return err
	}
	if err := validateOrganization(organization); err != nil {
		return err
	}
	if e == nil || e.PrivateKey == nil || e.Certificate == nil {
		return validationErrorf("entry must carry a private key and certificate")
	}

	unlock, err := v.locks.LockContext(ctx, organization)
	if err != nil {
		return err
	}
	defer unlock()

	if ok, err := v.files.Exists(keyStoreName(serial)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%s: %w", serial, ErrKeyStoreExists)
	}

	orgKey, err := v.keys.GetOrCreate(ctx, organization)
	if err != nil {
		return fmt.Errorf("resolving organization key: %w", err)
	}
	defer orgKey.Destroy()

	ksPass, err := util.GeneratePassword(v.passwordLength)
	if err != nil {
		return err
	}
	entryPass, err := util.GeneratePassword(v.passwordLength)
	if err != nil {
		return err
	}

	for kind, pass := range map[PasswordKind]string{KeyStorePassword: ksPass, EntryPassword: entryPass} {
		blob, err := sealPassword(orgKey, kind, serial, organization, pass)
		if err != nil {
			return err
		}
		if err := v.files.Write(passwordName(kind, serial), blob); err != nil {
			return err
		}
	}

	data, err := sealContainer(serial, e, ksPass, entryPass, v.kdf)
	if err != nil {
		return err
	}
	if err := v.files.Create(keyStoreName(serial), data); err != nil {
		return err
	}

	v.logger.Info("private key escrowed", slog.String("serial", serial), slog.String("organization", organization))
	return nil
}

// Load opens the key store for serial. organization must be the one the
// entry was persisted under.
func (v *Vault) Load(ctx context.Context, serial, organization string) (*Entry, error) {
	if err := validateSerial(serial); err != nil {
		return nil, err
	}
	if err := validateOrganization(organization); err != nil {
		return nil, err
	}

	data, err := v.files.Read(keyStoreName(serial))
	if err != nil {
		return nil, err
	}

	orgKey, err := v.keys.GetOrCreate(ctx, organization)
	if err != nil {
		return nil, fmt.Errorf("resolving organization key: %w", err)
	}
	defer orgKey.Destroy()

	ksPass, err := v.readPassword(orgKey, KeyStorePassword, serial, organization)
	if err != nil {
		return nil, err
	}
	entryPass, err := v.readPassword(orgKey, EntryPassword, serial, organization)
	if err != nil {
		return nil, err
	}

	e, err := openContainer(serial, data, ksPass, entryPass)
	if err != nil {
		v.logger.Error("key store unreadable", slog.String("serial", serial), slog.Any("error", err))
		return nil, err
	}
	return e, nil
}

// LoadPrivateKey returns the escrowed private key for serial.
func (v *Vault) LoadPrivateKey(ctx context.Context, serial, organization string) (crypto.Signer, error) {
	e, err := v.Load(ctx, serial, organization)
	if err != nil {
		return nil, err
	}
	return e.PrivateKey, nil
}

// LoadCertificate returns the certificate stored in serial's key store.
func (v *Vault) LoadCertificate(ctx context.Context, serial, organization string) (*x509.Certificate, error) {
	e, err := v.Load(ctx, serial, organization)
	if err != nil {
		return nil, err
	}
	return e.Certificate, nil
}

// Exists reports whether a key store has been escrowed for serial.
func (v *Vault) Exists(serial string) (bool, error) {
	if err := validateSerial(serial); err != nil {
		return false, err
	}
	return v.files.Exists(keyStoreName(serial))
}

func sealPassword(orgKey key.Key, kind PasswordKind, serial, organization, password string) ([]byte, error) {
	env, err := storage.Seal(orgKey, []byte(password), icrypto.AADPassword(string(kind), serial, organization, passwordVersion))
	if err != nil {
		return nil, fmt.Errorf("sealing %s password: %w", kind, err)
	}
	return json.Marshal(env)
}

func (v *Vault) readPassword(orgKey key.Key, kind PasswordKind, serial, organization string) (string, error) {
	blob, err := v.files.Read(passwordName(kind, serial))
	if err != nil {
		if errors.Is(err, ErrKeyStoreNotFound) {
			return "", corruptf("%s: %s password missing", serial, kind)
		}
		return "", err
	}
	var env storage.Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", corruptf("%s: %s password: %v", serial, kind, err)
	}
	pass, err := storage.Open(orgKey, &env, icrypto.AADPassword(string(kind), serial, organization, passwordVersion))
	if err != nil {
		v.logger.Error("password decrypt failed", slog.String("serial", serial), slog.String("kind", string(kind)), slog.Any("error", err))
		return "", corruptf("%s: %s password does not open", serial, kind)
	}
	defer util.WipeBytes(pass)
	return string(pass), nil
}
