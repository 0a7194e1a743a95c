package vault

import (
	"log/slog"

	"github.com/jmcleod/ironca/internal/util"
)

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger used by the vault.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}

// WithArgon2idParams sets the KDF parameters used to seal new key stores.
// Existing key stores are opened with the parameters recorded in them.
func WithArgon2idParams(params util.Argon2idParams) Option {
	return func(v *Vault) {
		v.kdf = params
	}
}

// WithPasswordLength sets the length of generated key-store and entry
// passwords. Values below util.MinPasswordLength are rejected by Persist.
func WithPasswordLength(n int) Option {
	return func(v *Vault) {
		v.passwordLength = n
	}
}
