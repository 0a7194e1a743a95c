// Package orgkey resolves an organization name to that organization's
// symmetric data key. Keys are created lazily, wrapped under a single master
// key and persisted through a storage.Repository.
package orgkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/lock"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/key"
	"github.com/jmcleod/ironca/storage"
)

// RecordType is the storage record type holding wrapped organization keys.
const RecordType = "orgkey"

const wrapVersion = 1

var (
	// ErrUnwrap is returned when a stored organization key cannot be opened:
	// it was tampered with, is malformed, or was wrapped by another master key.
	ErrUnwrap = errors.New("organization key unwrap failed")
	// ErrInvalidOrganization is returned for an empty organization name.
	ErrInvalidOrganization = errors.New("invalid organization")
	// ErrInvalidMasterKey is returned when master key material has the wrong size.
	ErrInvalidMasterKey = errors.New("invalid master key")
)

// wrappedKey is the persisted form of one organization key.
type wrappedKey struct {
	Organization string          `json:"organization"`
	Ver          int             `json:"ver"`
	Key          json.RawMessage `json:"key"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used by the provider.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// Provider is the organization key resolver. It is safe for concurrent use.
type Provider struct {
	repo   storage.Repository
	locks  lock.Keyed
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	master   *memguard.Enclave
	masterID string
}

// New creates a Provider wrapping organization keys under masterKey. The
// master key is moved into a memguard enclave and masterKey is wiped.
func New(repo storage.Repository, masterKey []byte, opts ...Option) (*Provider, error) {
	if len(masterKey) != util.AESKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, util.AESKeySize, len(masterKey))
	}
	p := &Provider{
		repo:   repo,
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "orgkey"))
	p.masterID = key.Fingerprint(masterKey)
	// NewEnclave wipes its source buffer.
	p.master = memguard.NewEnclave(masterKey)
	return p, nil
}

// MasterKeyID returns the fingerprint of the current master key.
func (p *Provider) MasterKeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.masterID
}

func (p *Provider) withMaster(fn func(mk key.Key) error) error {
	p.mu.RLock()
	enc := p.master
	p.mu.RUnlock()
	return withEnclave(enc, fn)
}

func withEnclave(enc *memguard.Enclave, fn func(mk key.Key) error) error {
	buf, err := enc.Open()
	if err != nil {
		return fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()

	mk, err := key.NewMasterKey(buf.Bytes())
	if err != nil {
		return err
	}
	defer mk.Destroy()
	return fn(mk)
}

// GetOrCreate returns the organization's key, generating and persisting one
// on first use. Concurrent first calls for the same organization converge on
// a single key. The caller owns the returned key and should Destroy it.
func (p *Provider) GetOrCreate(ctx context.Context, organization string) (key.Key, error) {
	if organization == "" {
		return nil, ErrInvalidOrganization
	}

	k, err := p.load(ctx, organization)
	if !errors.Is(err, storage.ErrNotFound) {
		return k, err
	}

	unlock, err := p.locks.LockContext(ctx, organization)
	if err != nil {
		return nil, err
	}
	defer unlock()

	k, err = p.load(ctx, organization)
	if !errors.Is(err, storage.ErrNotFound) {
		return k, err
	}
	return p.create(ctx, organization)
}

func (p *Provider) create(ctx context.Context, organization string) (key.Key, error) {
	orgKey, err := key.NewOrganizationKey()
	if err != nil {
		return nil, err
	}

	var rec *storage.Record
	err = p.withMaster(func(mk key.Key) error {
		ek, err := orgKey.EncryptKey(mk, icrypto.AADOrgKeyWrap(organization, orgKey.ID(), wrapVersion))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ek)
		if err != nil {
			return err
		}
		rec, err = storage.EncodeJSON(&wrappedKey{
			Organization: organization,
			Ver:          wrapVersion,
			Key:          raw,
			CreatedAt:    p.now().UTC(),
		}, 1)
		return err
	})
	if err != nil {
		orgKey.Destroy()
		return nil, fmt.Errorf("wrapping key for %s: %w", organization, err)
	}

	err = p.repo.PutCAS(ctx, RecordType, organization, 0, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		// Another process created it between our read and write.
		orgKey.Destroy()
		return p.load(ctx, organization)
	}
	if err != nil {
		orgKey.Destroy()
		return nil, fmt.Errorf("storing key for %s: %w", organization, err)
	}

	p.logger.Info("organization key created", slog.String("organization", organization), slog.String("key_id", orgKey.ID()))
	return orgKey, nil
}

func (p *Provider) load(ctx context.Context, organization string) (key.Key, error) {
	var w wrappedKey
	if _, err := storage.GetJSON(ctx, p.repo, RecordType, organization, &w); err != nil {
		return nil, err
	}
	ek, err := decodeWrapped(organization, &w)
	if err != nil {
		return nil, err
	}

	var orgKey key.Key
	err = p.withMaster(func(mk key.Key) error {
		orgKey, err = ek.Decrypter(mk, icrypto.AADOrgKeyWrap(organization, ek.ID(), w.Ver))
		return err
	})
	if err != nil {
		p.logger.Error("organization key unwrap failed", slog.String("organization", organization), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnwrap, organization, err)
	}
	return orgKey, nil
}

func decodeWrapped(organization string, w *wrappedKey) (key.EncryptedKey, error) {
	if w.Organization != organization || w.Ver != wrapVersion {
		return nil, fmt.Errorf("%w: %s: record does not match", ErrUnwrap, organization)
	}
	ek, err := key.UnmarshalEncryptedKey(w.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnwrap, organization, err)
	}
	if ek.Type() != key.Organization {
		return nil, fmt.Errorf("%w: %s: unexpected key type %s", ErrUnwrap, organization, ek.Type())
	}
	return ek, nil
}

// Rotate rewraps every stored organization key under newMaster and then
// makes newMaster the provider's master key. Organization keys themselves do
// not change, so data sealed under them stays readable. Keys already wrapped
// by newMaster are skipped, which makes an interrupted rotation resumable.
// It returns how many keys were rewrapped. newMaster is wiped.
func (p *Provider) Rotate(ctx context.Context, newMaster []byte) (int, error) {
	if len(newMaster) != util.AESKeySize {
		return 0, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, util.AESKeySize, len(newMaster))
	}
	newID := key.Fingerprint(newMaster)
	newEnc := memguard.NewEnclave(newMaster)

	orgs, err := p.repo.List(ctx, RecordType)
	if err != nil {
		return 0, fmt.Errorf("listing organization keys: %w", err)
	}

	rotated := 0
	err = p.withMaster(func(oldMK key.Key) error {
		return withEnclave(newEnc, func(newMK key.Key) error {
			for _, org := range orgs {
				done, err := p.rotateOne(ctx, org, oldMK, newMK)
				if err != nil {
					return err
				}
				if done {
					rotated++
				}
			}
			return nil
		})
	})
	if err != nil {
		return rotated, err
	}

	p.mu.Lock()
	p.master = newEnc
	p.masterID = newID
	p.mu.Unlock()

	p.logger.Info("master key rotated", slog.String("master_key_id", newID), slog.Int("rewrapped", rotated))
	return rotated, nil
}

func (p *Provider) rotateOne(ctx context.Context, organization string, oldMK, newMK key.Key) (bool, error) {
	unlock, err := p.locks.LockContext(ctx, organization)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := p.repo.Get(ctx, RecordType, organization)
	if err != nil {
		return false, err
	}
	var w wrappedKey
	if err := storage.DecodeJSON(rec, &w); err != nil {
		return false, err
	}
	ek, err := decodeWrapped(organization, &w)
	if err != nil {
		return false, err
	}
	if ek.EncryptedBy() == newMK.ID() {
		return false, nil
	}

	if err := ek.Rotate(oldMK, newMK, icrypto.AADOrgKeyWrap(organization, ek.ID(), w.Ver)); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrUnwrap, organization, err)
	}
	w.Key, err = json.Marshal(ek)
	if err != nil {
		return false, err
	}
	next, err := storage.EncodeJSON(&w, rec.Version+1)
	if err != nil {
		return false, err
	}
	if err := p.repo.PutCAS(ctx, RecordType, organization, rec.Version, next); err != nil {
		return false, fmt.Errorf("storing rewrapped key for %s: %w", organization, err)
	}
	return true, nil
}
