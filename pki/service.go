// Package pki is the certificate authority engine: distinguished names,
// certificate generation, the CA hierarchy and issuance, revocation lists,
// key-extraction permissions and single-use key exports.
package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/ironca/internal/lock"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/vault"
)

const (
	// DefaultDownloadTTL is how long a download request stays usable.
	DefaultDownloadTTL = 5 * time.Minute
	// DefaultValidityDays is the suggested validity shown for authorities.
	DefaultValidityDays = 365
	// crlValidity is the CRL next-update horizon.
	crlValidity = 7 * 24 * time.Hour
	// maxChainDepth guards hierarchy walks.
	maxChainDepth = 32
)

// KeyVault escrows and returns private keys by certificate serial.
// *vault.Vault satisfies it.
type KeyVault interface {
	Persist(ctx context.Context, serial, organization string, e *vault.Entry) error
	Load(ctx context.Context, serial, organization string) (*vault.Entry, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithKeyGenerator sets how key pairs for new certificates are created.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *Service) {
		s.keygen = g
	}
}

// WithPublicURL sets the base URL embedded in CRL distribution points.
func WithPublicURL(u string) Option {
	return func(s *Service) {
		s.generator = NewGenerator(u)
	}
}

// WithDownloadTTL sets how long download requests remain valid.
func WithDownloadTTL(d time.Duration) Option {
	return func(s *Service) {
		s.downloadTTL = d
	}
}

// Service is the CA hierarchy and issuance service together with the
// revocation engine, the permission evaluator and the export service.
type Service struct {
	store       *Store
	vault       KeyVault
	keys        vault.OrgKeys
	generator   *Generator
	keygen      KeyGenerator
	clock       Clock
	downloadTTL time.Duration
	locks       lock.Keyed
	logger      *slog.Logger
}

// NewService wires a Service. keys seals download passwords; kv escrows
// private keys.
func NewService(repo storage.Repository, keys vault.OrgKeys, kv KeyVault, opts ...Option) *Service {
	rsaGen, _ := NewKeyGenerator(AlgorithmRSA2048)
	s := &Service{
		store:       NewStore(repo),
		vault:       kv,
		keys:        keys,
		generator:   NewGenerator(""),
		keygen:      rsaGen,
		clock:       SystemClock,
		downloadTTL: DefaultDownloadTTL,
		logger:      slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "pki"))
	return s
}

// Store exposes the underlying typed store.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Now is the service clock in UTC, used to derive certificate status.
func (s *Service) Now() time.Time {
	return s.now()
}

// today is the start of the current UTC day.
func (s *Service) today() time.Time {
	return s.now().Truncate(24 * time.Hour)
}

// signer opens the escrowed key and certificate of an authority.
func (s *Service) signer(ctx context.Context, authority *Certificate) (crypto.Signer, *x509.Certificate, []*x509.Certificate, error) {
	if !authority.HasPrivateKey {
		return nil, nil, nil, invalidf("authority %s has no escrowed private key", authority.ID)
	}
	e, err := s.vault.Load(ctx, authority.SerialNumber, authority.Organization())
	if err != nil {
		return nil, nil, nil, s.internal("loading authority key", err, slog.String("certificate_id", authority.ID))
	}
	cert, err := authority.X509()
	if err != nil {
		return nil, nil, nil, s.internal("parsing authority certificate", err, slog.String("certificate_id", authority.ID))
	}
	return e.PrivateKey, cert, e.Chain, nil
}

// GetCertificate returns one certificate.
func (s *Service) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	c, err := s.store.Certificate(ctx, id)
	if err != nil {
		return nil, s.internal("loading certificate", err, slog.String("certificate_id", id))
	}
	return c, nil
}

// CertificatePEM returns the public certificate for plain download.
func (s *Service) CertificatePEM(ctx context.Context, id string) (*Export, error) {
	c, err := s.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Export{
		Filename:    "certificate-" + c.SerialNumber + ".pem",
		ContentType: "application/x-pem-file",
		Data:        c.PEM(),
	}, nil
}

// ChildrenOf returns the certificates issued directly by id.
func (s *Service) ChildrenOf(ctx context.Context, id string) ([]*Certificate, error) {
	if _, err := s.GetCertificate(ctx, id); err != nil {
		return nil, err
	}
	children, err := s.store.Children(ctx, id)
	if err != nil {
		return nil, s.internal("listing children", err, slog.String("certificate_id", id))
	}
	return children, nil
}
