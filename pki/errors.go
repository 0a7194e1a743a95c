package pki

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironca/orgkey"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/vault"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrNotFound is returned when a certificate, authority, user or
	// download request does not exist, or a download request has expired.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for requests that can never succeed as
	// submitted: bad validity windows, bad CSR signatures, unknown usage
	// names, malformed distinguished names.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDenied is returned when the principal may not perform the
	// operation. It never carries detail about the target.
	ErrDenied = errors.New("permission denied")

	// ErrServerError is returned for cryptographic and storage faults. The
	// cause is logged; callers only see this sentinel.
	ErrServerError = errors.New("internal error")
)

var (
	// ErrAlreadyRevoked is returned when revoking a revoked certificate.
	ErrAlreadyRevoked = fmt.Errorf("%w: certificate is already revoked", ErrInvalidRequest)

	// ErrInvalidPEM is returned when PEM input cannot be decoded.
	ErrInvalidPEM = fmt.Errorf("%w: invalid PEM data", ErrInvalidRequest)
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// internal logs cause and returns an opaque ErrServerError. Errors that
// translate onto the rest of the taxonomy pass through.
func (s *Service) internal(msg string, cause error, attrs ...any) error {
	if err := translate(cause); isTaxonomy(err) {
		return err
	}
	s.logger.Error(msg, append(attrs, slog.Any("error", cause))...)
	return fmt.Errorf("%w: %s", ErrServerError, msg)
}

func isTaxonomy(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDenied) ||
		errors.Is(err, ErrServerError)
}

// translate maps lower-layer errors onto the taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isTaxonomy(err):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, vault.ErrValidation), errors.Is(err, orgkey.ErrInvalidOrganization):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return err
	}
}
