package pki

import (
	"context"
	"errors"
	"log/slog"
)

// CanExtractPrivateKey decides whether p may export the private key of
// certID. A missing certificate yields false rather than ErrNotFound.
//
//   - REGULAR_USER: only certificates they own.
//   - CA_USER: non END_ENTITY certificates with an owned certificate in
//     their chain, the certificate itself included.
//   - ADMINISTRATOR: any non END_ENTITY certificate.
func (s *Service) CanExtractPrivateKey(ctx context.Context, p Principal, certID string) (bool, error) {
	c, err := s.store.Certificate(ctx, certID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.internal("loading certificate", err, slog.String("certificate_id", certID))
	}
	return s.canExtract(ctx, p, c)
}

func (s *Service) canExtract(ctx context.Context, p Principal, c *Certificate) (bool, error) {
	switch p.Role {
	case RoleRegularUser:
		return c.OwnerID == p.UserID, nil
	case RoleCAUser:
		if c.Type == TypeEndEntity {
			return false, nil
		}
		return s.chainOwnedBy(ctx, c, p.UserID)
	case RoleAdministrator:
		return c.Type != TypeEndEntity, nil
	default:
		return false, nil
	}
}

// CanRevoke decides whether p may revoke c. Administrators may revoke
// anything scoped to their organization (the issuer's organizationName), CA users anything in a chain they own and
// regular users their own certificates.
func (s *Service) CanRevoke(ctx context.Context, p Principal, c *Certificate) (bool, error) {
	switch p.Role {
	case RoleAdministrator:
		return orgMatches(p, c.Organization()), nil
	case RoleCAUser:
		return s.chainOwnedBy(ctx, c, p.UserID)
	case RoleRegularUser:
		return c.OwnerID == p.UserID, nil
	default:
		return false, nil
	}
}
