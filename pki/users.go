package pki

import (
	"context"
	"log/slog"
	"strings"
)

// AddUser creates or replaces a directory entry.
func (s *Service) AddUser(ctx context.Context, u User) (*User, error) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return nil, invalidf("user id is required")
	}
	if !u.Role.Valid() {
		return nil, invalidf("unknown role %q", u.Role)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	if err := s.store.PutUser(ctx, &u); err != nil {
		return nil, s.internal("storing user", err, slog.String("user_id", u.ID))
	}
	s.logger.Info("user saved", slog.String("user_id", u.ID), slog.String("role", string(u.Role)))
	return &u, nil
}

// User returns one directory entry.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	u, err := s.store.User(ctx, id)
	if err != nil {
		return nil, s.internal("loading user", err, slog.String("user_id", id))
	}
	return u, nil
}

// Users lists the directory.
func (s *Service) Users(ctx context.Context) ([]*User, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, s.internal("listing users", err)
	}
	return users, nil
}
