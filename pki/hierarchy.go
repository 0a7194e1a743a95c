package pki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// EnumerateIssuableAuthorities returns the CA certificates p may issue
// under. Administrators see every authority scoped to their organization,
// judged like key escrow by the issuer's organizationName. CA users
// see the authorities they own and every authority below them. Regular
// users see none. Revoked and expired authorities are included; issuance
// rejects them separately.
func (s *Service) EnumerateIssuableAuthorities(ctx context.Context, p Principal) ([]*Certificate, error) {
	all, err := s.store.Certificates(ctx)
	if err != nil {
		return nil, s.internal("listing certificates", err)
	}
	switch p.Role {
	case RoleAdministrator:
		var out []*Certificate
		for _, c := range all {
			if c.Type.IsCA() && orgMatches(p, c.Organization()) {
				out = append(out, c)
			}
		}
		return out, nil
	case RoleCAUser:
		return s.ownedAuthorities(all, p.UserID)
	default:
		return nil, nil
	}
}

// ownedAuthorities walks down from every CA owned by userID, collecting CA
// nodes and stopping at END_ENTITY certificates.
func (s *Service) ownedAuthorities(all []*Certificate, userID string) ([]*Certificate, error) {
	children := indexChildren(all)
	seen := make(map[string]bool)
	var walk func(c *Certificate, depth int) error
	walk = func(c *Certificate, depth int) error {
		if !c.Type.IsCA() || seen[c.ID] {
			return nil
		}
		if depth > maxChainDepth {
			return s.internal("hierarchy too deep", fmt.Errorf("depth %d below %s", depth, c.ID))
		}
		seen[c.ID] = true
		for _, child := range children[c.ID] {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range all {
		if c.OwnerID == userID {
			if err := walk(c, 0); err != nil {
				return nil, err
			}
		}
	}
	var out []*Certificate
	for _, c := range all {
		if seen[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// canIssueUnder reports whether ca is among the authorities p may issue
// under.
func (s *Service) canIssueUnder(ctx context.Context, p Principal, ca *Certificate) (bool, error) {
	if !p.Role.CanIssue() {
		return false, nil
	}
	authorities, err := s.EnumerateIssuableAuthorities(ctx, p)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(authorities, func(c *Certificate) bool { return c.ID == ca.ID }), nil
}

// ListAuthorities returns the currently usable authorities p may issue
// under, with the validity range a new certificate may request.
func (s *Service) ListAuthorities(ctx context.Context, p Principal) ([]*Authority, error) {
	cas, err := s.EnumerateIssuableAuthorities(ctx, p)
	if err != nil {
		return nil, err
	}
	now, today := s.now(), s.today()
	out := make([]*Authority, 0, len(cas))
	for _, ca := range cas {
		if ca.Status(now) != StatusActive {
			continue
		}
		maxDays := int(ca.ValidTo.Sub(today) / (24 * time.Hour))
		if maxDays < 1 {
			continue
		}
		out = append(out, &Authority{
			ID:                  ca.ID,
			Name:                ca.CommonName() + " CA",
			MaxValidityDays:     maxDays,
			MinValidityDays:     1,
			DefaultValidityDays: min(DefaultValidityDays, maxDays),
		})
	}
	return out, nil
}

// BuildTree attaches the descendants of each root by parent id.
func (s *Service) BuildTree(ctx context.Context, roots []*Certificate) ([]*TreeNode, error) {
	all, err := s.store.Certificates(ctx)
	if err != nil {
		return nil, s.internal("listing certificates", err)
	}
	children := indexChildren(all)
	now := s.now()
	seen := make(map[string]bool)

	var build func(c *Certificate, depth int) (*TreeNode, error)
	build = func(c *Certificate, depth int) (*TreeNode, error) {
		if seen[c.ID] || depth > maxChainDepth {
			return nil, s.internal("hierarchy is not a tree", fmt.Errorf("revisited %s at depth %d", c.ID, depth))
		}
		seen[c.ID] = true
		node := &TreeNode{Certificate: c.Info(now), Children: []*TreeNode{}}
		for _, child := range children[c.ID] {
			n, err := build(child, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, n)
		}
		return node, nil
	}

	out := make([]*TreeNode, 0, len(roots))
	for _, r := range roots {
		n, err := build(r, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Tree returns the hierarchy visible to p. Administrators browse from the
// roots of their organization; everyone else from the certificates they
// own, skipping those already below another owned certificate.
func (s *Service) Tree(ctx context.Context, p Principal) ([]*TreeNode, error) {
	var roots []*Certificate
	switch p.Role {
	case RoleAdministrator:
		all, err := s.store.ByType(ctx, TypeRoot)
		if err != nil {
			return nil, s.internal("listing roots", err)
		}
		for _, c := range all {
			if orgMatches(p, c.Organization()) {
				roots = append(roots, c)
			}
		}
	case RoleCAUser, RoleRegularUser:
		owned, err := s.store.ByOwner(ctx, p.UserID)
		if err != nil {
			return nil, s.internal("listing owned certificates", err)
		}
		for _, c := range owned {
			below, err := s.hasOwnedAncestor(ctx, c, p.UserID)
			if err != nil {
				return nil, err
			}
			if !below {
				roots = append(roots, c)
			}
		}
	default:
		return nil, ErrDenied
	}
	return s.BuildTree(ctx, roots)
}

func (s *Service) hasOwnedAncestor(ctx context.Context, c *Certificate, userID string) (bool, error) {
	if c.ParentID == "" {
		return false, nil
	}
	parent, err := s.store.Certificate(ctx, c.ParentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.internal("loading parent", err, slog.String("certificate_id", c.ParentID))
	}
	return s.chainOwnedBy(ctx, parent, userID)
}

// chainOwnedBy walks from c up through its parents and reports whether any
// of them, c included, is owned by userID. The walk ends at a ROOT or at a
// missing parent.
func (s *Service) chainOwnedBy(ctx context.Context, c *Certificate, userID string) (bool, error) {
	seen := make(map[string]bool)
	for cur := c; ; {
		if cur.OwnerID == userID {
			return true, nil
		}
		if cur.Type == TypeRoot || cur.ParentID == "" {
			return false, nil
		}
		if seen[cur.ID] || len(seen) >= maxChainDepth {
			return false, s.internal("certificate chain too long", fmt.Errorf("at %s", cur.ID))
		}
		seen[cur.ID] = true

		parent, err := s.store.Certificate(ctx, cur.ParentID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, s.internal("loading parent", err, slog.String("certificate_id", cur.ParentID))
		}
		cur = parent
	}
}

func indexChildren(all []*Certificate) map[string][]*Certificate {
	children := make(map[string][]*Certificate)
	for _, c := range all {
		if c.ParentID != "" {
			children[c.ParentID] = append(children[c.ParentID], c)
		}
	}
	return children
}
