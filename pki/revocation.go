package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/storage"
)

// maxRevokeAttempts bounds retries when a certificate changes under a
// concurrent revocation.
const maxRevokeAttempts = 3

// Revoke revokes certID and every certificate below it. Each revoked
// certificate is listed on the CRL of its issuing authority; a ROOT is
// listed on its own. All CRLs are re-signed before any certificate is
// flagged. The returned slice starts with certID.
func (s *Service) Revoke(ctx context.Context, p Principal, certID, reason string) ([]*Certificate, error) {
	code, err := ReasonCode(reason)
	if err != nil {
		return nil, err
	}
	target, err := s.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanRevoke(ctx, p, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDenied
	}
	if target.Revoked {
		return nil, ErrAlreadyRevoked
	}

	affected, err := s.subtree(ctx, target)
	if err != nil {
		return nil, err
	}

	// Group by the authority whose CRL lists each certificate, keeping the
	// walk order so parents are handled before their children.
	byID := make(map[string]*Certificate, len(affected))
	for _, c := range affected {
		byID[c.ID] = c
	}
	var order []string
	groups := make(map[string][]*Certificate)
	for _, c := range affected {
		authorityID := c.ParentID
		if c.Type == TypeRoot || authorityID == "" {
			authorityID = c.ID
		}
		if _, ok := groups[authorityID]; !ok {
			order = append(order, authorityID)
		}
		groups[authorityID] = append(groups[authorityID], c)
	}

	now := s.now()
	for _, authorityID := range order {
		authority, ok := byID[authorityID]
		if !ok {
			if authority, err = s.GetCertificate(ctx, authorityID); err != nil {
				return nil, err
			}
		}
		if err := s.appendRevocations(ctx, authority, groups[authorityID], code, now); err != nil {
			return nil, s.internal("updating CRL", err, slog.String("authority_id", authorityID))
		}
	}

	for _, c := range affected {
		if err := s.markRevoked(ctx, c, code, now); err != nil {
			return nil, err
		}
	}

	s.logger.Info("certificate revoked",
		slog.String("certificate_id", target.ID),
		slog.String("serial", target.SerialNumber),
		slog.String("reason", reasonName(code)),
		slog.Int("cascade", len(affected)-1),
	)
	return affected, nil
}

// subtree returns root followed by every non-revoked certificate below it,
// breadth first. Already revoked certificates are walked through but not
// returned.
func (s *Service) subtree(ctx context.Context, root *Certificate) ([]*Certificate, error) {
	all, err := s.store.Certificates(ctx)
	if err != nil {
		return nil, s.internal("listing certificates", err)
	}
	children := indexChildren(all)

	type item struct {
		c     *Certificate
		depth int
	}
	seen := map[string]bool{root.ID: true}
	out := []*Certificate{root}
	queue := []item{{root, 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.depth >= maxChainDepth {
			return nil, s.internal("hierarchy too deep", fmt.Errorf("depth %d below %s", it.depth, root.ID))
		}
		for _, child := range children[it.c.ID] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			if !child.Revoked {
				out = append(out, child)
			}
			queue = append(queue, item{child, it.depth + 1})
		}
	}
	return out, nil
}

// markRevoked flags c, reloading it if a concurrent writer got there first.
func (s *Service) markRevoked(ctx context.Context, c *Certificate, code int, at time.Time) error {
	for attempt := 1; ; attempt++ {
		if c.Revoked {
			return nil
		}
		c.Revoked = true
		c.RevokedAt = &at
		c.RevocationReason = reasonName(code)
		err := s.store.updateCertificate(ctx, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) || attempt >= maxRevokeAttempts {
			return s.internal("flagging certificate revoked", err, slog.String("certificate_id", c.ID))
		}
		fresh, err := s.store.Certificate(ctx, c.ID)
		if err != nil {
			return s.internal("reloading certificate", err, slog.String("certificate_id", c.ID))
		}
		*c = *fresh
	}
}

// GetCRL returns the latest signed CRL of authorityID, creating an empty
// one if the authority has never revoked anything.
func (s *Service) GetCRL(ctx context.Context, authorityID string) (*Export, error) {
	authority, err := s.GetCertificate(ctx, authorityID)
	if err != nil {
		return nil, err
	}
	if !authority.Type.IsCA() {
		return nil, invalidf("certificate %s is not an authority", authorityID)
	}
	rec, err := s.store.crl(ctx, authorityID)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = s.createEmptyCRL(ctx, authority)
	}
	if err != nil {
		return nil, s.internal("loading CRL", err, slog.String("authority_id", authorityID))
	}
	return &Export{
		Filename:    "crl.der",
		ContentType: "application/pkix-crl",
		Data:        rec.DER,
	}, nil
}

// createEmptyCRL signs and stores an empty CRL for authority unless another
// caller already has.
func (s *Service) createEmptyCRL(ctx context.Context, authority *Certificate) (*CRLRecord, error) {
	unlock, err := s.locks.LockContext(ctx, "crl:"+authority.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.crl(ctx, authority.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	key, cert, _, err := s.signer(ctx, authority)
	if err != nil {
		return nil, err
	}
	now := s.now()
	der, err := signCRL(cert, key, nil, 1, now)
	if err != nil {
		return nil, err
	}
	rec = &CRLRecord{AuthorityID: authority.ID, Number: 1, DER: der, UpdatedAt: now}
	if err := s.store.putCRL(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("empty CRL created", slog.String("authority_id", authority.ID))
	return rec, nil
}

// appendRevocations adds revoked to the CRL of authority and re-signs the
// whole list. Serials already listed are skipped.
func (s *Service) appendRevocations(ctx context.Context, authority *Certificate, revoked []*Certificate, code int, at time.Time) error {
	unlock, err := s.locks.LockContext(ctx, "crl:"+authority.ID)
	if err != nil {
		return err
	}
	defer unlock()

	key, cert, _, err := s.signer(ctx, authority)
	if err != nil {
		return err
	}

	rec, err := s.store.crl(ctx, authority.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = &CRLRecord{AuthorityID: authority.ID}
	case err != nil:
		return s.internal("loading CRL", err, slog.String("authority_id", authority.ID))
	}

	var entries []x509.RevocationListEntry
	listed := make(map[string]bool)
	if rec.DER != nil {
		list, err := x509.ParseRevocationList(rec.DER)
		if err != nil {
			return s.internal("parsing CRL", err, slog.String("authority_id", authority.ID))
		}
		for _, e := range list.RevokedCertificateEntries {
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   e.SerialNumber,
				RevocationTime: e.RevocationTime,
				ReasonCode:     e.ReasonCode,
			})
			listed[serialHex(e.SerialNumber)] = true
		}
	}

	added := 0
	for _, c := range revoked {
		if listed[c.SerialNumber] {
			continue
		}
		serial, err := parseSerialHex(c.SerialNumber)
		if err != nil {
			return s.internal("decoding serial", err, slog.String("certificate_id", c.ID))
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: at,
			ReasonCode:     code,
		})
		listed[c.SerialNumber] = true
		added++
	}
	if added == 0 && rec.DER != nil {
		return nil
	}

	der, err := signCRL(cert, key, entries, rec.Number+1, at)
	if err != nil {
		return s.internal("signing CRL", err, slog.String("authority_id", authority.ID))
	}
	rec.Number++
	rec.DER = der
	rec.UpdatedAt = at
	if err := s.store.putCRL(ctx, rec); err != nil {
		return s.internal("storing CRL", err, slog.String("authority_id", authority.ID))
	}
	s.logger.Info("CRL updated",
		slog.String("authority_id", authority.ID),
		slog.Int64("number", rec.Number),
		slog.Int("added", added),
	)
	return nil
}

func signCRL(issuer *x509.Certificate, key crypto.Signer, entries []x509.RevocationListEntry, number int64, at time.Time) ([]byte, error) {
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                at,
		NextUpdate:                at.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, key)
	if err != nil {
		return nil, fmt.Errorf("creating revocation list: %w", err)
	}
	return der, nil
}
