package pki

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jmcleod/ironca/storage"
)

// Record types owned by the pki package.
const (
	RecordCertificate = "certificate"
	RecordSerial      = "serial"
	RecordCRL         = "crl"
	RecordDownload    = "download"
	RecordUser        = "user"
)

// serialRecord reserves a serial number across the whole CA.
type serialRecord struct {
	AuthorityID   string `json:"authority_id"`
	CertificateID string `json:"certificate_id"`
}

// errSerialTaken is returned by reserveSerial on a collision.
var errSerialTaken = errors.New("serial number already issued")

// Store is the typed persistence layer over a storage.Repository.
// Secondary lookups scan the certificate record type.
type Store struct {
	repo storage.Repository
}

// NewStore wraps repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// Certificate loads one certificate by id.
func (s *Store) Certificate(ctx context.Context, id string) (*Certificate, error) {
	var c Certificate
	v, err := storage.GetJSON(ctx, s.repo, RecordCertificate, id, &c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFoundf("certificate %s", id)
		}
		return nil, err
	}
	c.version = v
	return &c, nil
}

// Certificates returns every certificate ordered by creation time.
func (s *Store) Certificates(ctx context.Context) ([]*Certificate, error) {
	ids, err := s.repo.List(ctx, RecordCertificate)
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		c, err := s.Certificate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Certificate) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) filter(ctx context.Context, keep func(*Certificate) bool) ([]*Certificate, error) {
	all, err := s.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, c := range all {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Children returns the certificates whose parent is parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]*Certificate, error) {
	return s.filter(ctx, func(c *Certificate) bool { return c.ParentID == parentID })
}

// ByOwner returns the certificates owned by ownerID.
func (s *Store) ByOwner(ctx context.Context, ownerID string) ([]*Certificate, error) {
	return s.filter(ctx, func(c *Certificate) bool { return c.OwnerID == ownerID })
}

// ByType returns the certificates whose type is one of types.
func (s *Store) ByType(ctx context.Context, types ...CertType) ([]*Certificate, error) {
	return s.filter(ctx, func(c *Certificate) bool { return slices.Contains(types, c.Type) })
}

// reserveSerial claims serial. A second claim fails with errSerialTaken.
func (s *Store) reserveSerial(ctx context.Context, serial, authorityID string) error {
	rec, err := storage.EncodeJSON(&serialRecord{AuthorityID: authorityID}, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, RecordSerial, serial, 0, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		return errSerialTaken
	}
	return err
}

// createCertificate stores a new certificate and binds its reserved serial
// to it in one batch.
func (s *Store) createCertificate(ctx context.Context, c *Certificate) error {
	certRec, err := storage.EncodeJSON(c, 1)
	if err != nil {
		return err
	}
	authorityID := c.ParentID
	if authorityID == "" {
		authorityID = c.ID
	}
	serialRec, err := storage.EncodeJSON(&serialRecord{AuthorityID: authorityID, CertificateID: c.ID}, 2)
	if err != nil {
		return err
	}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(RecordCertificate, c.ID, 0, certRec); err != nil {
			return fmt.Errorf("creating certificate %s: %w", c.ID, err)
		}
		return tx.PutCAS(RecordSerial, c.SerialNumber, 1, serialRec)
	})
	if err != nil {
		return err
	}
	c.version = 1
	return nil
}

// updateCertificate persists c if it has not changed since it was loaded.
func (s *Store) updateCertificate(ctx context.Context, c *Certificate) error {
	rec, err := storage.EncodeJSON(c, c.version+1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, RecordCertificate, c.ID, c.version, rec); err != nil {
		return fmt.Errorf("updating certificate %s: %w", c.ID, err)
	}
	c.version++
	return nil
}

// ---------------------------------------------------------------------------
// CRLs
// ---------------------------------------------------------------------------

func (s *Store) crl(ctx context.Context, authorityID string) (*CRLRecord, error) {
	var r CRLRecord
	v, err := storage.GetJSON(ctx, s.repo, RecordCRL, authorityID, &r)
	if err != nil {
		return nil, err
	}
	r.version = v
	return &r, nil
}

// putCRL creates (version 0) or replaces the CRL of r.AuthorityID.
func (s *Store) putCRL(ctx context.Context, r *CRLRecord) error {
	rec, err := storage.EncodeJSON(r, r.version+1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, RecordCRL, r.AuthorityID, r.version, rec); err != nil {
		return fmt.Errorf("storing CRL for %s: %w", r.AuthorityID, err)
	}
	r.version++
	return nil
}

// ---------------------------------------------------------------------------
// Download requests
// ---------------------------------------------------------------------------

func (s *Store) download(ctx context.Context, id string) (*DownloadRequest, error) {
	var d DownloadRequest
	if _, err := storage.GetJSON(ctx, s.repo, RecordDownload, id, &d); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFoundf("download request")
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) createDownload(ctx context.Context, d *DownloadRequest) error {
	rec, err := storage.EncodeJSON(d, 1)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(ctx, RecordDownload, d.ID, 0, rec)
}

// deleteDownload removes a request. A request that is already gone is
// reported as ErrNotFound, which makes consumption single-use.
func (s *Store) deleteDownload(ctx context.Context, id string) error {
	err := s.repo.Delete(ctx, RecordDownload, id)
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundf("download request")
	}
	return err
}

func (s *Store) downloadIDs(ctx context.Context) ([]string, error) {
	return s.repo.List(ctx, RecordDownload)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// User loads a user by id.
func (s *Store) User(ctx context.Context, id string) (*User, error) {
	var u User
	if _, err := storage.GetJSON(ctx, s.repo, RecordUser, id, &u); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFoundf("user %s", id)
		}
		return nil, err
	}
	return &u, nil
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(ctx context.Context, u *User) error {
	rec, err := storage.EncodeJSON(u, 1)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, RecordUser, u.ID, rec)
}

// Users returns every user ordered by id.
func (s *Store) Users(ctx context.Context) ([]*User, error) {
	ids, err := s.repo.List(ctx, RecordUser)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := s.User(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
