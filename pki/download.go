package pki

import (
	"context"
	"errors"
	"log/slog"
	"time"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/vault"
	"software.sslmate.com/src/go-pkcs12"
)

const downloadVersion = 1

// RequestDownload creates a single-use export ticket for the certificate
// and private key of certID. The password in the ticket is returned once
// and stored only sealed under the organization key.
func (s *Service) RequestDownload(ctx context.Context, p Principal, certID string) (*DownloadTicket, error) {
	ok, err := s.CanExtractPrivateKey(ctx, p, certID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDenied
	}
	c, err := s.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if !c.HasPrivateKey {
		return nil, invalidf("certificate %s has no escrowed private key", c.ID)
	}

	password, err := util.GeneratePassword(vault.DefaultPasswordLength)
	if err != nil {
		return nil, s.internal("generating download password", err)
	}
	orgKey, err := s.keys.GetOrCreate(ctx, c.Organization())
	if err != nil {
		return nil, s.internal("loading organization key", err, slog.String("organization", c.Organization()))
	}
	defer orgKey.Destroy()

	id := uuid.New()
	sealed, err := storage.Seal(orgKey, []byte(password), icrypto.AADDownload(id, c.ID, downloadVersion))
	if err != nil {
		return nil, s.internal("sealing download password", err)
	}

	now := s.now()
	req := &DownloadRequest{
		ID:            id,
		CertificateID: c.ID,
		Organization:  c.Organization(),
		RequestedBy:   p.UserID,
		Password:      sealed,
		ExpiresAt:     now.Add(s.downloadTTL),
		CreatedAt:     now,
	}
	if err := s.store.createDownload(ctx, req); err != nil {
		return nil, s.internal("storing download request", err)
	}

	s.logger.Info("key export requested",
		slog.String("request_id", id),
		slog.String("certificate_id", c.ID),
		slog.String("user_id", p.UserID),
	)
	return &DownloadTicket{RequestID: id, Password: password, ExpiresAt: req.ExpiresAt}, nil
}

// DownloadPKCS12 consumes requestID and returns the certificate, its chain
// and its private key as a PKCS#12 file protected by the ticket password.
// The request is deleted before the key is opened, so a second call, or a
// call after expiry, fails with ErrNotFound.
func (s *Service) DownloadPKCS12(ctx context.Context, requestID string) (*Export, error) {
	req, err := s.store.download(ctx, requestID)
	if err != nil {
		return nil, s.internal("loading download request", err)
	}
	if err := s.store.deleteDownload(ctx, requestID); err != nil {
		return nil, s.internal("consuming download request", err)
	}
	if req.Expired(s.now()) {
		return nil, notFoundf("download request")
	}

	orgKey, err := s.keys.GetOrCreate(ctx, req.Organization)
	if err != nil {
		return nil, s.internal("loading organization key", err, slog.String("organization", req.Organization))
	}
	defer orgKey.Destroy()

	password, err := storage.Open(orgKey, req.Password, icrypto.AADDownload(req.ID, req.CertificateID, downloadVersion))
	if err != nil {
		return nil, s.internal("opening download password", err, slog.String("request_id", req.ID))
	}
	defer util.WipeBytes(password)

	c, err := s.GetCertificate(ctx, req.CertificateID)
	if err != nil {
		return nil, err
	}
	e, err := s.vault.Load(ctx, c.SerialNumber, c.Organization())
	if err != nil {
		return nil, s.internal("loading key store", err, slog.String("certificate_id", c.ID))
	}

	data, err := pkcs12.Modern.Encode(e.PrivateKey, e.Certificate, e.Chain, string(password))
	if err != nil {
		return nil, s.internal("encoding PKCS#12", err, slog.String("certificate_id", c.ID))
	}

	s.logger.Info("key export consumed",
		slog.String("request_id", req.ID),
		slog.String("certificate_id", c.ID),
	)
	return &Export{
		Filename:    "certificate-" + c.SerialNumber + ".p12",
		ContentType: "application/x-pkcs12",
		Data:        data,
	}, nil
}

// SweepExpired deletes every download request expired at now and reports
// how many it removed. Requests consumed concurrently are skipped.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.downloadIDs(ctx)
	if err != nil {
		return 0, s.internal("listing download requests", err)
	}
	removed := 0
	for _, id := range ids {
		req, err := s.store.download(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, s.internal("loading download request", err, slog.String("request_id", id))
		}
		if !req.Expired(now) {
			continue
		}
		err = s.store.deleteDownload(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, s.internal("deleting download request", err, slog.String("request_id", id))
		}
		removed++
	}
	return removed, nil
}
