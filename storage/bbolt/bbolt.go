// Package bbolt provides a BBolt-backed storage repository. Each record
// type lives in its own bucket keyed by record id.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironca/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	if b == nil {
		return nil, notFound(recordType, recordID)
	}
	data := b.Get([]byte(recordID))
	if data == nil {
		return nil, notFound(recordType, recordID)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &rec, nil
}

func putInBucket(b *bbolt.Bucket, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), data)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := getFromBucket(b, recordType, recordID)
	switch {
	case err != nil && expectedVersion == 0:
		return putInBucket(b, recordID, record)
	case err != nil:
		return storage.ErrCASFailed
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	return putInBucket(b, recordID, record)
}

func deleteFromBucket(b *bbolt.Bucket, recordType, recordID string) error {
	if b == nil || b.Get([]byte(recordID)) == nil {
		return notFound(recordType, recordID)
	}
	return b.Delete([]byte(recordID))
}

func (s *Store) Put(_ context.Context, recordType, recordID string, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return putInBucket(b, recordID, record)
	})
}

func (s *Store) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getFromBucket(tx.Bucket([]byte(recordType)), recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(_ context.Context, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFromBucket(tx.Bucket([]byte(recordType)), recordType, recordID)
	})
}

func (s *Store) List(_ context.Context, recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, record)
	})
}

// boltBatchTx runs every operation inside one read-write bbolt transaction;
// returning an error from the batch function rolls all of them back.
type boltBatchTx struct {
	tx *bbolt.Tx
}

func (btx *boltBatchTx) bucket(recordType string) (*bbolt.Bucket, error) {
	return btx.tx.CreateBucketIfNotExists([]byte(recordType))
}

func (btx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getFromBucket(btx.tx.Bucket([]byte(recordType)), recordType, recordID)
}

func (btx *boltBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	b, err := btx.bucket(recordType)
	if err != nil {
		return err
	}
	return putInBucket(b, recordID, record)
}

func (btx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	b, err := btx.bucket(recordType)
	if err != nil {
		return err
	}
	return putCASInBucket(b, recordType, recordID, expectedVersion, record)
}

func (btx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteFromBucket(btx.tx.Bucket([]byte(recordType)), recordType, recordID)
}

func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}
