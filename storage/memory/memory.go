// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/ironca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (r *Repository) Put(_ context.Context, recordType, recordID string, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, record)
}

func (r *Repository) putLocked(recordType, recordID string, record *storage.Record) error {
	if _, ok := r.data[recordType]; !ok {
		r.data[recordType] = make(map[string]*storage.Record)
	}
	r.data[recordType][recordID] = storage.CloneRecord(record)
	return nil
}

func (r *Repository) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[recordType][recordID]
	if !ok {
		return nil, notFound(recordType, recordID)
	}
	return storage.CloneRecord(rec), nil
}

func (r *Repository) List(_ context.Context, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[recordType]))
	for id := range r.data[recordType] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	if _, ok := r.data[recordType][recordID]; !ok {
		return notFound(recordType, recordID)
	}
	delete(r.data[recordType], recordID)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, record)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, ok := r.data[recordType][recordID]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(recordType, recordID, record)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(recordType, recordID, record)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (r *Repository) snapshot() map[string]map[string]*storage.Record {
	cp := make(map[string]map[string]*storage.Record, len(r.data))
	for recordType, records := range r.data {
		inner := make(map[string]*storage.Record, len(records))
		for id, rec := range records {
			inner[id] = storage.CloneRecord(rec)
		}
		cp[recordType] = inner
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(recordType, recordID, record)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, record)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(recordType, recordID)
}
