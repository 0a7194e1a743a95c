// Package storage provides the persistence abstraction shared by the CA
// service, the organization key provider and the download service.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails,
	// including a create-only put on a record that already exists.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value. Version is owned by the caller and is compared
// by PutCAS; backends persist it verbatim.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// BatchTx provides reads and writes within an atomic transaction.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for record storage. Records are
// addressed by (recordType, recordID).
//
// PutCAS with expectedVersion 0 is a create-only put: it fails with
// ErrCASFailed when the record already exists.
type Repository interface {
	Put(ctx context.Context, recordType string, recordID string, record *Record) error
	Get(ctx context.Context, recordType string, recordID string) (*Record, error)
	List(ctx context.Context, recordType string) ([]string, error)
	Delete(ctx context.Context, recordType string, recordID string) error
	PutCAS(ctx context.Context, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}

// CloneRecord returns a deep copy of r.
func CloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}
