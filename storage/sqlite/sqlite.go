// Package sqlite implements storage.Repository on a single SQLite file using
// database/sql and the mattn/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmcleod/ironca/storage"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS records (
	record_type TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	data        BLOB    NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (record_type, record_id)
)`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent batches
	// serialise instead of failing on lock upgrade.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier abstracts both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func put(ctx context.Context, q querier, recordType, recordID string, record *storage.Record) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records (record_type, record_id, data, version, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (record_type, record_id)
		 DO UPDATE SET data = excluded.data, version = excluded.version, updated_at = CURRENT_TIMESTAMP`,
		recordType, recordID, nonNil(record.Data), int64(record.Version))
	return err
}

func get(ctx context.Context, q querier, recordType, recordID string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, version FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID).Scan(&rec.Data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func del(ctx context.Context, q querier, recordType, recordID string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE record_type = ? AND record_id = ?`, recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(recordType, recordID)
	}
	return nil
}

func putCAS(ctx context.Context, q querier, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	if expectedVersion == 0 {
		res, err := q.ExecContext(ctx,
			`INSERT INTO records (record_type, record_id, data, version, updated_at)
			 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT (record_type, record_id) DO NOTHING`,
			recordType, recordID, nonNil(record.Data), int64(record.Version))
		if err != nil {
			return err
		}
		return casResult(res)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE records SET data = ?, version = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE record_type = ? AND record_id = ? AND version = ?`,
		nonNil(record.Data), int64(record.Version), recordType, recordID, int64(expectedVersion))
	if err != nil {
		return err
	}
	return casResult(res)
}

func casResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

// nonNil keeps the NOT NULL constraint satisfied for empty records.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *Store) Put(ctx context.Context, recordType, recordID string, record *storage.Record) error {
	return put(ctx, s.db, recordType, recordID, record)
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.db, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM records WHERE record_type = ?`, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, s.db, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCAS(ctx, s.db, recordType, recordID, expectedVersion, record)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqlBatchTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlBatchTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ storage.BatchTx = (*sqlBatchTx)(nil)

func (btx *sqlBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return get(btx.ctx, btx.tx, recordType, recordID)
}

func (btx *sqlBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return put(btx.ctx, btx.tx, recordType, recordID, record)
}

func (btx *sqlBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCAS(btx.ctx, btx.tx, recordType, recordID, expectedVersion, record)
}

func (btx *sqlBatchTx) Delete(recordType, recordID string) error {
	return del(btx.ctx, btx.tx, recordType, recordID)
}
