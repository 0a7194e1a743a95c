package bbolt

import (
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/storagetest"
)

func newTestDB(t *testing.T) (*bbolt.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca-test.db")

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return db, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestBBoltStorage(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	storagetest.Run(t, NewRepository(db))
}

func TestBBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := t.Context()

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	if err := s.Put(ctx, "certificate", "c1", &storage.Record{Data: []byte("durable"), Version: 7}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "certificate", "c1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got.Data) != "durable" || got.Version != 7 {
		t.Errorf("unexpected record after reopen: %+v", got)
	}
}
