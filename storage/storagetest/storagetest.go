// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage"
)

// Run exercises repo against the storage.Repository contract. repo must be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()

	t.Run("PutGet", func(t *testing.T) {
		rec := &storage.Record{Data: []byte("hello"), Version: 1}
		require.NoError(t, repo.Put(ctx, "certificate", "c1", rec))

		got, err := repo.Get(ctx, "certificate", "c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got.Data)
		assert.Equal(t, uint64(1), got.Version)

		got.Data[0] = 'X'
		again, err := repo.Get(ctx, "certificate", "c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), again.Data, "returned records must not alias storage")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "certificate", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "never-written-type", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "certificate", "c1", &storage.Record{Data: []byte("v2"), Version: 2}))
		got, err := repo.Get(ctx, "certificate", "c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Data)
	})

	t.Run("ListScopedByType", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "certificate", "c2", &storage.Record{Data: []byte("x")}))
		require.NoError(t, repo.Put(ctx, "crl", "c1", &storage.Record{Data: []byte("y")}))

		ids, err := repo.List(ctx, "certificate")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"c1", "c2"}, ids)

		ids, err = repo.List(ctx, "empty-type")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "crl", "c1"))
		_, err := repo.Get(ctx, "crl", "c1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "crl", "c1"), storage.ErrNotFound)
	})

	t.Run("PutCASCreateOnly", func(t *testing.T) {
		rec := &storage.Record{Data: []byte("serial"), Version: 1}
		require.NoError(t, repo.PutCAS(ctx, "serial", "0a", 0, rec))
		assert.ErrorIs(t, repo.PutCAS(ctx, "serial", "0a", 0, rec), storage.ErrCASFailed)
	})

	t.Run("PutCASVersion", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "serial", "0a", 1, &storage.Record{Data: []byte("v2"), Version: 2}))
		assert.ErrorIs(t, repo.PutCAS(ctx, "serial", "0a", 1, &storage.Record{Data: []byte("v3"), Version: 3}), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "serial", "absent", 5, &storage.Record{Version: 6}), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "serial", "0a")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.PutCAS("serial", "0b", 0, &storage.Record{Version: 1}); err != nil {
				return err
			}
			if err := tx.Put("certificate", "c3", &storage.Record{Data: []byte("c3"), Version: 1}); err != nil {
				return err
			}
			got, err := tx.Get("certificate", "c3")
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("c3"), got.Data)
			return nil
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "certificate", "c3")
		require.NoError(t, err)
		_, err = repo.Get(ctx, "serial", "0b")
		require.NoError(t, err)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("certificate", "c4", &storage.Record{Data: []byte("c4")}); err != nil {
				return err
			}
			if err := tx.Delete("certificate", "c3"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "certificate", "c4")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "certificate", "c3")
		assert.NoError(t, err)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("certificate", "c5", &storage.Record{Data: []byte("c5")}); err != nil {
				return err
			}
			return tx.PutCAS("serial", "0b", 0, &storage.Record{Version: 1})
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, "certificate", "c5")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchDeleteMissing", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			return tx.Delete("certificate", "nope")
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
