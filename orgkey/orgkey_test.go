package orgkey

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

func masterKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestGetOrCreate(t *testing.T) {
	repo := memory.NewRepository()
	p, err := New(repo, masterKey(1))
	require.NoError(t, err)

	k1, err := p.GetOrCreate(t.Context(), "Acme")
	require.NoError(t, err)
	k2, err := p.GetOrCreate(t.Context(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, k1.ID(), k2.ID())

	ct, err := k1.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)
	pt, err := k2.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	other, err := p.GetOrCreate(t.Context(), "Globex")
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID(), other.ID())

	_, err = p.GetOrCreate(t.Context(), "")
	require.ErrorIs(t, err, ErrInvalidOrganization)
}

func TestNewWipesMasterKey(t *testing.T) {
	mk := masterKey(9)
	_, err := New(memory.NewRepository(), mk)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), mk)

	_, err = New(memory.NewRepository(), []byte("short"))
	require.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestConcurrentFirstUse(t *testing.T) {
	repo := memory.NewRepository()
	p, err := New(repo, masterKey(2))
	require.NoError(t, err)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := p.GetOrCreate(t.Context(), "Acme")
			if err == nil {
				ids[i] = k.ID()
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])
}

func TestUnwrapFailsClosed(t *testing.T) {
	t.Run("WrongMaster", func(t *testing.T) {
		repo := memory.NewRepository()
		p1, err := New(repo, masterKey(3))
		require.NoError(t, err)
		_, err = p1.GetOrCreate(t.Context(), "Acme")
		require.NoError(t, err)

		p2, err := New(repo, masterKey(4))
		require.NoError(t, err)
		_, err = p2.GetOrCreate(t.Context(), "Acme")
		require.ErrorIs(t, err, ErrUnwrap)
	})

	t.Run("Tampered", func(t *testing.T) {
		repo := memory.NewRepository()
		p, err := New(repo, masterKey(5))
		require.NoError(t, err)
		_, err = p.GetOrCreate(t.Context(), "Acme")
		require.NoError(t, err)

		rec, err := repo.Get(t.Context(), RecordType, "Acme")
		require.NoError(t, err)
		var w wrappedKey
		require.NoError(t, json.Unmarshal(rec.Data, &w))
		var inner map[string]any
		require.NoError(t, json.Unmarshal(w.Key, &inner))
		inner["ciphertext"] = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
		w.Key, _ = json.Marshal(inner)
		tampered, err := storage.EncodeJSON(&w, rec.Version)
		require.NoError(t, err)
		require.NoError(t, repo.Put(t.Context(), RecordType, "Acme", tampered))

		_, err = p.GetOrCreate(t.Context(), "Acme")
		require.ErrorIs(t, err, ErrUnwrap)
	})

	t.Run("SwappedOrganization", func(t *testing.T) {
		repo := memory.NewRepository()
		p, err := New(repo, masterKey(6))
		require.NoError(t, err)
		_, err = p.GetOrCreate(t.Context(), "Acme")
		require.NoError(t, err)

		rec, err := repo.Get(t.Context(), RecordType, "Acme")
		require.NoError(t, err)
		require.NoError(t, repo.Put(t.Context(), RecordType, "Globex", rec))

		_, err = p.GetOrCreate(t.Context(), "Globex")
		require.ErrorIs(t, err, ErrUnwrap)
	})
}

func TestRotate(t *testing.T) {
	repo := memory.NewRepository()
	p, err := New(repo, masterKey(7))
	require.NoError(t, err)

	acme, err := p.GetOrCreate(t.Context(), "Acme")
	require.NoError(t, err)
	_, err = p.GetOrCreate(t.Context(), "Globex")
	require.NoError(t, err)
	sealed, err := acme.Encrypt([]byte("password"), nil)
	require.NoError(t, err)

	oldID := p.MasterKeyID()
	n, err := p.Rotate(t.Context(), masterKey(8))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEqual(t, oldID, p.MasterKeyID())

	after, err := p.GetOrCreate(t.Context(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, acme.ID(), after.ID())
	pt, err := after.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("password"), pt)

	// A fresh provider on the new master reads the rotated keys.
	p2, err := New(repo, masterKey(8))
	require.NoError(t, err)
	_, err = p2.GetOrCreate(t.Context(), "Globex")
	require.NoError(t, err)

	// The old master no longer opens them.
	p3, err := New(repo, masterKey(7))
	require.NoError(t, err)
	_, err = p3.GetOrCreate(t.Context(), "Acme")
	require.ErrorIs(t, err, ErrUnwrap)

	// Rotating to the same master again is a no-op.
	n, err = p2.Rotate(t.Context(), masterKey(8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadMasterKey(t *testing.T) {
	hexKey, err := GenerateMasterKey()
	require.NoError(t, err)
	assert.Len(t, hexKey, 64)

	t.Run("Hex", func(t *testing.T) {
		raw, err := LoadMasterKey(afero.NewMemMapFs(), hexKey, "")
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	})

	t.Run("File", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/etc/ironca/master.key", []byte(hexKey+"\n"), 0o600))
		raw, err := LoadMasterKey(fs, "", "/etc/ironca/master.key")
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadMasterKey(afero.NewMemMapFs(), "", "")
		require.ErrorIs(t, err, ErrNoMasterKey)
	})

	t.Run("WrongSize", func(t *testing.T) {
		_, err := LoadMasterKey(afero.NewMemMapFs(), "abcd", "")
		require.ErrorIs(t, err, ErrInvalidMasterKey)
	})
}
