package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"

	"github.com/jmcleod/ironca/internal/util"
)

const (
	keyStoreDir = "keystores"
	passwordDir = "passwords"
	keyStoreExt = ".ks"
	passwordExt = ".key"
)

// FileStore is the secret-file store: a directory tree of blobs addressed
// by certificate serial number.
//
//	keystores/{serial}.ks
//	passwords/keystore/{serial}.key
//	passwords/entry/{serial}.key
type FileStore struct {
	fs   afero.Fs
	root string
}

// NewFileStore returns a FileStore rooted at root on fs.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root}
}

func keyStoreName(serial string) string {
	return path.Join(keyStoreDir, serial+keyStoreExt)
}

func passwordName(kind PasswordKind, serial string) string {
	return path.Join(passwordDir, string(kind), serial+passwordExt)
}

func (s *FileStore) abs(name string) string {
	return path.Join(s.root, name)
}

// Create writes data to name, failing with ErrKeyStoreExists if the file is
// already present. The file is synced before Create returns.
func (s *FileStore) Create(name string, data []byte) error {
	p := s.abs(name)
	if err := s.fs.MkdirAll(path.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	err := s.writeSynced(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, data)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", name, ErrKeyStoreExists)
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	return nil
}

// Write replaces name with data by writing a synced temporary file and
// renaming it over the target.
func (s *FileStore) Write(name string, data []byte) error {
	p := s.abs(name)
	if err := s.fs.MkdirAll(path.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	suffix, err := util.RandomChars(8)
	if err != nil {
		return err
	}
	tmp := p + ".tmp-" + suffix
	if err := s.writeSynced(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, data); err != nil {
		s.fs.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		s.fs.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeSynced(p string, flag int, data []byte) error {
	f, err := s.fs.OpenFile(p, flag, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns the contents of name, or ErrKeyStoreNotFound.
func (s *FileStore) Read(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.abs(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrKeyStoreNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether name is present.
func (s *FileStore) Exists(name string) (bool, error) {
	return afero.Exists(s.fs, s.abs(name))
}
