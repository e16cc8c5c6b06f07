package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const snapshotFile = "servers.bin"

// DefaultCacheDir returns ~/.meerkatvpn/catalog.
func DefaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".meerkatvpn", "catalog"), nil
}

// FileBlobStore keeps the blob in one file. Writes go to a temp file that
// is renamed over the old one, so a crash never leaves a half-written blob.
type FileBlobStore struct {
	dir  string
	path string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		d, err := DefaultCacheDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBlobStore{dir: dir, path: filepath.Join(dir, snapshotFile)}, nil
}

// Path is the file the blob is stored in.
func (f *FileBlobStore) Path() string { return f.path }

func (f *FileBlobStore) Read() ([]byte, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *FileBlobStore) Write(data []byte) error {
	tmp, err := os.CreateTemp(f.dir, snapshotFile+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileBlobStore) Clear() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBlobStore) Close() error { return nil }
