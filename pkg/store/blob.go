package store

import "sync"

// BlobStore holds one opaque blob.
type BlobStore interface {
	// Read returns nil, nil when nothing has been written yet.
	Read() ([]byte, error)
	Write(data []byte) error
	Clear() error
	Close() error
}

// MemoryBlobStore keeps the blob in memory. It counts writes so callers can
// check that nothing was persisted.
type MemoryBlobStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
	err    error
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{}
}

func (m *MemoryBlobStore) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryBlobStore) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	m.writes++
	return nil
}

func (m *MemoryBlobStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

func (m *MemoryBlobStore) Close() error { return nil }

// Writes returns how many successful writes happened.
func (m *MemoryBlobStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWrites makes every following Write return err (nil resets).
func (m *MemoryBlobStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
