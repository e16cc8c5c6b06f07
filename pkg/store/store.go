package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrClosed is returned by Load and Clear after Close.
var ErrClosed = errors.New("store: closed")

// Store reads and writes snapshots through a BlobStore.
//
// Save never blocks the caller: the latest snapshot is handed to a single
// worker goroutine, so writes never overlap. A snapshot queued while a write
// is running replaces any older queued one; the newest state always wins.
type Store struct {
	blobs BlobStore
	log   *zap.Logger

	writeMu sync.Mutex // held by the worker while writing, and by Clear

	mu       sync.Mutex
	pending  *Snapshot
	queued   uint64        // sequence of the last Save
	written  uint64        // sequence of the last finished write
	progress chan struct{} // closed and replaced after every write
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	saveErrOnce sync.Once
	lastErr     error // result of the newest write, owned by the worker
	closeOnce   sync.Once
	closeErr    error
}

func New(blobs BlobStore, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		blobs:    blobs,
		log:      log.Named("store"),
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Load reads the stored snapshot. The bool is false when nothing was
// stored. Version 1 blobs are migrated to the flat format.
func (s *Store) Load() (Snapshot, bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Snapshot{}, false, ErrClosed
	}

	blob, err := s.blobs.Read()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(blob) == 0 {
		return Snapshot{}, false, nil
	}

	snap, err := Decode(blob)
	if err != nil {
		return Snapshot{}, false, err
	}
	if snap.migrate() {
		s.log.Info("migrated legacy server list", zap.Int("servers", len(snap.Servers)))
	}
	return snap, true, nil
}

// Save queues snap for writing and returns immediately.
func (s *Store) Save(snap Snapshot) {
	snap.Version = SnapshotVersion
	snap.LegacyCountries = nil
	snap.LegacySecureCoreExits = nil

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("save after close ignored")
		return
	}
	s.pending = &snap
	s.queued++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every snapshot queued before the call is written.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	target := s.queued
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.written >= target {
			s.mu.Unlock()
			return nil
		}
		ch := s.progress
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clear drops any queued snapshot and deletes the stored blob.
func (s *Store) Clear() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = nil
	s.markWritten(s.queued)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.blobs.Clear()
}

// Close writes any queued snapshot, stops the worker and closes the blob
// store. The error includes the failure of the newest write, so a last
// flush that did not reach the blob store is reported.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		<-s.done
		s.closeErr = multierr.Append(s.lastErr, s.blobs.Close())
	})
	return s.closeErr
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.writePending()
		case <-s.stop:
			s.writePending()
			return
		}
	}
}

func (s *Store) writePending() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	snap, seq := s.pending, s.queued
	s.pending = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}

	err := s.write(*snap)
	s.lastErr = err
	if err != nil {
		s.saveErrOnce.Do(func() {
			s.log.Error("saving server list failed; further failures are not logged",
				zap.Int("servers", len(snap.Servers)),
				zap.Error(err))
		})
	}

	s.mu.Lock()
	s.markWritten(seq)
	s.mu.Unlock()
}

func (s *Store) write(snap Snapshot) error {
	blob, err := Encode(snap)
	if err != nil {
		return err
	}
	return s.blobs.Write(blob)
}

// markWritten must be called with mu held.
func (s *Store) markWritten(seq uint64) {
	if seq > s.written {
		s.written = seq
	}
	close(s.progress)
	s.progress = make(chan struct{})
}
