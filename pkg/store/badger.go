package store

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var snapshotKey = []byte("catalog/snapshot")

// BadgerBlobStore keeps the blob under a single key of a badger database.
type BadgerBlobStore struct {
	db *badger.DB
}

// NewBadgerBlobStore opens (or creates) a badger database in dir. An empty
// dir opens an in-memory database.
func NewBadgerBlobStore(dir string, log *zap.Logger) (*BadgerBlobStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if log != nil {
		opts = opts.WithLogger(&badgerLogger{log.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBlobStore{db: db}, nil
}

func (b *BadgerBlobStore) Read() ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

func (b *BadgerBlobStore) Write(data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
}

func (b *BadgerBlobStore) Clear() error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey)
	})
}

func (b *BadgerBlobStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's printf-style logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
