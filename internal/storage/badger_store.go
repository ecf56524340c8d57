package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/bookd/internal/broker"
	"github.com/devghori1264/aerophoenix/bookd/internal/tasks"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	latestKey      = "snapshot:latest"
	historyPrefix  = "snapshot:at:"
	historyKeyTime = "20060102T150405.000000000Z"
)

// Snapshot is the periodic report of broker state. It is written for
// operators to inspect and is never loaded back into the broker.
type Snapshot struct {
	broker.Snapshot
	Tasks tasks.Report `json:"tasks"`
}

// Store keeps snapshots (kept minimal, allows swapping implementations).
type Store interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	History(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}

// Options tune the Badger store.
type Options struct {
	// Path is the database directory. Empty means in-memory.
	Path string
	// Retention is how long history entries live. Zero keeps them forever.
	Retention time.Duration
	Logger    *zap.Logger
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

func NewBadgerStore(o Options) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(o.Path))
	if o.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	if o.Logger != nil {
		opts.Logger = badgerLogger{o.Logger.Named("badger").Sugar()}
	}
	opts = opts.WithValueLogFileSize(1 << 20) // snapshots are small
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", o.Path, err)
	}
	return &BadgerStore{db: db, retention: o.Retention}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func historyKey(t time.Time) []byte {
	return []byte(historyPrefix + t.UTC().Format(historyKeyTime))
}

func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(latestKey), data); err != nil {
			return err
		}
		e := badger.NewEntry(historyKey(snap.TakenAt), data)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var out Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns up to limit snapshots, newest first. limit <= 0 means all.
func (s *BadgerStore) History(ctx context.Context, limit int) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(historyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration has to start past the last key with the prefix.
		seek := append([]byte(historyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var snap Snapshot
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &snap)
			}); err != nil {
				return err
			}
			out = append(out, snap)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// badgerLogger routes Badger's own logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
