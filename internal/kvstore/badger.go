package kvstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var keyPrefix = []byte("downloaded/")

// BadgerConfig configures a badger-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     zerolog.Logger
}

func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{SyncWrites: true, Logger: zerolog.Nop()}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true, Logger: zerolog.Nop()}
}

// badgerLogger routes badger's internal logging to zerolog.
type badgerLogger struct{ log zerolog.Logger }

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// BadgerStore keeps the index in a badger database.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kvstore: badger path is required for a persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("kvstore: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: cfg.Logger.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

func (s *BadgerStore) GetBool(key string, def bool) (bool, error) {
	out := def
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = len(val) == 1 && val[0] == 1
			return nil
		})
	})
	if err != nil {
		return def, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return out, nil
}

func (s *BadgerStore) SetBool(key string, v bool) error {
	val := []byte{0}
	if v {
		val[0] = 1
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), val)
	}); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Remove(key string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	}); err != nil {
		return fmt.Errorf("kvstore: remove %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Keys() ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			out = append(out, string(k[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
