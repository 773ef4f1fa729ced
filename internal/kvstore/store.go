// Package kvstore provides the durable boolean key/value surface backing the
// downloaded-model index. Implementations guarantee per-key atomicity only.
package kvstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// BoolStore is a persistent key -> bool map.
type BoolStore interface {
	GetBool(key string, def bool) (bool, error)
	SetBool(key string, v bool) error
	Remove(key string) error
	// Keys returns every key currently stored, in no particular order.
	Keys() ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendJSON   = "json"
	BackendBadger = "badger"
)

// Open constructs the store for backend rooted at path. For the json backend
// path is a file; for badger it is a directory.
func Open(backend, path string, log zerolog.Logger) (BoolStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemStore(), nil
	case "", BackendJSON:
		if path == "" {
			return nil, fmt.Errorf("kvstore: json backend requires a path")
		}
		return OpenFileStore(path)
	case BackendBadger:
		cfg := DefaultBadgerConfig()
		cfg.Path = path
		cfg.Logger = log
		return OpenBadger(cfg)
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", backend)
	}
}

// DefaultPath returns the conventional index location under modelsDir.
func DefaultPath(backend, modelsDir string) string {
	if strings.EqualFold(backend, BackendBadger) {
		return filepath.Join(modelsDir, ".index")
	}
	return filepath.Join(modelsDir, ".index.json")
}
