// Package artifact owns the models directory and the persisted downloaded
// index. The index is never trusted on its own: every positive answer is
// checked against the file on disk and stale entries are cleared on read.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"oxidelab/internal/classify"
	"oxidelab/internal/common/fsutil"
	"oxidelab/internal/faults"
	"oxidelab/internal/gguf"
	"oxidelab/internal/kvstore"
	"oxidelab/pkg/types"
)

// MinSizeBytes is the size a model file must exceed to count as present.
const MinSizeBytes int64 = 1 << 20

// LargeEnough reports whether size passes the minimum-size check.
func LargeEnough(size int64) bool { return size > MinSizeBytes }

// Extensions lists the file extensions treated as model artifacts.
var Extensions = []string{"gguf", "bin", "safetensors"}

// Config configures a Store.
type Config struct {
	Dir        string
	Index      kvstore.BoolStore
	Classifier *classify.Classifier
	Logger     zerolog.Logger
}

// Store is the filesystem and index authority for model files.
type Store struct {
	dir        string
	index      kvstore.BoolStore
	classifier *classify.Classifier
	log        zerolog.Logger
	locks      keyedMutex
}

// New builds a Store. The directory is not created until needed.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, faults.New(faults.KindInvalid, "artifact.New", "models dir is required")
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, faults.E(faults.KindFilesystem, "artifact.New", err)
	}
	if cfg.Index == nil {
		cfg.Index = kvstore.NewMemStore()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New()
	}
	return &Store{
		dir:        abs,
		index:      cfg.Index,
		classifier: cfg.Classifier,
		log:        cfg.Logger.With().Str("component", "artifact").Logger(),
	}, nil
}

// Dir returns the absolute models directory.
func (s *Store) Dir() string { return s.dir }

// Classifier returns the filename classifier in use.
func (s *Store) Classifier() *classify.Classifier { return s.classifier }

// PathFor returns where the identity's file lives. The directory is flat, so
// identities from different repositories with one file name share a path;
// at most one of them can be marked downloaded at a time.
func (s *Store) PathFor(id types.ModelIdentity) string {
	return filepath.Join(s.dir, id.FileName)
}

// EnsureDir creates the models directory if it is missing.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return faults.E(faults.KindFilesystem, "artifact.EnsureDir", err)
	}
	return nil
}

// Lock serializes writers of the file id maps to and of the index entries of
// every identity sharing it. The returned func unlocks.
func (s *Store) Lock(id types.ModelIdentity) func() { return s.locks.Lock(s.PathFor(id)) }

// OccupantLocked returns another identity marked downloaded whose file is the
// one id maps to. A marked occupant whose file is missing or corrupt is
// cleared and ignored. Callers hold Lock(id).
func (s *Store) OccupantLocked(id types.ModelIdentity) (types.ModelIdentity, bool, error) {
	const op = "artifact.Occupant"
	keys, err := s.index.Keys()
	if err != nil {
		return types.ModelIdentity{}, false, faults.E(faults.KindFilesystem, op, err)
	}
	path := s.PathFor(id)
	for _, k := range keys {
		if k == id.Key() {
			continue
		}
		other, err := types.ParseIdentityKey(k)
		if err != nil || !other.Valid() || s.PathFor(other) != path {
			continue
		}
		marked, err := s.index.GetBool(k, false)
		if err != nil {
			return types.ModelIdentity{}, false, faults.E(faults.KindFilesystem, op, err)
		}
		if !marked {
			continue
		}
		if s.validFile(path) {
			return other, true, nil
		}
		if err := s.index.SetBool(k, false); err != nil {
			return types.ModelIdentity{}, false, faults.E(faults.KindFilesystem, op, err)
		}
		selfHealsTotal.Inc()
		s.log.Warn().Str("event", "index_self_heal").Str("model", k).Msg("marked model missing or corrupt on disk, cleared")
	}
	return types.ModelIdentity{}, false, nil
}

// Occupant is OccupantLocked for callers not holding the lock.
func (s *Store) Occupant(id types.ModelIdentity) (types.ModelIdentity, bool, error) {
	if err := checkIdentity("artifact.Occupant", id); err != nil {
		return types.ModelIdentity{}, false, err
	}
	unlock := s.Lock(id)
	defer unlock()
	return s.OccupantLocked(id)
}

func occupiedErr(op string, id, other types.ModelIdentity) error {
	return faults.New(faults.KindArtifact, op, fmt.Sprintf("%s is already stored for %s", id.FileName, other.Key()))
}

func checkIdentity(op string, id types.ModelIdentity) error {
	if !id.Valid() {
		return faults.New(faults.KindInvalid, op, fmt.Sprintf("invalid identity %q", id.Key()))
	}
	return nil
}

// IsDownloaded reports whether id is marked downloaded and its file exists
// and passes the size check. A marked entry whose file is gone or too small
// is cleared before returning false.
func (s *Store) IsDownloaded(id types.ModelIdentity) (bool, error) {
	const op = "artifact.IsDownloaded"
	if err := checkIdentity(op, id); err != nil {
		return false, err
	}
	key := id.Key()
	marked, err := s.index.GetBool(key, false)
	if err != nil {
		return false, faults.E(faults.KindFilesystem, op, err)
	}
	if !marked {
		return false, nil
	}
	unlock := s.Lock(id)
	defer unlock()

	// Re-read under the lock; a concurrent writer may have changed it.
	if marked, err = s.index.GetBool(key, false); err != nil {
		return false, faults.E(faults.KindFilesystem, op, err)
	} else if !marked {
		return false, nil
	}
	fi, err := os.Stat(s.PathFor(id))
	switch {
	case err == nil && fi.Mode().IsRegular() && LargeEnough(fi.Size()):
		return true, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, faults.E(faults.KindFilesystem, op, err)
	}
	if err := s.index.SetBool(key, false); err != nil {
		return false, faults.E(faults.KindFilesystem, op, err)
	}
	selfHealsTotal.Inc()
	s.log.Warn().Str("event", "index_self_heal").Str("model", key).Msg("marked model missing or truncated on disk, cleared")
	return false, nil
}

// VerifyIntegrity reports whether the file at path begins with the GGUF
// magic. Any error counts as a failure.
func VerifyIntegrity(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var buf [4]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return false
	}
	return string(buf[:]) == gguf.Magic
}

// VerifyIntegrity is the method form of the package function.
func (s *Store) VerifyIntegrity(path string) bool { return VerifyIntegrity(path) }

// MarkDownloaded sets the index entry for id.
func (s *Store) MarkDownloaded(id types.ModelIdentity, downloaded bool) error {
	const op = "artifact.MarkDownloaded"
	if err := checkIdentity(op, id); err != nil {
		return err
	}
	unlock := s.Lock(id)
	defer unlock()
	return s.markLocked(op, id, downloaded)
}

// MarkDownloadedLocked is MarkDownloaded for callers already holding Lock(id).
func (s *Store) MarkDownloadedLocked(id types.ModelIdentity, downloaded bool) error {
	const op = "artifact.MarkDownloaded"
	if err := checkIdentity(op, id); err != nil {
		return err
	}
	return s.markLocked(op, id, downloaded)
}

func (s *Store) markLocked(op string, id types.ModelIdentity, downloaded bool) error {
	if downloaded {
		other, taken, err := s.OccupantLocked(id)
		if err != nil {
			return err
		}
		if taken {
			return occupiedErr(op, id, other)
		}
	}
	if err := s.index.SetBool(id.Key(), downloaded); err != nil {
		return faults.E(faults.KindFilesystem, op, err)
	}
	return nil
}

// Delete removes id's file. The index entry is cleared only when the file
// was removed, or was already gone. It reports whether a file was deleted.
func (s *Store) Delete(id types.ModelIdentity) (bool, error) {
	const op = "artifact.Delete"
	if err := checkIdentity(op, id); err != nil {
		return false, err
	}
	unlock := s.Lock(id)
	defer unlock()

	err := os.Remove(s.PathFor(id))
	switch {
	case err == nil:
		if ierr := s.index.Remove(id.Key()); ierr != nil {
			return true, faults.E(faults.KindFilesystem, op, ierr)
		}
		s.log.Info().Str("event", "model_deleted").Str("model", id.Key()).Msg("deleted model file")
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		if ierr := s.index.Remove(id.Key()); ierr != nil {
			return false, faults.E(faults.KindFilesystem, op, ierr)
		}
		return false, nil
	default:
		s.log.Error().Err(err).Str("event", "model_delete_failed").Str("model", id.Key()).Msg("delete failed, index untouched")
		return false, faults.E(faults.KindFilesystem, op, err)
	}
}

// SizeOf returns the size of id's file, if it exists.
func (s *Store) SizeOf(id types.ModelIdentity) (int64, bool) {
	if !id.Valid() {
		return 0, false
	}
	return fsutil.RegularSize(s.PathFor(id))
}

// Records lists every index entry.
func (s *Store) Records() ([]types.ArtifactRecord, error) {
	keys, err := s.index.Keys()
	if err != nil {
		return nil, faults.E(faults.KindFilesystem, "artifact.Records", err)
	}
	out := make([]types.ArtifactRecord, 0, len(keys))
	for _, k := range keys {
		id, err := types.ParseIdentityKey(k)
		if err != nil {
			continue
		}
		v, err := s.index.GetBool(k, false)
		if err != nil {
			return nil, faults.E(faults.KindFilesystem, "artifact.Records", err)
		}
		out = append(out, types.ArtifactRecord{Identity: id, Downloaded: v, VerifiedIntegrity: v})
	}
	return out, nil
}

// Close releases the index.
func (s *Store) Close() error { return s.index.Close() }
