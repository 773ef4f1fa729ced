package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"oxidelab/internal/common/fsutil"
	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// SyncReport lists what a reconciliation pass changed.
type SyncReport struct {
	Cleared []string
	Added   []string
	Kept    int
}

// IsModelFile reports whether name looks like a model artifact: a visible,
// complete file with a recognized extension.
func IsModelFile(name string) bool {
	if fsutil.IsScratch(name) {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// PartialSuffix marks in-progress downloads.
const PartialSuffix = fsutil.PartialSuffix

// Sync reconciles the index with the directory. Entries whose file is
// missing or fails integrity are cleared (files are never deleted here).
// Valid files that no true entry covers are classified and added.
func (s *Store) Sync(ctx context.Context) (SyncReport, error) {
	const op = "artifact.Sync"
	var rep SyncReport
	keys, err := s.index.Keys()
	if err != nil {
		return rep, faults.E(faults.KindFilesystem, op, err)
	}
	sort.Strings(keys)

	covered := make(map[string]bool)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		id, err := types.ParseIdentityKey(key)
		if err != nil || !id.Valid() {
			s.log.Warn().Str("event", "sync_bad_key").Str("key", key).Msg("skipping malformed index key")
			continue
		}
		kept, cleared, err := s.reconcileEntry(id)
		if err != nil {
			return rep, err
		}
		if kept {
			rep.Kept++
			covered[id.FileName] = true
		}
		if cleared {
			rep.Cleared = append(rep.Cleared, key)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		s.finishSync(rep)
		return rep, nil
	}
	if err != nil {
		return rep, faults.E(faults.KindFilesystem, op, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		name := e.Name()
		if !e.Type().IsRegular() || !IsModelFile(name) || covered[name] {
			continue
		}
		res := s.classifier.Classify(name)
		added, err := s.adoptFile(res.Identity)
		if err != nil {
			return rep, err
		}
		if added {
			rep.Added = append(rep.Added, res.Identity.Key())
			covered[name] = true
		}
	}
	s.finishSync(rep)
	return rep, nil
}

func (s *Store) finishSync(rep SyncReport) {
	syncRunsTotal.Inc()
	s.log.Info().
		Str("event", "cache_sync").
		Int("kept", rep.Kept).
		Int("cleared", len(rep.Cleared)).
		Int("added", len(rep.Added)).
		Msg("index reconciled with models dir")
}

// reconcileEntry checks one true entry; false entries are left alone.
func (s *Store) reconcileEntry(id types.ModelIdentity) (kept, cleared bool, err error) {
	unlock := s.Lock(id)
	defer unlock()
	marked, err := s.index.GetBool(id.Key(), false)
	if err != nil {
		return false, false, faults.E(faults.KindFilesystem, "artifact.Sync", err)
	}
	if !marked {
		return false, false, nil
	}
	if s.validFile(s.PathFor(id)) {
		return true, false, nil
	}
	if err := s.index.SetBool(id.Key(), false); err != nil {
		return false, false, faults.E(faults.KindFilesystem, "artifact.Sync", err)
	}
	s.log.Warn().Str("event", "sync_cleared").Str("model", id.Key()).Msg("indexed model missing or corrupt")
	return false, true, nil
}

// adoptFile indexes an unindexed file when it is valid.
func (s *Store) adoptFile(id types.ModelIdentity) (bool, error) {
	unlock := s.Lock(id)
	defer unlock()
	marked, err := s.index.GetBool(id.Key(), false)
	if err != nil {
		return false, faults.E(faults.KindFilesystem, "artifact.Sync", err)
	}
	if marked || !s.validFile(s.PathFor(id)) {
		return false, nil
	}
	if err := s.index.SetBool(id.Key(), true); err != nil {
		return false, faults.E(faults.KindFilesystem, "artifact.Sync", err)
	}
	s.log.Info().Str("event", "sync_added").Str("model", id.Key()).Msg("indexed model found on disk")
	return true, nil
}

func (s *Store) validFile(path string) bool {
	size, ok := fsutil.RegularSize(path)
	return ok && LargeEnough(size) && VerifyIntegrity(path)
}
