package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"oxidelab/internal/artifact"
	"oxidelab/internal/classify"
	"oxidelab/internal/common/fsutil"
	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// Registry derives the list of downloaded models from the directory contents.
// It only reads; index corrections go through the artifact store.
type Registry struct {
	dir        string
	classifier *classify.Classifier
	log        zerolog.Logger
}

// New builds a Registry over dir. A nil classifier uses the default rules.
func New(dir string, c *classify.Classifier, log zerolog.Logger) *Registry {
	if c == nil {
		c = classify.New()
	}
	return &Registry{dir: dir, classifier: c, log: log.With().Str("component", "registry").Logger()}
}

// ListDownloadedModels scans the models directory for recognized model files,
// skips any that fail the integrity check and classifies the rest by name.
// A missing directory yields an empty list.
func (r *Registry) ListDownloadedModels(ctx context.Context) ([]types.DownloadedModel, error) {
	const op = "registry.list"
	base, err := fsutil.ExpandHome(r.dir)
	if err != nil {
		return nil, faults.E(faults.KindFilesystem, op, err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, faults.E(faults.KindFilesystem, op, err)
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, os.ErrNotExist) {
		return []types.DownloadedModel{}, nil
	}
	if err != nil {
		return nil, faults.E(faults.KindFilesystem, op, err)
	}
	models := make([]types.DownloadedModel, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if !artifact.IsModelFile(name) {
			continue
		}
		p := filepath.Join(abs, name)
		if !artifact.VerifyIntegrity(p) {
			r.log.Warn().Str("event", "registry_skip_corrupt").Str("file", name).Msg("skipping model file that failed integrity check")
			continue
		}
		fi, err := e.Info()
		if err != nil {
			r.log.Warn().Err(err).Str("file", name).Msg("stat failed")
			continue
		}
		res := r.classifier.Classify(name)
		models = append(models, types.DownloadedModel{
			Identity:    res.Identity,
			DisplayName: res.DisplayName,
			FileName:    name,
			Path:        p,
			SizeBytes:   fi.Size(),
			Format:      res.Format,
			Quant:       res.Quant,
			Family:      res.Family,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].FileName < models[j].FileName })
	return models, nil
}

// LoadDir is a convenience wrapper using the default classifier.
func LoadDir(dir string) ([]types.DownloadedModel, error) {
	return New(dir, nil, zerolog.Nop()).ListDownloadedModels(context.Background())
}
