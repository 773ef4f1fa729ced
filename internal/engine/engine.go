// Package engine is the external boundary of the model lifecycle core. It
// composes the artifact store, the downloader, the registry and the inference
// session, and reports every failure as a tagged faults.Error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"oxidelab/internal/artifact"
	"oxidelab/internal/classify"
	"oxidelab/internal/download"
	"oxidelab/internal/faults"
	"oxidelab/internal/kvstore"
	"oxidelab/internal/registry"
	"oxidelab/internal/session"
	"oxidelab/internal/stream"
	"oxidelab/pkg/types"
)

// Config wires an Engine. Index and Backend are required in practice; the
// remaining fields take package defaults.
type Config struct {
	ModelsDir  string
	Index      kvstore.BoolStore
	Classifier *classify.Classifier
	Hub        *download.Hub

	MaxRetries    int
	BaseDelay     time.Duration
	ChunkSize     int
	DisableResume bool

	Backend        session.Backend
	MemoryBudgetMB int
	Defaults       types.GenerationConfig
	Publisher      session.EventPublisher

	Logger zerolog.Logger
	Tracer trace.Tracer
}

// Engine implements every boundary operation.
type Engine struct {
	store     *artifact.Store
	downloads *download.Manager
	registry  *registry.Registry
	session   *session.Session
	events    *session.Broadcaster
	log       zerolog.Logger
	started   time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Index == nil {
		cfg.Index = kvstore.NewMemStore()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New()
	}
	store, err := artifact.New(artifact.Config{
		Dir:        cfg.ModelsDir,
		Index:      cfg.Index,
		Classifier: cfg.Classifier,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	dm, err := download.New(download.Config{
		Store:         store,
		Hub:           cfg.Hub,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		ChunkSize:     cfg.ChunkSize,
		DisableResume: cfg.DisableResume,
		Logger:        cfg.Logger,
		Tracer:        cfg.Tracer,
	})
	if err != nil {
		return nil, err
	}
	events := session.NewBroadcaster(cfg.Logger)
	var pub session.EventPublisher = events
	if cfg.Publisher != nil {
		pub = session.Multi{cfg.Publisher, events}
	}
	return &Engine{
		store:     store,
		events:    events,
		downloads: dm,
		registry:  registry.New(store.Dir(), cfg.Classifier, cfg.Logger),
		session: session.New(session.Config{
			Backend:        cfg.Backend,
			MemoryBudgetMB: cfg.MemoryBudgetMB,
			Defaults:       cfg.Defaults,
			Publisher:      pub,
			Logger:         cfg.Logger,
			Tracer:         cfg.Tracer,
		}),
		log:     cfg.Logger.With().Str("component", "engine").Logger(),
		started: time.Now(),
	}, nil
}

// Store exposes the artifact store.
func (e *Engine) Store() *artifact.Store { return e.store }

// Session exposes the inference session.
func (e *Engine) Session() *session.Session { return e.session }

// Downloads exposes the download manager.
func (e *Engine) Downloads() *download.Manager { return e.downloads }

// DownloadModel fetches id unless already present and returns its path.
// maxRetries <= 0 uses the configured attempt limit.
func (e *Engine) DownloadModel(ctx context.Context, id types.ModelIdentity, progress download.ProgressFunc, maxRetries int) (string, error) {
	return e.downloads.Download(ctx, id, download.WithProgress(progress), download.WithMaxRetries(maxRetries))
}

// DownloadModelStaged is DownloadModel with stage notifications.
func (e *Engine) DownloadModelStaged(ctx context.Context, id types.ModelIdentity, progress download.ProgressFunc, stage download.StageFunc, maxRetries int) (string, error) {
	return e.downloads.Download(ctx, id,
		download.WithProgress(progress),
		download.WithStage(stage),
		download.WithMaxRetries(maxRetries))
}

func (e *Engine) IsModelDownloaded(id types.ModelIdentity) (bool, error) {
	return e.store.IsDownloaded(id)
}

// DeleteModel removes id's file and index entry. The resident model cannot be
// deleted; unload it first.
func (e *Engine) DeleteModel(id types.ModelIdentity) (bool, error) {
	if info, ok := e.session.Info(); ok && id.Valid() && sameFile(info.Path, e.store.PathFor(id)) {
		return false, faults.New(faults.KindBusy, "engine.delete", fmt.Sprintf("model %s is loaded", id))
	}
	return e.store.Delete(id)
}

func sameFile(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && filepath.Clean(ca) == filepath.Clean(cb)
}

// ModelFileSize returns the on-disk size of a downloaded model.
func (e *Engine) ModelFileSize(id types.ModelIdentity) (int64, bool) {
	return e.store.SizeOf(id)
}

// SyncCache reconciles the index with the models directory.
func (e *Engine) SyncCache(ctx context.Context) (artifact.SyncReport, error) {
	return e.store.Sync(ctx)
}

// ListDownloadedModels scans the models directory.
func (e *Engine) ListDownloadedModels(ctx context.Context) ([]types.DownloadedModel, error) {
	return e.registry.ListDownloadedModels(ctx)
}

// LoadModel loads the model file at path, replacing any resident model.
func (e *Engine) LoadModel(ctx context.Context, path string) error {
	return e.session.Load(ctx, path)
}

// LoadIdentity loads a downloaded model by identity.
func (e *Engine) LoadIdentity(ctx context.Context, id types.ModelIdentity) error {
	ok, err := e.store.IsDownloaded(id)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.KindArtifact, "engine.load", fmt.Sprintf("model %s is not downloaded", id))
	}
	return e.session.Load(ctx, e.store.PathFor(id))
}

// ResolvePath maps a relative model path onto the models directory.
func (e *Engine) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.store.Dir(), p)
}

// ValidateModel checks a model file without loading it.
func (e *Engine) ValidateModel(path string) error {
	return session.ValidateModel(e.ResolvePath(path))
}

// SwitchModel releases the resident model, then loads path.
func (e *Engine) SwitchModel(ctx context.Context, path string) error {
	return e.session.Switch(ctx, path)
}

// UnloadModel is idempotent.
func (e *Engine) UnloadModel() error { return e.session.Unload() }

// Generate blocks until the generation finishes.
func (e *Engine) Generate(ctx context.Context, prompt string, cfg *types.GenerationConfig) (types.GenerationResult, error) {
	return e.session.GenerateText(ctx, session.Request{Prompt: prompt, Chat: true, Config: cfg})
}

// GenerateStreaming delivers tokens through the callbacks and fires exactly
// one of onComplete or onError. The same outcome is returned.
func (e *Engine) GenerateStreaming(ctx context.Context, prompt string, cfg *types.GenerationConfig,
	onToken func(string), onComplete func(types.GenerationResult), onError func(error)) (types.GenerationResult, error) {
	return e.session.Generate(ctx, session.Request{Prompt: prompt, Chat: true, Config: cfg},
		stream.Funcs{Token: onToken, Complete: onComplete, Error: onError})
}

// GenerateRequest runs req with an explicit sink.
func (e *Engine) GenerateRequest(ctx context.Context, req session.Request, sink stream.Sink) (types.GenerationResult, error) {
	return e.session.Generate(ctx, req, sink)
}

// SubscribeEvents streams session lifecycle events until release is called.
func (e *Engine) SubscribeEvents(buf int) (<-chan session.Event, func()) {
	return e.events.Subscribe(buf)
}

// CancelGeneration is a no-op when nothing is generating.
func (e *Engine) CancelGeneration() { e.session.Cancel() }

// Ready reports whether a model is resident.
func (e *Engine) Ready() bool { return e.session.Loaded() }

// Status reports session and store state.
func (e *Engine) Status() types.StatusResponse {
	resp := types.StatusResponse{
		Session:        e.session.Status(),
		ModelsDir:      e.store.Dir(),
		UptimeSeconds:  int64(time.Since(e.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		LoadsTotal:     e.session.LoadsTotal(),
	}
	if recs, err := e.store.Records(); err == nil {
		for _, r := range recs {
			if r.Downloaded {
				resp.Downloaded++
			}
		}
	}
	return resp
}

// Close unloads the model and closes the index.
func (e *Engine) Close() error {
	return errors.Join(e.session.Unload(), e.store.Close())
}
