// Package session owns at most one resident model and runs generations
// against it.
//
// States: unloaded -> loading -> loaded -> generating -> loaded ->
// unloading -> unloaded. Load and Unload are serialized behind opMu; a single
// generation may run at a time. A failed load always ends unloaded, never
// with a previous model still resident.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"oxidelab/internal/artifact"
	"oxidelab/internal/faults"
	"oxidelab/internal/gguf"
	"oxidelab/internal/stream"
	"oxidelab/pkg/types"
)

// Config configures a Session.
type Config struct {
	Backend Backend
	// MemoryBudgetMB rejects models whose estimate exceeds it; 0 disables.
	MemoryBudgetMB int
	// Defaults fill zero fields of per-request configs.
	Defaults  types.GenerationConfig
	Publisher EventPublisher
	Logger    zerolog.Logger
	Tracer    trace.Tracer
}

// Request is one generation.
type Request struct {
	Prompt string
	// Chat wraps Prompt with the model's chat format.
	Chat bool
	// Config nil uses the session defaults.
	Config *types.GenerationConfig
}

type generation struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	// inSink counts sink callbacks currently running for this generation.
	inSink atomic.Int32
	// unload is set under Session.mu when Unload was asked for from inside a
	// sink callback; end releases the model instead of returning to loaded.
	unload bool
}

// Session is the single owner of a model handle.
type Session struct {
	backend   Backend
	budgetMB  int
	defaults  types.GenerationConfig
	publisher EventPublisher
	log       zerolog.Logger
	tracer    trace.Tracer
	validate  *validator.Validate

	// opMu serializes Load, Switch and Unload.
	opMu sync.Mutex

	mu      sync.Mutex
	state   types.SessionState
	model   Model
	info    ModelInfo
	gen     *generation
	lastErr string
	loads   uint64
}

func New(cfg Config) *Session {
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("oxidelab/session")
	}
	if cfg.Backend == nil {
		cfg.Backend = NewLlamaBackend(LlamaOptions{})
	}
	def := types.DefaultGenerationConfig()
	if cfg.Defaults != (types.GenerationConfig{}) {
		def = cfg.Defaults.WithDefaults(def)
	}
	return &Session{
		backend:   cfg.Backend,
		budgetMB:  cfg.MemoryBudgetMB,
		defaults:  def,
		publisher: cfg.Publisher,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		tracer:    cfg.Tracer,
		validate:  validator.New(),
		state:     types.SessionUnloaded,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Loaded reports whether a model is resident and idle or generating.
func (s *Session) Loaded() bool {
	st := s.State()
	return st == types.SessionLoaded || st == types.SessionGenerating
}

// Info returns metadata of the resident model.
func (s *Session) Info() (ModelInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.model != nil
}

// Status returns a snapshot for reporting.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.SessionStatus{
		State:     s.state,
		BudgetMB:  s.budgetMB,
		LastError: s.lastErr,
	}
	if s.model != nil {
		st.ModelPath = s.info.Path
		st.ModelName = s.info.Name
		st.Architecture = s.info.Architecture
		st.EstMemoryMB = s.info.EstMemoryMB
	}
	if s.gen != nil {
		st.GenerationID = s.gen.id
	}
	return st
}

// LoadsTotal counts successful loads since construction.
func (s *Session) LoadsTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// estimateMemoryMB sizes a model by its file: quantized weights are mapped
// roughly one to one.
func estimateMemoryMB(size int64) int {
	mb := int(size / (1 << 20))
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// Load makes path the resident model. A model already resident is released
// first. On failure the session is left unloaded.
func (s *Session) Load(ctx context.Context, path string) error {
	const op = "session.load"
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.gen != nil {
		s.mu.Unlock()
		return faults.New(faults.KindBusy, op, "generation in progress")
	}
	prev := s.model
	prevInfo := s.info
	s.state = types.SessionLoading
	s.model = nil
	s.info = ModelInfo{}
	s.mu.Unlock()

	if prev != nil {
		s.release(prev, prevInfo)
	}

	ctx, span := s.tracer.Start(ctx, "session.Load", trace.WithAttributes(attribute.String("model.path", path)))
	defer span.End()
	s.publisher.Publish(Event{Name: EventLoadStart, Model: path})
	start := time.Now()

	model, info, err := s.open(ctx, op, path)
	s.mu.Lock()
	if err != nil {
		s.state = types.SessionUnloaded
		s.lastErr = err.Error()
		s.mu.Unlock()
		residentMB.Set(0)
		loadsTotal.WithLabelValues(string(faults.KindOf(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.publisher.Publish(Event{Name: EventLoadFailed, Model: path, Fields: map[string]any{"error": err.Error(), "kind": string(faults.KindOf(err))}})
		s.log.Error().Err(err).Str("event", "load_failed").Str("path", path).Msg("model load failed")
		return err
	}
	s.model = model
	s.info = info
	s.state = types.SessionLoaded
	s.lastErr = ""
	s.loads++
	s.mu.Unlock()

	residentMB.Set(float64(info.EstMemoryMB))
	loadsTotal.WithLabelValues("ok").Inc()
	loadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("model.architecture", info.Architecture), attribute.Int("model.est_mb", info.EstMemoryMB))
	s.publisher.Publish(Event{Name: EventLoadDone, Model: path, Fields: map[string]any{"architecture": info.Architecture, "est_mb": info.EstMemoryMB}})
	s.log.Info().Str("event", "load_done").Str("path", path).Str("arch", info.Architecture).Int("est_mb", info.EstMemoryMB).Dur("dur", time.Since(start)).Msg("model loaded")
	return nil
}

// Switch is Load under another name: the current model is released before
// path is loaded.
func (s *Session) Switch(ctx context.Context, path string) error { return s.Load(ctx, path) }

// open validates the artifact and asks the backend for a handle.
func (s *Session) open(ctx context.Context, op, path string) (Model, ModelInfo, error) {
	if path == "" {
		return nil, ModelInfo{}, faults.New(faults.KindInvalid, op, "model path is empty")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, ModelInfo{}, faults.E(faults.KindArtifact, op, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, ModelInfo{}, faults.New(faults.KindArtifact, op, path+" is not a regular file")
	}
	meta, err := gguf.ReadFile(path)
	if err != nil {
		var pe *os.PathError
		if errors.As(err, &pe) {
			return nil, ModelInfo{}, faults.E(faults.KindArtifact, op, err)
		}
		return nil, ModelInfo{}, faults.E(faults.KindFormat, op, err)
	}
	info := ModelInfo{
		Path:         path,
		Name:         meta.Name(),
		Architecture: meta.Architecture(),
		ChatTemplate: meta.ChatTemplate(),
		HasTokenizer: meta.HasTokenizer(),
		SizeBytes:    fi.Size(),
		EstMemoryMB:  estimateMemoryMB(fi.Size()),
	}
	if info.Architecture == "" {
		return nil, ModelInfo{}, faults.New(faults.KindFormat, op, "missing general.architecture")
	}
	if eos, ok := meta.EOSTokenID(); ok {
		info.EOS = []int32{int32(eos)}
	}
	if n, ok := meta.ContextLength(); ok {
		info.ContextLength = int(n)
	}
	if s.budgetMB > 0 && info.EstMemoryMB > s.budgetMB {
		return nil, ModelInfo{}, faults.New(faults.KindOutOfMemory, op,
			fmt.Sprintf("model needs ~%d MB, budget is %d MB", info.EstMemoryMB, s.budgetMB))
	}
	if err := ctx.Err(); err != nil {
		return nil, ModelInfo{}, faults.E(faults.KindCancelled, op, err)
	}
	model, err := s.backend.Load(ctx, info)
	if err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) {
			return nil, ModelInfo{}, err
		}
		return nil, ModelInfo{}, faults.E(faults.KindFormat, op, err)
	}
	return model, info, nil
}

func (s *Session) release(m Model, info ModelInfo) {
	if err := m.Close(); err != nil {
		s.log.Warn().Err(err).Str("event", "unload_close_error").Str("path", info.Path).Msg("closing model failed")
	}
	residentMB.Set(0)
	s.publisher.Publish(Event{Name: EventUnloadDone, Model: info.Path})
	s.log.Info().Str("event", "unload_done").Str("path", info.Path).Msg("model unloaded")
}

// Unload releases the resident model. A generation in flight is cancelled and
// awaited first. Unloading an unloaded session is a no-op.
//
// Called from a sink callback of the generation in flight, Unload cannot wait
// for that generation. It cancels it, leaves the session unloading and
// returns; the model is released as the generation unwinds.
func (s *Session) Unload() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	for s.gen != nil {
		g := s.gen
		g.cancel()
		if g.inSink.Load() > 0 {
			g.unload = true
			s.state = types.SessionUnloading
			s.mu.Unlock()
			s.log.Info().Str("event", "unload_deferred").Str("id", g.id).Msg("unload requested from stream callback")
			return nil
		}
		s.mu.Unlock()
		<-g.done
		s.mu.Lock()
	}
	m, info := s.model, s.info
	if m == nil {
		s.state = types.SessionUnloaded
		s.mu.Unlock()
		return nil
	}
	s.state = types.SessionUnloading
	s.mu.Unlock()

	s.release(m, info)

	s.mu.Lock()
	s.model = nil
	s.info = ModelInfo{}
	s.state = types.SessionUnloaded
	s.mu.Unlock()
	return nil
}

// Cancel stops the generation in flight, if any. Safe to call repeatedly.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != nil {
		s.gen.cancel()
	}
}

// begin claims the single generation slot.
func (s *Session) begin(ctx context.Context) (context.Context, *generation, Model, ModelInfo, error) {
	const op = "session.generate"
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case types.SessionUnloaded:
		return nil, nil, nil, ModelInfo{}, faults.New(faults.KindNotLoaded, op, "no model loaded")
	case types.SessionGenerating:
		return nil, nil, nil, ModelInfo{}, faults.New(faults.KindBusy, op, "generation already in progress")
	case types.SessionLoading, types.SessionUnloading:
		return nil, nil, nil, ModelInfo{}, faults.New(faults.KindBusy, op, "session is "+string(s.state))
	}
	gctx, cancel := context.WithCancel(ctx)
	g := &generation{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	s.gen = g
	s.state = types.SessionGenerating
	return gctx, g, s.model, s.info, nil
}

func (s *Session) end(g *generation, errMsg string) {
	s.mu.Lock()
	var (
		m    Model
		info ModelInfo
	)
	unload := s.gen == g && g.unload
	switch {
	case unload:
		m, info = s.model, s.info
		s.model = nil
		s.info = ModelInfo{}
		s.state = types.SessionUnloading
	case s.gen == g:
		s.gen = nil
		s.state = types.SessionLoaded
	}
	if errMsg != "" {
		s.lastErr = errMsg
	}
	s.mu.Unlock()
	g.cancel()

	if unload {
		if m != nil {
			s.release(m, info)
		}
		s.mu.Lock()
		s.gen = nil
		s.state = types.SessionUnloaded
		s.mu.Unlock()
	}
	close(g.done)
}

// Generate runs req against the resident model, streaming tokens to sink.
// Exactly one of sink.OnComplete or sink.OnError fires, also for requests
// rejected up front. A cancelled generation completes normally with
// FinishReason "cancelled" and whatever text was produced.
func (s *Session) Generate(ctx context.Context, req Request, sink stream.Sink) (types.GenerationResult, error) {
	const op = "session.generate"
	bridge := stream.NewBridge(sink)
	fail := func(err error) (types.GenerationResult, error) {
		generationsTotal.WithLabelValues(string(faults.KindOf(err))).Inc()
		bridge.Fail(err)
		return types.GenerationResult{}, err
	}

	cfg := s.defaults
	if req.Config != nil {
		cfg = req.Config.WithDefaults(s.defaults)
	}
	if err := s.validate.Struct(cfg); err != nil {
		return fail(faults.E(faults.KindInvalid, op, err))
	}
	if req.Prompt == "" {
		return fail(faults.New(faults.KindInvalid, op, "prompt is empty"))
	}

	gctx, g, model, info, err := s.begin(ctx)
	if err != nil {
		return fail(err)
	}
	gctx, span := s.tracer.Start(gctx, "session.Generate", trace.WithAttributes(
		attribute.String("generation.id", g.id),
		attribute.Int("generation.max_tokens", int(cfg.MaxTokens)),
		attribute.Float64("generation.temperature", float64(cfg.Temperature)),
	))
	defer span.End()
	s.publisher.Publish(Event{Name: EventGenerateStart, Model: info.Path, Fields: map[string]any{"id": g.id}})
	start := time.Now()

	prompt := req.Prompt
	if req.Chat {
		prompt = FormatPrompt(info.ChatTemplate, info.Architecture, req.Prompt)
	}
	final, gerr := s.run(gctx, g, model, prompt, cfg, bridge)

	if gerr == nil && ctx.Err() != nil {
		// The caller went away rather than calling Cancel.
		final.FinishReason = types.FinishCancelled
	}
	res := types.GenerationResult{
		ID:               g.id,
		Content:          final.Content,
		FinishReason:     final.FinishReason,
		PromptTokens:     final.PromptTokens,
		CompletionTokens: final.CompletionTokens,
	}
	if gerr != nil {
		var fe *faults.Error
		if !errors.As(gerr, &fe) {
			gerr = faults.E(faults.KindInternal, op, gerr)
		}
		s.end(g, gerr.Error())
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		s.log.Error().Err(gerr).Str("event", "generate_failed").Str("id", g.id).Msg("generation failed")
		return fail(gerr)
	}
	s.end(g, "")

	generationsTotal.WithLabelValues(res.FinishReason).Inc()
	generationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("generation.finish", res.FinishReason), attribute.Int("generation.tokens", res.CompletionTokens))
	name := EventGenerateDone
	if res.FinishReason == types.FinishCancelled {
		name = EventCancelled
	}
	s.publisher.Publish(Event{Name: name, Model: info.Path, Fields: map[string]any{"id": g.id, "tokens": res.CompletionTokens}})
	s.log.Info().Str("event", "generate_done").Str("id", g.id).Str("finish", res.FinishReason).Int("tokens", res.CompletionTokens).Dur("dur", time.Since(start)).Msg("generation finished")
	bridge.Complete(res)
	if perr := bridge.Panicked(); perr != nil {
		s.log.Warn().Err(perr).Str("event", "sink_panic").Str("id", g.id).Msg("stream consumer panicked")
	}
	return res, nil
}

// run calls the model, converting a panic in the backend into an error so the
// session returns to loaded.
func (s *Session) run(ctx context.Context, g *generation, model Model, prompt string, cfg types.GenerationConfig, bridge *stream.Bridge) (final FinalResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.New(faults.KindInternal, "session.generate", fmt.Sprintf("backend panic: %v", r))
		}
	}()
	return model.Generate(ctx, prompt, cfg, func(tok string) bool {
		g.inSink.Add(1)
		ok := bridge.Token(tok)
		g.inSink.Add(-1)
		if !ok {
			return false
		}
		tokensTotal.Inc()
		return ctx.Err() == nil
	})
}

// GenerateText is the blocking variant of Generate.
func (s *Session) GenerateText(ctx context.Context, req Request) (types.GenerationResult, error) {
	c := stream.NewCollector()
	if _, err := s.Generate(ctx, req, c); err != nil {
		return types.GenerationResult{}, err
	}
	return c.Result()
}

// Close unloads the model.
func (s *Session) Close() error { return s.Unload() }

// ValidateModel checks that path would pass Load's artifact checks without
// loading it.
func ValidateModel(path string) error {
	const op = "session.validate"
	if !artifact.VerifyIntegrity(path) {
		if _, err := os.Stat(path); err != nil {
			return faults.E(faults.KindArtifact, op, err)
		}
		return faults.New(faults.KindFormat, op, "missing GGUF magic")
	}
	if _, err := gguf.ReadFile(path); err != nil {
		return faults.E(faults.KindFormat, op, err)
	}
	return nil
}
