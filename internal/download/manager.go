// Package download fetches model files from the hub into the artifact store.
// An attempt streams into "<file>.part", checks size and magic, then renames
// and marks the identity downloaded. Failed attempts are retried with
// exponential backoff; nothing is marked downloaded unless it passed checks.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"oxidelab/internal/artifact"
	"oxidelab/internal/common/fsutil"
	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// Human-readable stages reported with progress and attached to errors.
const (
	StagePreparing    = "preparing"
	StageChecking     = "checking availability"
	StageDownloading  = "downloading"
	StageInitializing = "initializing"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultChunkSize  = 8 << 10
	defaultMaxDelay   = time.Minute
	// Upper bound on total retry time; large files may legitimately take hours.
	defaultMaxElapsed = 24 * time.Hour
)

// ProgressFunc receives bytes written so far, the total if known (else -1),
// and whether the download has been published.
type ProgressFunc func(bytesRead, totalBytes int64, done bool)

// StageFunc receives stage transitions.
type StageFunc func(stage string)

// Config configures a Manager. Zero values take package defaults.
type Config struct {
	Store      *artifact.Store
	Hub        *Hub
	MaxRetries int
	BaseDelay  time.Duration
	ChunkSize  int
	// DisableResume restarts every attempt from byte zero.
	DisableResume bool
	Logger        zerolog.Logger
	Tracer        trace.Tracer
}

// Manager downloads model files. Downloads of different identities run
// concurrently; concurrent calls for one identity share a single transfer.
// Identities that map to the same file are never in flight together.
type Manager struct {
	store      *artifact.Store
	hub        *Hub
	maxRetries int
	baseDelay  time.Duration
	chunkSize  int
	resume     bool
	log        zerolog.Logger
	tracer     trace.Tracer
	flights    singleflight.Group

	mu     sync.Mutex
	active map[string]struct{}
	claims map[string]*claim
}

// claim records which identity is using a target path and how many callers
// wait on it.
type claim struct {
	key string
	n   int
}

func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("download: store is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("oxidelab/download")
	}
	return &Manager{
		store:      cfg.Store,
		hub:        cfg.Hub,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		chunkSize:  cfg.ChunkSize,
		resume:     !cfg.DisableResume,
		log:        cfg.Logger.With().Str("component", "download").Logger(),
		tracer:     cfg.Tracer,
		active:     make(map[string]struct{}),
		claims:     make(map[string]*claim),
	}, nil
}

// Hub returns the hub client.
func (m *Manager) Hub() *Hub { return m.hub }

// Active lists the identity keys currently transferring.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for k := range m.active {
		out = append(out, k)
	}
	return out
}

type request struct {
	progress   ProgressFunc
	stage      StageFunc
	maxRetries int
}

// Option customizes one Download call.
type Option func(*request)

func WithProgress(fn ProgressFunc) Option { return func(r *request) { r.progress = fn } }

func WithStage(fn StageFunc) Option { return func(r *request) { r.stage = fn } }

// WithMaxRetries overrides the attempt limit; n <= 0 keeps the default.
func WithMaxRetries(n int) Option {
	return func(r *request) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// Download fetches id into the store and returns the absolute file path.
// If the store already has the file, no network request is made.
func (m *Manager) Download(ctx context.Context, id types.ModelIdentity, opts ...Option) (string, error) {
	const op = "download"
	if !id.Valid() {
		return "", faults.New(faults.KindInvalid, op, fmt.Sprintf("invalid identity %q", id.Key()))
	}
	r := request{maxRetries: m.maxRetries}
	for _, o := range opts {
		o(&r)
	}
	if r.progress == nil {
		r.progress = func(int64, int64, bool) {}
	}
	if r.stage == nil {
		r.stage = func(string) {}
	}
	g := &gate{}
	defer g.close()
	progress, stage := r.progress, r.stage
	r.progress = func(read, total int64, done bool) { g.do(func() { progress(read, total, done) }) }
	r.stage = func(s string) { g.do(func() { stage(s) }) }

	target := m.store.PathFor(id)
	release, err := m.claim(target, id)
	if err != nil {
		return "", err
	}
	var pending <-chan singleflight.Result
	defer func() {
		if pending == nil {
			release()
			return
		}
		// Keep the claim until the abandoned flight has unwound.
		go func() {
			<-pending
			release()
		}()
	}()

	for {
		if path, ok := m.cached(id, r); ok {
			return path, nil
		}
		led := false
		ch := m.flights.DoChan(target, func() (any, error) {
			led = true
			return m.download(ctx, id, r)
		})
		select {
		case <-ctx.Done():
			pending = ch
			return "", faults.E(faults.KindCancelled, op, ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				path := res.Val.(string)
				if !led {
					if n, ok := m.store.SizeOf(id); ok {
						r.progress(n, n, true)
					}
				}
				return path, nil
			}
			// A shared flight cancelled by its leader says nothing about
			// this caller; try again under our own context.
			if res.Shared && faults.IsCancelled(res.Err) && ctx.Err() == nil {
				continue
			}
			return "", res.Err
		}
	}
}

// claim reserves path for id. Callers for the same identity share the claim;
// another identity gets a busy error until every holder has released it.
func (m *Manager) claim(path string, id types.ModelIdentity) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.claims[path]
	if c != nil && c.key != id.Key() {
		return nil, faults.New(faults.KindBusy, "download", fmt.Sprintf("%s is being downloaded for %s", id.FileName, c.key)).WithStage(StagePreparing)
	}
	if c == nil {
		c = &claim{key: id.Key()}
		m.claims[path] = c
	}
	c.n++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c.n--; c.n == 0 {
			delete(m.claims, path)
		}
	}, nil
}

// gate drops callbacks once closed. A callback running when close is called
// finishes before close returns.
type gate struct {
	mu     sync.Mutex
	closed bool
}

func (g *gate) do(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		fn()
	}
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (m *Manager) cached(id types.ModelIdentity, r request) (string, bool) {
	ok, err := m.store.IsDownloaded(id)
	if err != nil || !ok {
		return "", false
	}
	path := m.store.PathFor(id)
	if n, ok := m.store.SizeOf(id); ok {
		r.progress(n, n, true)
	}
	downloadsTotal.WithLabelValues("cached").Inc()
	return path, true
}

func (m *Manager) download(ctx context.Context, id types.ModelIdentity, r request) (string, error) {
	key := id.Key()
	ctx, span := m.tracer.Start(ctx, "download.Model", trace.WithAttributes(
		attribute.String("model.repository", id.Repository),
		attribute.String("model.file", id.FileName),
		attribute.Int("download.max_retries", r.maxRetries),
	))
	defer span.End()

	m.mu.Lock()
	m.active[key] = struct{}{}
	m.mu.Unlock()
	downloadsInflight.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		downloadsInflight.Dec()
	}()

	start := time.Now()
	r.stage(StagePreparing)
	if err := m.store.EnsureDir(); err != nil {
		return "", m.fail(span, key, withStage(err, StagePreparing))
	}
	if other, taken, err := m.store.Occupant(id); err != nil {
		return "", m.fail(span, key, withStage(err, StagePreparing))
	} else if taken {
		return "", m.fail(span, key, occupied(id, other).WithStage(StagePreparing))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.baseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = defaultMaxDelay

	guard := &monotonic{fn: r.progress}
	attempt := 0
	operation := func() (string, error) {
		attempt++
		path, err := m.attempt(ctx, id, r, guard)
		if err == nil {
			return path, nil
		}
		attemptFailuresTotal.WithLabelValues(string(faults.KindOf(err))).Inc()
		span.AddEvent("attempt_failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
		if ctx.Err() != nil {
			return "", backoff.Permanent(faults.E(faults.KindCancelled, "download", ctx.Err()).WithStage(faults.StageOf(err)))
		}
		return "", err
	}
	path, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.maxRetries)),
		backoff.WithMaxElapsedTime(defaultMaxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.log.Warn().Err(err).
				Str("event", "download_retry").
				Str("model", key).
				Int("attempt", attempt).
				Dur("backoff", d).
				Msg("download attempt failed, retrying")
		}),
	)
	if err != nil {
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			err = pe.Unwrap()
		}
		var fe *faults.Error
		if !errors.As(err, &fe) {
			err = faults.E(faults.KindOf(err), "download", err)
		}
		return "", m.fail(span, key, err)
	}
	downloadsTotal.WithLabelValues("ok").Inc()
	downloadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("download.attempts", attempt))
	m.log.Info().Str("event", "download_done").Str("model", key).Str("path", path).Int("attempts", attempt).Dur("dur", time.Since(start)).Msg("model downloaded")
	return path, nil
}

func (m *Manager) fail(span trace.Span, key string, err error) error {
	downloadsTotal.WithLabelValues(string(faults.KindOf(err))).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.log.Error().Err(err).Str("event", "download_failed").Str("model", key).Str("stage", faults.StageOf(err)).Msg("download failed")
	return err
}

func withStage(err error, stage string) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.WithStage(stage)
	}
	return faults.E(faults.KindInternal, "download", err).WithStage(stage)
}

func occupied(id, other types.ModelIdentity) *faults.Error {
	return faults.New(faults.KindArtifact, "download", fmt.Sprintf("%s is already stored for %s", id.FileName, other.Key()))
}

func attemptErr(kind faults.Kind, stage string, err error) error {
	return faults.E(kind, "download", err).WithStage(stage)
}

// attempt performs one GET-to-publish pass.
func (m *Manager) attempt(ctx context.Context, id types.ModelIdentity, r request, guard *monotonic) (string, error) {
	final := m.store.PathFor(id)
	part := fsutil.PartialPath(final)

	r.stage(StageChecking)
	var offset int64
	if m.resume {
		if n, ok := fsutil.RegularSize(part); ok {
			offset = n
		}
	} else {
		_ = os.Remove(part)
	}
	req, err := m.hub.newRequest(ctx, http.MethodGet, m.hub.ResolveURL(id))
	if err != nil {
		return "", attemptErr(faults.KindInvalid, StageChecking, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := m.hub.client.Do(req)
	if err != nil {
		return "", attemptErr(faults.KindNetwork, StageChecking, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		_ = os.Remove(part)
		return "", attemptErr(faults.KindHTTPStatus, StageChecking, errors.New("stale partial download discarded"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError("download", resp).WithStage(StageChecking)
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "text/html") {
		return "", attemptErr(faults.KindContentType, StageChecking, fmt.Errorf("server returned %q instead of a model file", ct))
	}

	flags := os.O_CREATE | os.O_WRONLY
	total := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent && offset > 0 && rangeStart(resp.Header.Get("Content-Range")) == offset {
		flags |= os.O_APPEND
		if total >= 0 {
			total += offset
		}
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return "", attemptErr(faults.KindFilesystem, StageDownloading, err)
	}

	r.stage(StageDownloading)
	written, err := m.copy(ctx, f, resp.Body, offset, total, id, guard)
	if err == nil {
		err = f.Sync()
		if err != nil {
			err = attemptErr(faults.KindFilesystem, StageDownloading, err)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = attemptErr(faults.KindFilesystem, StageDownloading, cerr)
	}
	if err != nil {
		return "", err
	}
	if total >= 0 && written != total {
		return "", attemptErr(faults.KindNetwork, StageDownloading, fmt.Errorf("short body: got %d of %d bytes", written, total))
	}

	r.stage(StageInitializing)
	if !artifact.LargeEnough(written) {
		_ = os.Remove(part)
		return "", attemptErr(faults.KindIntegrity, StageInitializing, fmt.Errorf("file too small (%d bytes)", written))
	}
	if !artifact.VerifyIntegrity(part) {
		_ = os.Remove(part)
		return "", attemptErr(faults.KindIntegrity, StageInitializing, errors.New("missing GGUF magic"))
	}

	unlock := m.store.Lock(id)
	defer unlock()
	if other, taken, err := m.store.OccupantLocked(id); err != nil {
		return "", withStage(err, StageInitializing)
	} else if taken {
		_ = os.Remove(part)
		return "", backoff.Permanent(occupied(id, other).WithStage(StageInitializing))
	}
	if err := os.Rename(part, final); err != nil {
		return "", attemptErr(faults.KindFilesystem, StageInitializing, err)
	}
	if err := m.store.MarkDownloadedLocked(id, true); err != nil {
		return "", withStage(err, StageInitializing)
	}
	guard.report(written, written, true)
	return final, nil
}

// copy streams body to f in chunks, reporting cumulative progress.
func (m *Manager) copy(ctx context.Context, f *os.File, body io.Reader, offset, total int64, id types.ModelIdentity, guard *monotonic) (int64, error) {
	buf := make([]byte, m.chunkSize)
	read := offset
	logEvery := rate.Sometimes{First: 1, Interval: 5 * time.Second}
	for {
		if err := ctx.Err(); err != nil {
			return read, attemptErr(faults.KindCancelled, StageDownloading, err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return read, attemptErr(faults.KindFilesystem, StageDownloading, werr)
			}
			read += int64(n)
			bytesTotal.Add(float64(n))
			guard.report(read, total, false)
			logEvery.Do(func() {
				m.log.Debug().Str("event", "download_progress").Str("model", id.Key()).Int64("bytes", read).Int64("total", total).Msg("downloading")
			})
		}
		if rerr == io.EOF {
			return read, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return read, attemptErr(faults.KindCancelled, StageDownloading, ctx.Err())
			}
			return read, attemptErr(faults.KindNetwork, StageDownloading, rerr)
		}
	}
}

// rangeStart parses the first byte position of "bytes a-b/c".
func rangeStart(h string) int64 {
	h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "bytes"))
	dash := strings.IndexByte(h, '-')
	if dash <= 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[:dash]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// monotonic drops progress reports that would move bytesRead backwards,
// e.g. when a retry restarts from zero.
type monotonic struct {
	mu   sync.Mutex
	max  int64
	done bool
	fn   ProgressFunc
}

func (g *monotonic) report(read, total int64, done bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done || (read < g.max && !done) {
		return
	}
	if read > g.max {
		g.max = read
	}
	g.done = done
	g.fn(g.max, total, done)
}
