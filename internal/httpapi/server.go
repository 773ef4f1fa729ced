package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"oxidelab/internal/artifact"
	"oxidelab/internal/download"
	"oxidelab/internal/faults"
	"oxidelab/internal/session"
	"oxidelab/internal/stream"
	"oxidelab/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListDownloadedModels(ctx context.Context) ([]types.DownloadedModel, error)
	DownloadModelStaged(ctx context.Context, id types.ModelIdentity, progress download.ProgressFunc, stage download.StageFunc, maxRetries int) (string, error)
	IsModelDownloaded(id types.ModelIdentity) (bool, error)
	ModelFileSize(id types.ModelIdentity) (int64, bool)
	DeleteModel(id types.ModelIdentity) (bool, error)
	SyncCache(ctx context.Context) (artifact.SyncReport, error)
	ResolvePath(p string) string
	LoadModel(ctx context.Context, path string) error
	SwitchModel(ctx context.Context, path string) error
	UnloadModel() error
	GenerateRequest(ctx context.Context, req session.Request, sink stream.Sink) (types.GenerationResult, error)
	CancelGeneration()
	SubscribeEvents(buf int) (<-chan session.Event, func())
	Status() types.StatusResponse
	Ready() bool
}

var validate = validator.New()

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(corsMiddleware())
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListDownloadedModels(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if models == nil {
			models = []types.DownloadedModel{}
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
	})

	r.Get("/models/status", func(w http.ResponseWriter, r *http.Request) {
		id := types.ModelIdentity{
			Repository: r.URL.Query().Get("repository"),
			FileName:   r.URL.Query().Get("file_name"),
		}
		ok, err := svc.IsModelDownloaded(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := types.ModelStatusResponse{Identity: id, Downloaded: ok}
		if size, found := svc.ModelFileSize(id); found {
			resp.SizeBytes = &size
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/models/download", handleDownload(svc))

	r.Post("/models/delete", func(w http.ResponseWriter, r *http.Request) {
		var req types.IdentityRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		deleted, err := svc.DeleteModel(req.Identity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.DeleteResponse{Identity: req.Identity, Deleted: deleted})
	})

	r.Post("/cache/sync", func(w http.ResponseWriter, r *http.Request) {
		rep, err := svc.SyncCache(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.SyncResponse{Cleared: nonNil(rep.Cleared), Added: nonNil(rep.Added), Kept: rep.Kept})
	})

	r.Post("/session/load", handleLoad(svc, svc.LoadModel))
	r.Post("/session/switch", handleLoad(svc, svc.SwitchModel))
	r.Post("/session/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.UnloadModel(); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, svc.Status().Session)
	})

	r.Post("/generate", handleGenerate(svc))
	r.Post("/generate/cancel", func(w http.ResponseWriter, r *http.Request) {
		svc.CancelGeneration()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/events", handleEvents(svc))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no model loaded"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// decodeJSON enforces the content type and body limit, decodes into dst and
// validates it. It writes the error response itself and reports success.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// Oversized bodies also land here; report 400 without size details.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeServiceError(w, faults.E(faults.KindInvalid, "request", err))
		return false
	}
	return true
}

func handleLoad(svc Service, load func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ctx, cancel := operationContext(r.Context(), 0)
		defer cancel()
		start := time.Now()
		lvl := requestLogLevel(r)
		path := svc.ResolvePath(req.Path)
		logStart(r, lvl, "load", func(e *zerolog.Event) *zerolog.Event { return e.Str("model", path) })
		if err := load(ctx, path); err != nil {
			status := writeServiceError(w, err)
			logEnd(r, lvl, "load", status, err, since(start))
			return
		}
		writeJSON(w, http.StatusOK, svc.Status().Session)
		logEnd(r, lvl, "load", http.StatusOK, nil, since(start))
	}
}

func since(t time.Time) func() float64 {
	return func() float64 { return time.Since(t).Seconds() }
}

// ndjson serializes line writes from concurrent callbacks.
type ndjson struct {
	mu     sync.Mutex
	enc    *json.Encoder
	flush  func()
	lines  prometheus.Counter
	closed bool
}

func newNDJSON(w http.ResponseWriter, r *http.Request, what string) *ndjson {
	w.Header().Set("Content-Type", "application/x-ndjson")
	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{prefix: what, reqID: middleware.GetReqID(r.Context())})
	}
	n := &ndjson{enc: json.NewEncoder(out), lines: streamLinesTotal.WithLabelValues(what)}
	if f, ok := w.(http.Flusher); ok {
		n.flush = f.Flush
	}
	return n
}

func (n *ndjson) send(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.enc.Encode(v) == nil {
		n.lines.Inc()
	}
	if n.flush != nil {
		n.flush()
	}
}

// handleEvents streams session lifecycle events as NDJSON until the client
// goes away or the server shuts down.
// close makes later sends no-ops. The handler must not touch the
// ResponseWriter once it has returned.
func (n *ndjson) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func handleEvents(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := operationContext(r.Context(), 0)
		defer cancel()
		events, release := svc.SubscribeEvents(64)
		defer release()
		out := newNDJSON(w, r, "events")
		w.WriteHeader(http.StatusOK)
		if out.flush != nil {
			out.flush()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				out.send(ev)
			}
		}
	}
}

// handleDownload streams ProgressEvent lines. The status is always 200 once
// the request is accepted; failures arrive in the terminal line.
func handleDownload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DownloadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ctx, cancel := operationContext(r.Context(), 0)
		defer cancel()
		start := time.Now()
		lvl := requestLogLevel(r)
		logStart(r, lvl, "download", func(e *zerolog.Event) *zerolog.Event { return e.Str("model", req.Identity.Key()) })

		out := newNDJSON(w, r, "download")
		defer out.close()
		w.WriteHeader(http.StatusOK)

		var mu sync.Mutex
		stage := download.StagePreparing
		var read, total int64 = 0, -1
		current := func() types.ProgressEvent {
			mu.Lock()
			defer mu.Unlock()
			return types.ProgressEvent{Stage: stage, BytesRead: read, TotalBytes: total}
		}
		onStage := func(s string) {
			mu.Lock()
			stage = s
			mu.Unlock()
			out.send(current())
		}
		throttle := &rate.Sometimes{First: 1, Interval: progressInterval}
		onProgress := func(n, t int64, done bool) {
			mu.Lock()
			read, total = n, t
			mu.Unlock()
			if done || progressInterval == 0 {
				out.send(current())
				return
			}
			throttle.Do(func() { out.send(current()) })
		}

		path, err := svc.DownloadModelStaged(ctx, req.Identity, onProgress, onStage, req.MaxRetries)
		final := current()
		final.Done = true
		if err != nil {
			if s := faults.StageOf(err); s != "" {
				final.Stage = s
			}
			final.Error = err.Error()
			final.Kind = kindOf(err)
			out.send(final)
			logEnd(r, lvl, "download", statusOf(err), err, since(start))
			return
		}
		final.Path = path
		out.send(final)
		logEnd(r, lvl, "download", http.StatusOK, nil, since(start))
	}
}

// generateSink writes a generation as NDJSON. Errors raised before the first
// token become a plain JSON error with a mapped status.
type generateSink struct {
	w       http.ResponseWriter
	r       *http.Request
	out     *ndjson
	status  int
	failure error
}

func (s *generateSink) start() {
	if s.out == nil {
		s.out = newNDJSON(s.w, s.r, "generate")
		s.w.WriteHeader(http.StatusOK)
		s.status = http.StatusOK
	}
}

func (s *generateSink) OnToken(tok string) {
	s.start()
	s.out.send(types.TokenEvent{Token: tok})
}

func (s *generateSink) OnComplete(res types.GenerationResult) {
	s.start()
	s.out.send(types.DoneEvent{Done: true, Result: &res})
}

func (s *generateSink) OnError(err error) {
	s.failure = err
	if s.out == nil {
		s.status = writeServiceError(s.w, err)
		return
	}
	s.out.send(types.DoneEvent{Done: true, Error: err.Error(), Kind: kindOf(err)})
}

func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ctx, cancel := operationContext(r.Context(), generateTimeout)
		defer cancel()
		start := time.Now()
		lvl := requestLogLevel(r)
		logStart(r, lvl, "generate", func(e *zerolog.Event) *zerolog.Event {
			return e.Bool("stream", req.Stream).Int("prompt_len", len(req.Prompt))
		})
		sreq := session.Request{Prompt: req.Prompt, Chat: req.Chat, Config: req.Config}

		if !req.Stream {
			res, err := svc.GenerateRequest(ctx, sreq, nil)
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				status := writeServiceError(w, err)
				logEnd(r, lvl, "generate", status, err, since(start))
				return
			}
			writeJSON(w, http.StatusOK, res)
			logEnd(r, lvl, "generate", http.StatusOK, nil, since(start))
			return
		}

		sink := &generateSink{w: w, r: r}
		_, _ = svc.GenerateRequest(ctx, sreq, sink)
		logEnd(r, lvl, "generate", sink.status, sink.failure, since(start))
	}
}
