package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"oxidelab/internal/artifact"
	"oxidelab/internal/download"
	"oxidelab/internal/faults"
	"oxidelab/internal/session"
	"oxidelab/internal/stream"
	"oxidelab/pkg/types"
)

type mockService struct {
	models   []types.DownloadedModel
	status   types.StatusResponse
	ready    bool
	sizes    map[string]int64
	sync     artifact.SyncReport
	deleteFn func(types.ModelIdentity) (bool, error)

	downloadErr error
	// late, when set, receives callbacks that fire after the download returned.
	late    chan func()
	loadErr error
	loaded  string

	tokens  []string
	genErr  error
	block   bool
	lastReq session.Request

	cancelled atomic.Bool
	unloads   atomic.Int32

	busOnce sync.Once
	bus     *session.Broadcaster
}

func (m *mockService) events() *session.Broadcaster {
	m.busOnce.Do(func() { m.bus = session.NewBroadcaster(zerolog.Nop()) })
	return m.bus
}

func (m *mockService) SubscribeEvents(buf int) (<-chan session.Event, func()) {
	return m.events().Subscribe(buf)
}

func (m *mockService) ListDownloadedModels(context.Context) ([]types.DownloadedModel, error) {
	return append([]types.DownloadedModel(nil), m.models...), nil
}

func (m *mockService) DownloadModelStaged(_ context.Context, id types.ModelIdentity, progress download.ProgressFunc, stage download.StageFunc, _ int) (string, error) {
	stage(download.StagePreparing)
	stage(download.StageChecking)
	if m.downloadErr != nil {
		return "", m.downloadErr
	}
	stage(download.StageDownloading)
	progress(10, 20, false)
	progress(20, 20, true)
	stage(download.StageInitializing)
	if m.late != nil {
		m.late <- func() {
			stage(download.StageDownloading)
			progress(30, 20, true)
		}
	}
	return "/models/" + id.FileName, nil
}

func (m *mockService) IsModelDownloaded(id types.ModelIdentity) (bool, error) {
	if id.Repository == "" || id.FileName == "" {
		return false, faults.New(faults.KindInvalid, "mock", "identity incomplete")
	}
	_, ok := m.sizes[id.Key()]
	return ok, nil
}

func (m *mockService) ModelFileSize(id types.ModelIdentity) (int64, bool) {
	n, ok := m.sizes[id.Key()]
	return n, ok
}

func (m *mockService) DeleteModel(id types.ModelIdentity) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(id)
	}
	return true, nil
}

func (m *mockService) SyncCache(context.Context) (artifact.SyncReport, error) { return m.sync, nil }

func (m *mockService) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join("/models", p)
}

func (m *mockService) LoadModel(_ context.Context, path string) error {
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded = path
	return nil
}

func (m *mockService) SwitchModel(ctx context.Context, path string) error {
	return m.LoadModel(ctx, path)
}

func (m *mockService) UnloadModel() error {
	m.unloads.Add(1)
	return nil
}

func (m *mockService) GenerateRequest(ctx context.Context, req session.Request, sink stream.Sink) (types.GenerationResult, error) {
	m.lastReq = req
	b := stream.NewBridge(sink)
	if m.block {
		<-ctx.Done()
		err := faults.E(faults.KindCancelled, "mock", ctx.Err())
		b.Fail(err)
		return types.GenerationResult{}, err
	}
	if m.genErr != nil {
		b.Fail(m.genErr)
		return types.GenerationResult{}, m.genErr
	}
	for _, tok := range m.tokens {
		b.Token(tok)
	}
	res := types.GenerationResult{ID: "g1", Content: strings.Join(m.tokens, ""), FinishReason: types.FinishStop, CompletionTokens: len(m.tokens)}
	b.Complete(res)
	return res, nil
}

func (m *mockService) CancelGeneration()            { m.cancelled.Store(true) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func ndjsonLines[T any](t *testing.T, body []byte) []T {
	t.Helper()
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, v)
	}
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return e
}

var qwen = types.ModelIdentity{Repository: "unsloth/Qwen3-0.6B-GGUF", FileName: "Qwen3-0.6B-Q4_K_M.gguf"}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.DownloadedModel{{FileName: "a.gguf"}, {FileName: "b.gguf"}}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestModelsHandler_EmptyIsArray(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if !strings.Contains(w.Body.String(), `"models":[]`) {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestModelStatus(t *testing.T) {
	svc := &mockService{sizes: map[string]int64{qwen.Key(): 4096}}
	h := NewMux(svc)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models/status?repository=unsloth/Qwen3-0.6B-GGUF&file_name=Qwen3-0.6B-Q4_K_M.gguf", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.ModelStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !body.Downloaded || body.SizeBytes == nil || *body.SizeBytes != 4096 {
		t.Fatalf("unexpected: %+v", body)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models/status?repository=x", nil))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Kind != "invalid" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestDownloadStreamsProgress(t *testing.T) {
	defer SetProgressInterval(250 * time.Millisecond)
	SetProgressInterval(0)
	linesBefore := testutil.ToFloat64(streamLinesTotal.WithLabelValues("download"))
	w := postJSON(NewMux(&mockService{}), "/models/download", `{"identity":{"repository":"unsloth/Qwen3-0.6B-GGUF","file_name":"Qwen3-0.6B-Q4_K_M.gguf"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	events := ndjsonLines[types.ProgressEvent](t, w.Body.Bytes())
	if len(events) != 7 {
		t.Fatalf("expected 7 lines, got %d: %s", len(events), w.Body.String())
	}
	if got := testutil.ToFloat64(streamLinesTotal.WithLabelValues("download")) - linesBefore; got != 7 {
		t.Fatalf("stream line counter advanced by %v", got)
	}
	var stages []string
	for _, e := range events[:len(events)-1] {
		if e.Done {
			t.Fatalf("only the last line may be done: %+v", e)
		}
		if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
			stages = append(stages, e.Stage)
		}
	}
	want := []string{download.StagePreparing, download.StageChecking, download.StageDownloading, download.StageInitializing}
	if strings.Join(stages, ",") != strings.Join(want, ",") {
		t.Fatalf("stages=%v", stages)
	}
	last := events[len(events)-1]
	if !last.Done || last.Path != "/models/Qwen3-0.6B-Q4_K_M.gguf" || last.BytesRead != 20 || last.TotalBytes != 20 || last.Error != "" {
		t.Fatalf("final=%+v", last)
	}
}

func TestDownloadIgnoresCallbacksAfterReturn(t *testing.T) {
	defer SetProgressInterval(250 * time.Millisecond)
	SetProgressInterval(0)
	svc := &mockService{late: make(chan func(), 1)}
	w := postJSON(NewMux(svc), "/models/download", `{"identity":{"repository":"r/x","file_name":"x.gguf"}}`)
	n := len(ndjsonLines[types.ProgressEvent](t, w.Body.Bytes()))

	(<-svc.late)()
	events := ndjsonLines[types.ProgressEvent](t, w.Body.Bytes())
	if len(events) != n {
		t.Fatalf("lines written after the handler returned: %s", w.Body.String())
	}
	if last := events[len(events)-1]; !last.Done || last.Path != "/models/x.gguf" {
		t.Fatalf("final=%+v", last)
	}
}

func TestDownloadFailureInFinalLine(t *testing.T) {
	svc := &mockService{downloadErr: faults.New(faults.KindContentType, "download", "server returned html").WithStage(download.StageChecking)}
	w := postJSON(NewMux(svc), "/models/download", `{"identity":{"repository":"r/x","file_name":"x.gguf"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	events := ndjsonLines[types.ProgressEvent](t, w.Body.Bytes())
	last := events[len(events)-1]
	if !last.Done || last.Kind != "content_type" || last.Stage != download.StageChecking || last.Error == "" || last.Path != "" {
		t.Fatalf("final=%+v", last)
	}
}

func TestDownloadValidation(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/models/download", `{"identity":{"repository":"r/x"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != "invalid" || e.Code != http.StatusBadRequest {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestDeleteBusyMaps429(t *testing.T) {
	svc := &mockService{deleteFn: func(types.ModelIdentity) (bool, error) {
		return false, faults.New(faults.KindBusy, "engine.delete", "model is loaded")
	}}
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy"))
	w := postJSON(NewMux(svc), "/models/delete", `{"identity":{"repository":"r/x","file_name":"x.gguf"}}`)
	if w.Code != http.StatusTooManyRequests || decodeError(t, w).Kind != "busy" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if after := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy")); after < before+1 {
		t.Fatalf("backpressure counter not incremented: before=%v after=%v", before, after)
	}
}

func TestDeleteOK(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/models/delete", `{"identity":{"repository":"r/x","file_name":"x.gguf"}}`)
	var body types.DeleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || !body.Deleted || body.Identity.FileName != "x.gguf" {
		t.Fatalf("status=%d body=%s err=%v", w.Code, w.Body.String(), err)
	}
}

func TestCacheSync(t *testing.T) {
	svc := &mockService{sync: artifact.SyncReport{Added: []string{qwen.Key()}, Kept: 2}}
	w := postJSON(NewMux(svc), "/cache/sync", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Kept != 2 || len(body.Added) != 1 || body.Cleared == nil {
		t.Fatalf("unexpected: %+v", body)
	}
}

func TestSessionLoadResolvesPath(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{Session: types.SessionStatus{State: types.SessionLoaded}}}
	h := NewMux(svc)
	w := postJSON(h, "/session/load", `{"path":"m.gguf"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.loaded != "/models/m.gguf" {
		t.Fatalf("loaded=%q", svc.loaded)
	}
	var st types.SessionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.State != types.SessionLoaded {
		t.Fatalf("session=%+v err=%v", st, err)
	}

	w = postJSON(h, "/session/switch", `{"path":"/abs/other.gguf"}`)
	if w.Code != http.StatusOK || svc.loaded != "/abs/other.gguf" {
		t.Fatalf("status=%d loaded=%q", w.Code, svc.loaded)
	}
}

func TestSessionLoadErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{faults.New(faults.KindOutOfMemory, "session.load", "over budget"), http.StatusInsufficientStorage, "out_of_memory"},
		{faults.New(faults.KindArtifact, "session.load", "missing"), http.StatusNotFound, "artifact"},
		{faults.New(faults.KindFormat, "session.load", "bad gguf"), http.StatusUnprocessableEntity, "format"},
		{faults.New(faults.KindDependency, "session.load", "no llama"), http.StatusServiceUnavailable, "dependency"},
	}
	for _, c := range cases {
		w := postJSON(NewMux(&mockService{loadErr: c.err}), "/session/load", `{"path":"m.gguf"}`)
		if w.Code != c.code || decodeError(t, w).Kind != c.kind {
			t.Fatalf("%v: status=%d body=%s", c.err, w.Code, w.Body.String())
		}
	}
}

func TestSessionUnloadAndCancel(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	if w := postJSON(h, "/session/unload", `{}`); w.Code != http.StatusOK {
		t.Fatalf("unload status=%d", w.Code)
	}
	if svc.unloads.Load() != 1 {
		t.Fatalf("unload not called")
	}
	if w := postJSON(h, "/generate/cancel", `{}`); w.Code != http.StatusNoContent {
		t.Fatalf("cancel status=%d", w.Code)
	}
	if !svc.cancelled.Load() {
		t.Fatalf("cancel not forwarded")
	}
}

func TestGenerateStreams(t *testing.T) {
	svc := &mockService{tokens: []string{"Hello", ",", " world"}}
	w := postJSON(NewMux(svc), "/generate", `{"prompt":"hi","stream":true,"chat":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 ndjson lines, got %d", len(lines))
	}
	var tok types.TokenEvent
	if err := json.Unmarshal([]byte(lines[0]), &tok); err != nil || tok.Token != "Hello" {
		t.Fatalf("first line=%s", lines[0])
	}
	var done types.DoneEvent
	if err := json.Unmarshal([]byte(lines[3]), &done); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !done.Done || done.Result == nil || done.Result.Content != "Hello, world" || done.Error != "" {
		t.Fatalf("done=%+v", done)
	}
	if !svc.lastReq.Chat || svc.lastReq.Prompt != "hi" {
		t.Fatalf("request not forwarded: %+v", svc.lastReq)
	}
}

func TestGenerateNonStream(t *testing.T) {
	svc := &mockService{tokens: []string{"a", "b"}}
	w := postJSON(NewMux(svc), "/generate", `{"prompt":"hi","config":{"max_tokens":5,"temperature":0}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res types.GenerationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Content != "ab" || res.FinishReason != types.FinishStop {
		t.Fatalf("res=%+v", res)
	}
	if svc.lastReq.Config == nil || svc.lastReq.Config.MaxTokens != 5 {
		t.Fatalf("config not forwarded: %+v", svc.lastReq.Config)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		stream bool
		code   int
		kind   string
	}{
		{"not loaded", faults.New(faults.KindNotLoaded, "session.generate", "no model"), true, http.StatusConflict, "not_loaded"},
		{"busy", faults.New(faults.KindBusy, "session.generate", "generating"), false, http.StatusTooManyRequests, "busy"},
		{"invalid", faults.New(faults.KindInvalid, "session.generate", "top_p"), true, http.StatusBadRequest, "invalid"},
		{"http error", mockHTTPError{msg: "teapot", code: http.StatusTeapot}, true, http.StatusTeapot, ""},
		{"generic", io.EOF, false, http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		body := `{"prompt":"hi"}`
		if c.stream {
			body = `{"prompt":"hi","stream":true}`
		}
		w := postJSON(NewMux(&mockService{genErr: c.err}), "/generate", body)
		if w.Code != c.code {
			t.Fatalf("%s: status=%d", c.name, w.Code)
		}
		if e := decodeError(t, w); e.Kind != c.kind || e.Code != c.code {
			t.Fatalf("%s: body=%+v", c.name, e)
		}
	}
}

func TestGenerateBadRequests(t *testing.T) {
	h := NewMux(&mockService{})

	if w := postJSON(h, "/generate", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
	if w := postJSON(h, "/generate", `{"prompt":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status=%d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("media type status=%d", w.Code)
	}

	big := `{"prompt":"` + strings.Repeat("a", (1<<20)+10) + `"}`
	if w := postJSON(h, "/generate", big); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestGenerateTimeoutCancels(t *testing.T) {
	defer SetGenerateTimeout(0)
	SetGenerateTimeout(50 * time.Millisecond)
	w := postJSON(NewMux(&mockService{block: true}), "/generate", `{"prompt":"x"}`)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestGenerateServerShutdownCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	defer SetBaseContext(nil)
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postJSON(NewMux(&mockService{block: true}), "/generate", `{"prompt":"x","stream":true}`)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case w := <-done:
		if e := decodeError(t, w); e.Kind != "cancelled" {
			t.Fatalf("body=%s", w.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generate did not stop on shutdown")
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{ModelsDir: "/data/models", Downloaded: 2}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Downloaded != 2 || body.ModelsDir != "/data/models" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthAndReady(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	w = httptest.NewRecorder()
	NewMux(&mockService{ready: true}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz=%d", w.Code)
	}
	w = httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "no model") {
		t.Fatalf("readyz=%d body=%q", w.Code, w.Body.String())
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestKindOf(t *testing.T) {
	if k := kindOf(errors.New("x")); k != "internal" {
		t.Fatalf("untagged kind=%q", k)
	}
	if k := kindOf(context.Canceled); k != "cancelled" {
		t.Fatalf("ctx kind=%q", k)
	}
	if k := kindOf(mockHTTPError{code: 418}); k != "" {
		t.Fatalf("http error kind=%q", k)
	}
}

func TestIncrementBackpressure_DefaultsReason(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if after := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); after < before+1 {
		t.Fatalf("before=%v after=%v", before, after)
	}
}

func TestEventsStream(t *testing.T) {
	svc := &mockService{}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("status=%d ct=%s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if n := svc.events().Subscribers(); n != 1 {
		t.Fatalf("subscribers=%d", n)
	}
	svc.events().Publish(session.Event{Name: session.EventLoadDone, Model: "/m/qwen.gguf", Fields: map[string]any{"est_mb": 400}})

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev session.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Name != session.EventLoadDone || ev.Model != "/m/qwen.gguf" || ev.Fields["est_mb"] != float64(400) {
		t.Fatalf("event=%+v", ev)
	}

	_ = resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for svc.events().Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client went away")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
