package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// ServerOptions configures a Backend that delegates inference to a running
// llama.cpp server through its OpenAI-compatible completions endpoint.
type ServerOptions struct {
	BaseURL string
	APIKey  string
	// RequestTimeout bounds one generation; 0 disables it.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// HealthWait is how long Load waits for the server to answer /v1/models.
	HealthWait time.Duration
	Logger     zerolog.Logger
}

type serverBackend struct {
	opts ServerOptions
	cli  *http.Client
}

// NewServerBackend returns a Backend for a llama.cpp server at opts.BaseURL.
// The model file is still validated locally; the server is told its path as
// the model id.
func NewServerBackend(opts ServerOptions) Backend {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.HealthWait <= 0 {
		opts.HealthWait = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	// No client timeout: every request carries a context deadline instead.
	return &serverBackend{opts: opts, cli: &http.Client{Transport: tr}}
}

func (b *serverBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.opts.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.opts.APIKey)
	}
	return req, nil
}

// healthy reports whether the server answers /v1/models with a 2xx.
func (b *serverBackend) healthy(ctx context.Context) error {
	req, err := b.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := b.cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("llama server rejected credentials: %s", resp.Status))
	default:
		return fmt.Errorf("llama server not ready: %s", resp.Status)
	}
}

func (b *serverBackend) Load(ctx context.Context, info ModelInfo) (Model, error) {
	const op = "server.load"
	if b.opts.BaseURL == "" {
		return nil, faults.New(faults.KindDependency, op, "llama server URL is not configured")
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.healthy(ctx)
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(b.opts.HealthWait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.E(faults.KindCancelled, op, ctx.Err())
		}
		return nil, faults.E(faults.KindDependency, op, err)
	}
	b.opts.Logger.Info().Str("event", "server_backend_ready").Str("url", b.opts.BaseURL).Str("model", info.Path).Msg("llama server reachable")
	return &serverModel{b: b, modelID: info.Path}, nil
}

type serverModel struct {
	b       *serverBackend
	modelID string
}

// completionRequest is the payload for /v1/completions.
type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   uint    `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p,omitempty"`
	Seed        uint64  `json:"seed,omitempty"`
	Stream      bool    `json:"stream"`
	// llama.cpp extension; OpenAI servers ignore it.
	RepeatPenalty float32 `json:"repeat_penalty,omitempty"`
}

type streamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	// Native llama.cpp stream lines.
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (c streamChunk) fragment() string {
	if len(c.Choices) > 0 {
		if c.Choices[0].Text != "" {
			return c.Choices[0].Text
		}
		return c.Choices[0].Delta.Content
	}
	return c.Content
}

func (m *serverModel) Generate(ctx context.Context, prompt string, cfg types.GenerationConfig, onToken func(string) bool) (FinalResult, error) {
	const op = "server.generate"
	log := m.b.opts.Logger
	if m.b.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.b.opts.RequestTimeout)
		defer cancel()
	}
	body, err := json.Marshal(completionRequest{
		Model:         m.modelID,
		Prompt:        prompt,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		Seed:          cfg.Seed,
		Stream:        true,
		RepeatPenalty: cfg.RepeatPenalty,
	})
	if err != nil {
		return FinalResult{}, faults.E(faults.KindInternal, op, err)
	}
	req, err := m.b.newRequest(ctx, http.MethodPost, "/v1/completions", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, faults.E(faults.KindInternal, op, err)
	}
	resp, err := m.b.cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{FinishReason: types.FinishCancelled}, nil
		}
		return FinalResult{}, faults.E(faults.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, &faults.Error{Kind: faults.KindHTTPStatus, Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("llama server: %s: %s", resp.Status, strings.TrimSpace(string(b)))}
	}

	var text strings.Builder
	final := FinalResult{}
	n := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// Servers emit SSE "data:" lines; some stream bare JSON objects.
		if rest, ok := cutPrefixFold(line, "data:"); ok {
			line = strings.TrimSpace(rest)
		}
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			log.Debug().Str("event", "server_stream_unknown_line").Str("line", line).Msg("skipping unparseable stream line")
			continue
		}
		if frag := chunk.fragment(); frag != "" {
			n++
			text.WriteString(frag)
			if !onToken(frag) {
				final.FinishReason = types.FinishCancelled
				break
			}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
			final.FinishReason = chunk.Choices[0].FinishReason
		}
		if chunk.Usage != nil {
			final.PromptTokens = chunk.Usage.PromptTokens
			final.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if chunk.Stop {
			break
		}
	}
	final.Content = text.String()
	if final.CompletionTokens == 0 {
		final.CompletionTokens = n
	}
	if err := sc.Err(); err != nil && final.FinishReason != types.FinishCancelled {
		if ctx.Err() != nil {
			final.FinishReason = types.FinishCancelled
			return final, nil
		}
		return final, faults.E(faults.KindNetwork, op, err)
	}
	if ctx.Err() != nil {
		final.FinishReason = types.FinishCancelled
	}
	switch final.FinishReason {
	case types.FinishStop, types.FinishLength, types.FinishCancelled:
	case "":
		final.FinishReason = types.FinishStop
		if cfg.MaxTokens > 0 && uint(final.CompletionTokens) >= cfg.MaxTokens {
			final.FinishReason = types.FinishLength
		}
	default:
		log.Debug().Str("event", "server_finish_reason").Str("reason", final.FinishReason).Msg("mapping unknown finish reason to stop")
		final.FinishReason = types.FinishStop
	}
	return final, nil
}

func (m *serverModel) Close() error { return nil }

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

var errNoServer = errors.New("no llama server configured")

// NewBackend picks the inference backend by name: "llama" (in-process,
// default) or "server" (remote llama.cpp server).
func NewBackend(name string, llamaOpts LlamaOptions, serverOpts ServerOptions) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "llama":
		return NewLlamaBackend(llamaOpts), nil
	case "server":
		if serverOpts.BaseURL == "" {
			return nil, faults.E(faults.KindInvalid, "session.backend", errNoServer)
		}
		return NewServerBackend(serverOpts), nil
	default:
		return nil, faults.New(faults.KindInvalid, "session.backend", fmt.Sprintf("unknown backend %q", name))
	}
}
