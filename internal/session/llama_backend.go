//go:build llama

package session

import (
	"context"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = true

type llamaBackend struct {
	opts LlamaOptions
}

// NewLlamaBackend returns a Backend running models in-process through
// go-llama.cpp.
func NewLlamaBackend(opts LlamaOptions) Backend {
	return &llamaBackend{opts: opts.withDefaults()}
}

func (b *llamaBackend) Load(ctx context.Context, info ModelInfo) (Model, error) {
	if strings.TrimSpace(info.Path) == "" {
		return nil, faults.New(faults.KindInvalid, "llama.load", "model path is empty")
	}
	ctxSize := b.opts.ContextSize
	if info.ContextLength > 0 && info.ContextLength < ctxSize {
		ctxSize = info.ContextLength
	}
	mo := []llama.ModelOption{llama.SetContext(ctxSize)}
	if b.opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(b.opts.GPULayers))
	}
	m, err := llama.New(info.Path, mo...)
	if err != nil {
		return nil, faults.E(faults.KindFormat, "llama.load", err)
	}
	return &llamaModel{model: m, threads: b.opts.Threads}, nil
}

// llamaModel owns the loaded llama.cpp handle.
type llamaModel struct {
	model   *llama.LLama
	threads int
}

func (s *llamaModel) Generate(ctx context.Context, prompt string, cfg types.GenerationConfig, onToken func(string) bool) (FinalResult, error) {
	if s.model == nil {
		return FinalResult{}, faults.New(faults.KindNotLoaded, "llama.generate", "model not initialized")
	}
	var text strings.Builder
	var n int
	stopped := false
	s.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil {
			stopped = true
			return false
		}
		n++
		text.WriteString(tok)
		if !onToken(tok) {
			stopped = true
			return false
		}
		return true
	})
	defer s.model.SetTokenCallback(nil)

	_, err := s.model.Predict(prompt, predictOptions(cfg, s.threads)...)
	res := FinalResult{Content: text.String(), CompletionTokens: n, FinishReason: types.FinishStop}
	switch {
	case stopped || ctx.Err() != nil:
		res.FinishReason = types.FinishCancelled
		return res, nil
	case err != nil:
		return res, err
	}
	if uint(n) >= cfg.MaxTokens {
		res.FinishReason = types.FinishLength
	}
	return res, nil
}

func (s *llamaModel) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// predictOptions maps a generation config onto go-llama.cpp options.
func predictOptions(cfg types.GenerationConfig, threads int) []llama.PredictOption {
	return []llama.PredictOption{
		llama.SetTokens(max(1, int(cfg.MaxTokens))),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(cfg.TopP),
		llama.SetTemperature(cfg.Temperature),
		llama.SetPenalty(cfg.RepeatPenalty),
		llama.SetSeed(int(cfg.Seed & 0x7fffffff)),
	}
}
