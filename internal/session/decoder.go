package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"oxidelab/internal/faults"
	"oxidelab/internal/sampling"
	"oxidelab/pkg/types"
)

// DefaultContextCap bounds prompt plus generated tokens.
const DefaultContextCap = 2048

// Decoder is a raw autoregressive runtime: it exposes logits and leaves token
// selection to the caller.
type Decoder interface {
	Tokenize(text string) ([]int32, error)
	// Forward feeds tokens starting at position pos and returns the logits
	// for the token following the last one.
	Forward(ctx context.Context, tokens []int32, pos int) ([]float32, error)
	Detokenize(tokens []int32) (string, error)
	Close() error
}

// DecoderBackend loads Decoders and runs them through the package sampler.
// It is the seam for runtimes that hand back raw logits. The llama and
// server backends sample inside their runtime and do not go through it.
type DecoderBackend struct {
	Open       func(ctx context.Context, info ModelInfo) (Decoder, error)
	ContextCap int
}

func (b DecoderBackend) Load(ctx context.Context, info ModelInfo) (Model, error) {
	if b.Open == nil {
		return nil, faults.New(faults.KindDependency, "session.load", "no decoder configured")
	}
	d, err := b.Open(ctx, info)
	if err != nil {
		return nil, err
	}
	limit := b.ContextCap
	if limit <= 0 {
		limit = DefaultContextCap
	}
	if info.ContextLength > 0 && info.ContextLength < limit {
		limit = info.ContextLength
	}
	return NewSamplingModel(d, info.EOS, limit), nil
}

// SamplingModel drives a Decoder one token at a time.
type SamplingModel struct {
	dec   Decoder
	eos   []int32
	limit int
}

// NewSamplingModel wraps d. limit <= 0 uses DefaultContextCap.
func NewSamplingModel(d Decoder, eos []int32, limit int) *SamplingModel {
	if limit <= 0 {
		limit = DefaultContextCap
	}
	return &SamplingModel{dec: d, eos: eos, limit: limit}
}

func (m *SamplingModel) isEOS(tok int32) bool {
	for _, e := range m.eos {
		if e == tok {
			return true
		}
	}
	return false
}

func (m *SamplingModel) Generate(ctx context.Context, prompt string, cfg types.GenerationConfig, onToken func(string) bool) (FinalResult, error) {
	prompted, err := m.dec.Tokenize(prompt)
	if err != nil {
		return FinalResult{}, fmt.Errorf("tokenize: %w", err)
	}
	res := FinalResult{PromptTokens: len(prompted), FinishReason: types.FinishLength}
	if len(prompted) == 0 {
		return res, errors.New("prompt produced no tokens")
	}
	if len(prompted) >= m.limit {
		return res, faults.New(faults.KindInvalid, "session.generate", fmt.Sprintf("prompt of %d tokens exceeds context of %d", len(prompted), m.limit))
	}

	all := append(make([]int32, 0, len(prompted)+int(cfg.MaxTokens)), prompted...)
	logits, err := m.dec.Forward(ctx, prompted, 0)
	if err != nil {
		return m.stopped(ctx, res, err)
	}
	sampler := sampling.New(sampling.Params{
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		RepeatPenalty: cfg.RepeatPenalty,
	}, cfg.Seed)

	var out []int32
	var text strings.Builder
	for i := uint(0); i < cfg.MaxTokens; i++ {
		if ctx.Err() != nil {
			res.FinishReason = types.FinishCancelled
			break
		}
		if len(all) >= m.limit {
			res.FinishReason = types.FinishLength
			break
		}
		next := sampler.Sample(logits, all)
		if next < 0 || m.isEOS(next) {
			res.FinishReason = types.FinishStop
			break
		}
		all = append(all, next)
		out = append(out, next)
		res.CompletionTokens++

		// Decode the whole completion and emit only what is new, holding back
		// a trailing partial rune until the next token completes it.
		decoded, err := m.dec.Detokenize(out)
		if err != nil {
			return res, fmt.Errorf("detokenize: %w", err)
		}
		if emitted := text.String(); strings.HasPrefix(decoded, emitted) {
			if delta := decoded[len(emitted):]; delta != "" && !partialRune(delta) {
				text.WriteString(delta)
				if !onToken(delta) {
					res.FinishReason = types.FinishCancelled
					break
				}
			}
		}
		if i+1 == cfg.MaxTokens {
			break
		}
		logits, err = m.dec.Forward(ctx, []int32{next}, len(all)-1)
		if err != nil {
			res.Content = text.String()
			return m.stopped(ctx, res, err)
		}
	}
	res.Content = text.String()
	return res, nil
}

// stopped converts a Forward failure caused by cancellation into a clean stop.
func (m *SamplingModel) stopped(ctx context.Context, res FinalResult, err error) (FinalResult, error) {
	if ctx.Err() != nil {
		res.FinishReason = types.FinishCancelled
		return res, nil
	}
	return res, fmt.Errorf("forward: %w", err)
}

// partialRune reports whether s ends in the middle of a UTF-8 sequence.
func partialRune(s string) bool {
	for i := 1; i <= utf8.UTFMax && i <= len(s); i++ {
		if utf8.RuneStart(s[len(s)-i]) {
			return !utf8.FullRuneInString(s[len(s)-i:])
		}
	}
	return false
}

func (m *SamplingModel) Close() error { return m.dec.Close() }
