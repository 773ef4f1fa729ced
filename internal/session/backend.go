package session

import (
	"context"

	"oxidelab/pkg/types"
)

// ModelInfo is what Load learned from the artifact before handing it to a
// Backend.
type ModelInfo struct {
	Path         string
	Name         string
	Architecture string
	ChatTemplate string
	HasTokenizer bool
	EOS          []int32
	// ContextLength from metadata, 0 when absent.
	ContextLength int
	SizeBytes     int64
	EstMemoryMB   int
}

// Backend turns a validated artifact into a resident Model.
type Backend interface {
	Load(ctx context.Context, info ModelInfo) (Model, error)
}

// Model is one resident model handle. Generate is never called concurrently
// on the same Model.
type Model interface {
	// Generate produces tokens for prompt. onToken returns false to stop.
	// Cancellation of ctx must be observed between tokens and reported as
	// FinishCancelled with a nil error.
	Generate(ctx context.Context, prompt string, cfg types.GenerationConfig, onToken func(string) bool) (FinalResult, error)
	// Close releases all memory held by the model.
	Close() error
}

// FinalResult summarizes a finished generation as seen by the backend.
type FinalResult struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, info ModelInfo) (Model, error)

func (f BackendFunc) Load(ctx context.Context, info ModelInfo) (Model, error) { return f(ctx, info) }
