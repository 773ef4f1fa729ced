//go:build !llama

package session

import (
	"context"

	"oxidelab/internal/faults"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = false

type llamaBackend struct{}

// NewLlamaBackend returns a Backend that refuses every load: this binary was
// built without the llama tag.
func NewLlamaBackend(LlamaOptions) Backend { return llamaBackend{} }

func (llamaBackend) Load(context.Context, ModelInfo) (Model, error) {
	return nil, faults.New(faults.KindDependency, "llama.load", "llama support not built (missing 'llama' build tag)")
}
