package session

import "runtime"

// LlamaOptions configures the in-process llama.cpp backend.
type LlamaOptions struct {
	ContextSize int
	Threads     int
	GPULayers   int
}

func (o LlamaOptions) withDefaults() LlamaOptions {
	if o.ContextSize <= 0 {
		o.ContextSize = DefaultContextCap
	}
	if o.Threads <= 0 {
		o.Threads = max(1, runtime.NumCPU()/2)
	}
	return o
}
