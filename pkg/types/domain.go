package types

// SessionState is the lifecycle state of the inference session.
type SessionState string

const (
	SessionUnloaded   SessionState = "unloaded"
	SessionLoading    SessionState = "loading"
	SessionLoaded     SessionState = "loaded"
	SessionGenerating SessionState = "generating"
	SessionUnloading  SessionState = "unloading"
)

// DefaultSeed is the sampler seed used when a request does not pick one.
const DefaultSeed uint64 = 299792458

// GenerationConfig is the per-request sampling configuration. It never
// mutates session state.
type GenerationConfig struct {
	// Maximum number of new tokens to generate.
	// example: 512
	MaxTokens uint `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens" validate:"gte=1,lte=32768" example:"512"`
	// Sampling temperature; 0 selects greedy decoding.
	// example: 0.7
	Temperature float32 `json:"temperature" yaml:"temperature" toml:"temperature" validate:"gte=0,lte=5" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float32 `json:"top_p" yaml:"top_p" toml:"top_p" validate:"gt=0,lte=1" example:"0.9"`
	// Penalty applied to logits of tokens already seen; 1 disables it.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty" validate:"gt=0,lte=10" example:"1.1"`
	// example: 299792458
	Seed uint64 `json:"seed" yaml:"seed" toml:"seed" example:"299792458"`
}

// DefaultGenerationConfig returns the stock sampling configuration.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxTokens:     512,
		Temperature:   0.7,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		Seed:          DefaultSeed,
	}
}

// WithDefaults fills zero fields from base. Temperature 0 is a valid value
// and is kept.
func (c GenerationConfig) WithDefaults(base GenerationConfig) GenerationConfig {
	if c.MaxTokens == 0 {
		c.MaxTokens = base.MaxTokens
	}
	if c.TopP == 0 {
		c.TopP = base.TopP
	}
	if c.RepeatPenalty == 0 {
		c.RepeatPenalty = base.RepeatPenalty
	}
	if c.Seed == 0 {
		c.Seed = base.Seed
	}
	return c
}

// GenerationResult summarizes one finished generation.
type GenerationResult struct {
	// example: 6f1c3a52-0d7e-4a55-9a3c-1f5e0f7b1c2d
	ID string `json:"id" example:"6f1c3a52-0d7e-4a55-9a3c-1f5e0f7b1c2d"`
	// Full generated text.
	Content string `json:"content"`
	// Why generation stopped: "stop", "length" or "cancelled".
	// example: stop
	FinishReason     string `json:"finish_reason" example:"stop"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Finish reasons reported in GenerationResult.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
)
