package types

// ModelsResponse wraps the list returned by GET /models.
type ModelsResponse struct {
	Models []DownloadedModel `json:"models"`
}

// DownloadRequest is the body of POST /models/download.
type DownloadRequest struct {
	Identity ModelIdentity `json:"identity" validate:"required"`
	// Attempts before giving up; 0 uses the server default.
	// example: 3
	MaxRetries int `json:"max_retries,omitempty" validate:"gte=0,lte=10" example:"3"`
}

// ProgressEvent is one NDJSON line streamed while downloading.
type ProgressEvent struct {
	// example: downloading
	Stage string `json:"stage" example:"downloading"`
	// example: 1048576
	BytesRead int64 `json:"bytes_read" example:"1048576"`
	// Total size when known, otherwise -1.
	// example: 397807936
	TotalBytes int64 `json:"total_bytes" example:"397807936"`
	Done       bool  `json:"done"`
	// Final path once the download has been published.
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
	// Error kind when Error is set.
	Kind string `json:"kind,omitempty"`
}

// IdentityRequest is the body of endpoints addressing a single identity.
type IdentityRequest struct {
	Identity ModelIdentity `json:"identity" validate:"required"`
}

// ModelStatusResponse is returned by GET /models/status.
type ModelStatusResponse struct {
	Identity   ModelIdentity `json:"identity"`
	Downloaded bool          `json:"downloaded"`
	// Size in bytes when the file exists.
	SizeBytes *int64 `json:"size_bytes,omitempty"`
}

// DeleteResponse is returned by POST /models/delete.
type DeleteResponse struct {
	Identity ModelIdentity `json:"identity"`
	Deleted  bool          `json:"deleted"`
}

// SyncResponse reports what a cache sync pass changed.
type SyncResponse struct {
	// Keys whose entries were cleared because the file was missing or corrupt.
	Cleared []string `json:"cleared"`
	// Keys added for valid files that were not indexed.
	Added []string `json:"added"`
	// Number of entries confirmed valid.
	Kept int `json:"kept"`
}

// LoadRequest is the body of POST /session/load and /session/switch.
type LoadRequest struct {
	// Model path; relative paths resolve against the models directory.
	// example: Qwen3-0.6B-Q4_K_M.gguf
	Path string `json:"path" validate:"required" example:"Qwen3-0.6B-Q4_K_M.gguf"`
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" validate:"required" example:"Write a haiku about the ocean."`
	// Wrap the prompt with the model's chat template.
	Chat bool `json:"chat,omitempty"`
	// If false, the response is a single JSON object instead of NDJSON.
	Stream bool `json:"stream,omitempty"`
	// Zero fields take the server defaults; checked after defaults apply.
	Config *GenerationConfig `json:"config,omitempty" validate:"-"`
}

// TokenEvent is one NDJSON line streamed while generating.
type TokenEvent struct {
	Token string `json:"token"`
}

// DoneEvent is the terminal NDJSON line of a generation stream.
type DoneEvent struct {
	Done   bool              `json:"done"`
	Result *GenerationResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error kind when known.
	// example: busy
	Kind string `json:"kind,omitempty" example:"busy"`
}

// SessionStatus describes the inference session for /status.
type SessionStatus struct {
	// example: loaded
	State SessionState `json:"state" example:"loaded"`
	// Path of the resident model, if any.
	ModelPath string `json:"model_path,omitempty"`
	// Name from model metadata.
	ModelName string `json:"model_name,omitempty"`
	// example: qwen3
	Architecture string `json:"architecture,omitempty" example:"qwen3"`
	// ID of the generation in flight.
	GenerationID string `json:"generation_id,omitempty"`
	// Estimated resident size in MB.
	EstMemoryMB int `json:"est_memory_mb"`
	// Configured memory budget in MB; 0 means unlimited.
	BudgetMB int `json:"budget_mb"`
	// Last load or generation error.
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Session SessionStatus `json:"session"`
	// example: /data/models
	ModelsDir string `json:"models_dir" example:"/data/models"`
	// Number of entries marked downloaded.
	// example: 2
	Downloaded int `json:"downloaded" example:"2"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
}
