package types

import (
	"fmt"
	"strings"
)

// ModelIdentity names one model variant on the remote hub. It is the only key
// used for cache lookups; display names are never used as keys.
type ModelIdentity struct {
	// Hub repository that hosts the file.
	// example: unsloth/Qwen3-0.6B-GGUF
	Repository string `json:"repository" yaml:"repository" toml:"repository" validate:"required" example:"unsloth/Qwen3-0.6B-GGUF"`
	// File name inside the repository.
	// example: Qwen3-0.6B-Q4_K_M.gguf
	FileName string `json:"file_name" yaml:"file_name" toml:"file_name" validate:"required" example:"Qwen3-0.6B-Q4_K_M.gguf"`
}

// Key renders the persisted index key "<repository>/<fileName>".
func (id ModelIdentity) Key() string { return id.Repository + "/" + id.FileName }

func (id ModelIdentity) String() string { return id.Key() }

// Valid reports whether both parts are set and the file name is a plain name.
func (id ModelIdentity) Valid() bool {
	if strings.TrimSpace(id.Repository) == "" || strings.TrimSpace(id.FileName) == "" {
		return false
	}
	return !strings.ContainsAny(id.FileName, `/\`) && id.FileName != "." && id.FileName != ".."
}

// ParseIdentityKey splits an index key at its last slash.
func ParseIdentityKey(key string) (ModelIdentity, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return ModelIdentity{}, fmt.Errorf("invalid identity key %q", key)
	}
	return ModelIdentity{Repository: key[:i], FileName: key[i+1:]}, nil
}

// ArtifactRecord is one entry of the downloaded index.
type ArtifactRecord struct {
	Identity          ModelIdentity `json:"identity"`
	Downloaded        bool          `json:"downloaded"`
	VerifiedIntegrity bool          `json:"verified_integrity"`
}

// DownloadedModel is a view derived from scanning the models directory.
// It is recomputed on demand and never persisted.
type DownloadedModel struct {
	Identity ModelIdentity `json:"identity"`
	// Human-friendly name.
	// example: Qwen3 0.6B
	DisplayName string `json:"display_name" example:"Qwen3 0.6B"`
	// example: Qwen3-0.6B-Q4_K_M.gguf
	FileName string `json:"file_name" example:"Qwen3-0.6B-Q4_K_M.gguf"`
	// Absolute path to the model file on disk.
	// example: /data/models/Qwen3-0.6B-Q4_K_M.gguf
	Path string `json:"path" example:"/data/models/Qwen3-0.6B-Q4_K_M.gguf"`
	// example: 397807936
	SizeBytes int64 `json:"size_bytes" example:"397807936"`
	// Container format derived from the extension.
	// example: gguf
	Format string `json:"format" example:"gguf"`
	// Quantization level parsed from the file name.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Optional family (e.g., qwen3, gemma3).
	// example: qwen3
	Family string `json:"family,omitempty" example:"qwen3"`
}
