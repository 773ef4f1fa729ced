//go:build !llama

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

func TestDefaultBackendWithoutLlamaTag(t *testing.T) {
	require.False(t, LlamaBuilt)
	s := New(Config{})
	err := s.Load(context.Background(), writeModel(t, t.TempDir(), "a.gguf", "qwen3", 0))
	require.True(t, faults.IsDependency(err), "err=%v", err)
	require.Equal(t, types.SessionUnloaded, s.State())
}
