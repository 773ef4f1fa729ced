package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oxidelab/internal/faults"
	"oxidelab/internal/gguf"
	"oxidelab/internal/session"
	"oxidelab/pkg/types"
)

func ggufBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gguf.Encode(&buf, []gguf.KV{
		{Key: gguf.KeyArchitecture, Value: "qwen3"},
		{Key: gguf.KeyName, Value: "Qwen3 0.6B"},
	}))
	out := make([]byte, 2<<20)
	copy(out, buf.Bytes())
	return out
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--log-level", "off"))
	err := cmd.Execute()
	return out.String(), err
}

const qwenFile = "Qwen3-0.6B-Q4_K_M.gguf"

func TestSyncStatusListDelete(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, qwenFile), ggufBytes(t), 0o644))

	out, err := run(t, "sync", "--models-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "added 1")
	require.Contains(t, out, "+ unsloth/Qwen3-0.6B-GGUF/"+qwenFile)

	out, err = run(t, "status", "unsloth/Qwen3-0.6B-GGUF/"+qwenFile, "--models-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "downloaded (2.0 MiB)")

	out, err = run(t, "list", "--models-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, qwenFile)
	require.Contains(t, out, "Q4_K_M")
	require.Contains(t, out, "1 model(s)")

	out, err = run(t, "delete", "unsloth/Qwen3-0.6B-GGUF", qwenFile, "--models-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "deleted")
	_, err = os.Stat(filepath.Join(dir, qwenFile))
	require.True(t, os.IsNotExist(err))

	out, err = run(t, "status", "unsloth/Qwen3-0.6B-GGUF", qwenFile, "--models-dir", dir)
	require.NoError(t, err)
	require.Contains(t, out, "not downloaded")
}

func TestDownloadFromHub(t *testing.T) {
	body := ggufBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, qwenFile, time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out, err := run(t, "download", "unsloth/Qwen3-0.6B-GGUF", qwenFile, "--models-dir", dir, "--hub-url", srv.URL)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, qwenFile), strings.TrimSpace(out))
	st, err := os.Stat(filepath.Join(dir, qwenFile))
	require.NoError(t, err)
	require.EqualValues(t, len(body), st.Size())
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.gguf"), ggufBytes(t), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.gguf"), []byte("plain text"), 0o644))

	out, err := run(t, "validate", "good.gguf", "--models-dir", dir, "--index-backend", "memory")
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	_, err = run(t, "validate", "bad.gguf", "--models-dir", dir, "--index-backend", "memory")
	require.True(t, faults.IsFormat(err))
	require.Equal(t, 3, exitCode(err))
}

func TestGenerateWithoutLlama(t *testing.T) {
	if session.LlamaBuilt {
		t.Skip("llama backend compiled in")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, qwenFile), ggufBytes(t), 0o644))
	_, err := run(t, "generate", "--model", qwenFile, "hello", "--models-dir", dir, "--index-backend", "memory")
	require.True(t, faults.IsDependency(err), "got %v", err)

	_, err = run(t, "generate", "hello", "--models-dir", dir)
	require.ErrorContains(t, err, "--model is required")
}

func TestGenerateViaServerBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"text\":\"Hi\"}]}\n\ndata: {\"choices\":[{\"text\":\" there\",\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, qwenFile), ggufBytes(t), 0o644))
	out, err := run(t, "generate", "--model", qwenFile, "--raw", "hello",
		"--models-dir", dir, "--index-backend", "memory", "--backend", "server", "--server-url", srv.URL)
	require.NoError(t, err)
	require.Equal(t, "Hi there\n", out)

	_, err = run(t, "generate", "--model", qwenFile, "hello", "--models-dir", dir, "--index-backend", "memory", "--backend", "server")
	require.True(t, faults.Is(err, faults.KindInvalid), "got %v", err)
}

func TestConfigLayering(t *testing.T) {
	fileDir := t.TempDir()
	envDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "oxide.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("models_dir: "+fileDir+"\nindex_backend: memory\nmemory_budget_mb: 64\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"sync", "--config", cfgPath, "--log-level", "off"})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())

	a := &app{cfgPath: cfgPath}
	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--memory-budget-mb", "128"}))
	require.NoError(t, a.resolve(root))
	require.Equal(t, fileDir, a.cfg.ModelsDir)
	require.Equal(t, "memory", a.cfg.IndexBackend)
	require.Equal(t, 128, a.cfg.MemoryBudgetMB)
	require.Equal(t, uint(512), a.cfg.Generation.MaxTokens)

	t.Setenv("OXIDE_MODELS_DIR", envDir)
	a = &app{cfgPath: cfgPath}
	require.NoError(t, a.resolve(newRootCmd()))
	require.Equal(t, envDir, a.cfg.ModelsDir)
	require.Equal(t, 64, a.cfg.MemoryBudgetMB)

	a = &app{cfgPath: filepath.Join(t.TempDir(), "missing.yaml")}
	require.Error(t, a.resolve(newRootCmd()))
}

func TestIdentityArgs(t *testing.T) {
	id, err := identityArgs([]string{"unsloth/Qwen3-0.6B-GGUF/" + qwenFile})
	require.NoError(t, err)
	require.Equal(t, types.ModelIdentity{Repository: "unsloth/Qwen3-0.6B-GGUF", FileName: qwenFile}, id)

	id, err = identityArgs([]string{"r/x", "f.gguf"})
	require.NoError(t, err)
	require.Equal(t, "r/x/f.gguf", id.Key())

	for _, bad := range [][]string{{"noslash"}, {"trailing/"}, {}} {
		_, err := identityArgs(bad)
		require.Error(t, err, "%v", bad)
	}
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 1, exitCode(os.ErrNotExist))
	require.Equal(t, 2, exitCode(faults.New(faults.KindInvalid, "op", "x")))
	require.Equal(t, 4, exitCode(faults.New(faults.KindHTTPStatus, "op", "x")))
	require.Equal(t, 130, exitCode(faults.New(faults.KindCancelled, "op", "x")))
}
