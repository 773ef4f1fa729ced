package gguf

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, kvs []KV) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, kvs))
	return buf.Bytes()
}

func TestRead_Metadata(t *testing.T) {
	b := encode(t, []KV{
		{KeyArchitecture, "qwen3"},
		{KeyName, "Qwen3 0.6B"},
		{"qwen3.context_length", uint32(40960)},
		{KeyEOS, uint32(151645)},
		{KeyTokens, []string{"<s>", "</s>", "hi"}},
		{"tokenizer.chat_template", "{% for m in messages %}<|im_start|>{% endfor %}"},
		{"general.quantized", true},
		{"scores", []float32{0.1, 0.2}},
	})
	require.Equal(t, "GGUF", string(b[:4]))

	md, err := Read(bytes.NewReader(b))
	require.NoError(t, err)
	require.EqualValues(t, 3, md.Version)
	require.Equal(t, "qwen3", md.Architecture())
	require.Equal(t, "Qwen3 0.6B", md.Name())
	require.Contains(t, md.ChatTemplate(), "<|im_start|>")
	require.True(t, md.HasTokenizer())

	eos, ok := md.EOSTokenID()
	require.True(t, ok)
	require.EqualValues(t, 151645, eos)

	ctx, ok := md.ContextLength()
	require.True(t, ok)
	require.EqualValues(t, 40960, ctx)

	require.Equal(t, []float32{0.1, 0.2}, md.KV["scores"])
	require.Equal(t, true, md.KV["general.quantized"])
}

func TestRead_LargeArrayKeepsLengthOnly(t *testing.T) {
	vocab := make([]string, keepArrayLen+10)
	for i := range vocab {
		vocab[i] = "t"
	}
	md, err := Read(bytes.NewReader(encode(t, []KV{{KeyTokens, vocab}, {KeyName, "after"}})))
	require.NoError(t, err)
	arr, ok := md.KV[KeyTokens].(Array)
	require.True(t, ok)
	require.EqualValues(t, len(vocab), arr.Len)
	require.True(t, md.HasTokenizer())
	require.Equal(t, "after", md.Name(), "reader must stay aligned after skipping")
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("GGU")))
	require.True(t, errors.Is(err, ErrInvalidMagic))

	_, err = Read(bytes.NewReader([]byte("<!DOCTYPE html>")))
	require.True(t, errors.Is(err, ErrInvalidMagic))

	v1 := []byte{'G', 'G', 'U', 'F', 1, 0, 0, 0}
	_, err = Read(bytes.NewReader(v1))
	require.True(t, errors.Is(err, ErrUnsupportedVersion))

	good := encode(t, []KV{{KeyName, "truncated"}})
	_, err = Read(bytes.NewReader(good[:len(good)-3]))
	require.Error(t, err)
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.gguf")
	require.NoError(t, os.WriteFile(p, encode(t, []KV{{KeyArchitecture, "gemma3"}}), 0o644))
	md, err := ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "gemma3", md.Architecture())

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.gguf"))
	require.Error(t, err)
}
