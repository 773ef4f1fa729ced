package gguf

// Well-known metadata keys.
const (
	KeyArchitecture = "general.architecture"
	KeyName         = "general.name"
	KeyTokens       = "tokenizer.ggml.tokens"
	KeyEOS          = "tokenizer.ggml.eos_token_id"
	KeyBOS          = "tokenizer.ggml.bos_token_id"
)

// chatTemplateKeys are tried in order; converters disagree on the name.
var chatTemplateKeys = []string{
	"tokenizer.chat_template",
	"chat_template",
	"tokenizer.ggml.chat_template",
}

// String returns the string value at key.
func (m *Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m.KV[key].(string)
	return s
}

// Uint returns an integer value at key, whatever its stored width.
func (m *Metadata) Uint(key string) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

func (m *Metadata) Architecture() string { return m.String(KeyArchitecture) }

func (m *Metadata) Name() string { return m.String(KeyName) }

// ChatTemplate returns the first chat template found.
func (m *Metadata) ChatTemplate() string {
	for _, k := range chatTemplateKeys {
		if s := m.String(k); s != "" {
			return s
		}
	}
	return ""
}

// HasTokenizer reports whether the file embeds a token vocabulary.
func (m *Metadata) HasTokenizer() bool {
	if m == nil {
		return false
	}
	switch v := m.KV[KeyTokens].(type) {
	case []string:
		return len(v) > 0
	case Array:
		return v.Len > 0
	}
	return false
}

// EOSTokenID returns the end-of-sequence token id if declared.
func (m *Metadata) EOSTokenID() (uint32, bool) {
	v, ok := m.Uint(KeyEOS)
	return uint32(v), ok
}

// ContextLength returns "<arch>.context_length" if present.
func (m *Metadata) ContextLength() (uint64, bool) {
	arch := m.Architecture()
	if arch == "" {
		return 0, false
	}
	return m.Uint(arch + ".context_length")
}
