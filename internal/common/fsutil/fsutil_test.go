package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	cases := map[string]string{
		"":                "",
		"/tmp":            "/tmp",
		"models":          "models",
		"~":               home,
		"~/":              home,
		"~/.oxide/models": filepath.Join(home, ".oxide", "models"),
		"~bob/models":     "~bob/models",
	}
	for in, want := range cases {
		got, err := ExpandHome(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestIsScratch(t *testing.T) {
	for name, want := range map[string]bool{
		"Qwen3-0.6B-Q4_K_M.gguf":      false,
		"Qwen3-0.6B-Q4_K_M.gguf.part": true,
		".index.json":                 true,
		"/models/.badger":             true,
		"/models/llama.gguf":          false,
	} {
		if got := IsScratch(name); got != want {
			t.Fatalf("%s: got %v", name, got)
		}
	}
	if PartialPath("/m/a.gguf") != "/m/a.gguf.part" || !IsScratch(PartialPath("a.gguf")) {
		t.Fatalf("partial path")
	}
}

func TestRegularSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(p, make([]byte, 1234), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, ok := RegularSize(p); !ok || n != 1234 {
		t.Fatalf("size: %d %v", n, ok)
	}
	if _, ok := RegularSize(dir); ok {
		t.Fatalf("directory must not count")
	}
	if _, ok := RegularSize(filepath.Join(dir, "nope")); ok {
		t.Fatalf("missing file must not count")
	}
}
