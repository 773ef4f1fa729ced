package apidocs

import (
	"encoding/json"
	"testing"

	"github.com/swaggo/swag"
)

func TestDocRegisteredAndValidJSON(t *testing.T) {
	doc, err := swag.ReadDoc()
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	var parsed struct {
		Info  struct{ Title string } `json:"info"`
		Paths map[string]any         `json:"paths"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("doc is not JSON: %v", err)
	}
	if parsed.Info.Title != "oxidelab API" {
		t.Fatalf("title=%q", parsed.Info.Title)
	}
	for _, p := range []string{"/models/download", "/generate", "/session/load", "/cache/sync"} {
		if _, ok := parsed.Paths[p]; !ok {
			t.Fatalf("missing path %s", p)
		}
	}
}
