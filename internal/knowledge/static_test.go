package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderQuery(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "openFDA", Content: "FAERS reports are unverified.", Keywords: []string{"adverse", "side effect"}},
		{Title: "Categories", Content: "Therapeutic categories come from the graph.", Tags: []string{"category"}},
		{Title: "General", Content: "Always cite the tool used."},
	}, 2)

	got := p.Query("What are the Side Effects of ibuprofen?")
	if len(got) != 2 || got[0].Title != "openFDA" || got[1].Title != "General" {
		t.Fatalf("unexpected snippets: %+v", got)
	}

	got = p.Query("Which category is aspirin in?")
	if len(got) != 2 || got[0].Title != "Categories" {
		t.Fatalf("unexpected snippets: %+v", got)
	}

	var nilProvider *StaticProvider
	if nilProvider.Query("x") != nil || nilProvider.Len() != 0 {
		t.Fatalf("nil provider must be empty")
	}
}

func TestLoadStaticProviderYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "notes.yaml")
	if err := os.WriteFile(yamlPath, []byte("- title: Revenue\n  content: Reported in EUR.\n  keywords: [revenue]\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	jsonPath := filepath.Join(dir, "notes.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"Graph","content":"Drug nodes have a name.","keywords":["graph"]}]`), 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}

	p, err := LoadStaticProvider(yamlPath, 0)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if got := p.Query("revenue 2023"); len(got) != 1 || got[0].Content != "Reported in EUR." {
		t.Fatalf("unexpected yaml snippets: %+v", got)
	}

	p, err = LoadStaticProvider(jsonPath, 0)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", p.Len())
	}

	if _, err := LoadStaticProvider("", 0); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNotes(t *testing.T) {
	if Notes(nil) != "" {
		t.Fatalf("expected empty notes")
	}
	got := Notes([]Snippet{{Title: "A", Content: "one"}, {Content: "two"}, {}})
	want := "Reference notes:\n- A: one\n- two"
	if got != want {
		t.Fatalf("unexpected notes:\n%q\nwant\n%q", got, want)
	}
}
