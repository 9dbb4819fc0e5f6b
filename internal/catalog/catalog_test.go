package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const sampleYAML = `
version: test-1
co_occurrence_boost: 1.0
max_excerpt_len: 40
categories:
  prompt-injection:
    severity: 8
    matchers:
      - id: pi-ignore
        pattern: 'ignore (previous|prior) instructions'
  sensitive-information:
    severity: 9
    matchers:
      - id: si-key
        literal: 'BEGIN PRIVATE KEY'
`

func TestParseSample(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse sample catalog: %v", err)
	}
	if cat.Version != "test-1" {
		t.Fatalf("unexpected version %q", cat.Version)
	}
	rules, ok := cat.Categories[CategoryPromptInjection]
	if !ok {
		t.Fatal("prompt-injection category missing")
	}
	if got := rules.Matchers[0].Find("please IGNORE PRIOR INSTRUCTIONS now"); got == "" {
		t.Fatal("regex matcher should match case-insensitively")
	}
}

func TestParseRejectsBadSeverity(t *testing.T) {
	bad := `
version: test-bad
categories:
  prompt-injection:
    severity: 42
    matchers:
      - id: x
        literal: y
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("severity outside [0,10] should be rejected")
	}
}

func TestParseRejectsBadRegex(t *testing.T) {
	bad := `
version: test-bad
categories:
  prompt-injection:
    severity: 5
    matchers:
      - id: broken
        pattern: '([unclosed'
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("broken regex should be rejected")
	}
}

func TestBuiltinValidates(t *testing.T) {
	cat := Builtin()
	if err := cat.Validate(); err != nil {
		t.Fatalf("builtin catalog should validate: %v", err)
	}
	if len(cat.SortedCategories()) != 5 {
		t.Fatalf("builtin catalog should define 5 categories, got %d", len(cat.SortedCategories()))
	}
}

func TestLiteralFindReturnsOriginalCasing(t *testing.T) {
	m := Matcher{ID: "lit", Literal: "developer mode"}
	got := m.Find("enable Developer Mode please")
	if got != "Developer Mode" {
		t.Fatalf("expected excerpt with original casing, got %q", got)
	}
}

func TestManagerReloadKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr, err := NewManager(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("manager init: %v", err)
	}
	if mgr.Active().Version != "test-1" {
		t.Fatalf("unexpected active version %q", mgr.Active().Version)
	}

	if err := os.WriteFile(path, []byte("version: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("reload of broken file should report an error")
	}
	if mgr.Active().Version != "test-1" {
		t.Fatal("broken reload must keep the previous catalog")
	}
}

func TestManagerEmptyPathUsesBuiltin(t *testing.T) {
	mgr, err := NewManager("", zerolog.Nop())
	if err != nil {
		t.Fatalf("manager init: %v", err)
	}
	if mgr.Active().Version != Builtin().Version {
		t.Fatalf("expected builtin catalog, got %q", mgr.Active().Version)
	}
}
