package modelmeta

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreditCostFallsBackToDefault(t *testing.T) {
	tab := NewTable(2)
	if got := tab.CreditCost("unknown-model"); got != 2 {
		t.Fatalf("cost = %d, want default 2", got)
	}

	tab.Set(Entry{Model: "gpt-4o", CreditCost: 5})
	if got := tab.CreditCost("GPT-4o "); got != 5 {
		t.Fatalf("cost = %d, lookup should normalize", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_costs.yaml")
	content := `
default_cost: 3
models:
  - model: gpt-4o
    provider: openai
    credit_cost: 10
  - model: gemini-2.0-flash
    provider: gemini
  - model: ""
    credit_cost: 99
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tab := NewTable(1)
	if err := tab.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := tab.CreditCost("gpt-4o"); got != 10 {
		t.Fatalf("gpt-4o cost = %d", got)
	}
	// Listed without a cost falls back to the file's default.
	if got := tab.CreditCost("gemini-2.0-flash"); got != 3 {
		t.Fatalf("gemini cost = %d", got)
	}
	if got := tab.CreditCost("anything-else"); got != 3 {
		t.Fatalf("default cost = %d", got)
	}
	if p, ok := tab.Provider("gpt-4o"); !ok || p != "openai" {
		t.Fatalf("provider = %q/%v", p, ok)
	}
	if _, ok := tab.Provider("anything-else"); ok {
		t.Fatal("provider reported for unlisted model")
	}
}

func TestLoadFileErrors(t *testing.T) {
	tab := NewTable(1)
	if err := tab.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("models: {not: [a, list"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tab.LoadFile(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}
