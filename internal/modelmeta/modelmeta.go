package modelmeta

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry describes billing metadata for one model.
type Entry struct {
	Model      string `yaml:"model"`
	Provider   string `yaml:"provider,omitempty"`
	CreditCost int64  `yaml:"credit_cost"`
}

type fileFormat struct {
	DefaultCost int64   `yaml:"default_cost"`
	Models      []Entry `yaml:"models"`
}

// Table holds per-model credit costs with simple lookups. Models not listed
// fall back to the default cost.
type Table struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	defaultCost int64
}

// NewTable returns a table where every model costs defaultCost credits.
func NewTable(defaultCost int64) *Table {
	if defaultCost <= 0 {
		defaultCost = 1
	}
	return &Table{
		entries:     make(map[string]Entry),
		defaultCost: defaultCost,
	}
}

// LoadFile merges entries from a YAML cost table.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("modelmeta: read %s: %w", path, err)
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("modelmeta: parse %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if parsed.DefaultCost > 0 {
		t.defaultCost = parsed.DefaultCost
	}
	for _, e := range parsed.Models {
		model := normalize(e.Model)
		if model == "" {
			continue
		}
		if e.CreditCost <= 0 {
			e.CreditCost = t.defaultCost
		}
		t.entries[model] = e
	}
	return nil
}

// Set registers or replaces one entry.
func (t *Table) Set(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[normalize(e.Model)] = e
}

// CreditCost returns the per-request credit cost for the model.
func (t *Table) CreditCost(model string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[normalize(model)]; ok {
		return e.CreditCost
	}
	return t.defaultCost
}

// Provider returns the configured provider for the model, if any.
func (t *Table) Provider(model string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[normalize(model)]
	if !ok || e.Provider == "" {
		return "", false
	}
	return e.Provider, true
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
