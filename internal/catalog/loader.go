package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Version           string                  `yaml:"version"`
	CoOccurrenceBoost float64                 `yaml:"co_occurrence_boost"`
	MaxExcerptLen     int                     `yaml:"max_excerpt_len"`
	Categories        map[string]categoryFile `yaml:"categories"`
}

type categoryFile struct {
	Severity float64       `yaml:"severity"`
	Matchers []matcherFile `yaml:"matchers"`
}

type matcherFile struct {
	ID      string `yaml:"id"`
	Literal string `yaml:"literal,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
}

// LoadFile parses and compiles a YAML ruleset.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds an immutable Catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	if file.MaxExcerptLen == 0 {
		file.MaxExcerptLen = defaultMaxExcerptLen
	}

	cat := &Catalog{
		Version:           file.Version,
		Categories:        make(map[Category]CategoryRules, len(file.Categories)),
		CoOccurrenceBoost: file.CoOccurrenceBoost,
		MaxExcerptLen:     file.MaxExcerptLen,
	}

	for name, entry := range file.Categories {
		rules := CategoryRules{
			Severity: entry.Severity,
			Matchers: make([]Matcher, 0, len(entry.Matchers)),
		}
		for _, mf := range entry.Matchers {
			m := Matcher{ID: mf.ID, Literal: mf.Literal, Pattern: mf.Pattern}
			if err := compileMatcher(&m); err != nil {
				return nil, fmt.Errorf("catalog %q: %w", file.Version, err)
			}
			rules.Matchers = append(rules.Matchers, m)
		}
		cat.Categories[Category(name)] = rules
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}
