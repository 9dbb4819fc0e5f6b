package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category identifies a vulnerability class in the ruleset.
type Category string

const (
	CategoryPromptInjection   Category = "prompt-injection"
	CategorySensitiveInfo     Category = "sensitive-information"
	CategoryMaliciousIntent   Category = "malicious-intent"
	CategoryInfoDisclosure    Category = "information-disclosure"
	CategoryExcessiveResponse Category = "excessive-response"
)

// Matcher is one compiled detection rule within a category.
type Matcher struct {
	ID      string
	Literal string
	Pattern string

	re *regexp.Regexp
}

// IsRegex reports whether the matcher carries a compiled expression.
func (m *Matcher) IsRegex() bool {
	return m.re != nil
}

// Find returns the first matched excerpt within text, or "" when no match.
func (m *Matcher) Find(text string) string {
	if m.re != nil {
		return m.re.FindString(text)
	}
	if m.Literal == "" {
		return ""
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(m.Literal))
	if idx < 0 {
		return ""
	}
	return text[idx : idx+len(m.Literal)]
}

// CategoryRules groups matchers with their scoring parameters.
type CategoryRules struct {
	Severity float64
	Matchers []Matcher
}

// Catalog is one immutable, versioned ruleset. The scoring parameters
// (severities, co-occurrence boost, excerpt cap) belong to the version,
// so changing the weighting function is a ruleset revision, not a deploy.
type Catalog struct {
	Version           string
	Categories        map[Category]CategoryRules
	CoOccurrenceBoost float64
	MaxExcerptLen     int
}

// SortedCategories returns category keys in deterministic order.
func (c *Catalog) SortedCategories() []Category {
	keys := make([]Category, 0, len(c.Categories))
	for k := range c.Categories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Validate checks version, severities, and matcher completeness.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("catalog %q defines no categories", c.Version)
	}
	if c.CoOccurrenceBoost < 0 {
		return fmt.Errorf("catalog %q: co_occurrence_boost cannot be negative", c.Version)
	}
	if c.MaxExcerptLen <= 0 {
		return fmt.Errorf("catalog %q: max_excerpt_len must be greater than zero", c.Version)
	}
	for name, rules := range c.Categories {
		if rules.Severity < 0 || rules.Severity > 10 {
			return fmt.Errorf("catalog %q: category %s severity %.2f outside [0,10]", c.Version, name, rules.Severity)
		}
		if len(rules.Matchers) == 0 {
			return fmt.Errorf("catalog %q: category %s has no matchers", c.Version, name)
		}
		for _, m := range rules.Matchers {
			if m.Literal == "" && m.Pattern == "" {
				return fmt.Errorf("catalog %q: matcher %s in %s is empty", c.Version, m.ID, name)
			}
		}
	}
	return nil
}

func compileMatcher(m *Matcher) error {
	if m.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + m.Pattern)
	if err != nil {
		return fmt.Errorf("compile matcher %s: %w", m.ID, err)
	}
	m.re = re
	return nil
}
