package catalog

const defaultMaxExcerptLen = 80

// Builtin returns the compiled-in default ruleset, used when no catalog
// file is configured. Scoring default: the maximum flagged severity plus
// co_occurrence_boost per additional flagged category, clamped to 10.
func Builtin() *Catalog {
	cat := &Catalog{
		Version:           "builtin-2025.08",
		CoOccurrenceBoost: 1.5,
		MaxExcerptLen:     defaultMaxExcerptLen,
		Categories: map[Category]CategoryRules{
			CategoryPromptInjection: {
				Severity: 8.0,
				Matchers: []Matcher{
					{ID: "pi-ignore-instructions", Pattern: `ignore (all |any )?(previous|prior|above) (instructions|prompts|rules)`},
					{ID: "pi-system-override", Pattern: `(override|bypass|disable) (the )?(system prompt|safety|guardrails?)`},
					{ID: "pi-role-hijack", Pattern: `you are (now|no longer) (a|an|bound)`},
					{ID: "pi-dan", Literal: "do anything now"},
					{ID: "pi-jailbreak", Literal: "jailbreak"},
					{ID: "pi-developer-mode", Literal: "developer mode"},
				},
			},
			CategorySensitiveInfo: {
				Severity: 9.0,
				Matchers: []Matcher{
					{ID: "si-aws-key", Pattern: `AKIA[0-9A-Z]{16}`},
					{ID: "si-api-key", Pattern: `sk-(proj-)?[a-zA-Z0-9]{20,}`},
					{ID: "si-private-key", Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
					{ID: "si-jwt", Pattern: `eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`},
					{ID: "si-db-uri", Pattern: `(postgresql|mysql|mongodb|redis|amqp)://[^\s"']+`},
					{ID: "si-ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
				},
			},
			CategoryMaliciousIntent: {
				Severity: 7.5,
				Matchers: []Matcher{
					{ID: "mi-malware", Pattern: `(write|create|generate) (a |some )?(malware|ransomware|keylogger|rootkit)`},
					{ID: "mi-exploit", Pattern: `exploit (code|script) for (cve|vulnerability)`},
					{ID: "mi-phishing", Pattern: `(phishing|credential[ -]harvest)`},
					{ID: "mi-sqli", Pattern: `('|%27)\s*(or|union)\s+(1=1|select)`},
				},
			},
			CategoryInfoDisclosure: {
				Severity: 6.5,
				Matchers: []Matcher{
					{ID: "id-system-prompt", Pattern: `(reveal|print|repeat|show) (your|the) (system prompt|initial instructions|hidden rules)`},
					{ID: "id-training-data", Pattern: `(dump|leak|reveal) (your )?training data`},
					{ID: "id-internal-config", Pattern: `(internal|hidden) (configuration|settings|parameters)`},
				},
			},
			CategoryExcessiveResponse: {
				Severity: 5.0,
				Matchers: []Matcher{
					{ID: "er-repeat-forever", Pattern: `repeat (this|that|it|the (word|phrase))? ?(forever|indefinitely|endlessly|[0-9]{4,} times)`},
					{ID: "er-max-length", Pattern: `(as long as possible|maximum length|longest possible)`},
					{ID: "er-recursive", Pattern: `(recursively|keep (going|generating)) (without|until) (stopping|told)`},
				},
			},
		},
	}
	for name, rules := range cat.Categories {
		for i := range rules.Matchers {
			if err := compileMatcher(&rules.Matchers[i]); err != nil {
				panic("builtin catalog: " + err.Error())
			}
		}
		cat.Categories[name] = rules
	}
	return cat
}
