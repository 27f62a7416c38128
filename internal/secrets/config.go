// Package secrets redacts credentials and contact details from reviewer
// feedback before it is archived. Reviewers paste logs, links and notes
// into feedback; the archive should never hold a live token.
package secrets

import (
	"fmt"
	"regexp"
)

// DefaultRedaction replaces every match.
const DefaultRedaction = "[REDACTED]"

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active (default: true)
	Enabled bool `koanf:"enabled"`

	// Redaction replaces matches (default: "[REDACTED]")
	Redaction string `koanf:"redaction"`

	// Rules are added to the built-in rules. A rule whose ID matches a
	// built-in one replaces it.
	Rules []Rule `koanf:"rules"`

	// AllowList holds patterns whose matches are left alone.
	AllowList []string `koanf:"allow_list"`
}

// Rule is one detection pattern.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords, when set, must appear somewhere in the text (case
	// insensitive) before the pattern is tried.
	Keywords []string `koanf:"keywords"`
}

// DefaultConfig returns scrubbing enabled with the built-in rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Redaction: DefaultRedaction}
}

// Validate compiles the rules without keeping them. A disabled config is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	_, _, err := c.compile()
	return err
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// compile merges cfg.Rules over the built-ins and compiles everything.
func (c Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	merged := DefaultRules()
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.ID] = i
	}
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		if j, ok := index[r.ID]; ok {
			merged[j] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}

	out := make([]compiledRule, 0, len(merged))
	for _, r := range merged {
		if r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		out = append(out, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for _, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid allow list pattern %q: %w", p, err)
		}
		allow = append(allow, re)
	}
	return out, allow, nil
}
