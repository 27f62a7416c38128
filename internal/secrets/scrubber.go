package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Result reports one scrub. Matched text is never kept.
type Result struct {
	Text string
	// ByRule counts findings per rule ID.
	ByRule map[string]int
	Total  int
}

// Scrubber redacts matches of its rules. It is safe for concurrent use.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	if !cfg.Enabled {
		return s, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	s.rules = rules
	s.allow = allow
	return s, nil
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

type span struct{ start, end int }

// Scrub redacts every match in text. Overlapping matches collapse into one
// redaction.
func (s *Scrubber) Scrub(text string) Result {
	res := Result{Text: text, ByRule: map[string]int{}}
	if !s.Enabled() || text == "" {
		return res
	}

	var spans []span
	for _, r := range s.rules {
		if !r.applies(text) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if m[0] == m[1] || s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.ByRule[r.id]++
			res.Total++
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for i := 0; i < len(spans); {
		cur := spans[i]
		for i++; i < len(spans) && spans[i].start <= cur.end; i++ {
			if spans[i].end > cur.end {
				cur.end = spans[i].end
			}
		}
		b.WriteString(text[pos:cur.start])
		b.WriteString(s.redaction)
		pos = cur.end
	}
	b.WriteString(text[pos:])
	res.Text = b.String()
	return res
}

// Redact returns text with every match replaced.
func (s *Scrubber) Redact(text string) string {
	return s.Scrub(text).Text
}

func (r compiledRule) applies(text string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
