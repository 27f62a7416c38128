// Package constraints turns learned rules into the bounded set of fixed
// template lines injected into the next generation attempt. Feedback text
// never reaches the output; only category templates do.
package constraints

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// Default caps.
const (
	DefaultMaxAdditions = 5
	DefaultMaxRemovals  = 3
)

// Limits caps the size of a composed set.
type Limits struct {
	MaxAdditions int `json:"max_additions" koanf:"max_additions"`
	MaxRemovals  int `json:"max_removals" koanf:"max_removals"`
}

// DefaultLimits returns the default caps.
func DefaultLimits() Limits {
	return Limits{MaxAdditions: DefaultMaxAdditions, MaxRemovals: DefaultMaxRemovals}
}

// Source is where a constraint came from. Earlier sources win when a set
// is truncated.
type Source string

const (
	SourceGlobal   Source = "global"
	SourceUser     Source = "user"
	SourcePipeline Source = "pipeline_instance"
	SourceOneShot  Source = "one_shot"
)

func (s Source) priority() int {
	switch s {
	case SourceGlobal:
		return 0
	case SourceUser:
		return 1
	case SourcePipeline:
		return 2
	}
	return 3
}

func sourceOf(scope rules.Scope) Source {
	switch scope {
	case rules.ScopeGlobal:
		return SourceGlobal
	case rules.ScopeUser:
		return SourceUser
	}
	return SourcePipeline
}

// Constraint is one injected line.
type Constraint struct {
	Category  classifier.Category `json:"category"`
	Kind      Kind                `json:"kind"`
	Intensity Intensity           `json:"intensity"`
	Source    Source              `json:"source"`
	RuleID    string              `json:"rule_id,omitempty"`
	Text      string              `json:"text"`
}

// Set is the composed constraint set for one attempt.
type Set struct {
	PipelineID string                `json:"pipeline_id"`
	Step       int                   `json:"step"`
	Additions  []Constraint          `json:"additions"`
	Removals   []Constraint          `json:"removals"`
	Dropped    []classifier.Category `json:"dropped,omitempty"`
}

// Len returns the number of constraints in the set.
func (s Set) Len() int {
	return len(s.Additions) + len(s.Removals)
}

// Lines returns the constraint lines, additions first.
func (s Set) Lines() []string {
	out := make([]string, 0, s.Len())
	for _, c := range s.Additions {
		out = append(out, c.Text)
	}
	for _, c := range s.Removals {
		out = append(out, c.Text)
	}
	return out
}

// Render appends the constraint block to a generation prompt. An empty
// set leaves the prompt unchanged.
func (s Set) Render(basePrompt string) string {
	lines := s.Lines()
	if len(lines) == 0 {
		return basePrompt
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(basePrompt, "\n"))
	b.WriteString("\n\nConstraints:\n")
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// RuleSource lists the rules that can apply to a pipeline. The learning
// engine implements it.
type RuleSource interface {
	ActiveRules(ctx context.Context, pipelineID, userRef string) ([]*rules.Rule, error)
}

// OwnerResolver maps a pipeline to the user that owns it.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, pipelineID string) (string, error)
}

// OwnerResolverFunc adapts a function to OwnerResolver.
type OwnerResolverFunc func(ctx context.Context, pipelineID string) (string, error)

// OwnerOf implements OwnerResolver.
func (f OwnerResolverFunc) OwnerOf(ctx context.Context, pipelineID string) (string, error) {
	return f(ctx, pipelineID)
}

// Injector composes constraint sets.
type Injector struct {
	source    RuleSource
	owners    OwnerResolver
	templates map[classifier.Category]Template
	limits    Limits
	logger    *zap.Logger
}

// Option configures an Injector.
type Option func(*Injector) error

// WithOwnerResolver sets how pipeline owners are found. Without it user
// rules are not considered.
func WithOwnerResolver(r OwnerResolver) Option {
	return func(i *Injector) error {
		i.owners = r
		return nil
	}
}

// WithLimits overrides the caps.
func WithLimits(l Limits) Option {
	return func(i *Injector) error {
		if l.MaxAdditions < 1 || l.MaxRemovals < 1 {
			return fmt.Errorf("%w: additions=%d removals=%d", ErrInvalidLimits, l.MaxAdditions, l.MaxRemovals)
		}
		i.limits = l
		return nil
	}
}

// WithTemplates replaces templates for the given categories.
func WithTemplates(ts []Template) Option {
	return func(i *Injector) error {
		for _, t := range ts {
			if !t.Category.Valid() || t.Category == classifier.CategoryOther {
				return fmt.Errorf("%w: category %q", ErrInvalidTemplate, t.Category)
			}
			if t.Kind != KindAddition && t.Kind != KindRemoval {
				return fmt.Errorf("%w: kind %q", ErrInvalidTemplate, t.Kind)
			}
			if strings.TrimSpace(t.Text) == "" {
				return fmt.Errorf("%w: empty text for %s", ErrInvalidTemplate, t.Category)
			}
			i.templates[t.Category] = t
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Injector) error {
		if l != nil {
			i.logger = l.Named("constraints")
		}
		return nil
	}
}

// New creates an injector over source.
func New(source RuleSource, opts ...Option) (*Injector, error) {
	if source == nil {
		return nil, fmt.Errorf("rule source is required for constraint injector")
	}
	i := &Injector{
		source:    source,
		templates: DefaultTemplates(),
		limits:    DefaultLimits(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Template returns the template for a category.
func (i *Injector) Template(c classifier.Category) (Template, bool) {
	t, ok := i.templates[c]
	return t, ok
}

type candidate struct {
	category  classifier.Category
	intensity Intensity
	source    Source
	ruleID    string
}

// Compose builds the constraint set for the next attempt at step. Rules at
// stage check or above that are not muted contribute one line per
// category. The categories of latest, when given, are added as one-shot
// lines even when no rule for them has escalated yet.
func (i *Injector) Compose(ctx context.Context, pipelineID string, step int, latest *classifier.Event) (Set, error) {
	if pipelineID == "" {
		return Set{}, ErrEmptyPipelineID
	}
	userRef := ""
	if i.owners != nil {
		owner, err := i.owners.OwnerOf(ctx, pipelineID)
		if err != nil {
			return Set{}, fmt.Errorf("resolve owner of %s: %w", pipelineID, err)
		}
		userRef = owner
	}
	active, err := i.source.ActiveRules(ctx, pipelineID, userRef)
	if err != nil {
		return Set{}, fmt.Errorf("load active rules: %w", err)
	}

	best := make(map[classifier.Category]candidate)
	consider := func(c candidate) {
		cur, ok := best[c.category]
		if !ok || stronger(c, cur) {
			best[c.category] = c
		}
	}
	for _, r := range active {
		if r.Muted || !r.Stage.AtLeast(rules.StageCheck) {
			continue
		}
		consider(candidate{
			category:  classifier.Category(r.Category),
			intensity: Intensity(r.Stage),
			source:    sourceOf(r.Scope),
			ruleID:    r.ID,
		})
	}
	if latest != nil {
		for _, c := range latest.Categories {
			consider(candidate{category: c, intensity: IntensityOneShot, source: SourceOneShot})
		}
	}

	ordered := make([]candidate, 0, len(best))
	for _, c := range best {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(a, b int) bool {
		x, y := ordered[a], ordered[b]
		if x.source.priority() != y.source.priority() {
			return x.source.priority() < y.source.priority()
		}
		if x.intensity.rank() != y.intensity.rank() {
			return x.intensity.rank() > y.intensity.rank()
		}
		return x.category < y.category
	})

	set := Set{PipelineID: pipelineID, Step: step, Additions: []Constraint{}, Removals: []Constraint{}}
	for _, c := range ordered {
		tpl, ok := i.templates[c.category]
		if !ok || !tpl.AppliesTo(step) {
			continue
		}
		con := Constraint{
			Category:  c.category,
			Kind:      tpl.Kind,
			Intensity: c.intensity,
			Source:    c.source,
			RuleID:    c.ruleID,
			Text:      c.intensity.prefix() + " " + tpl.Text + ".",
		}
		switch {
		case tpl.Kind == KindAddition && len(set.Additions) < i.limits.MaxAdditions:
			set.Additions = append(set.Additions, con)
		case tpl.Kind == KindRemoval && len(set.Removals) < i.limits.MaxRemovals:
			set.Removals = append(set.Removals, con)
		default:
			set.Dropped = append(set.Dropped, c.category)
		}
	}

	i.logger.Debug("constraints composed",
		zap.String("pipeline_id", pipelineID),
		zap.Int("step", step),
		zap.Int("additions", len(set.Additions)),
		zap.Int("removals", len(set.Removals)),
		zap.Int("dropped", len(set.Dropped)),
	)
	return set, nil
}

// stronger reports whether a should replace b for the same category: the
// stronger intensity wins, then the broader source.
func stronger(a, b candidate) bool {
	if a.intensity.rank() != b.intensity.rank() {
		return a.intensity.rank() > b.intensity.rank()
	}
	return a.source.priority() < b.source.priority()
}
