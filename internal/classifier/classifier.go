package classifier

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxInputLength bounds the text handed to the regex engine.
	DefaultMaxInputLength = 4096
	// MaxCategories is the most categories one event carries.
	MaxCategories = 3
	// MaxConcerns is the most concern tags one event carries.
	MaxConcerns = 5

	heuristicFloor = 0.4
	heuristicSpan  = 0.2
)

// categoryRule pairs a compiled regex with the category it detects and a
// base confidence. Rules are evaluated in order; the first rule that
// matches a category decides that category's confidence.
type categoryRule struct {
	regex      *regexp.Regexp
	category   Category
	confidence float64
}

// CategoryRule is a caller-defined rule added with WithExtraRules.
type CategoryRule struct {
	Pattern    string   `json:"pattern" koanf:"pattern"`
	Category   Category `json:"category" koanf:"category"`
	Confidence float64  `json:"confidence" koanf:"confidence"`
}

// concernRule maps a pattern onto a fixed concern tag.
type concernRule struct {
	regex *regexp.Regexp
	tag   string
}

// Classifier applies the ordered taxonomy. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	rules    []*categoryRule
	concerns []*concernRule
	maxInput int
	now      func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier) error

// WithExtraRules adds rules evaluated before the built-in taxonomy. Every
// rule must name a known category and compile.
func WithExtraRules(rules []CategoryRule) Option {
	return func(c *Classifier) error {
		compiled := make([]*categoryRule, 0, len(rules))
		for _, r := range rules {
			if !r.Category.Valid() {
				return fmt.Errorf("%w: %q", ErrUnknownCategory, r.Category)
			}
			if r.Confidence < 0 || r.Confidence > 1 {
				return fmt.Errorf("%w: %v", ErrInvalidConfidence, r.Confidence)
			}
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("%w: %q: %v", ErrInvalidPattern, r.Pattern, err)
			}
			compiled = append(compiled, &categoryRule{regex: re, category: r.Category, confidence: r.Confidence})
		}
		c.rules = append(compiled, c.rules...)
		return nil
	}
}

// WithMaxInputLength overrides the truncation length.
func WithMaxInputLength(n int) Option {
	return func(c *Classifier) error {
		if n > 0 {
			c.maxInput = n
		}
		return nil
	}
}

// WithClock overrides time.Now for OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// New creates a classifier with the built-in taxonomy.
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{
		rules:    buildCategoryRules(),
		concerns: buildConcernRules(),
		maxInput: DefaultMaxInputLength,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// buildCategoryRules returns the ordered taxonomy. All patterns are case
// insensitive.
func buildCategoryRules() []*categoryRule {
	return []*categoryRule{
		// --- Furniture count ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:missing|absent|lacks?|lacking|forgot|empty\s+room|no\s+(?:furniture|seating|sofa|couch|bed|table|chairs?)\b|not\s+enough\s+(?:furniture|seating|chairs)|should\s+(?:have|include)\s+(?:a|an|the|more))`),
			category:   CategoryMissingFurniture,
			confidence: 0.85,
		},
		{
			// Clutter is treated as too many objects.
			regex:      regexp.MustCompile(`(?i)\b(?:too\s+(?:much|many)\s+(?:furniture|items|objects|stuff|things|chairs|decor|clutter)|clutter(?:ed|y)?\b|crowded|overfilled|overcrowded|extra\s+(?:furniture|items?|chairs?|tables?|objects?)|duplicated?\s+(?:furniture|items?|objects?|sofas?|beds?)|remove\s+(?:the\s+)?(?:extra|additional))`),
			category:   CategoryExtraFurniture,
			confidence: 0.85,
		},

		// --- Structural ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:(?:walls?|windows?|doors?|doorways?|columns?|stairs|staircase|layout|floor\s*plan|room\s+shape)\b.{0,40}\b(?:moved|removed|added|changed|shifted|wrong|altered|different|missing|blocked)|(?:moved|removed|added|changed|shifted|altered)\b.{0,40}\b(?:walls?|windows?|doors?|doorways?|columns?|staircase))\b`),
			category:   CategoryStructuralChange,
			confidence: 0.9,
		},

		// --- Camera / direction ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:camera|viewpoint|point\s+of\s+view|perspective|vantage|(?:wrong|different|opposite)\s+(?:angle|side|view|direction)|(?:facing|looking|pointing|turned)\s+(?:the\s+)?(?:left|right|north|south|east|west|wrong\s+way|other\s+way)|mirrored|flipped|rotated)\b`),
			category:   CategoryCameraMismatch,
			confidence: 0.8,
		},

		// --- Texture / seams / artifacts ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:textures?|seams?|artifacts?|artefacts?|blurr?y|blur|noisy|noise|pixelat\w*|distort\w*|warped|glitch\w*|smear\w*|jagged|low\s+(?:quality|resolution|res))\b`),
			category:   CategoryVisualQuality,
			confidence: 0.8,
		},

		// --- Preference ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:minimal(?:ist|ism|istic)?|simpl(?:e|er|ify|icity)|declutter|sparse|less\s+(?:busy|decor|stuff)|clean(?:er)?\s+look)\b`),
			category:   CategoryMinimalismPreference,
			confidence: 0.75,
		},

		// --- Lighting ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:lighting|light|lit|dark(?:er)?|too\s+bright|brightness|shadows?|exposure|overexposed|underexposed|glare|dim)\b`),
			category:   CategoryLightingIssue,
			confidence: 0.75,
		},

		// --- Scale ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:scale|proportions?|proportional|out\s+of\s+proportion|too\s+(?:big|large|small|tiny|huge|narrow|wide)|oversized|undersized)\b`),
			category:   CategoryScaleProportion,
			confidence: 0.75,
		},

		// --- Style ---
		{
			regex:      regexp.MustCompile(`(?i)\b(?:style|styling|aesthetic|modern|rustic|scandinavian|industrial|boho|traditional|colou?r\s+(?:palette|scheme)|vibe|mood|theme)\b`),
			category:   CategoryStyleMismatch,
			confidence: 0.7,
		},
	}
}

// buildConcernRules returns the fixed concern vocabulary in tag order.
func buildConcernRules() []*concernRule {
	concern := func(pattern, tag string) *concernRule {
		return &concernRule{regex: regexp.MustCompile(`(?i)\b(?:` + pattern + `)\b`), tag: tag}
	}
	return []*concernRule{
		concern(`sofas?|couch(?:es)?|sectionals?`, "sofa"),
		concern(`beds?|headboards?`, "bed"),
		concern(`tables?|desks?`, "table"),
		concern(`chairs?|stools?|armchairs?`, "chair"),
		concern(`rugs?|carpets?`, "rug"),
		concern(`lamps?|chandeliers?|pendants?`, "lamp"),
		concern(`plants?|greenery`, "plant"),
		concern(`cabinets?|wardrobes?|closets?|dressers?`, "cabinet"),
		concern(`shel(?:f|ves)|bookcases?`, "shelf"),
		concern(`walls?`, "wall"),
		concern(`windows?`, "window"),
		concern(`doors?|doorways?`, "door"),
		concern(`floors?|flooring`, "floor"),
		concern(`ceilings?`, "ceiling"),
		concern(`stairs|staircases?`, "stairs"),
		concern(`kitchen`, "kitchen"),
		concern(`bath(?:room|tub)?|shower|toilet`, "bathroom"),
	}
}

// Classify maps a rejected review onto a structured event. It never fails:
// unmatched feedback yields CategoryOther.
func (c *Classifier) Classify(in Input) Event {
	text := in.RawFeedback
	// Truncate to prevent ReDoS on extremely long inputs
	if len(text) > c.maxInput {
		text = text[:c.maxInput]
	}

	var (
		categories []Category
		confSum    float64
		seen       = make(map[Category]bool)
	)
	for _, rule := range c.rules {
		if len(categories) == MaxCategories {
			break
		}
		if seen[rule.category] || !rule.regex.MatchString(text) {
			continue
		}
		seen[rule.category] = true
		categories = append(categories, rule.category)
		confSum += rule.confidence
	}

	hint := heuristicFloor + heuristicSpan*0.5
	if len(categories) == 0 {
		categories = []Category{CategoryOther}
	} else {
		hint = heuristicFloor + heuristicSpan*(confSum/float64(len(categories)))
	}
	if in.Score != nil && !math.IsNaN(*in.Score) {
		hint = clamp(*in.Score, 0, 1)
	}

	severity := in.Severity
	if !severity.Valid() {
		severity = SeverityMajor
	}
	ref := in.FeedbackRef
	if ref == "" {
		ref = NewFeedbackRef()
	}

	return Event{
		ID:             uuid.New().String(),
		PipelineID:     in.PipelineID,
		AssetID:        in.AssetID,
		StepNumber:     in.Step,
		RawFeedbackRef: ref,
		Categories:     categories,
		Concerns:       c.concernTags(text),
		ConfidenceHint: hint,
		Severity:       severity,
		OccurredAt:     c.now().UTC(),
	}
}

func (c *Classifier) concernTags(text string) []string {
	var tags []string
	for _, r := range c.concerns {
		if len(tags) == MaxConcerns {
			break
		}
		if r.regex.MatchString(text) {
			tags = append(tags, r.tag)
		}
	}
	return tags
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
