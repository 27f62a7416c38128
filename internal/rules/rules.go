// Package rules defines learned constraint rules and the store they live
// in. A rule is keyed by scope, owner and category and is never deleted.
package rules

import (
	"context"
	"errors"
	"time"
)

// Scope is the breadth a rule applies to.
type Scope string

const (
	ScopePipeline Scope = "pipeline_instance"
	ScopeUser     Scope = "user"
	ScopeGlobal   Scope = "global"
)

// GlobalOwner is the owner reference of every global rule.
const GlobalOwner = "*"

// Rank orders scopes: pipeline_instance < user < global.
func (s Scope) Rank() int {
	switch s {
	case ScopePipeline:
		return 0
	case ScopeUser:
		return 1
	case ScopeGlobal:
		return 2
	}
	return -1
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s.Rank() >= 0 }

// Stage is how forcefully a rule is surfaced.
type Stage string

const (
	StageNudge Stage = "nudge"
	StageCheck Stage = "check"
	StageGuard Stage = "guard"
	StageLaw   Stage = "law"
)

// Rank orders stages: nudge < check < guard < law.
func (s Stage) Rank() int {
	switch s {
	case StageNudge:
		return 0
	case StageCheck:
		return 1
	case StageGuard:
		return 2
	case StageLaw:
		return 3
	}
	return -1
}

// AtLeast reports whether s is as strong as other.
func (s Stage) AtLeast(other Stage) bool { return s.Rank() >= other.Rank() }

// MaxHealth is the health of a fresh, restored or locked rule.
const MaxHealth = 100

// Key identifies a rule.
type Key struct {
	Scope    Scope  `json:"scope"`
	OwnerRef string `json:"owner_ref"`
	Category string `json:"category"`
}

// Rule is a learned constraint for one category in one scope.
type Rule struct {
	ID                          string     `json:"id"`
	Scope                       Scope      `json:"scope"`
	OwnerRef                    string     `json:"owner_ref"`
	UserRef                     string     `json:"user_ref,omitempty"`
	Category                    string     `json:"category"`
	Stage                       Stage      `json:"stage"`
	Health                      int        `json:"health"`
	Confidence                  float64    `json:"confidence"`
	ViolationCount              int        `json:"violation_count"`
	TriggeredCount              int        `json:"triggered_count"`
	ApprovedDespiteTriggerCount int        `json:"approved_despite_trigger_count"`
	RejectedDueToTriggerCount   int        `json:"rejected_due_to_trigger_count"`
	Muted                       bool       `json:"muted"`
	Locked                      bool       `json:"locked"`
	LastTriggeredAt             *time.Time `json:"last_triggered_at,omitempty"`
	LastDecayAt                 time.Time  `json:"last_decay_at"`
	ResetAt                     *time.Time `json:"reset_at,omitempty"`
	CooldownCount               int        `json:"cooldown_count"`
	Version                     int64      `json:"version"`
	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
}

// Key returns the rule's unique key.
func (r *Rule) Key() Key {
	return Key{Scope: r.Scope, OwnerRef: r.OwnerRef, Category: r.Category}
}

// Clone returns a deep copy of r.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	if r.ResetAt != nil {
		t := *r.ResetAt
		c.ResetAt = &t
	}
	return &c
}

// PromotionKind says whether a promotion was applied, only recommended, or
// applied by a human.
type PromotionKind string

const (
	PromotionApplied        PromotionKind = "applied"
	PromotionRecommendation PromotionKind = "recommendation"
	PromotionManual         PromotionKind = "manual"
)

// PromotionLogEntry is an append-only record of a scope promotion.
type PromotionLogEntry struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Category   string        `json:"category"`
	FromScope  Scope         `json:"from_scope"`
	ToScope    Scope         `json:"to_scope"`
	Kind       PromotionKind `json:"kind"`
	Reason     string        `json:"reason"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Filter selects rules. Zero fields match everything.
type Filter struct {
	Scope    Scope  `json:"scope,omitempty"`
	OwnerRef string `json:"owner_ref,omitempty"`
	UserRef  string `json:"user_ref,omitempty"`
	Category string `json:"category,omitempty"`
	Locked   *bool  `json:"locked,omitempty"`
}

// Match reports whether r passes the filter.
func (f Filter) Match(r *Rule) bool {
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if f.OwnerRef != "" && r.OwnerRef != f.OwnerRef {
		return false
	}
	if f.UserRef != "" && r.UserRef != f.UserRef {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Locked != nil && r.Locked != *f.Locked {
		return false
	}
	return true
}

// MutateFunc changes a rule in place. Returning an error leaves the stored
// rule untouched.
type MutateFunc func(r *Rule) error

// Store persists rules and the promotion log. Every mutation is an atomic
// read-modify-write: concurrent mutations of one rule never lose an update.
type Store interface {
	GetRule(ctx context.Context, id string) (*Rule, error)
	FindRule(ctx context.Context, key Key) (*Rule, error)
	// UpsertRule applies fn to the rule at key, creating it first with
	// userRef when it does not exist. created reports whether it did.
	UpsertRule(ctx context.Context, key Key, userRef string, fn MutateFunc) (rule *Rule, created bool, err error)
	UpdateRule(ctx context.Context, id string, fn MutateFunc) (*Rule, error)
	ListRules(ctx context.Context, filter Filter) ([]*Rule, error)
	AppendPromotion(ctx context.Context, entry PromotionLogEntry) error
	ListPromotions(ctx context.Context, ruleID string) ([]PromotionLogEntry, error)
}

// Store errors.
var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrConflict     = errors.New("concurrent rule update conflict")
	ErrInvalidKey   = errors.New("invalid rule key")
)

// Validate checks a key is usable.
func (k Key) Validate() error {
	if !k.Scope.Valid() {
		return ErrInvalidKey
	}
	if k.OwnerRef == "" || k.Category == "" {
		return ErrInvalidKey
	}
	return nil
}
