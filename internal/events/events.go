// Package events publishes pipeline and rule lifecycle notifications.
//
// Events are emitted after the state change they describe has committed.
// Publishing is best effort: a failed publish is logged by the caller and
// never rolls back the committed change.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

// Pipeline events.
const (
	TypeCreated      Type = "created"
	TypeTransitioned Type = "transitioned"
	TypeBlocked      Type = "blocked"
	TypeReset        Type = "reset"
	TypeConfirmed    Type = "confirmed"
)

// Rule events.
const (
	TypeRuleEscalated      Type = "escalated"
	TypeRuleCooledDown     Type = "cooled_down"
	TypeRulePromoted       Type = "promoted"
	TypeRuleRecommendation Type = "recommended"
)

// Event is a single lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	PipelineID string                 `json:"pipeline_id,omitempty"`
	RuleID     string                 `json:"rule_id,omitempty"`
	OwnerRef   string                 `json:"owner_ref,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// NewPipelineEvent builds an event about one pipeline.
func NewPipelineEvent(t Type, pipelineID, ownerRef string, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		PipelineID: pipelineID,
		OwnerRef:   ownerRef,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// NewRuleEvent builds an event about one rule.
func NewRuleEvent(t Type, ruleID, ownerRef string, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		RuleID:     ruleID,
		OwnerRef:   ownerRef,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Subject returns the subject the event is published on:
//
//	{prefix}.pipelines.{pipeline_id}.{type}
//	{prefix}.rules.{rule_id}.{type}
func (e Event) Subject(prefix string) string {
	if e.PipelineID != "" {
		return prefix + ".pipelines." + token(e.PipelineID) + "." + string(e.Type)
	}
	return prefix + ".rules." + token(e.RuleID) + "." + string(e.Type)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// token makes an id safe to use as a single subject token.
func token(id string) string {
	if id == "" {
		return "_"
	}
	return tokenReplacer.Replace(id)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
