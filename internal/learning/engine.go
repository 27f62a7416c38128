package learning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// Transactor runs fn as one atomic unit of store work. Stores that support
// transactions implement it; nested calls join the outer unit.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Subject identifies where a violation happened.
type Subject struct {
	PipelineID string `json:"pipeline_id"`
	UserRef    string `json:"user_ref,omitempty"`
}

// ViolationResult describes everything one violation changed.
type ViolationResult struct {
	// Rule is the pipeline-instance rule for the category.
	Rule *rules.Rule `json:"rule"`
	// Bumped holds existing user and global rules that also counted the
	// violation.
	Bumped []*rules.Rule `json:"bumped,omitempty"`
	// Promoted is the user rule created by this violation, if any.
	Promoted *rules.Rule `json:"promoted,omitempty"`
	// Recommended reports whether a global promotion was recommended.
	Recommended bool `json:"recommended"`
}

// DecayReport summarizes one decay sweep.
type DecayReport struct {
	Scanned    int       `json:"scanned"`
	Decayed    int       `json:"decayed"`
	CooledDown int       `json:"cooled_down"`
	RanAt      time.Time `json:"ran_at"`
}

// Engine adjusts rule stage, health and confidence from observed outcomes
// and promotes rules across scopes. All rule writes go through the store's
// atomic mutations.
type Engine struct {
	store     rules.Store
	tx        Transactor
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	metrics   *Metrics
	publisher events.Publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("learning")
		}
	}
}

// WithMetrics sets the Prometheus counters. Without it nothing is counted.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets where rule events go. Defaults to events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithTransactor sets the transaction runner. By default the store is used
// when it implements Transactor.
func WithTransactor(tx Transactor) Option {
	return func(e *Engine) {
		if tx != nil {
			e.tx = tx
		}
	}
}

// NewEngine creates a learning engine over store.
func NewEngine(store rules.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("rule store is required for learning engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:     store,
		tx:        passthroughTx{},
		cfg:       cfg,
		now:       time.Now,
		logger:    zap.NewNop(),
		publisher: events.Nop{},
	}
	if tx, ok := store.(Transactor); ok {
		e.tx = tx
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the thresholds in use.
func (e *Engine) Config() Config {
	return e.cfg
}

// OnViolation records that output for subj was rejected for category. The
// pipeline-instance rule is created on first sight. Existing user and
// global rules for the category count the violation too. Promotion to user
// scope is evaluated afterwards.
func (e *Engine) OnViolation(ctx context.Context, subj Subject, category classifier.Category) (ViolationResult, error) {
	if subj.PipelineID == "" {
		return ViolationResult{}, ErrEmptySubject
	}
	if !category.Valid() {
		return ViolationResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	var (
		res     ViolationResult
		pending []events.Event
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		res, pending = ViolationResult{}, nil
		now := e.now().UTC()

		key := rules.Key{Scope: rules.ScopePipeline, OwnerRef: subj.PipelineID, Category: string(category)}
		r, evs, err := e.violate(ctx, key, subj.UserRef, now)
		if err != nil {
			return err
		}
		res.Rule = r
		pending = append(pending, evs...)

		var broader []rules.Key
		if subj.UserRef != "" {
			broader = append(broader, rules.Key{Scope: rules.ScopeUser, OwnerRef: subj.UserRef, Category: string(category)})
		}
		broader = append(broader, rules.Key{Scope: rules.ScopeGlobal, OwnerRef: rules.GlobalOwner, Category: string(category)})
		for _, k := range broader {
			if _, err := e.store.FindRule(ctx, k); err != nil {
				if errors.Is(err, rules.ErrRuleNotFound) {
					continue
				}
				return fmt.Errorf("find %s rule: %w", k.Scope, err)
			}
			b, evs, err := e.violate(ctx, k, "", now)
			if err != nil {
				return err
			}
			res.Bumped = append(res.Bumped, b)
			pending = append(pending, evs...)
		}

		if subj.UserRef == "" {
			return nil
		}
		promoted, evs, err := e.evaluateUserPromotion(ctx, subj.UserRef, string(category))
		if err != nil {
			return err
		}
		res.Promoted = promoted
		pending = append(pending, evs...)
		if promoted == nil {
			return nil
		}
		rec, evs, err := e.evaluateGlobalRecommendation(ctx, promoted)
		if err != nil {
			return err
		}
		res.Recommended = rec
		pending = append(pending, evs...)
		return nil
	})
	if err != nil {
		return ViolationResult{}, fmt.Errorf("record violation: %w", err)
	}
	scopes := []rules.Scope{res.Rule.Scope}
	for _, b := range res.Bumped {
		scopes = append(scopes, b.Scope)
	}
	events.AfterCommit(ctx, func() {
		for _, s := range scopes {
			e.metrics.violation(s)
		}
	})
	e.emit(ctx, pending...)
	return res, nil
}

// violate applies one violation to the rule at key, creating it when
// userRef is given and it does not exist yet.
func (e *Engine) violate(ctx context.Context, key rules.Key, userRef string, now time.Time) (*rules.Rule, []events.Event, error) {
	var before rules.Stage
	r, _, err := e.store.UpsertRule(ctx, key, userRef, func(r *rules.Rule) error {
		before = r.Stage
		if r.UserRef == "" && userRef != "" {
			r.UserRef = userRef
		}
		r.ViolationCount++
		r.TriggeredCount++
		t := now
		r.LastTriggeredAt = &t
		r.Health = rules.MaxHealth
		recompute(r, e.cfg)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("update %s rule: %w", key.Scope, err)
	}
	e.logger.Debug("violation recorded",
		zap.String("rule_id", r.ID),
		zap.String("scope", string(r.Scope)),
		zap.String("category", r.Category),
		zap.Int("violations", r.ViolationCount),
		zap.Float64("confidence", r.Confidence),
	)
	return r, e.stageEvents(r, before), nil
}

// stageEvents reports an escalation when r now sits above before.
func (e *Engine) stageEvents(r *rules.Rule, before rules.Stage) []events.Event {
	if r.Stage.Rank() <= before.Rank() {
		return nil
	}
	e.logger.Info("rule escalated",
		zap.String("rule_id", r.ID),
		zap.String("category", r.Category),
		zap.String("from", string(before)),
		zap.String("to", string(r.Stage)),
	)
	return []events.Event{events.NewRuleEvent(events.TypeRuleEscalated, r.ID, r.OwnerRef, map[string]interface{}{
		"category": r.Category,
		"scope":    string(r.Scope),
		"from":     string(before),
		"to":       string(r.Stage),
	})}
}

func (e *Engine) cooldownEvents(r *rules.Rule) []events.Event {
	e.logger.Info("rule cooled down",
		zap.String("rule_id", r.ID),
		zap.String("category", r.Category),
		zap.Int("cooldowns", r.CooldownCount),
	)
	return []events.Event{events.NewRuleEvent(events.TypeRuleCooledDown, r.ID, r.OwnerRef, map[string]interface{}{
		"category": r.Category,
		"scope":    string(r.Scope),
	})}
}

// evaluateUserPromotion creates the user rule for category once enough
// distinct pipelines of the user carry enough violations.
func (e *Engine) evaluateUserPromotion(ctx context.Context, userRef, category string) (*rules.Rule, []events.Event, error) {
	userKey := rules.Key{Scope: rules.ScopeUser, OwnerRef: userRef, Category: category}
	if _, err := e.store.FindRule(ctx, userKey); err == nil {
		return nil, nil, nil
	} else if !errors.Is(err, rules.ErrRuleNotFound) {
		return nil, nil, fmt.Errorf("find user rule: %w", err)
	}

	candidates, err := e.store.ListRules(ctx, rules.Filter{
		Scope:    rules.ScopePipeline,
		UserRef:  userRef,
		Category: category,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list pipeline rules: %w", err)
	}
	var (
		source    *rules.Rule
		pipelines = make(map[string]struct{})
	)
	for _, r := range candidates {
		if r.ViolationCount < e.cfg.UserPromotionViolations {
			continue
		}
		pipelines[r.OwnerRef] = struct{}{}
		if source == nil || r.ViolationCount > source.ViolationCount {
			source = r
		}
	}
	if len(pipelines) < e.cfg.UserPromotionPipelines {
		return nil, nil, nil
	}

	reason := fmt.Sprintf("category %s violated in %d pipelines of user %s", category, len(pipelines), userRef)
	promoted, err := e.promote(ctx, source, userKey, rules.PromotionApplied, reason)
	if err != nil {
		return nil, nil, err
	}
	return promoted, e.promotionEvents(promoted, source.Scope, rules.PromotionApplied), nil
}

// evaluateGlobalRecommendation logs a one-time recommendation to promote
// the category globally once enough users hold a user rule for it. Nothing
// is promoted.
func (e *Engine) evaluateGlobalRecommendation(ctx context.Context, userRule *rules.Rule) (bool, []events.Event, error) {
	globalKey := rules.Key{Scope: rules.ScopeGlobal, OwnerRef: rules.GlobalOwner, Category: userRule.Category}
	if _, err := e.store.FindRule(ctx, globalKey); err == nil {
		return false, nil, nil
	} else if !errors.Is(err, rules.ErrRuleNotFound) {
		return false, nil, fmt.Errorf("find global rule: %w", err)
	}

	userRules, err := e.store.ListRules(ctx, rules.Filter{Scope: rules.ScopeUser, Category: userRule.Category})
	if err != nil {
		return false, nil, fmt.Errorf("list user rules: %w", err)
	}
	users := make(map[string]struct{}, len(userRules))
	for _, r := range userRules {
		users[r.OwnerRef] = struct{}{}
	}
	if len(users) < e.cfg.GlobalRecommendationUsers {
		return false, nil, nil
	}

	log, err := e.store.ListPromotions(ctx, "")
	if err != nil {
		return false, nil, fmt.Errorf("list promotions: %w", err)
	}
	for _, entry := range log {
		if entry.Kind == rules.PromotionRecommendation && entry.Category == userRule.Category {
			return false, nil, nil
		}
	}

	entry := rules.PromotionLogEntry{
		ID:         uuid.New().String(),
		RuleID:     userRule.ID,
		Category:   userRule.Category,
		FromScope:  rules.ScopeUser,
		ToScope:    rules.ScopeGlobal,
		Kind:       rules.PromotionRecommendation,
		Reason:     fmt.Sprintf("%d users hold a user rule for %s", len(users), userRule.Category),
		OccurredAt: e.now().UTC(),
	}
	if err := e.store.AppendPromotion(ctx, entry); err != nil {
		return false, nil, fmt.Errorf("append recommendation: %w", err)
	}
	e.logger.Info("global promotion recommended",
		zap.String("category", userRule.Category),
		zap.Int("users", len(users)),
	)
	return true, []events.Event{events.NewRuleEvent(events.TypeRuleRecommendation, userRule.ID, rules.GlobalOwner, map[string]interface{}{
		"category": userRule.Category,
		"users":    len(users),
	})}, nil
}

// promote copies src into the broader scope at to and logs the promotion.
// A manual promotion lands at law with full health; an applied one keeps
// the stage its copied history earns. When the target already exists only
// the manual fields are applied.
func (e *Engine) promote(ctx context.Context, src *rules.Rule, to rules.Key, kind rules.PromotionKind, reason string) (*rules.Rule, error) {
	userRef := src.UserRef
	if to.Scope == rules.ScopeUser {
		userRef = to.OwnerRef
	}
	if to.Scope == rules.ScopeGlobal {
		userRef = ""
	}
	r, _, err := e.store.UpsertRule(ctx, to, userRef, func(r *rules.Rule) error {
		if r.Version == 0 {
			r.ViolationCount = src.ViolationCount
			r.TriggeredCount = src.TriggeredCount
			r.ApprovedDespiteTriggerCount = src.ApprovedDespiteTriggerCount
			r.RejectedDueToTriggerCount = src.RejectedDueToTriggerCount
			r.LastTriggeredAt = src.LastTriggeredAt
			recompute(r, e.cfg)
		}
		if kind == rules.PromotionManual {
			r.Stage = rules.StageLaw
			r.Health = rules.MaxHealth
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote to %s: %w", to.Scope, err)
	}
	entry := rules.PromotionLogEntry{
		ID:         uuid.New().String(),
		RuleID:     r.ID,
		Category:   r.Category,
		FromScope:  src.Scope,
		ToScope:    to.Scope,
		Kind:       kind,
		Reason:     reason,
		OccurredAt: e.now().UTC(),
	}
	if err := e.store.AppendPromotion(ctx, entry); err != nil {
		return nil, fmt.Errorf("append promotion: %w", err)
	}
	e.logger.Info("rule promoted",
		zap.String("rule_id", r.ID),
		zap.String("category", r.Category),
		zap.String("from_scope", string(src.Scope)),
		zap.String("to_scope", string(to.Scope)),
		zap.String("kind", string(kind)),
	)
	return r, nil
}

func (e *Engine) promotionEvents(r *rules.Rule, from rules.Scope, kind rules.PromotionKind) []events.Event {
	return []events.Event{events.NewRuleEvent(events.TypeRulePromoted, r.ID, r.OwnerRef, map[string]interface{}{
		"category":   r.Category,
		"from_scope": string(from),
		"to_scope":   string(r.Scope),
		"kind":       string(kind),
	})}
}

// PromoteToGlobal is the manual promotion of a rule to global scope at
// stage law. It is the only way a rule reaches global scope or law.
func (e *Engine) PromoteToGlobal(ctx context.Context, ruleID, reason string) (*rules.Rule, error) {
	var (
		out     *rules.Rule
		pending []events.Event
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		src, err := e.store.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		key := rules.Key{Scope: rules.ScopeGlobal, OwnerRef: rules.GlobalOwner, Category: src.Category}
		if reason == "" {
			reason = "manual promotion"
		}
		out, err = e.promote(ctx, src, key, rules.PromotionManual, reason)
		if err != nil {
			return err
		}
		pending = e.promotionEvents(out, src.Scope, rules.PromotionManual)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("promote rule %s: %w", ruleID, err)
	}
	e.emit(ctx, pending...)
	return out, nil
}

// OnGoodBehavior records an approval while the rule at scope/owner/category
// was in force. Health drops; nothing else changes.
func (e *Engine) OnGoodBehavior(ctx context.Context, scope rules.Scope, ownerRef string, category classifier.Category) (*rules.Rule, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	cur, err := e.store.FindRule(ctx, rules.Key{Scope: scope, OwnerRef: ownerRef, Category: string(category)})
	if err != nil {
		return nil, err
	}
	return e.penalize(ctx, cur.ID, e.cfg.GoodBehaviorPenalty, nil)
}

// OnFalsePositiveOverride records that a human approved output the rule
// flagged. The rule loses health and confidence.
func (e *Engine) OnFalsePositiveOverride(ctx context.Context, ruleID string) (*rules.Rule, error) {
	return e.penalize(ctx, ruleID, e.cfg.FalsePositivePenalty, func(r *rules.Rule) {
		r.ApprovedDespiteTriggerCount++
	})
}

// penalize subtracts health from one rule, applying extra first and
// recomputing confidence and stage.
func (e *Engine) penalize(ctx context.Context, ruleID string, amount int, extra func(*rules.Rule)) (*rules.Rule, error) {
	var (
		before rules.Stage
		cooled bool
	)
	r, err := e.store.UpdateRule(ctx, ruleID, func(r *rules.Rule) error {
		before, cooled = r.Stage, false
		if extra != nil {
			extra(r)
			recompute(r, e.cfg)
		}
		cooled = loseHealth(r, amount, e.cfg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("penalize rule %s: %w", ruleID, err)
	}
	evs := e.stageEvents(r, before)
	if cooled {
		evs = append(evs, e.cooldownEvents(r)...)
	}
	e.emit(ctx, evs...)
	return r, nil
}

// OnUserOverrideRejectedLater records that output a user forced through
// despite the rule was rejected afterwards, which confirms the rule.
func (e *Engine) OnUserOverrideRejectedLater(ctx context.Context, ruleID string) (*rules.Rule, error) {
	var before rules.Stage
	r, err := e.store.UpdateRule(ctx, ruleID, func(r *rules.Rule) error {
		before = r.Stage
		r.RejectedDueToTriggerCount++
		recompute(r, e.cfg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm rule %s: %w", ruleID, err)
	}
	e.emit(ctx, e.stageEvents(r, before)...)
	return r, nil
}

// OnTimeElapsed applies health decay to every unlocked rule for each whole
// day since its last decay. Running it twice within a day changes nothing.
func (e *Engine) OnTimeElapsed(ctx context.Context) (DecayReport, error) {
	now := e.now().UTC()
	report := DecayReport{RanAt: now}

	unlocked := false
	candidates, err := e.store.ListRules(ctx, rules.Filter{Locked: &unlocked})
	if err != nil {
		return report, fmt.Errorf("list rules for decay: %w", err)
	}
	report.Scanned = len(candidates)

	var pending []events.Event
	for _, c := range candidates {
		cooled := false
		r, err := e.store.UpdateRule(ctx, c.ID, func(r *rules.Rule) error {
			cooled = false
			if r.Locked {
				return errNoChange
			}
			days := elapsedDays(r.LastDecayAt, now)
			if days < 1 {
				return errNoChange
			}
			cooled = loseHealth(r, days*e.cfg.DecayPerDay, e.cfg)
			r.LastDecayAt = r.LastDecayAt.Add(time.Duration(days) * 24 * time.Hour)
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("decay rule %s: %w", c.ID, err)
		}
		report.Decayed++
		if cooled {
			report.CooledDown++
			pending = append(pending, e.cooldownEvents(r)...)
		}
	}

	e.metrics.decaySweep(report.Decayed)
	e.logger.Info("decay sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("decayed", report.Decayed),
		zap.Int("cooled_down", report.CooledDown),
	)
	e.emit(ctx, pending...)
	return report, nil
}

// Mute hides or shows a rule during constraint composition. Counters keep
// moving while muted.
func (e *Engine) Mute(ctx context.Context, ruleID string, muted bool) (*rules.Rule, error) {
	r, err := e.store.UpdateRule(ctx, ruleID, func(r *rules.Rule) error {
		r.Muted = muted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mute rule %s: %w", ruleID, err)
	}
	e.logger.Info("rule mute changed", zap.String("rule_id", ruleID), zap.Bool("muted", muted))
	return r, nil
}

// Lock pins a rule at full health, exempt from decay and penalties.
// Unlocking restarts the decay clock so the locked period is not charged.
func (e *Engine) Lock(ctx context.Context, ruleID string, locked bool) (*rules.Rule, error) {
	now := e.now().UTC()
	r, err := e.store.UpdateRule(ctx, ruleID, func(r *rules.Rule) error {
		r.Locked = locked
		if locked {
			r.Health = rules.MaxHealth
		} else {
			r.LastDecayAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock rule %s: %w", ruleID, err)
	}
	e.logger.Info("rule lock changed", zap.String("rule_id", ruleID), zap.Bool("locked", locked))
	return r, nil
}

// Reset clears the escalation of every rule owned by ownerRef in scope.
// History counters and the promotion log are kept.
func (e *Engine) Reset(ctx context.Context, scope rules.Scope, ownerRef string) ([]*rules.Rule, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if ownerRef == "" {
		return nil, fmt.Errorf("%w: owner reference is required", ErrInvalidScope)
	}
	var out []*rules.Rule
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		out = nil
		now := e.now().UTC()
		owned, err := e.store.ListRules(ctx, rules.Filter{Scope: scope, OwnerRef: ownerRef})
		if err != nil {
			return err
		}
		for _, c := range owned {
			r, err := e.store.UpdateRule(ctx, c.ID, func(r *rules.Rule) error {
				r.ViolationCount = 0
				r.Stage = rules.StageNudge
				r.Health = rules.MaxHealth
				t := now
				r.ResetAt = &t
				return nil
			})
			if err != nil {
				return fmt.Errorf("reset rule %s: %w", c.ID, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset %s rules of %s: %w", scope, ownerRef, err)
	}
	e.logger.Info("rules reset",
		zap.String("scope", string(scope)),
		zap.String("owner_ref", ownerRef),
		zap.Int("count", len(out)),
	)
	return out, nil
}

// ActiveRules returns every rule that can apply to the pipeline: its own
// rules, the user's rules and global rules, broadest scope first. Muted
// and low-stage rules are included; callers filter.
func (e *Engine) ActiveRules(ctx context.Context, pipelineID, userRef string) ([]*rules.Rule, error) {
	filters := []rules.Filter{{Scope: rules.ScopeGlobal, OwnerRef: rules.GlobalOwner}}
	if userRef != "" {
		filters = append(filters, rules.Filter{Scope: rules.ScopeUser, OwnerRef: userRef})
	}
	if pipelineID != "" {
		filters = append(filters, rules.Filter{Scope: rules.ScopePipeline, OwnerRef: pipelineID})
	}
	var out []*rules.Rule
	for _, f := range filters {
		rs, err := e.store.ListRules(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list %s rules: %w", f.Scope, err)
		}
		out = append(out, rs...)
	}
	return out, nil
}

// Rule returns one rule.
func (e *Engine) Rule(ctx context.Context, ruleID string) (*rules.Rule, error) {
	return e.store.GetRule(ctx, ruleID)
}

// Rules lists rules matching filter.
func (e *Engine) Rules(ctx context.Context, filter rules.Filter) ([]*rules.Rule, error) {
	return e.store.ListRules(ctx, filter)
}

// Promotions returns the promotion log of one rule, or all of it when
// ruleID is empty.
func (e *Engine) Promotions(ctx context.Context, ruleID string) ([]rules.PromotionLogEntry, error) {
	return e.store.ListPromotions(ctx, ruleID)
}

// emit counts evs once the unit of work in ctx commits and publishes them
// the same way.
func (e *Engine) emit(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	events.AfterCommit(ctx, func() { e.metrics.observe(evs) })
	if err := events.Emit(ctx, e.publisher, evs...); err != nil {
		e.logger.Warn("failed to publish rule events", zap.Error(err))
	}
}
