package learning

import (
	"math"
	"time"

	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// Confidence estimates how often the rule's predictions agreed with the
// eventual outcome, smoothed by the configured priors and clamped to
// [0, 1].
func Confidence(r *rules.Rule, cfg Config) float64 {
	agreeing := float64(r.TriggeredCount + r.RejectedDueToTriggerCount)
	total := agreeing + float64(r.ApprovedDespiteTriggerCount)
	c := (agreeing + cfg.PriorAgree) / math.Max(1, total+cfg.PriorTotal)
	return math.Max(0, math.Min(1, c))
}

// StageFor returns the stage a rule has earned. Confidence below the
// threshold pins every rule at nudge, law included. Law is never earned;
// it is only kept once set by a manual promotion, and a law rule pinned
// back to nudge needs promoting again.
func StageFor(r *rules.Rule, cfg Config) rules.Stage {
	if r.Confidence < cfg.ConfidenceThreshold {
		return rules.StageNudge
	}
	if r.Stage == rules.StageLaw {
		return rules.StageLaw
	}
	switch {
	case r.ViolationCount >= cfg.GuardViolations:
		return rules.StageGuard
	case r.ViolationCount >= cfg.CheckViolations:
		return rules.StageCheck
	}
	return rules.StageNudge
}

// recompute refreshes confidence and stage from the counters.
func recompute(r *rules.Rule, cfg Config) {
	r.Confidence = Confidence(r, cfg)
	r.Stage = StageFor(r, cfg)
}

// loseHealth subtracts amount from an unlocked rule's health. It reports
// whether this drove the rule into cool-down: stage back to nudge and the
// violation count back to the baseline. History counters are kept.
func loseHealth(r *rules.Rule, amount int, cfg Config) bool {
	if r.Locked || amount <= 0 || r.Health == 0 {
		return false
	}
	r.Health -= amount
	if r.Health > 0 {
		return false
	}
	r.Health = 0
	r.Stage = rules.StageNudge
	if r.ViolationCount > cfg.CooldownBaseline {
		r.ViolationCount = cfg.CooldownBaseline
	}
	r.CooldownCount++
	return true
}

// elapsedDays returns whole days between from and now.
func elapsedDays(from, now time.Time) int {
	if !now.After(from) {
		return 0
	}
	return int(now.Sub(from) / (24 * time.Hour))
}
