package learning

import "fmt"

// Config holds the learning thresholds. Every value is tunable; the
// defaults are the documented starting point.
type Config struct {
	// CheckViolations is the violation count at which a confident rule
	// escalates to check.
	CheckViolations int `json:"check_violations" koanf:"check_violations"`
	// GuardViolations is the violation count at which a confident rule
	// escalates to guard.
	GuardViolations int `json:"guard_violations" koanf:"guard_violations"`
	// ConfidenceThreshold pins rules below it at nudge.
	ConfidenceThreshold float64 `json:"confidence_threshold" koanf:"confidence_threshold"`
	// PriorAgree and PriorTotal smooth the confidence ratio so a fresh
	// rule starts at PriorAgree/PriorTotal.
	PriorAgree float64 `json:"prior_agree" koanf:"prior_agree"`
	PriorTotal float64 `json:"prior_total" koanf:"prior_total"`

	GoodBehaviorPenalty  int `json:"good_behavior_penalty" koanf:"good_behavior_penalty"`
	DecayPerDay          int `json:"decay_per_day" koanf:"decay_per_day"`
	FalsePositivePenalty int `json:"false_positive_penalty" koanf:"false_positive_penalty"`
	// CooldownBaseline is the violation count a rule falls back to when
	// its health reaches zero.
	CooldownBaseline int `json:"cooldown_baseline" koanf:"cooldown_baseline"`

	// UserPromotionPipelines is how many distinct pipelines of one user
	// must carry the category before a user rule is created.
	UserPromotionPipelines int `json:"user_promotion_pipelines" koanf:"user_promotion_pipelines"`
	// UserPromotionViolations is the violation count a pipeline rule needs
	// to count toward user promotion.
	UserPromotionViolations int `json:"user_promotion_violations" koanf:"user_promotion_violations"`
	// GlobalRecommendationUsers is how many users must hold a user rule
	// for the category before a global promotion is recommended.
	GlobalRecommendationUsers int `json:"global_recommendation_users" koanf:"global_recommendation_users"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		CheckViolations:           3,
		GuardViolations:           6,
		ConfidenceThreshold:       0.70,
		PriorAgree:                1,
		PriorTotal:                2,
		GoodBehaviorPenalty:       5,
		DecayPerDay:               2,
		FalsePositivePenalty:      30,
		CooldownBaseline:          1,
		UserPromotionPipelines:    2,
		UserPromotionViolations:   2,
		GlobalRecommendationUsers: 3,
	}
}

// Validate checks the thresholds are coherent.
func (c Config) Validate() error {
	switch {
	case c.CheckViolations < 1:
		return fmt.Errorf("%w: check_violations must be >= 1", ErrInvalidConfig)
	case c.GuardViolations <= c.CheckViolations:
		return fmt.Errorf("%w: guard_violations must exceed check_violations", ErrInvalidConfig)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return fmt.Errorf("%w: confidence_threshold must be within [0, 1]", ErrInvalidConfig)
	case c.PriorAgree < 0 || c.PriorTotal < c.PriorAgree:
		return fmt.Errorf("%w: priors must satisfy 0 <= prior_agree <= prior_total", ErrInvalidConfig)
	case c.GoodBehaviorPenalty < 0 || c.DecayPerDay < 0 || c.FalsePositivePenalty < 0:
		return fmt.Errorf("%w: health penalties must be >= 0", ErrInvalidConfig)
	case c.CooldownBaseline < 0 || c.CooldownBaseline >= c.CheckViolations:
		return fmt.Errorf("%w: cooldown_baseline must be within [0, check_violations)", ErrInvalidConfig)
	case c.UserPromotionPipelines < 2:
		return fmt.Errorf("%w: user_promotion_pipelines must be >= 2", ErrInvalidConfig)
	case c.UserPromotionViolations < 1 || c.GlobalRecommendationUsers < 1:
		return fmt.Errorf("%w: promotion thresholds must be >= 1", ErrInvalidConfig)
	}
	return nil
}
