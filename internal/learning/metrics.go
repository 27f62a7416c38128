package learning

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus counters for the learning engine.
type Metrics struct {
	ViolationsTotal  *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	CooldownsTotal   prometheus.Counter
	PromotionsTotal  *prometheus.CounterVec
	DecaySweepsTotal prometheus.Counter
	DecayedRules     prometheus.Counter
}

// DefaultMetrics returns the engine metrics registered on the default
// Prometheus registry. Registration happens once per process.
//
// Metrics:
//   - retour_learning_violations_total{scope}
//   - retour_learning_escalations_total{stage}
//   - retour_learning_cooldowns_total
//   - retour_learning_promotions_total{kind}
//   - retour_learning_decay_sweeps_total
//   - retour_learning_decayed_rules_total
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetrics registers the engine metrics on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ViolationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retour_learning_violations_total",
				Help: "Total number of rule violations recorded",
			},
			[]string{"scope"},
		),
		EscalationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retour_learning_escalations_total",
				Help: "Total number of rule stage escalations",
			},
			[]string{"stage"},
		),
		CooldownsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "retour_learning_cooldowns_total",
			Help: "Total number of rules that reached zero health",
		}),
		PromotionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retour_learning_promotions_total",
				Help: "Total number of promotion log entries",
			},
			[]string{"kind"}, // applied, recommendation, manual
		),
		DecaySweepsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "retour_learning_decay_sweeps_total",
			Help: "Total number of decay sweeps run",
		}),
		DecayedRules: f.NewCounter(prometheus.CounterOpts{
			Name: "retour_learning_decayed_rules_total",
			Help: "Total number of rule decays applied",
		}),
	}
}

func (m *Metrics) violation(scope rules.Scope) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) escalation(stage rules.Stage) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) cooldown() {
	if m == nil {
		return
	}
	m.CooldownsTotal.Inc()
}

func (m *Metrics) promotion(kind rules.PromotionKind) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(string(kind)).Inc()
}

// observe counts committed rule events.
func (m *Metrics) observe(evs []events.Event) {
	if m == nil {
		return
	}
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeRuleEscalated:
			to, _ := ev.Data["to"].(string)
			m.escalation(rules.Stage(to))
		case events.TypeRuleCooledDown:
			m.cooldown()
		case events.TypeRulePromoted:
			kind, _ := ev.Data["kind"].(string)
			m.promotion(rules.PromotionKind(kind))
		case events.TypeRuleRecommendation:
			m.promotion(rules.PromotionRecommendation)
		}
	}
}

func (m *Metrics) decaySweep(decayed int) {
	if m == nil {
		return
	}
	m.DecaySweepsTotal.Inc()
	m.DecayedRules.Add(float64(decayed))
}
