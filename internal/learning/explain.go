package learning

import (
	"fmt"
	"strings"

	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

var scopeNames = map[rules.Scope]string{
	rules.ScopePipeline: "pipeline",
	rules.ScopeUser:     "user",
	rules.ScopeGlobal:   "global",
}

var stageMeanings = map[rules.Stage]string{
	rules.StageNudge: "is suggested when relevant",
	rules.StageCheck: "is added to every generation",
	rules.StageGuard: "is enforced as a hard requirement",
	rules.StageLaw:   "is enforced everywhere and never decays",
}

// Explain describes a rule for a human reviewer. The text is built from a
// fixed template over the rule's counters and never contains feedback.
func Explain(r *rules.Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s rule for %q is at stage %s and %s. ",
		scopeNames[r.Scope], r.Category, r.Stage, stageMeanings[r.Stage])
	fmt.Fprintf(&b, "It has %d recorded violation(s), health %d/%d and confidence %.2f",
		r.ViolationCount, r.Health, rules.MaxHealth, r.Confidence)
	if r.ApprovedDespiteTriggerCount > 0 {
		fmt.Fprintf(&b, "; %d approval(s) went against it", r.ApprovedDespiteTriggerCount)
	}
	b.WriteString(".")

	var flags []string
	if r.Muted {
		flags = append(flags, "muted")
	}
	if r.Locked {
		flags = append(flags, "locked")
	}
	if r.CooldownCount > 0 {
		flags = append(flags, fmt.Sprintf("cooled down %d time(s)", r.CooldownCount))
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " It is %s.", strings.Join(flags, ", "))
	}
	return b.String()
}
