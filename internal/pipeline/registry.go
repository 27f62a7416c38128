// Package pipeline owns the phase state machine of a floor-plan render
// pipeline: the static phase registry and the service that advances
// pipelines through it.
package pipeline

import (
	"fmt"
)

// Phase is a named pipeline state. Every phase maps to exactly one step.
type Phase string

// Phases of the default floor-plan workflow.
const (
	PhaseUpload                Phase = "upload"
	PhaseSpaceAnalysis         Phase = "space_analysis"
	PhaseSpaceAnalysisConfirm  Phase = "space_analysis_confirm"
	PhaseStyleRender           Phase = "style_render"
	PhaseCameraPlanning        Phase = "camera_planning"
	PhaseCameraPlanningConfirm Phase = "camera_planning_confirm"
	PhaseMultiAngleRender      Phase = "multi_angle_render"
	PhasePanoramaRender        Phase = "panorama_render"
	PhaseFinalReview           Phase = "final_review"
	PhaseCompleted             Phase = "completed"
)

// PhaseSpec describes one phase. A phase has either a Next phase, a
// ConfirmTo phase reached only through external confirmation, or neither
// (terminal).
type PhaseSpec struct {
	Phase     Phase
	Step      int
	Next      Phase
	ConfirmTo Phase
}

// DefaultPhases returns the floor-plan workflow in order.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{Phase: PhaseUpload, Step: 0, Next: PhaseSpaceAnalysis},
		{Phase: PhaseSpaceAnalysis, Step: 1, Next: PhaseSpaceAnalysisConfirm},
		{Phase: PhaseSpaceAnalysisConfirm, Step: 1, ConfirmTo: PhaseStyleRender},
		{Phase: PhaseStyleRender, Step: 2, Next: PhaseCameraPlanning},
		{Phase: PhaseCameraPlanning, Step: 3, Next: PhaseCameraPlanningConfirm},
		{Phase: PhaseCameraPlanningConfirm, Step: 3, ConfirmTo: PhaseMultiAngleRender},
		{Phase: PhaseMultiAngleRender, Step: 4, Next: PhasePanoramaRender},
		{Phase: PhasePanoramaRender, Step: 5, Next: PhaseFinalReview},
		{Phase: PhaseFinalReview, Step: 6, Next: PhaseCompleted},
		{Phase: PhaseCompleted, Step: 7},
	}
}

// Registry is the immutable phase to step mapping and legal transition
// table. It is safe for concurrent use.
type Registry struct {
	specs map[Phase]PhaseSpec
	order []Phase
}

// NewRegistry builds and validates a registry. The first spec is the entry
// phase.
func NewRegistry(specs []PhaseSpec) (*Registry, error) {
	r := &Registry{specs: make(map[Phase]PhaseSpec, len(specs))}
	for _, s := range specs {
		if s.Phase == "" {
			return nil, fmt.Errorf("%w: empty phase name", ErrInvalidRegistry)
		}
		if _, dup := r.specs[s.Phase]; dup {
			return nil, fmt.Errorf("%w: duplicate phase %q", ErrInvalidRegistry, s.Phase)
		}
		r.specs[s.Phase] = s
		r.order = append(r.order, s.Phase)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// DefaultRegistry returns the registry for the floor-plan workflow.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPhases())
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks that the table is a single chain starting at the first
// phase, covering every phase, where each edge keeps the step or advances
// it by exactly one.
func (r *Registry) Validate() error {
	if len(r.order) == 0 {
		return fmt.Errorf("%w: no phases", ErrInvalidRegistry)
	}
	terminals := 0
	for _, p := range r.order {
		s := r.specs[p]
		if s.Step < 0 {
			return fmt.Errorf("%w: phase %q has negative step", ErrInvalidRegistry, p)
		}
		if s.Next != "" && s.ConfirmTo != "" {
			return fmt.Errorf("%w: phase %q has both next and confirm target", ErrInvalidRegistry, p)
		}
		target := s.successor()
		if target == "" {
			terminals++
			continue
		}
		ts, ok := r.specs[target]
		if !ok {
			return fmt.Errorf("%w: phase %q points to unknown phase %q", ErrInvalidRegistry, p, target)
		}
		if ts.Step < s.Step {
			return fmt.Errorf("%w: edge %q -> %q decreases step", ErrInvalidRegistry, p, target)
		}
		if ts.Step > s.Step+1 {
			return fmt.Errorf("%w: edge %q -> %q skips a step", ErrInvalidRegistry, p, target)
		}
	}
	if terminals != 1 {
		return fmt.Errorf("%w: expected exactly one terminal phase, got %d", ErrInvalidRegistry, terminals)
	}

	seen := make(map[Phase]bool, len(r.order))
	for p := r.order[0]; p != ""; p = r.specs[p].successor() {
		if seen[p] {
			return fmt.Errorf("%w: cycle through phase %q", ErrInvalidRegistry, p)
		}
		seen[p] = true
	}
	if len(seen) != len(r.order) {
		return fmt.Errorf("%w: %d of %d phases unreachable from %q",
			ErrInvalidRegistry, len(r.order)-len(seen), len(r.order), r.order[0])
	}
	return nil
}

func (s PhaseSpec) successor() Phase {
	if s.Next != "" {
		return s.Next
	}
	return s.ConfirmTo
}

// StepOf returns the step a phase belongs to.
func (r *Registry) StepOf(p Phase) (int, error) {
	s, ok := r.specs[p]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	return s.Step, nil
}

// NextPhase returns the automatic successor of p. The boolean is false at
// phases that wait for external confirmation and at the terminal phase.
func (r *Registry) NextPhase(p Phase) (Phase, bool, error) {
	s, ok := r.specs[p]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	if s.Next == "" {
		return "", false, nil
	}
	return s.Next, true, nil
}

// RequiresConfirmation reports whether p only advances through an explicit
// external confirmation.
func (r *Registry) RequiresConfirmation(p Phase) bool {
	return r.specs[p].ConfirmTo != ""
}

// ConfirmedPhase returns the phase a confirmation at p moves to.
func (r *Registry) ConfirmedPhase(p Phase) (Phase, bool, error) {
	s, ok := r.specs[p]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	if s.ConfirmTo == "" {
		return "", false, nil
	}
	return s.ConfirmTo, true, nil
}

// IsTerminal reports whether p has no successor of any kind.
func (r *Registry) IsTerminal(p Phase) bool {
	s, ok := r.specs[p]
	return ok && s.successor() == ""
}

// FirstPhase returns the entry phase.
func (r *Registry) FirstPhase() Phase {
	return r.order[0]
}

// Phases returns every phase in workflow order.
func (r *Registry) Phases() []Phase {
	out := make([]Phase, len(r.order))
	copy(out, r.order)
	return out
}
