package constraints

import (
	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// Kind says whether a constraint asks for something or forbids something.
type Kind string

const (
	KindAddition Kind = "addition"
	KindRemoval  Kind = "removal"
)

// Template is the fixed wording for one category. Steps limits the
// pipeline steps the template applies to; empty means every step.
type Template struct {
	Category classifier.Category `json:"category"`
	Kind     Kind                `json:"kind"`
	Text     string              `json:"text"`
	Steps    []int               `json:"steps,omitempty"`
}

// AppliesTo reports whether the template is used at step.
func (t Template) AppliesTo(step int) bool {
	if len(t.Steps) == 0 {
		return true
	}
	for _, s := range t.Steps {
		if s == step {
			return true
		}
	}
	return false
}

var renderSteps = []int{2, 4, 5, 6}

// DefaultTemplates returns the built-in wording. CategoryOther has no
// template and is never injected.
func DefaultTemplates() map[classifier.Category]Template {
	ts := []Template{
		{Category: classifier.CategoryMissingFurniture, Kind: KindAddition, Text: "include every furniture item shown in the floor plan"},
		{Category: classifier.CategoryExtraFurniture, Kind: KindRemoval, Text: "leave out furniture the floor plan does not show"},
		{Category: classifier.CategoryStructuralChange, Kind: KindRemoval, Text: "do not alter walls, windows, doors or the room layout"},
		{Category: classifier.CategoryCameraMismatch, Kind: KindAddition, Text: "match the planned camera position and viewing angle", Steps: []int{3, 4, 5}},
		{Category: classifier.CategoryVisualQuality, Kind: KindAddition, Text: "render clean, sharp surfaces free of artifacts", Steps: renderSteps},
		{Category: classifier.CategoryMinimalismPreference, Kind: KindRemoval, Text: "keep decor sparse and surfaces open", Steps: renderSteps},
		{Category: classifier.CategoryLightingIssue, Kind: KindAddition, Text: "use natural, even lighting across the room", Steps: renderSteps},
		{Category: classifier.CategoryScaleProportion, Kind: KindAddition, Text: "keep furniture at realistic scale for the room size"},
		{Category: classifier.CategoryStyleMismatch, Kind: KindAddition, Text: "follow the selected interior style throughout", Steps: renderSteps},
	}
	out := make(map[classifier.Category]Template, len(ts))
	for _, t := range ts {
		out[t.Category] = t
	}
	return out
}

// Intensity is the strength a constraint is phrased with.
type Intensity string

const (
	IntensityOneShot Intensity = "one_shot"
	IntensityNudge   Intensity = Intensity(rules.StageNudge)
	IntensityCheck   Intensity = Intensity(rules.StageCheck)
	IntensityGuard   Intensity = Intensity(rules.StageGuard)
	IntensityLaw     Intensity = Intensity(rules.StageLaw)
)

func (i Intensity) rank() int {
	if i == IntensityOneShot {
		return -1
	}
	return rules.Stage(i).Rank()
}

func (i Intensity) prefix() string {
	switch i {
	case IntensityCheck:
		return "Ensure:"
	case IntensityGuard:
		return "MUST:"
	case IntensityLaw:
		return "NEVER violate:"
	}
	return "Prefer:"
}
