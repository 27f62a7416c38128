package constraints

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
)

type staticSource struct {
	rules    []*rules.Rule
	gotUser  string
	gotPipe  string
	forceErr error
}

func (s *staticSource) ActiveRules(_ context.Context, pipelineID, userRef string) ([]*rules.Rule, error) {
	s.gotPipe, s.gotUser = pipelineID, userRef
	if s.forceErr != nil {
		return nil, s.forceErr
	}
	return s.rules, nil
}

func rule(scope rules.Scope, cat classifier.Category, stage rules.Stage) *rules.Rule {
	return &rules.Rule{ID: string(scope) + "-" + string(cat), Scope: scope, Category: string(cat), Stage: stage}
}

func categories(cs []Constraint) []classifier.Category {
	out := make([]classifier.Category, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Category)
	}
	return out
}

func TestCompose_OnlyEscalatedUnmutedRules(t *testing.T) {
	muted := rule(rules.ScopePipeline, classifier.CategoryScaleProportion, rules.StageGuard)
	muted.Muted = true
	src := &staticSource{rules: []*rules.Rule{
		rule(rules.ScopePipeline, classifier.CategoryMissingFurniture, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryLightingIssue, rules.StageNudge),
		muted,
	}}
	inj, err := New(src)
	require.NoError(t, err)

	set, err := inj.Compose(context.Background(), "p1", 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []classifier.Category{classifier.CategoryMissingFurniture}, categories(set.Additions))
	assert.Empty(t, set.Removals)
	assert.Equal(t, []string{"Ensure: include every furniture item shown in the floor plan."}, set.Lines())
}

func TestCompose_IntensityWording(t *testing.T) {
	src := &staticSource{rules: []*rules.Rule{
		rule(rules.ScopeGlobal, classifier.CategoryStructuralChange, rules.StageLaw),
		rule(rules.ScopeUser, classifier.CategoryExtraFurniture, rules.StageGuard),
		rule(rules.ScopePipeline, classifier.CategoryScaleProportion, rules.StageCheck),
	}}
	inj, err := New(src)
	require.NoError(t, err)

	latest := &classifier.Event{Categories: []classifier.Category{classifier.CategoryMissingFurniture}}
	set, err := inj.Compose(context.Background(), "p1", 2, latest)
	require.NoError(t, err)

	text := strings.Join(set.Lines(), "\n")
	assert.Contains(t, text, "NEVER violate: do not alter walls")
	assert.Contains(t, text, "MUST: leave out furniture")
	assert.Contains(t, text, "Ensure: keep furniture at realistic scale")
	assert.Contains(t, text, "Prefer: include every furniture item")
}

func TestCompose_DedupesKeepingStrongest(t *testing.T) {
	src := &staticSource{rules: []*rules.Rule{
		rule(rules.ScopeGlobal, classifier.CategoryExtraFurniture, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryExtraFurniture, rules.StageGuard),
		rule(rules.ScopeUser, classifier.CategoryMissingFurniture, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryMissingFurniture, rules.StageCheck),
	}}
	inj, err := New(src)
	require.NoError(t, err)

	latest := &classifier.Event{Categories: []classifier.Category{classifier.CategoryExtraFurniture}}
	set, err := inj.Compose(context.Background(), "p1", 2, latest)
	require.NoError(t, err)

	require.Len(t, set.Removals, 1)
	assert.Equal(t, IntensityGuard, set.Removals[0].Intensity)
	assert.Equal(t, SourcePipeline, set.Removals[0].Source)
	require.Len(t, set.Additions, 1)
	assert.Equal(t, SourceUser, set.Additions[0].Source, "equal stages keep the broader scope")
}

func TestCompose_TruncatesBySourcePriority(t *testing.T) {
	src := &staticSource{rules: []*rules.Rule{
		rule(rules.ScopePipeline, classifier.CategoryVisualQuality, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryStyleMismatch, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryScaleProportion, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryCameraMismatch, rules.StageGuard),
		rule(rules.ScopeUser, classifier.CategoryLightingIssue, rules.StageCheck),
		rule(rules.ScopeGlobal, classifier.CategoryMissingFurniture, rules.StageCheck),
		rule(rules.ScopePipeline, classifier.CategoryMinimalismPreference, rules.StageLaw),
		rule(rules.ScopeUser, classifier.CategoryExtraFurniture, rules.StageCheck),
		rule(rules.ScopeGlobal, classifier.CategoryStructuralChange, rules.StageCheck),
	}}
	inj, err := New(src, WithLimits(Limits{MaxAdditions: 5, MaxRemovals: 2}))
	require.NoError(t, err)

	set, err := inj.Compose(context.Background(), "p1", 4, nil)
	require.NoError(t, err)

	assert.Equal(t, []classifier.Category{
		classifier.CategoryMissingFurniture,
		classifier.CategoryLightingIssue,
		classifier.CategoryCameraMismatch,
		classifier.CategoryScaleProportion,
		classifier.CategoryStyleMismatch,
	}, categories(set.Additions))
	assert.Equal(t, []classifier.Category{
		classifier.CategoryStructuralChange,
		classifier.CategoryExtraFurniture,
	}, categories(set.Removals))
	assert.ElementsMatch(t, []classifier.Category{
		classifier.CategoryVisualQuality,
		classifier.CategoryMinimalismPreference,
	}, set.Dropped)
}

func TestCompose_DefaultCaps(t *testing.T) {
	var rs []*rules.Rule
	for _, c := range classifier.Categories() {
		rs = append(rs, rule(rules.ScopePipeline, c, rules.StageGuard))
	}
	inj, err := New(&staticSource{rules: rs})
	require.NoError(t, err)

	set, err := inj.Compose(context.Background(), "p1", 4, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(set.Additions), DefaultMaxAdditions)
	assert.LessOrEqual(t, len(set.Removals), DefaultMaxRemovals)
	for _, c := range append(set.Additions, set.Removals...) {
		assert.NotEqual(t, classifier.CategoryOther, c.Category)
	}
}

func TestCompose_StepApplicability(t *testing.T) {
	src := &staticSource{rules: []*rules.Rule{
		rule(rules.ScopePipeline, classifier.CategoryCameraMismatch, rules.StageGuard),
	}}
	inj, err := New(src)
	require.NoError(t, err)

	set, err := inj.Compose(context.Background(), "p1", 2, nil)
	require.NoError(t, err)
	assert.Zero(t, set.Len())

	set, err = inj.Compose(context.Background(), "p1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestCompose_OwnerResolution(t *testing.T) {
	src := &staticSource{}
	inj, err := New(src, WithOwnerResolver(OwnerResolverFunc(func(_ context.Context, id string) (string, error) {
		return "owner-of-" + id, nil
	})))
	require.NoError(t, err)

	_, err = inj.Compose(context.Background(), "p1", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", src.gotPipe)
	assert.Equal(t, "owner-of-p1", src.gotUser)

	boom := errors.New("lookup failed")
	inj, err = New(src, WithOwnerResolver(OwnerResolverFunc(func(context.Context, string) (string, error) {
		return "", boom
	})))
	require.NoError(t, err)
	_, err = inj.Compose(context.Background(), "p1", 2, nil)
	require.ErrorIs(t, err, boom)

	_, err = inj.Compose(context.Background(), "", 2, nil)
	require.ErrorIs(t, err, ErrEmptyPipelineID)
}

func TestNew_Options(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&staticSource{}, WithLimits(Limits{MaxAdditions: 0, MaxRemovals: 3}))
	require.ErrorIs(t, err, ErrInvalidLimits)

	_, err = New(&staticSource{}, WithTemplates([]Template{{Category: classifier.CategoryOther, Kind: KindAddition, Text: "x"}}))
	require.ErrorIs(t, err, ErrInvalidTemplate)

	inj, err := New(&staticSource{}, WithTemplates([]Template{{
		Category: classifier.CategoryLightingIssue, Kind: KindAddition, Text: "light the room evenly",
	}}))
	require.NoError(t, err)
	tpl, ok := inj.Template(classifier.CategoryLightingIssue)
	require.True(t, ok)
	assert.True(t, tpl.AppliesTo(0))
}

func TestSet_Render(t *testing.T) {
	empty := Set{}
	assert.Equal(t, "base prompt", empty.Render("base prompt"))

	set := Set{
		Additions: []Constraint{{Text: "Ensure: a."}},
		Removals:  []Constraint{{Text: "MUST: b."}},
	}
	assert.Equal(t, "base prompt\n\nConstraints:\n- Ensure: a.\n- MUST: b.\n", set.Render("base prompt\n"))
}

func TestCompose_FeedbackNeverReachesOutput(t *testing.T) {
	clf, err := classifier.New()
	require.NoError(t, err)
	const feedback = "too much clutter, keep minimal"
	ev := clf.Classify(classifier.Input{PipelineID: "p1", Step: 2, RawFeedback: feedback})
	require.True(t, ev.HasCategory(classifier.CategoryMinimalismPreference))

	mem := store.NewMemory(nil)
	engine, err := learning.NewEngine(mem, learning.DefaultConfig())
	require.NoError(t, err)
	inj, err := New(engine)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		for _, c := range ev.Categories {
			_, err := engine.OnViolation(ctx, learning.Subject{PipelineID: "p1"}, c)
			require.NoError(t, err)
		}
	}

	for _, latest := range []*classifier.Event{nil, &ev} {
		set, err := inj.Compose(ctx, "p1", 2, latest)
		require.NoError(t, err)
		require.NotZero(t, set.Len())
		rendered := set.Render("render the living room")
		assert.NotContains(t, rendered, "too much clutter")
		assert.NotContains(t, rendered, feedback)
		for _, c := range append(set.Removals, set.Additions...) {
			assert.Equal(t, IntensityCheck, c.Intensity)
		}
	}
}
