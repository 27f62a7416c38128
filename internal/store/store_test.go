package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

type backend interface {
	pipeline.Store
	pipeline.Transactor
	rules.Store
	SaveRejection(ctx context.Context, ev classifier.Event) error
	ListRejections(ctx context.Context, pipelineID string) ([]classifier.Event, error)
	ArchiveFeedback(ctx context.Context, ref, pipelineID, text string) error
	Feedback(ctx context.Context, ref string) (string, error)
}

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func createTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path, func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against every store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory(func() time.Time { return testNow }))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, createTestSQLite(t))
	})
}

func testState(id string) *pipeline.State {
	return &pipeline.State{
		ID:           id,
		OwnerRef:     "user-1",
		CurrentPhase: pipeline.PhaseUpload,
		MaxAttempts:  5,
		Status:       pipeline.StatusActive,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func ruleKey(scope rules.Scope, owner, category string) rules.Key {
	return rules.Key{Scope: scope, OwnerRef: owner, Category: category}
}

func TestStore_Pipelines(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		require.NoError(t, s.CreatePipeline(ctx, testState("p1")))
		assert.ErrorIs(t, s.CreatePipeline(ctx, testState("p1")), pipeline.ErrPipelineExists)

		got, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseUpload, got.CurrentPhase)
		assert.Equal(t, testNow, got.CreatedAt)

		got.CurrentPhase = pipeline.PhaseStyleRender
		got.AttemptCount = 3
		got.Status = pipeline.StatusBlocked
		got.BlockReason = pipeline.BlockReasonCritical
		got.Generation = 2
		require.NoError(t, s.SavePipeline(ctx, got))

		again, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseStyleRender, again.CurrentPhase)
		assert.Equal(t, 3, again.AttemptCount)
		assert.Equal(t, pipeline.BlockReasonCritical, again.BlockReason)
		assert.Equal(t, int64(2), again.Generation)

		_, err = s.GetPipeline(ctx, "missing")
		assert.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
		assert.ErrorIs(t, s.SavePipeline(ctx, testState("missing")), pipeline.ErrPipelineNotFound)

		require.NoError(t, s.CreatePipeline(ctx, testState("p2")))
		blocked, err := s.ListPipelines(ctx, pipeline.StatusBlocked)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		assert.Equal(t, "p1", blocked[0].ID)

		all, err := s.ListPipelines(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStore_Audit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		require.NoError(t, s.CreatePipeline(ctx, testState("p1")))

		for i, action := range []pipeline.AuditAction{pipeline.AuditCreated, pipeline.AuditTransition, pipeline.AuditBlocked} {
			require.NoError(t, s.AppendAudit(ctx, pipeline.AuditRecord{
				ID:         string(action),
				PipelineID: "p1",
				Action:     action,
				ToStep:     i,
				OccurredAt: testNow,
			}))
		}

		recs, err := s.ListAudit(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, pipeline.AuditCreated, recs[0].Action)
		assert.Equal(t, pipeline.AuditBlocked, recs[2].Action)
		assert.Equal(t, 2, recs[2].ToStep)
	})
}

func TestStore_UpsertRule(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		key := ruleKey(rules.ScopePipeline, "p1", "lighting_issue")

		r, created, err := s.UpsertRule(ctx, key, "user-1", func(r *rules.Rule) error {
			r.ViolationCount++
			return nil
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 1, r.ViolationCount)
		assert.Equal(t, "user-1", r.UserRef)
		assert.Equal(t, rules.StageNudge, r.Stage)
		assert.Equal(t, rules.MaxHealth, r.Health)
		assert.Equal(t, int64(1), r.Version)

		r2, created, err := s.UpsertRule(ctx, key, "ignored", func(r *rules.Rule) error {
			r.ViolationCount++
			now := testNow
			r.LastTriggeredAt = &now
			return nil
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, r.ID, r2.ID)
		assert.Equal(t, 2, r2.ViolationCount)
		assert.Equal(t, "user-1", r2.UserRef)
		assert.Equal(t, int64(2), r2.Version)

		found, err := s.FindRule(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, found.ViolationCount)
		require.NotNil(t, found.LastTriggeredAt)
		assert.Equal(t, testNow, *found.LastTriggeredAt)

		_, _, err = s.UpsertRule(ctx, rules.Key{Scope: "team", OwnerRef: "x", Category: "y"}, "", func(*rules.Rule) error { return nil })
		assert.ErrorIs(t, err, rules.ErrInvalidKey)
	})
}

func TestStore_MutationErrorLeavesRuleUntouched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		key := ruleKey(rules.ScopeUser, "user-1", "style_mismatch")
		r, _, err := s.UpsertRule(ctx, key, "user-1", func(r *rules.Rule) error { return nil })
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.UpdateRule(ctx, r.ID, func(r *rules.Rule) error {
			r.Health = 0
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetRule(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, rules.MaxHealth, got.Health)

		_, err = s.UpdateRule(ctx, "missing", func(*rules.Rule) error { return nil })
		assert.ErrorIs(t, err, rules.ErrRuleNotFound)
		_, err = s.FindRule(ctx, ruleKey(rules.ScopeGlobal, rules.GlobalOwner, "nothing"))
		assert.ErrorIs(t, err, rules.ErrRuleNotFound)
	})
}

func TestStore_ConcurrentUpsertsNeverLoseUpdates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		key := ruleKey(rules.ScopeGlobal, rules.GlobalOwner, "extra_furniture")

		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.UpsertRule(ctx, key, "", func(r *rules.Rule) error {
					r.ViolationCount++
					r.TriggeredCount++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		r, err := s.FindRule(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, writers, r.ViolationCount)
		assert.Equal(t, writers, r.TriggeredCount)
	})
}

func TestStore_ListRules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		noop := func(*rules.Rule) error { return nil }
		for _, k := range []rules.Key{
			ruleKey(rules.ScopePipeline, "p1", "lighting_issue"),
			ruleKey(rules.ScopePipeline, "p2", "lighting_issue"),
			ruleKey(rules.ScopeUser, "user-1", "lighting_issue"),
			ruleKey(rules.ScopeGlobal, rules.GlobalOwner, "style_mismatch"),
		} {
			_, _, err := s.UpsertRule(ctx, k, "user-1", noop)
			require.NoError(t, err)
		}

		all, err := s.ListRules(ctx, rules.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, rules.ScopeGlobal, all[0].Scope, "broadest scope first")
		assert.Equal(t, rules.ScopePipeline, all[3].Scope)

		pipelines, err := s.ListRules(ctx, rules.Filter{Scope: rules.ScopePipeline, UserRef: "user-1", Category: "lighting_issue"})
		require.NoError(t, err)
		assert.Len(t, pipelines, 2)

		unlocked := false
		open, err := s.ListRules(ctx, rules.Filter{Locked: &unlocked, OwnerRef: "p1"})
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestStore_Promotions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		require.NoError(t, s.AppendPromotion(ctx, rules.PromotionLogEntry{
			ID: "e1", RuleID: "r1", Category: "lighting_issue", FromScope: rules.ScopePipeline, ToScope: rules.ScopeUser,
			Kind: rules.PromotionApplied, Reason: "2 pipelines", OccurredAt: testNow,
		}))
		require.NoError(t, s.AppendPromotion(ctx, rules.PromotionLogEntry{
			ID: "e2", RuleID: "r2", Category: "lighting_issue", FromScope: rules.ScopeUser, ToScope: rules.ScopeGlobal,
			Kind: rules.PromotionRecommendation, OccurredAt: testNow,
		}))

		one, err := s.ListPromotions(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, rules.PromotionApplied, one[0].Kind)
		assert.Equal(t, "2 pipelines", one[0].Reason)

		all, err := s.ListPromotions(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStore_RejectionsAndArchive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		ev := classifier.Event{
			ID:             "ev1",
			PipelineID:     "p1",
			AssetID:        "a1",
			StepNumber:     2,
			RawFeedbackRef: "fb_1",
			Categories:     []classifier.Category{classifier.CategoryExtraFurniture},
			Concerns:       []string{"sofa"},
			ConfidenceHint: 0.55,
			Severity:       classifier.SeverityMajor,
			OccurredAt:     testNow,
		}
		require.NoError(t, s.SaveRejection(ctx, ev))
		require.NoError(t, s.SaveRejection(ctx, ev), "saving twice is a no-op")

		got, err := s.ListRejections(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ev, got[0])

		require.NoError(t, s.ArchiveFeedback(ctx, "fb_1", "p1", "too much clutter"))
		require.NoError(t, s.ArchiveFeedback(ctx, "fb_1", "p1", "overwritten?"))
		text, err := s.Feedback(ctx, "fb_1")
		require.NoError(t, err)
		assert.Equal(t, "too much clutter", text)

		_, err = s.Feedback(ctx, "fb_missing")
		assert.ErrorIs(t, err, ErrFeedbackNotFound)
		assert.ErrorIs(t, s.ArchiveFeedback(ctx, "", "p1", "x"), ErrEmptyFeedbackRef)
	})
}

func TestStore_TransactionRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		require.NoError(t, s.CreatePipeline(ctx, testState("p1")))
		existing, _, err := s.UpsertRule(ctx, ruleKey(rules.ScopeUser, "user-1", "lighting_issue"), "user-1",
			func(r *rules.Rule) error { r.ViolationCount = 1; return nil })
		require.NoError(t, err)

		boom := errors.New("abort")
		err = s.InTx(ctx, func(ctx context.Context) error {
			st, err := s.GetPipeline(ctx, "p1")
			require.NoError(t, err)
			st.AttemptCount = 4
			require.NoError(t, s.SavePipeline(ctx, st))
			require.NoError(t, s.CreatePipeline(ctx, testState("p2")))
			require.NoError(t, s.AppendAudit(ctx, pipeline.AuditRecord{ID: "a1", PipelineID: "p1", Action: pipeline.AuditAttempt, OccurredAt: testNow}))
			_, _, err = s.UpsertRule(ctx, ruleKey(rules.ScopePipeline, "p1", "lighting_issue"), "user-1",
				func(r *rules.Rule) error { r.ViolationCount++; return nil })
			require.NoError(t, err)
			_, err = s.UpdateRule(ctx, existing.ID, func(r *rules.Rule) error { r.ViolationCount = 9; return nil })
			require.NoError(t, err)
			require.NoError(t, s.AppendPromotion(ctx, rules.PromotionLogEntry{ID: "e1", RuleID: existing.ID, OccurredAt: testNow}))
			require.NoError(t, s.SaveRejection(ctx, classifier.Event{ID: "ev1", PipelineID: "p1", Categories: []classifier.Category{"other"}, OccurredAt: testNow}))
			require.NoError(t, s.ArchiveFeedback(ctx, "fb_1", "p1", "raw"))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		st, err := s.GetPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, st.AttemptCount)
		_, err = s.GetPipeline(ctx, "p2")
		assert.ErrorIs(t, err, pipeline.ErrPipelineNotFound)

		recs, err := s.ListAudit(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, recs)

		_, err = s.FindRule(ctx, ruleKey(rules.ScopePipeline, "p1", "lighting_issue"))
		assert.ErrorIs(t, err, rules.ErrRuleNotFound)
		r, err := s.GetRule(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, r.ViolationCount)

		promos, err := s.ListPromotions(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, promos)
		rejections, err := s.ListRejections(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, rejections)
		_, err = s.Feedback(ctx, "fb_1")
		assert.ErrorIs(t, err, ErrFeedbackNotFound)
	})
}

func TestStore_TransactionCommitAndNesting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		err := s.InTx(ctx, func(ctx context.Context) error {
			if err := s.CreatePipeline(ctx, testState("p1")); err != nil {
				return err
			}
			return s.InTx(ctx, func(ctx context.Context) error {
				_, _, err := s.UpsertRule(ctx, ruleKey(rules.ScopePipeline, "p1", "other"), "user-1",
					func(r *rules.Rule) error { return nil })
				return err
			})
		})
		require.NoError(t, err)

		_, err = s.GetPipeline(ctx, "p1")
		assert.NoError(t, err)
		_, err = s.FindRule(ctx, ruleKey(rules.ScopePipeline, "p1", "other"))
		assert.NoError(t, err)
	})
}

func TestMemory_TransactionLocksWholeStore(t *testing.T) {
	m := NewMemory(func() time.Time { return testNow })
	ctx := context.Background()
	require.NoError(t, m.CreatePipeline(ctx, testState("p1")))
	require.NoError(t, m.CreatePipeline(ctx, testState("p2")))

	inTx := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- m.InTx(ctx, func(ctx context.Context) error {
			close(inTx)
			<-release
			st, err := m.GetPipeline(ctx, "p1")
			if err != nil {
				return err
			}
			st.AttemptCount++
			return m.SavePipeline(ctx, st)
		})
	}()
	<-inTx

	readDone := make(chan error, 1)
	go func() {
		_, err := m.GetPipeline(ctx, "p2")
		readDone <- err
	}()
	select {
	case <-readDone:
		t.Fatal("read of another pipeline finished while a transaction was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-txDone)
	select {
	case err := <-readDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("read did not resume after commit")
	}
}
