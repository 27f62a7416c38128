package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

type archivedFeedback struct {
	pipelineID string
	text       string
	storedAt   time.Time
}

// Memory is an in-memory store. All access is serialized by one mutex; a
// transaction holds it until commit or rollback, so while one pipeline's
// attempt is being recorded every other read and write waits, including
// those for unrelated pipelines. That suits tests and single-process runs
// with short transactions. Deployments with many concurrent pipelines use
// SQLite.
type Memory struct {
	mu         sync.Mutex
	pipelines  map[string]*pipeline.State
	audit      []pipeline.AuditRecord
	rules      map[string]*rules.Rule
	ruleKeys   map[rules.Key]string
	promotions []rules.PromotionLogEntry
	rejections []classifier.Event
	feedback   map[string]archivedFeedback
	now        func() time.Time
}

// NewMemory creates an empty in-memory store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		pipelines: make(map[string]*pipeline.State),
		rules:     make(map[string]*rules.Rule),
		ruleKeys:  make(map[rules.Key]string),
		feedback:  make(map[string]archivedFeedback),
		now:       now,
	}
}

type memTxKey struct{}

// memTx journals the pre-image of everything a transaction touches.
type memTx struct {
	store      *Memory
	pipelines  map[string]*pipeline.State
	rules      map[string]*rules.Rule
	newKeys    []rules.Key
	auditLen   int
	promoLen   int
	rejectLen  int
	newArchive []string
}

// InTx runs fn with the whole store locked. Writes made through the
// context passed to fn are undone when fn returns an error. Nested calls
// join the outer transaction. fn must not block on work outside the store.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := m.txFrom(ctx); tx != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:     m,
		pipelines: make(map[string]*pipeline.State),
		rules:     make(map[string]*rules.Rule),
		auditLen:  len(m.audit),
		promoLen:  len(m.promotions),
		rejectLen: len(m.rejections),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.rollback(tx)
		return err
	}
	return nil
}

func (m *Memory) rollback(tx *memTx) {
	for id, prev := range tx.pipelines {
		if prev == nil {
			delete(m.pipelines, id)
		} else {
			m.pipelines[id] = prev
		}
	}
	for id, prev := range tx.rules {
		if prev == nil {
			delete(m.rules, id)
		} else {
			m.rules[id] = prev
		}
	}
	for _, k := range tx.newKeys {
		delete(m.ruleKeys, k)
	}
	for _, ref := range tx.newArchive {
		delete(m.feedback, ref)
	}
	m.audit = m.audit[:tx.auditLen]
	m.promotions = m.promotions[:tx.promoLen]
	m.rejections = m.rejections[:tx.rejectLen]
}

func (m *Memory) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.store != m {
		return nil
	}
	return tx
}

// lock acquires the store mutex unless ctx already runs inside one of this
// store's transactions.
func (m *Memory) lock(ctx context.Context) (*memTx, func()) {
	if tx := m.txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	m.mu.Lock()
	return nil, m.mu.Unlock
}

func (tx *memTx) touchPipeline(id string) {
	if tx == nil {
		return
	}
	if _, ok := tx.pipelines[id]; !ok {
		tx.pipelines[id] = tx.store.pipelines[id]
	}
}

func (tx *memTx) touchRule(id string) {
	if tx == nil {
		return
	}
	if _, ok := tx.rules[id]; !ok {
		tx.rules[id] = tx.store.rules[id]
	}
}

// CreatePipeline implements pipeline.Store.
func (m *Memory) CreatePipeline(ctx context.Context, st *pipeline.State) error {
	tx, unlock := m.lock(ctx)
	defer unlock()
	if _, ok := m.pipelines[st.ID]; ok {
		return pipeline.ErrPipelineExists
	}
	tx.touchPipeline(st.ID)
	cp := *st
	m.pipelines[st.ID] = &cp
	return nil
}

// GetPipeline implements pipeline.Store.
func (m *Memory) GetPipeline(ctx context.Context, id string) (*pipeline.State, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	st, ok := m.pipelines[id]
	if !ok {
		return nil, pipeline.ErrPipelineNotFound
	}
	cp := *st
	return &cp, nil
}

// SavePipeline implements pipeline.Store.
func (m *Memory) SavePipeline(ctx context.Context, st *pipeline.State) error {
	tx, unlock := m.lock(ctx)
	defer unlock()
	if _, ok := m.pipelines[st.ID]; !ok {
		return pipeline.ErrPipelineNotFound
	}
	tx.touchPipeline(st.ID)
	cp := *st
	m.pipelines[st.ID] = &cp
	return nil
}

// ListPipelines implements pipeline.Store.
func (m *Memory) ListPipelines(ctx context.Context, status pipeline.Status) ([]*pipeline.State, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	out := make([]*pipeline.State, 0, len(m.pipelines))
	for _, st := range m.pipelines {
		if status != "" && st.Status != status {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendAudit implements pipeline.Store.
func (m *Memory) AppendAudit(ctx context.Context, rec pipeline.AuditRecord) error {
	_, unlock := m.lock(ctx)
	defer unlock()
	m.audit = append(m.audit, rec)
	return nil
}

// ListAudit implements pipeline.Store.
func (m *Memory) ListAudit(ctx context.Context, pipelineID string) ([]pipeline.AuditRecord, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	var out []pipeline.AuditRecord
	for _, rec := range m.audit {
		if rec.PipelineID == pipelineID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetRule implements rules.Store.
func (m *Memory) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	return r.Clone(), nil
}

// FindRule implements rules.Store.
func (m *Memory) FindRule(ctx context.Context, key rules.Key) (*rules.Rule, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	id, ok := m.ruleKeys[key]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	return m.rules[id].Clone(), nil
}

// UpsertRule implements rules.Store.
func (m *Memory) UpsertRule(ctx context.Context, key rules.Key, userRef string, fn rules.MutateFunc) (*rules.Rule, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	tx, unlock := m.lock(ctx)
	defer unlock()

	var (
		r       *rules.Rule
		created bool
	)
	if id, ok := m.ruleKeys[key]; ok {
		r = m.rules[id].Clone()
	} else {
		r = NewRule(key, userRef, m.now())
		created = true
	}
	if err := fn(r); err != nil {
		return nil, false, err
	}
	r.Version++
	r.UpdatedAt = m.now().UTC()

	tx.touchRule(r.ID)
	if created {
		m.ruleKeys[key] = r.ID
		if tx != nil {
			tx.newKeys = append(tx.newKeys, key)
		}
	}
	m.rules[r.ID] = r
	return r.Clone(), created, nil
}

// UpdateRule implements rules.Store.
func (m *Memory) UpdateRule(ctx context.Context, id string, fn rules.MutateFunc) (*rules.Rule, error) {
	tx, unlock := m.lock(ctx)
	defer unlock()
	cur, ok := m.rules[id]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	r := cur.Clone()
	if err := fn(r); err != nil {
		return nil, err
	}
	r.Version++
	r.UpdatedAt = m.now().UTC()
	tx.touchRule(id)
	m.rules[id] = r
	return r.Clone(), nil
}

// ListRules implements rules.Store.
func (m *Memory) ListRules(ctx context.Context, filter rules.Filter) ([]*rules.Rule, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	var out []*rules.Rule
	for _, r := range m.rules {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sortRules(out)
	return out, nil
}

// AppendPromotion implements rules.Store.
func (m *Memory) AppendPromotion(ctx context.Context, entry rules.PromotionLogEntry) error {
	_, unlock := m.lock(ctx)
	defer unlock()
	m.promotions = append(m.promotions, entry)
	return nil
}

// ListPromotions implements rules.Store. An empty ruleID lists every entry.
func (m *Memory) ListPromotions(ctx context.Context, ruleID string) ([]rules.PromotionLogEntry, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	var out []rules.PromotionLogEntry
	for _, e := range m.promotions {
		if ruleID == "" || e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveRejection stores an immutable rejection event.
func (m *Memory) SaveRejection(ctx context.Context, ev classifier.Event) error {
	_, unlock := m.lock(ctx)
	defer unlock()
	for _, existing := range m.rejections {
		if existing.ID == ev.ID {
			return nil
		}
	}
	ev.Categories = append([]classifier.Category(nil), ev.Categories...)
	ev.Concerns = append([]string(nil), ev.Concerns...)
	m.rejections = append(m.rejections, ev)
	return nil
}

// ListRejections returns a pipeline's rejection events, oldest first.
func (m *Memory) ListRejections(ctx context.Context, pipelineID string) ([]classifier.Event, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	var out []classifier.Event
	for _, ev := range m.rejections {
		if ev.PipelineID == pipelineID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ArchiveFeedback stores raw review text under ref. Archiving the same ref
// twice keeps the first text.
func (m *Memory) ArchiveFeedback(ctx context.Context, ref, pipelineID, text string) error {
	if ref == "" {
		return ErrEmptyFeedbackRef
	}
	tx, unlock := m.lock(ctx)
	defer unlock()
	if _, ok := m.feedback[ref]; ok {
		return nil
	}
	m.feedback[ref] = archivedFeedback{pipelineID: pipelineID, text: text, storedAt: m.now().UTC()}
	if tx != nil {
		tx.newArchive = append(tx.newArchive, ref)
	}
	return nil
}

// Feedback returns archived raw text for audit.
func (m *Memory) Feedback(ctx context.Context, ref string) (string, error) {
	_, unlock := m.lock(ctx)
	defer unlock()
	fb, ok := m.feedback[ref]
	if !ok {
		return "", ErrFeedbackNotFound
	}
	return fb.text, nil
}

// NewRule returns a fresh rule for key: nudge stage, full health, neutral
// confidence.
func NewRule(key rules.Key, userRef string, now time.Time) *rules.Rule {
	now = now.UTC()
	return &rules.Rule{
		ID:          uuid.New().String(),
		Scope:       key.Scope,
		OwnerRef:    key.OwnerRef,
		UserRef:     userRef,
		Category:    key.Category,
		Stage:       rules.StageNudge,
		Health:      rules.MaxHealth,
		Confidence:  0.5,
		LastDecayAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func sortRules(rs []*rules.Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Scope != rs[j].Scope {
			return rs[i].Scope.Rank() > rs[j].Scope.Rank()
		}
		if rs[i].OwnerRef != rs[j].OwnerRef {
			return rs[i].OwnerRef < rs[j].OwnerRef
		}
		return rs[i].Category < rs[j].Category
	})
}
