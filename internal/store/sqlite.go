package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// maxCASRetries bounds optimistic rule updates before ErrConflict.
const maxCASRetries = 8

// SQLite is the durable store. Rule mutations run in a transaction and
// write with a version column compare-and-swap, so concurrent writers,
// including other processes sharing the file, never lose an update.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func OpenSQLite(path string, now func() time.Time) (*SQLite, error) {
	if now == nil {
		now = time.Now
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set schema version: %w", err)
	}
	return &SQLite{db: db, now: now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTxKey struct{}

type sqliteTx struct {
	store *SQLite
	tx    *sql.Tx
}

func (s *SQLite) txFrom(ctx context.Context) *sqliteTx {
	tx, ok := ctx.Value(sqliteTxKey{}).(*sqliteTx)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

// conn returns the transaction carried by ctx, or the pool.
func (s *SQLite) conn(ctx context.Context) querier {
	if tx := s.txFrom(ctx); tx != nil {
		return tx.tx
	}
	return s.db
}

// InTx runs fn inside one database transaction. Nested calls join the
// outer transaction.
func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, &sqliteTx{store: s, tx: tx})); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- pipelines ---

const pipelineColumns = `id, owner_ref, current_phase, attempt_count, max_attempts, status,
	block_reason, last_error_summary, generation, created_at, updated_at`

// CreatePipeline implements pipeline.Store.
func (s *SQLite) CreatePipeline(ctx context.Context, st *pipeline.State) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO pipelines (`+pipelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		st.ID, st.OwnerRef, string(st.CurrentPhase), st.AttemptCount, st.MaxAttempts, string(st.Status),
		string(st.BlockReason), st.LastErrorSummary, st.Generation, toNanos(st.CreatedAt), toNanos(st.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return pipeline.ErrPipelineExists
	}
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*pipeline.State, error) {
	var (
		st                 pipeline.State
		phase, status, why string
		created, updated   int64
	)
	err := row.Scan(&st.ID, &st.OwnerRef, &phase, &st.AttemptCount, &st.MaxAttempts, &status,
		&why, &st.LastErrorSummary, &st.Generation, &created, &updated)
	if err != nil {
		return nil, err
	}
	st.CurrentPhase = pipeline.Phase(phase)
	st.Status = pipeline.Status(status)
	st.BlockReason = pipeline.BlockReason(why)
	st.CreatedAt = fromNanos(created)
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

// GetPipeline implements pipeline.Store.
func (s *SQLite) GetPipeline(ctx context.Context, id string) (*pipeline.State, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	st, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return st, nil
}

// SavePipeline implements pipeline.Store.
func (s *SQLite) SavePipeline(ctx context.Context, st *pipeline.State) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE pipelines SET
			owner_ref = ?, current_phase = ?, attempt_count = ?, max_attempts = ?, status = ?,
			block_reason = ?, last_error_summary = ?, generation = ?, updated_at = ?
		WHERE id = ?
	`,
		st.OwnerRef, string(st.CurrentPhase), st.AttemptCount, st.MaxAttempts, string(st.Status),
		string(st.BlockReason), st.LastErrorSummary, st.Generation, toNanos(st.UpdatedAt),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.ErrPipelineNotFound
	}
	return nil
}

// ListPipelines implements pipeline.Store.
func (s *SQLite) ListPipelines(ctx context.Context, status pipeline.Status) ([]*pipeline.State, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.State
	for rows.Next() {
		st, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendAudit implements pipeline.Store.
func (s *SQLite) AppendAudit(ctx context.Context, rec pipeline.AuditRecord) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO pipeline_audit
		(id, pipeline_id, action, from_phase, to_phase, from_step, to_step, outcome, attempt_count, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID, rec.PipelineID, string(rec.Action), string(rec.FromPhase), string(rec.ToPhase),
		rec.FromStep, rec.ToStep, string(rec.Outcome), rec.AttemptCount, rec.Detail, toNanos(rec.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit implements pipeline.Store.
func (s *SQLite) ListAudit(ctx context.Context, pipelineID string) ([]pipeline.AuditRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, pipeline_id, action, from_phase, to_phase, from_step, to_step, outcome, attempt_count, detail, occurred_at
		FROM pipeline_audit WHERE pipeline_id = ? ORDER BY seq
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []pipeline.AuditRecord
	for rows.Next() {
		var (
			rec                       pipeline.AuditRecord
			action, from, to, outcome string
			occurred                  int64
		)
		if err := rows.Scan(&rec.ID, &rec.PipelineID, &action, &from, &to, &rec.FromStep, &rec.ToStep,
			&outcome, &rec.AttemptCount, &rec.Detail, &occurred); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Action = pipeline.AuditAction(action)
		rec.FromPhase = pipeline.Phase(from)
		rec.ToPhase = pipeline.Phase(to)
		rec.Outcome = pipeline.Outcome(outcome)
		rec.OccurredAt = fromNanos(occurred)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- rules ---

const ruleColumns = `id, scope, owner_ref, user_ref, category, stage, health, confidence,
	violation_count, triggered_count, approved_despite_count, rejected_due_count, muted, locked,
	last_triggered_at, last_decay_at, reset_at, cooldown_count, version, created_at, updated_at`

func scanRule(row rowScanner) (*rules.Rule, error) {
	var (
		r                           rules.Rule
		scope, stage                string
		lastTriggered, resetAt      sql.NullInt64
		lastDecay, created, updated int64
	)
	err := row.Scan(&r.ID, &scope, &r.OwnerRef, &r.UserRef, &r.Category, &stage, &r.Health, &r.Confidence,
		&r.ViolationCount, &r.TriggeredCount, &r.ApprovedDespiteTriggerCount, &r.RejectedDueToTriggerCount,
		&r.Muted, &r.Locked, &lastTriggered, &lastDecay, &resetAt, &r.CooldownCount, &r.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Scope = rules.Scope(scope)
	r.Stage = rules.Stage(stage)
	r.LastTriggeredAt = timePtr(lastTriggered)
	r.ResetAt = timePtr(resetAt)
	r.LastDecayAt = fromNanos(lastDecay)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

// GetRule implements rules.Store.
func (s *SQLite) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	r, err := scanRule(s.conn(ctx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rules.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// FindRule implements rules.Store.
func (s *SQLite) FindRule(ctx context.Context, key rules.Key) (*rules.Rule, error) {
	r, err := scanRule(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE scope = ? AND owner_ref = ? AND category = ?`,
		string(key.Scope), key.OwnerRef, key.Category))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rules.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rule: %w", err)
	}
	return r, nil
}

// insertRule inserts r unless a rule with the same key appeared first.
func (s *SQLite) insertRule(ctx context.Context, r *rules.Rule) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, owner_ref, category) DO NOTHING
	`,
		r.ID, string(r.Scope), r.OwnerRef, r.UserRef, r.Category, string(r.Stage), r.Health, r.Confidence,
		r.ViolationCount, r.TriggeredCount, r.ApprovedDespiteTriggerCount, r.RejectedDueToTriggerCount,
		r.Muted, r.Locked, nullNanos(r.LastTriggeredAt), toNanos(r.LastDecayAt), nullNanos(r.ResetAt),
		r.CooldownCount, r.Version, toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert rule: %w", err)
	}
	return n == 1, nil
}

// casRule writes r if the stored version still equals expected.
func (s *SQLite) casRule(ctx context.Context, r *rules.Rule, expected int64) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE rules SET
			user_ref = ?, stage = ?, health = ?, confidence = ?,
			violation_count = ?, triggered_count = ?, approved_despite_count = ?, rejected_due_count = ?,
			muted = ?, locked = ?, last_triggered_at = ?, last_decay_at = ?, reset_at = ?,
			cooldown_count = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		r.UserRef, string(r.Stage), r.Health, r.Confidence,
		r.ViolationCount, r.TriggeredCount, r.ApprovedDespiteTriggerCount, r.RejectedDueToTriggerCount,
		r.Muted, r.Locked, nullNanos(r.LastTriggeredAt), toNanos(r.LastDecayAt), nullNanos(r.ResetAt),
		r.CooldownCount, r.Version, toNanos(r.UpdatedAt),
		r.ID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update rule: %w", err)
	}
	return n == 1, nil
}

// UpsertRule implements rules.Store. fn may run more than once when a
// concurrent writer wins the race; it must only depend on the rule.
func (s *SQLite) UpsertRule(ctx context.Context, key rules.Key, userRef string, fn rules.MutateFunc) (*rules.Rule, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var (
		out     *rules.Rule
		created bool
	)
	err := s.InTx(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxCASRetries; attempt++ {
			cur, err := s.FindRule(ctx, key)
			if errors.Is(err, rules.ErrRuleNotFound) {
				r := NewRule(key, userRef, s.now())
				if err := fn(r); err != nil {
					return err
				}
				r.Version = 1
				ok, err := s.insertRule(ctx, r)
				if err != nil {
					return err
				}
				if ok {
					out, created = r, true
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
			next, ok, err := s.apply(ctx, cur, fn)
			if err != nil {
				return err
			}
			if ok {
				out = next
				return nil
			}
		}
		return fmt.Errorf("%w: %s/%s/%s", rules.ErrConflict, key.Scope, key.OwnerRef, key.Category)
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// UpdateRule implements rules.Store.
func (s *SQLite) UpdateRule(ctx context.Context, id string, fn rules.MutateFunc) (*rules.Rule, error) {
	var out *rules.Rule
	err := s.InTx(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxCASRetries; attempt++ {
			cur, err := s.GetRule(ctx, id)
			if err != nil {
				return err
			}
			next, ok, err := s.apply(ctx, cur, fn)
			if err != nil {
				return err
			}
			if ok {
				out = next
				return nil
			}
		}
		return fmt.Errorf("%w: rule %s", rules.ErrConflict, id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) apply(ctx context.Context, cur *rules.Rule, fn rules.MutateFunc) (*rules.Rule, bool, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, false, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	ok, err := s.casRule(ctx, next, cur.Version)
	if err != nil || !ok {
		return nil, false, err
	}
	return next, true, nil
}

// ListRules implements rules.Store.
func (s *SQLite) ListRules(ctx context.Context, filter rules.Filter) ([]*rules.Rule, error) {
	var (
		where []string
		args  []any
	)
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if filter.OwnerRef != "" {
		where = append(where, "owner_ref = ?")
		args = append(args, filter.OwnerRef)
	}
	if filter.UserRef != "" {
		where = append(where, "user_ref = ?")
		args = append(args, filter.UserRef)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Locked != nil {
		where = append(where, "locked = ?")
		args = append(args, *filter.Locked)
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRules(out)
	return out, nil
}

// AppendPromotion implements rules.Store.
func (s *SQLite) AppendPromotion(ctx context.Context, e rules.PromotionLogEntry) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO rule_promotions (id, rule_id, category, from_scope, to_scope, kind, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.RuleID, e.Category, string(e.FromScope), string(e.ToScope), string(e.Kind), e.Reason, toNanos(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("append promotion: %w", err)
	}
	return nil
}

// ListPromotions implements rules.Store. An empty ruleID lists every entry.
func (s *SQLite) ListPromotions(ctx context.Context, ruleID string) ([]rules.PromotionLogEntry, error) {
	query := `SELECT id, rule_id, category, from_scope, to_scope, kind, reason, occurred_at FROM rule_promotions`
	var args []any
	if ruleID != "" {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY seq`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	defer rows.Close()

	var out []rules.PromotionLogEntry
	for rows.Next() {
		var (
			e              rules.PromotionLogEntry
			from, to, kind string
			occurred       int64
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Category, &from, &to, &kind, &e.Reason, &occurred); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		e.FromScope = rules.Scope(from)
		e.ToScope = rules.Scope(to)
		e.Kind = rules.PromotionKind(kind)
		e.OccurredAt = fromNanos(occurred)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- rejections and archive ---

// SaveRejection stores an immutable rejection event. Saving the same event
// twice is a no-op.
func (s *SQLite) SaveRejection(ctx context.Context, ev classifier.Event) error {
	cats, err := json.Marshal(ev.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	concerns := ev.Concerns
	if concerns == nil {
		concerns = []string{}
	}
	cons, err := json.Marshal(concerns)
	if err != nil {
		return fmt.Errorf("marshal concerns: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO rejections
		(id, pipeline_id, asset_id, step_number, raw_feedback_ref, categories, concerns, confidence_hint, severity, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID, ev.PipelineID, ev.AssetID, ev.StepNumber, ev.RawFeedbackRef, string(cats), string(cons),
		ev.ConfidenceHint, string(ev.Severity), toNanos(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("save rejection: %w", err)
	}
	return nil
}

// ListRejections returns a pipeline's rejection events, oldest first.
func (s *SQLite) ListRejections(ctx context.Context, pipelineID string) ([]classifier.Event, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, pipeline_id, asset_id, step_number, raw_feedback_ref, categories, concerns, confidence_hint, severity, occurred_at
		FROM rejections WHERE pipeline_id = ? ORDER BY seq
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rows.Close()

	var out []classifier.Event
	for rows.Next() {
		var (
			ev                   classifier.Event
			cats, cons, severity string
			occurred             int64
		)
		if err := rows.Scan(&ev.ID, &ev.PipelineID, &ev.AssetID, &ev.StepNumber, &ev.RawFeedbackRef,
			&cats, &cons, &ev.ConfidenceHint, &severity, &occurred); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		if err := json.Unmarshal([]byte(cats), &ev.Categories); err != nil {
			return nil, fmt.Errorf("unmarshal categories: %w", err)
		}
		if err := json.Unmarshal([]byte(cons), &ev.Concerns); err != nil {
			return nil, fmt.Errorf("unmarshal concerns: %w", err)
		}
		if len(ev.Concerns) == 0 {
			ev.Concerns = nil
		}
		ev.Severity = classifier.Severity(severity)
		ev.OccurredAt = fromNanos(occurred)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ArchiveFeedback stores raw review text under ref. Archiving the same ref
// twice keeps the first text.
func (s *SQLite) ArchiveFeedback(ctx context.Context, ref, pipelineID, text string) error {
	if ref == "" {
		return ErrEmptyFeedbackRef
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO feedback_archive (ref, pipeline_id, body, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO NOTHING
	`, ref, pipelineID, text, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("archive feedback: %w", err)
	}
	return nil
}

// Feedback returns archived raw text for audit.
func (s *SQLite) Feedback(ctx context.Context, ref string) (string, error) {
	var body string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT body FROM feedback_archive WHERE ref = ?`, ref).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFeedbackNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get feedback: %w", err)
	}
	return body, nil
}
