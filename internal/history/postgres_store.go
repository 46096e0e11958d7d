package history

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table PostgresStore reads and writes.
//
//go:embed schema.sql
var Schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

type scanner interface{ Scan(dest ...any) error }

const threadColumns = `id, title, description, owner_id, metadata, created_at, updated_at`

func (s *PostgresStore) CreateThread(ctx context.Context, t *Thread) error {
	meta, err := marshalJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
        INSERT INTO threads (id, title, description, owner_id, metadata)
        VALUES ($1, $2, $3, $4, $5::jsonb)
        RETURNING created_at, updated_at
    `, t.ID, t.Title, t.Description, t.OwnerID, meta).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *PostgresStore) UpdateThread(ctx context.Context, t *Thread) error {
	meta, err := marshalJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
        UPDATE threads SET title=$1, description=$2, metadata=$3::jsonb, updated_at=now()
        WHERE id=$4
        RETURNING created_at, updated_at
    `, t.Title, t.Description, meta, t.ID).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapNoRows(err)
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return scanThread(s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, id))
}

func (s *PostgresStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanThread(row scanner) (*Thread, error) {
	var t Thread
	var meta []byte
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.OwnerID, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode thread metadata: %w", err)
		}
	}
	return &t, nil
}

const branchColumns = `id, thread_id, name, description, origin_branch_id, origin_message_id, tip_message_id, version, fork_seq, active, created_at, updated_at`

func (s *PostgresStore) CreateBranch(ctx context.Context, b *Branch) error {
	err := s.pool.QueryRow(ctx, `
        INSERT INTO branches (id, thread_id, name, description, origin_branch_id, origin_message_id, tip_message_id, version, active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING fork_seq, created_at, updated_at
    `, b.ID, b.ThreadID, b.Name, b.Description, b.OriginBranchID, b.OriginMessageID, b.TipMessageID, b.Version, b.Active,
	).Scan(&b.ForkSeq, &b.CreatedAt, &b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("branch name %q already used in thread: %w", b.Name, ErrInvalidArgument)
		case foreignKeyViolation:
			return fmt.Errorf("thread %s: %w", b.ThreadID, ErrNotFound)
		}
	}
	return err
}

func (s *PostgresStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	return scanBranch(s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, id))
}

func (s *PostgresStore) ListBranches(ctx context.Context, threadID string) ([]*Branch, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+branchColumns+` FROM branches WHERE thread_id=$1 ORDER BY created_at, name`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetBranchActive(ctx context.Context, id string, active bool) (*Branch, error) {
	return scanBranch(s.pool.QueryRow(ctx, `
        UPDATE branches SET active=$1, updated_at=now() WHERE id=$2
        RETURNING `+branchColumns, active, id))
}

func scanBranch(row scanner) (*Branch, error) {
	var b Branch
	err := row.Scan(&b.ID, &b.ThreadID, &b.Name, &b.Description, &b.OriginBranchID, &b.OriginMessageID,
		&b.TipMessageID, &b.Version, &b.ForkSeq, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &b, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT m.id, m.thread_id, m.branch_id, m.role, m.content, m.seq, m.created_at,
               COALESCE((SELECT json_agg(json_build_object('parent_id', e.parent_id, 'type', e.edge_type) ORDER BY e.position)
                         FROM message_edges e WHERE e.child_id = m.id), '[]'::json)
        FROM messages m WHERE m.id=$1
    `, id)
	var m Message
	var content, edges []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &m.BranchID, &m.Role, &content, &m.Seq, &m.CreatedAt, &edges); err != nil {
		return nil, mapNoRows(err)
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	if err := json.Unmarshal(edges, &m.Parents); err != nil {
		return nil, fmt.Errorf("decode message edges: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, c AppendCommit) (*Branch, error) {
	var branch *Branch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, c.Message); err != nil {
			return err
		}
		b, err := advanceTip(ctx, tx, c.Message.BranchID, c.ExpectedVersion, c.Message.ID)
		if err != nil {
			return err
		}
		branch = b
		for _, f := range c.Followups {
			err := tx.QueryRow(ctx, `
                INSERT INTO followups (id, kind, thread_id, branch_id, message_id, status, attempts, last_error)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
                RETURNING created_at, updated_at
            `, f.ID, f.Kind, f.ThreadID, f.BranchID, f.MessageID, f.Status, f.Attempts, f.LastError).Scan(&f.CreatedAt, &f.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert followup: %w", err)
			}
		}
		return completeKey(ctx, tx, c.Idempotency, c.Message.ID)
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *PostgresStore) CommitMerge(ctx context.Context, c MergeCommit) (*Branch, error) {
	var branch *Branch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertMessage(ctx, tx, c.Message); err != nil {
			return err
		}
		b, err := advanceTip(ctx, tx, c.Message.BranchID, c.ExpectedVersion, c.Message.ID)
		if err != nil {
			return err
		}
		branch = b
		notes, err := marshalJSON(c.Record.Notes, "[]")
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
            INSERT INTO merges (id, thread_id, source_branch_id, target_branch_id, strategy, lca_message_id, merge_message_id, notes)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
            RETURNING created_at
        `, c.Record.ID, c.Record.ThreadID, c.Record.SourceBranchID, c.Record.TargetBranchID, c.Record.Strategy,
			c.Record.LCAMessageID, c.Record.MergeMessageID, notes).Scan(&c.Record.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert merge record: %w", err)
		}
		if c.Summary != nil {
			if err := insertSummary(ctx, tx, c.Summary); err != nil {
				return err
			}
		}
		for _, f := range c.Facts {
			if err := insertFact(ctx, tx, f); err != nil {
				return err
			}
		}
		return completeKey(ctx, tx, c.Idempotency, c.Record.ID)
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, m *Message) error {
	content, err := marshalJSON(m.Content, "{}")
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO messages (id, thread_id, branch_id, role, content)
        VALUES ($1, $2, $3, $4, $5::jsonb)
        RETURNING seq, created_at
    `, m.ID, m.ThreadID, m.BranchID, m.Role, content).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, e := range m.Parents {
		_, err := tx.Exec(ctx, `
            INSERT INTO message_edges (child_id, parent_id, position, edge_type) VALUES ($1, $2, $3, $4)
        `, m.ID, e.ParentID, i, e.Type)
		if err != nil {
			return fmt.Errorf("insert edge to %s: %w", e.ParentID, err)
		}
	}
	return nil
}

// advanceTip is the compare-and-swap that linearizes mutations per branch.
func advanceTip(ctx context.Context, tx pgx.Tx, branchID string, expected int64, tip string) (*Branch, error) {
	b, err := scanBranch(tx.QueryRow(ctx, `
        UPDATE branches SET tip_message_id=$1, version=version+1, updated_at=now()
        WHERE id=$2 AND version=$3 AND active
        RETURNING `+branchColumns, tip, branchID, expected))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var version int64
	var active bool
	err = tx.QueryRow(ctx, `SELECT version, active FROM branches WHERE id=$1`, branchID).Scan(&version, &active)
	if err != nil || !active {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	return nil, fmt.Errorf("branch %s moved to version %d, expected %d: %w", branchID, version, expected, ErrConflict)
}

func completeKey(ctx context.Context, tx pgx.Tx, claim *IdempotencyClaim, resultID string) error {
	if claim == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO idempotency_keys (scope, key, status, result_id, completed_at)
        VALUES ($1, $2, 'completed', $3, now())
        ON CONFLICT (scope, key) DO UPDATE SET status='completed', result_id=EXCLUDED.result_id, completed_at=now()
    `, claim.Scope, claim.Key, resultID)
	return err
}

// insertSummary locks the branch row so concurrent writers cannot pick the
// same next version.
func insertSummary(ctx context.Context, tx pgx.Tx, sum *Summary) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id FROM branches WHERE id=$1 FOR UPDATE`, sum.BranchID).Scan(&locked)
	if err != nil {
		return fmt.Errorf("lock branch %s: %w", sum.BranchID, mapNoRows(err))
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO summaries (id, thread_id, branch_id, message_id, content, token_count, version)
        VALUES ($1, $2, $3, $4, $5, $6,
                (SELECT COALESCE(MAX(version), 0) + 1 FROM summaries WHERE branch_id=$3))
        RETURNING version, seq, created_at
    `, sum.ID, sum.ThreadID, sum.BranchID, sum.MessageID, sum.Content, sum.TokenCount).Scan(&sum.Version, &sum.Seq, &sum.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("summary version for branch %s taken concurrently: %w", sum.BranchID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func insertFact(ctx context.Context, tx pgx.Tx, f *MemoryFact) error {
	err := tx.QueryRow(ctx, `
        INSERT INTO memory_facts (id, thread_id, branch_id, message_id, key, value, memory_type, confidence)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING seq, created_at
    `, f.ID, f.ThreadID, f.BranchID, f.MessageID, f.Key, f.Value, f.Type, f.Confidence).Scan(&f.Seq, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory fact %q: %w", f.Key, err)
	}
	return nil
}

func (s *PostgresStore) PutSummary(ctx context.Context, sum *Summary) error {
	return s.inTx(ctx, func(tx pgx.Tx) error { return insertSummary(ctx, tx, sum) })
}

const summaryColumns = `id, thread_id, branch_id, message_id, content, token_count, version, seq, created_at`

func (s *PostgresStore) SummariesAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*Summary, error) {
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM summaries
        WHERE message_id = ANY($1) AND branch_id = ANY($2) ORDER BY seq`, messageIDs, branchIDs)
}

func (s *PostgresStore) ListSummaries(ctx context.Context, threadID string) ([]*Summary, error) {
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM summaries WHERE thread_id=$1 ORDER BY seq`, threadID)
}

func (s *PostgresStore) querySummaries(ctx context.Context, sql string, args ...any) ([]*Summary, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.ThreadID, &sum.BranchID, &sum.MessageID, &sum.Content,
			&sum.TokenCount, &sum.Version, &sum.Seq, &sum.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutMemoryFacts(ctx context.Context, facts []*MemoryFact) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, f := range facts {
			if err := insertFact(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

const factColumns = `id, thread_id, branch_id, message_id, key, value, memory_type, confidence, seq, created_at`

func (s *PostgresStore) FactsAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*MemoryFact, error) {
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM memory_facts
        WHERE message_id = ANY($1) AND branch_id = ANY($2) ORDER BY seq`, messageIDs, branchIDs)
}

func (s *PostgresStore) ListMemoryFacts(ctx context.Context, threadID string) ([]*MemoryFact, error) {
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM memory_facts WHERE thread_id=$1 ORDER BY seq`, threadID)
}

func (s *PostgresStore) queryFacts(ctx context.Context, sql string, args ...any) ([]*MemoryFact, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.ThreadID, &f.BranchID, &f.MessageID, &f.Key, &f.Value,
			&f.Type, &f.Confidence, &f.Seq, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

const mergeColumns = `id, thread_id, source_branch_id, target_branch_id, strategy, lca_message_id, merge_message_id, notes, created_at`

func (s *PostgresStore) GetMerge(ctx context.Context, id string) (*MergeRecord, error) {
	return scanMerge(s.pool.QueryRow(ctx, `SELECT `+mergeColumns+` FROM merges WHERE id=$1`, id))
}

func (s *PostgresStore) ListMerges(ctx context.Context, threadID string) ([]*MergeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mergeColumns+` FROM merges WHERE thread_id=$1 ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MergeRecord
	for rows.Next() {
		m, err := scanMerge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMerge(row scanner) (*MergeRecord, error) {
	var m MergeRecord
	var notes []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SourceBranchID, &m.TargetBranchID, &m.Strategy,
		&m.LCAMessageID, &m.MergeMessageID, &notes, &m.CreatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	if err := json.Unmarshal(notes, &m.Notes); err != nil {
		return nil, fmt.Errorf("decode merge notes: %w", err)
	}
	return &m, nil
}

// ReserveIdempotencyKey relies on the (scope, key) primary key: the insert
// either claims the key, reclaims a stale pending row, or does nothing.
func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (*IdempotencyRecord, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
        INSERT INTO idempotency_keys (scope, key, status) VALUES ($1, $2, 'pending')
        ON CONFLICT (scope, key) DO UPDATE SET created_at = now()
            WHERE idempotency_keys.status = 'pending' AND idempotency_keys.created_at < now() - make_interval(secs => $3)
        RETURNING status
    `, scope, key, ttl.Seconds()).Scan(&status)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var rec IdempotencyRecord
	var resultID *string
	err = s.pool.QueryRow(ctx, `
        SELECT scope, key, status, result_id, created_at, completed_at FROM idempotency_keys WHERE scope=$1 AND key=$2
    `, scope, key).Scan(&rec.Scope, &rec.Key, &rec.Status, &resultID, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if rec.Status != IdempotencyCompleted {
		return nil, fmt.Errorf("idempotency key %q is in flight: %w", key, ErrConflict)
	}
	if resultID != nil {
		rec.ResultID = *resultID
	}
	return &rec, nil
}

func (s *PostgresStore) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE scope=$1 AND key=$2 AND status='pending'`, scope, key)
	return err
}

const followupColumns = `id, kind, thread_id, branch_id, message_id, status, attempts, last_error, created_at, updated_at`

func (s *PostgresStore) GetFollowup(ctx context.Context, id string) (*Followup, error) {
	return scanFollowup(s.pool.QueryRow(ctx, `SELECT `+followupColumns+` FROM followups WHERE id=$1`, id))
}

func (s *PostgresStore) UpdateFollowup(ctx context.Context, f *Followup) error {
	err := s.pool.QueryRow(ctx, `
        UPDATE followups SET status=$1, attempts=$2, last_error=$3, updated_at=now() WHERE id=$4
        RETURNING created_at, updated_at
    `, f.Status, f.Attempts, f.LastError, f.ID).Scan(&f.CreatedAt, &f.UpdatedAt)
	return mapNoRows(err)
}

func (s *PostgresStore) ListFollowups(ctx context.Context, branchID string) ([]*Followup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+followupColumns+` FROM followups WHERE branch_id=$1 ORDER BY created_at`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Followup
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFollowup(row scanner) (*Followup, error) {
	var f Followup
	if err := row.Scan(&f.ID, &f.Kind, &f.ThreadID, &f.BranchID, &f.MessageID, &f.Status,
		&f.Attempts, &f.LastError, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	return &f, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
