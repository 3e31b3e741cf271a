package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// SQLiteStore persists tasks in a local SQLite database with FTS5 full-text
// search over message history. Single-node durable mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("task store opened", "backend", "sqlite", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			status_ts TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_context ON tasks(context_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
		// FTS5 index over message text for `vibekit task search`
		`CREATE VIRTUAL TABLE IF NOT EXISTS task_fts USING fts5(
			text,
			task_id UNINDEXED,
			tokenize='porter unicode61'
		)`,
		// Tracing sink (see internal/tracing)
		`CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			span_type TEXT NOT NULL,
			name TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'ok',
			attrs TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, t *a2a.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	msgJSON := ""
	if t.Status.Message != nil {
		b, err := json.Marshal(t.Status.Message)
		if err != nil {
			return fmt.Errorf("marshal status message: %w", err)
		}
		msgJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, context_id, status, status_message, status_ts, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContextID, string(t.Status.State), msgJSON, t.Status.Timestamp, string(meta))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*a2a.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, context_id, status, status_message, status_ts, metadata FROM tasks WHERE id = ?`, id)

	var t a2a.Task
	var statusMsg, meta string
	t.Kind = "task"
	if err := row.Scan(&t.ID, &t.ContextID, (*string)(&t.Status.State), &statusMsg, &t.Status.Timestamp, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	if statusMsg != "" {
		var m a2a.Message
		if err := json.Unmarshal([]byte(statusMsg), &m); err == nil {
			t.Status.Message = &m
		}
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
	}

	history, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.History = history

	artifacts, err := s.loadArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Artifacts = artifacts

	return &t, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, id string) ([]a2a.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM task_messages WHERE task_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []a2a.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m a2a.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadArtifacts(ctx context.Context, id string) ([]a2a.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM task_artifacts WHERE task_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("select artifacts: %w", err)
	}
	defer rows.Close()

	var out []a2a.Artifact
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a a2a.Artifact
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus) error {
	msgJSON := ""
	if status.Message != nil {
		b, err := json.Marshal(status.Message)
		if err != nil {
			return fmt.Errorf("marshal status message: %w", err)
		}
		msgJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, status_message = ?, status_ts = ?, updated_at = strftime('%s','now') WHERE id = ?`,
		string(status.State), msgJSON, status.Timestamp, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if status.Message != nil {
		if err := s.AppendMessage(ctx, id, *status.Message); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg a2a.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_messages (task_id, seq, payload)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_messages WHERE task_id = ?), ?)`,
		id, id, string(payload))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if text := msg.Text(); text != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_fts (text, task_id) VALUES (?, ?)`, text, id); err != nil {
			return fmt.Errorf("insert fts: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendArtifact(ctx context.Context, id string, artifact a2a.Artifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_artifacts (task_id, seq, payload)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_artifacts WHERE task_id = ?), ?)`,
		id, id, string(payload))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*a2a.Task, error) {
	query := `SELECT id FROM tasks`
	var conds []string
	var args []any
	if f.ContextID != "" {
		conds = append(conds, `context_id = ?`)
		args = append(args, f.ContextID)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, `status IN (`+strings.Join(ph, ",")+`)`)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*a2a.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Search returns tasks whose message text matches the FTS query, most
// recent first.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]*a2a.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT task_id FROM task_fts WHERE task_fts MATCH ? LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*a2a.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// WriteSpans stores a batch of tracing spans (tracing.Sink).
func (s *SQLiteStore) WriteSpans(ctx context.Context, spans []SpanRecord) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sp := range spans {
		attrs, err := json.Marshal(sp.Attrs)
		if err != nil {
			attrs = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO spans (id, trace_id, parent_id, span_type, name, task_id, started_at, ended_at, status, attrs)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.TraceID, sp.ParentID, sp.Type, sp.Name, sp.TaskID,
			sp.StartedAt.UnixMilli(), sp.EndedAt.UnixMilli(), sp.Status, string(attrs)); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
