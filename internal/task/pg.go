package task

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PGStore persists tasks in Postgres for managed deployments.
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore connects to Postgres via the pgx driver and applies embedded
// schema migrations.
func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("task store opened", "backend", "postgres")
	return &PGStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, t *a2a.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var msgJSON []byte
	if t.Status.Message != nil {
		msgJSON, err = json.Marshal(t.Status.Message)
		if err != nil {
			return fmt.Errorf("marshal status message: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, context_id, status, status_message, status_ts, metadata) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ContextID, string(t.Status.State), nullable(msgJSON), t.Status.Timestamp, meta)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*a2a.Task, error) {
	var row struct {
		ID            string `db:"id"`
		ContextID     string `db:"context_id"`
		Status        string `db:"status"`
		StatusMessage []byte `db:"status_message"`
		StatusTS      string `db:"status_ts"`
		Metadata      []byte `db:"metadata"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT id, context_id, status, status_message, status_ts, metadata FROM tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}

	t := &a2a.Task{
		Kind:      "task",
		ID:        row.ID,
		ContextID: row.ContextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskState(row.Status),
			Timestamp: row.StatusTS,
		},
	}
	if len(row.StatusMessage) > 0 {
		var m a2a.Message
		if err := json.Unmarshal(row.StatusMessage, &m); err == nil {
			t.Status.Message = &m
		}
	}
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &t.Metadata)
	}

	if err := s.loadPayloads(ctx, id, `task_messages`, func(b []byte) {
		var m a2a.Message
		if json.Unmarshal(b, &m) == nil {
			t.History = append(t.History, m)
		}
	}); err != nil {
		return nil, err
	}
	if err := s.loadPayloads(ctx, id, `task_artifacts`, func(b []byte) {
		var a a2a.Artifact
		if json.Unmarshal(b, &a) == nil {
			t.Artifacts = append(t.Artifacts, a)
		}
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGStore) loadPayloads(ctx context.Context, id, table string, add func([]byte)) error {
	var payloads [][]byte
	err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM `+table+` WHERE task_id = $1 ORDER BY seq`, id)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	for _, p := range payloads {
		add(p)
	}
	return nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus) error {
	var msgJSON []byte
	if status.Message != nil {
		b, err := json.Marshal(status.Message)
		if err != nil {
			return fmt.Errorf("marshal status message: %w", err)
		}
		msgJSON = b
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, status_message = $2, status_ts = $3, updated_at = now() WHERE id = $4`,
		string(status.State), nullable(msgJSON), status.Timestamp, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if status.Message != nil {
		return s.AppendMessage(ctx, id, *status.Message)
	}
	return nil
}

func (s *PGStore) AppendMessage(ctx context.Context, id string, msg a2a.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_messages (task_id, seq, payload)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_messages WHERE task_id = $1), $2)`,
		id, payload)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGStore) AppendArtifact(ctx context.Context, id string, artifact a2a.Artifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_artifacts (task_id, seq, payload)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_artifacts WHERE task_id = $1), $2)`,
		id, payload)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*a2a.Task, error) {
	query := `SELECT id FROM tasks`
	var conds []string
	var args []any
	if f.ContextID != "" {
		args = append(args, f.ContextID)
		conds = append(conds, fmt.Sprintf(`context_id = $%d`, len(args)))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		conds = append(conds, fmt.Sprintf(`status = ANY($%d)`, len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
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

// WriteSpans stores a batch of tracing spans (tracing.Sink).
func (s *PGStore) WriteSpans(ctx context.Context, spans []SpanRecord) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
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
			`INSERT INTO spans (id, trace_id, parent_id, span_type, name, task_id, started_at, ended_at, status, attrs)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			sp.ID, sp.TraceID, sp.ParentID, sp.Type, sp.Name, sp.TaskID,
			sp.StartedAt, sp.EndedAt, sp.Status, attrs); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PGStore) Close() error { return s.db.Close() }

// nullable converts an empty JSON payload to NULL.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
