// Package postgres provides a Postgres-backed tube built on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/redirect-resolver/internal/id/uuid"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
)

const (
	defaultTable = "queue_tasks"
	// DefaultLease is how long a taken row may stay unfinished before Take
	// hands it out again.
	DefaultLease = 5 * time.Minute
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the pool backing a tube.
type Config struct {
	DSN             string
	Table           string
	Tube            string
	PollInterval    time.Duration
	Lease           time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Tube stores tasks in a single table shared by every tube name. Rows move
// ready -> taken -> (deleted | buried). A row taken longer than the lease ago
// is taken again; its attempts counter identifies the current lease.
type Tube struct {
	pool         pgxIface
	table        string
	name         string
	pollInterval time.Duration
	lease        time.Duration
	ids          IDGenerator
}

// NewTube connects to Postgres and returns a tube bound to cfg.Tube.
func NewTube(ctx context.Context, cfg Config) (*Tube, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	t, err := NewTubeWithPool(pool, cfg.Table, cfg.Tube)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.PollInterval > 0 {
		t.pollInterval = cfg.PollInterval
	}
	if cfg.Lease > 0 {
		t.lease = cfg.Lease
	}
	return t, nil
}

// NewTubeWithPool constructs a tube from an existing pool (primarily for testing).
func NewTubeWithPool(pool pgxIface, table, name string) (*Tube, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if name == "" {
		return nil, fmt.Errorf("tube name is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Tube{
		pool:         pool,
		table:        table,
		name:         name,
		pollInterval: 500 * time.Millisecond,
		lease:        DefaultLease,
		ids:          uuid.NewUUIDGenerator(),
	}, nil
}

// EnsureSchema creates the task table and its lookup index when missing.
func (t *Tube) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	tube TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ready',
	priority INTEGER NOT NULL DEFAULT 0,
	payload JSONB NOT NULL,
	ready_at TIMESTAMPTZ NOT NULL,
	taken_at TIMESTAMPTZ,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS %[1]s_ready_idx ON %[1]s (tube, status, priority, ready_at)`, t.table)
	if _, err := t.pool.Exec(ctx, stmt); err != nil {
		return &queue.BackendError{Op: "ensure schema", Err: err}
	}
	return nil
}

// Name returns the tube name.
func (t *Tube) Name() string {
	return t.name
}

// Put inserts a ready (or delayed) row.
func (t *Tube) Put(ctx context.Context, data map[string]any, opts queue.PutOptions) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, tube, priority, payload, ready_at)
VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))`, t.table)
	if _, err := t.pool.Exec(ctx, query, id, t.name, opts.Priority, payload, opts.Delay.Seconds()); err != nil {
		return "", &queue.BackendError{Op: "put", Err: err}
	}
	return id, nil
}

// Take leases the oldest ready (or lease-expired) row of the highest
// priority, polling until timeout elapses.
func (t *Tube) Take(ctx context.Context, timeout time.Duration) (*queue.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		task, err := t.takeOnce(ctx)
		if err != nil || task != nil {
			return task, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := t.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("take canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (t *Tube) takeOnce(ctx context.Context) (*queue.Task, error) {
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'taken', taken_at = now(), attempts = attempts + 1
WHERE id = (
	SELECT id FROM %[1]s
	WHERE tube = $1 AND (
		(status = 'ready' AND ready_at <= now())
		OR (status = 'taken' AND taken_at < now() - make_interval(secs => $2))
	)
	ORDER BY priority, ready_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id::text, priority, payload, attempts`, t.table)

	var (
		id       string
		priority int
		payload  []byte
		attempt  int
	)
	err := t.pool.QueryRow(ctx, query, t.name, t.lease.Seconds()).Scan(&id, &priority, &payload, &attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("take canceled: %w", ctx.Err())
		}
		return nil, &queue.BackendError{Op: "take", Err: err}
	}
	data := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("decode payload of task %s: %w", id, err)
		}
	}
	return queue.NewTask(id, t.name, data, priority, lease{tube: t, attempt: attempt}), nil
}

// Ack deletes a taken row regardless of which lease holds it.
func (t *Tube) Ack(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'taken'`, t.table)
	return t.finish(ctx, "ack", query, id)
}

// Bury parks a taken row for manual inspection regardless of which lease
// holds it.
func (t *Tube) Bury(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'buried' WHERE id = $1 AND status = 'taken'`, t.table)
	return t.finish(ctx, "bury", query, id)
}

// lease binds a Task to the take that produced it, so a holder whose lease
// was reclaimed gets ErrTaskNotTaken.
type lease struct {
	tube    *Tube
	attempt int
}

func (l lease) Ack(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'taken' AND attempts = $2`, l.tube.table)
	return l.tube.finish(ctx, "ack", query, id, l.attempt)
}

func (l lease) Bury(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'buried' WHERE id = $1 AND status = 'taken' AND attempts = $2`, l.tube.table)
	return l.tube.finish(ctx, "bury", query, id, l.attempt)
}

func (t *Tube) finish(ctx context.Context, op, query string, args ...any) error {
	tag, err := t.pool.Exec(ctx, query, args...)
	if err != nil {
		return &queue.BackendError{Op: op, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrTaskNotTaken
	}
	return nil
}

// Close releases the underlying pool resources.
func (t *Tube) Close() error {
	if t == nil || t.pool == nil {
		return nil
	}
	t.pool.Close()
	return nil
}
