package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
)

// SQLQueue is a persistent Queue backed by a database/sql table. With
// PostgreSQL, concurrent consumers claim rows with FOR UPDATE SKIP LOCKED;
// with SQLite the claiming transaction holds the database write lock.
type SQLQueue struct {
	db           *sql.DB
	dialect      persistence.Dialect
	pollInterval time.Duration
}

// NewSQLQueue creates the tasks table if needed and returns the queue.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect) (*SQLQueue, error) {
	switch dialect {
	case persistence.DialectSQLite, persistence.DialectPostgres:
	default:
		return nil, fmt.Errorf("taskqueue: unsupported dialect %q", dialect)
	}
	q := &SQLQueue{db: db, dialect: dialect, pollInterval: 20 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// NewSQLiteQueue is NewSQLQueue with the SQLite dialect.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.DialectSQLite)
}

// NewPostgresQueue is NewSQLQueue with the PostgreSQL dialect.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	q, err := NewSQLQueue(db, persistence.DialectPostgres)
	if err != nil {
		return nil, err
	}
	q.pollInterval = 100 * time.Millisecond
	return q, nil
}

var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) initSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS sagaflow_tasks (
			id TEXT PRIMARY KEY,
			action_instance_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sagaflow_tasks_ready
			ON sagaflow_tasks (queue, not_before)`,
	} {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("taskqueue: init schema: %w", err)
		}
	}
	return nil
}

func (q *SQLQueue) placeholder(n int) string {
	if q.dialect == persistence.DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (q *SQLQueue) Enqueue(ctx context.Context, actionInstanceID string, opts EnqueueOptions) error {
	t := NewTask(actionInstanceID, opts, time.Now())
	p := q.placeholder
	_, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO sagaflow_tasks (id, action_instance_id, queue, priority, enqueued_at, not_before)
		VALUES (%s, %s, %s, %s, %s, %s)`, p(1), p(2), p(3), p(4), p(5), p(6)),
		t.ID, t.ActionInstanceID, t.Queue, t.Priority, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(),
	)
	return err
}

// claimQuery selects the next ready task, restricted to queues when given.
func (q *SQLQueue) claimQuery(queues []string) string {
	var b strings.Builder
	b.WriteString(`SELECT id, action_instance_id, queue, priority, enqueued_at, not_before
		FROM sagaflow_tasks WHERE not_before <= ` + q.placeholder(1))
	if len(queues) > 0 {
		b.WriteString(" AND queue IN (")
		for i := range queues {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(q.placeholder(i + 2))
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY priority, not_before, enqueued_at LIMIT 1")
	if q.dialect == persistence.DialectPostgres {
		b.WriteString(" FOR UPDATE SKIP LOCKED")
	}
	return b.String()
}

// claim removes and returns one ready task, or nil when none is ready.
func (q *SQLQueue) claim(ctx context.Context, queues []string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{time.Now().UnixNano()}
	for _, name := range queues {
		args = append(args, name)
	}

	var (
		t                     Task
		enqueued, notBeforeNs int64
	)
	err = tx.QueryRowContext(ctx, q.claimQuery(queues), args...).
		Scan(&t.ID, &t.ActionInstanceID, &t.Queue, &t.Priority, &enqueued, &notBeforeNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sagaflow_tasks WHERE id = `+q.placeholder(1), t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.EnqueuedAt = time.Unix(0, enqueued).UTC()
	t.NotBefore = time.Unix(0, notBeforeNs).UTC()
	return &t, nil
}

func (q *SQLQueue) Dequeue(ctx context.Context, queues ...string) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, queues)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// Nothing available: sleep a bit and retry.
		if err := sleep(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM sagaflow_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("taskqueue: Len failed", slog.Any("error", err))
		return 0
	}
	return n
}
