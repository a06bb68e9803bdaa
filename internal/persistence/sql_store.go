package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// Dialect selects SQL differences between the supported databases.
type Dialect string

const (
	// DialectSQLite expects a database/sql handle opened with the
	// "modernc.org/sqlite" driver. Open it with _txlock=immediate so
	// transactions take the write lock up front.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres expects a handle opened with the
	// "github.com/jackc/pgx/v5/stdlib" driver ("pgx").
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a Storage backed by database/sql.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Storage = (*SQLStore)(nil)

// NewSQLStore creates the tables if needed and returns the store.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("persistence: unsupported dialect %q", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore is NewSQLStore with DialectSQLite.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(context.Background(), db, DialectSQLite)
}

// NewPostgresStore is NewSQLStore with DialectPostgres.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(context.Background(), db, DialectPostgres)
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sagaflow_workflow_definitions (
		name TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sagaflow_workflow_instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		state TEXT NOT NULL,
		context TEXT,
		concurrency_key TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		finished_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS sagaflow_workflow_instances_key_state
		ON sagaflow_workflow_instances (concurrency_key, state)`,
	`CREATE TABLE IF NOT EXISTS sagaflow_action_instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_successor_id TEXT,
		input TEXT,
		output TEXT,
		context TEXT,
		custom_errors TEXT,
		logs TEXT,
		concurrency_key TEXT NOT NULL,
		run_at BIGINT,
		dispatched_at BIGINT,
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		finished_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS sagaflow_action_instances_workflow
		ON sagaflow_action_instances (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS sagaflow_action_instances_key_state
		ON sagaflow_action_instances (concurrency_key, state)`,
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: init schema: %w", err)
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{ s *SQLStore }

func (s *SQLStore) tx(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(sqlTxKey{s}).(*sql.Tx)
	return tx
}

func (s *SQLStore) q(ctx context.Context) querier {
	if tx := s.tx(ctx); tx != nil {
		return tx
	}
	return s.db
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q(ctx).ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q(ctx).QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q(ctx).QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.tx(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, sqlTxKey{s}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) LockConcurrencyKey(ctx context.Context, key string) error {
	if s.dialect != DialectPostgres {
		// SQLite immediate transactions already hold the database write lock.
		return nil
	}
	if s.tx(ctx) == nil {
		return errors.New("persistence: LockConcurrencyKey requires a transaction")
	}
	_, err := s.exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(?))`, key)
	return err
}

func (s *SQLStore) UpsertWorkflowDefinitions(ctx context.Context, defs []*api.WorkflowDefinition) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		now := encodeTime(time.Now())
		for _, d := range defs {
			data, err := encodeJSON(d)
			if err != nil {
				return err
			}
			_, err = s.exec(ctx, `
				INSERT INTO sagaflow_workflow_definitions (name, definition, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
				d.Name, data, now, now,
			)
			if err != nil {
				return fmt.Errorf("persistence: upsert definition %q: %w", d.Name, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) FindWorkflowDefinition(ctx context.Context, name string) (*api.WorkflowDefinition, error) {
	var data sql.NullString
	err := s.queryRow(ctx, `SELECT definition FROM sagaflow_workflow_definitions WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJSON[*api.WorkflowDefinition](data)
}

const workflowColumns = `id, name, definition, state, context, concurrency_key, created_at, started_at, finished_at`

func (s *SQLStore) CreateWorkflowInstance(ctx context.Context, wf *api.WorkflowInstance) error {
	def, err := encodeJSON(wf.Definition)
	if err != nil {
		return err
	}
	wctx, err := encodeJSON(wf.Context)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO sagaflow_workflow_instances (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, def, string(wf.State), wctx, wf.ConcurrencyKey,
		encodeTime(wf.CreatedAt), encodeTimePtr(wf.StartedAt), encodeTimePtr(wf.FinishedAt),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*api.WorkflowInstance, error) {
	var (
		wf                  api.WorkflowInstance
		state               string
		def, wctx           sql.NullString
		created             int64
		started, finishedAt sql.NullInt64
	)
	if err := row.Scan(&wf.ID, &wf.Name, &def, &state, &wctx, &wf.ConcurrencyKey, &created, &started, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrWorkflowInstanceNotFound
		}
		return nil, err
	}
	var err error
	if wf.Definition, err = decodeJSON[*api.WorkflowDefinition](def); err != nil {
		return nil, err
	}
	if wf.Context, err = decodeJSON[map[string]any](wctx); err != nil {
		return nil, err
	}
	wf.State = api.WorkflowState(state)
	wf.CreatedAt = decodeTime(created)
	wf.StartedAt = decodeTimePtr(started)
	wf.FinishedAt = decodeTimePtr(finishedAt)
	return &wf, nil
}

func (s *SQLStore) FindWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return scanWorkflow(s.queryRow(ctx, `SELECT `+workflowColumns+` FROM sagaflow_workflow_instances WHERE id = ?`, id))
}

func (s *SQLStore) FindAndLockWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM sagaflow_workflow_instances WHERE id = ?`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	return scanWorkflow(s.queryRow(ctx, query, id))
}

// affected returns the number of rows touched by res.
func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) workflowExists(ctx context.Context, id string) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM sagaflow_workflow_instances WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrWorkflowInstanceNotFound
	}
	return err
}

func (s *SQLStore) StartWorkflow(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := affected(s.exec(ctx, `
		UPDATE sagaflow_workflow_instances SET state = ?, started_at = ?
		WHERE id = ? AND state = ?`,
		string(api.WorkflowRunning), encodeTime(at), id, string(api.WorkflowPending),
	))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.workflowExists(ctx, id)
	}
	return true, nil
}

func (s *SQLStore) finishWorkflow(ctx context.Context, id string, state api.WorkflowState, at time.Time) error {
	n, err := affected(s.exec(ctx, `
		UPDATE sagaflow_workflow_instances SET state = ?, finished_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(state), encodeTime(at), id, string(api.WorkflowPending), string(api.WorkflowRunning),
	))
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.workflowExists(ctx, id); err != nil {
			return err
		}
		return api.ErrWorkflowFinished
	}
	return nil
}

func (s *SQLStore) CompleteWorkflow(ctx context.Context, id string, at time.Time) error {
	return s.finishWorkflow(ctx, id, api.WorkflowCompleted, at)
}

func (s *SQLStore) FailWorkflow(ctx context.Context, id string, at time.Time) error {
	return s.finishWorkflow(ctx, id, api.WorkflowFailed, at)
}

func (s *SQLStore) UpdateWorkflowContext(ctx context.Context, id string, wctx map[string]any) error {
	data, err := encodeJSON(wctx)
	if err != nil {
		return err
	}
	n, err := affected(s.exec(ctx, `UPDATE sagaflow_workflow_instances SET context = ? WHERE id = ?`, data, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrWorkflowInstanceNotFound
	}
	return nil
}

var notFinishedWorkflowStates = []any{string(api.WorkflowPending), string(api.WorkflowRunning)}

func (s *SQLStore) ListNotFinishedWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM sagaflow_workflow_instances WHERE state IN (?, ?) ORDER BY id`, notFinishedWorkflowStates...)
	if err != nil {
		return nil, err
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
	return ids, rows.Err()
}

func (s *SQLStore) CountNotFinishedWorkflows(ctx context.Context, key string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM sagaflow_workflow_instances WHERE concurrency_key = ? AND state IN (?, ?)`,
		append([]any{key}, notFinishedWorkflowStates...)...).Scan(&n)
	return n, err
}

const actionColumns = `id, name, state, workflow_id, retry_count, retry_successor_id, input, output, context,
	custom_errors, logs, concurrency_key, run_at, dispatched_at, created_at, started_at, finished_at`

func (s *SQLStore) CreateActionInstance(ctx context.Context, act *api.ActionInstance) error {
	if err := s.workflowExists(ctx, act.WorkflowID); err != nil {
		return err
	}
	payloads := make([]sql.NullString, 0, 5)
	for _, v := range []any{act.Input, act.Output, act.Context, act.CustomErrors, act.Logs} {
		ns, err := encodeJSON(v)
		if err != nil {
			return err
		}
		payloads = append(payloads, ns)
	}
	_, err := s.exec(ctx, `INSERT INTO sagaflow_action_instances (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		act.ID, act.Name, string(act.State), act.WorkflowID, int64(act.RetryCount), nullString(act.RetrySuccessorID),
		payloads[0], payloads[1], payloads[2], payloads[3], payloads[4],
		act.ConcurrencyKey, encodeTimePtr(act.RunAt), encodeTimePtr(act.DispatchedAt),
		encodeTime(act.CreatedAt), encodeTimePtr(act.StartedAt), encodeTimePtr(act.FinishedAt),
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanAction(row scanner) (*api.ActionInstance, error) {
	var (
		act                                  api.ActionInstance
		state                                string
		retryCount                           int64
		successor                            sql.NullString
		input, output, actx, customErr, logs sql.NullString
		runAt, dispatchedAt                  sql.NullInt64
		created                              int64
		started, finishedAt                  sql.NullInt64
	)
	err := row.Scan(&act.ID, &act.Name, &state, &act.WorkflowID, &retryCount, &successor,
		&input, &output, &actx, &customErr, &logs, &act.ConcurrencyKey,
		&runAt, &dispatchedAt, &created, &started, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrActionInstanceNotFound
		}
		return nil, err
	}
	if act.Input, err = decodeJSON[any](input); err != nil {
		return nil, err
	}
	if act.Output, err = decodeJSON[any](output); err != nil {
		return nil, err
	}
	if act.Context, err = decodeJSON[map[string]any](actx); err != nil {
		return nil, err
	}
	if act.CustomErrors, err = decodeJSON[map[string]any](customErr); err != nil {
		return nil, err
	}
	if act.Logs, err = decodeJSON[[]string](logs); err != nil {
		return nil, err
	}
	act.State = api.ActionState(state)
	act.RetryCount = uint(retryCount)
	act.RetrySuccessorID = successor.String
	act.RunAt = decodeTimePtr(runAt)
	act.DispatchedAt = decodeTimePtr(dispatchedAt)
	act.CreatedAt = decodeTime(created)
	act.StartedAt = decodeTimePtr(started)
	act.FinishedAt = decodeTimePtr(finishedAt)
	return &act, nil
}

func (s *SQLStore) FindActionInstance(ctx context.Context, id string) (*api.ActionInstance, error) {
	return scanAction(s.queryRow(ctx, `SELECT `+actionColumns+` FROM sagaflow_action_instances WHERE id = ?`, id))
}

func (s *SQLStore) actionState(ctx context.Context, id string) (api.ActionState, error) {
	var state string
	err := s.queryRow(ctx, `SELECT state FROM sagaflow_action_instances WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", api.ErrActionInstanceNotFound
	}
	return api.ActionState(state), err
}

// transition runs a conditional UPDATE and maps "no rows" onto a not-found
// or conflict error.
func (s *SQLStore) transition(ctx context.Context, id string, conflict error, query string, args ...any) error {
	n, err := affected(s.exec(ctx, query, args...))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.actionState(ctx, id); err != nil {
		return err
	}
	return conflict
}

func (s *SQLStore) StartAction(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, api.ErrActionNotPending, `
		UPDATE sagaflow_action_instances SET state = ?, started_at = ?
		WHERE id = ? AND state = ?`,
		string(api.ActionRunning), encodeTime(at), id, string(api.ActionPending))
}

func (s *SQLStore) CompleteAction(ctx context.Context, id string, output any, actx map[string]any, at time.Time) error {
	out, err := encodeJSON(output)
	if err != nil {
		return err
	}
	c, err := encodeJSON(actx)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, ErrStateConflict, `
		UPDATE sagaflow_action_instances SET state = ?, output = ?, context = ?, finished_at = ?
		WHERE id = ? AND state = ?`,
		string(api.ActionCompleted), out, c, encodeTime(at), id, string(api.ActionRunning))
}

func (s *SQLStore) FailAction(ctx context.Context, id string, actx, customErrors map[string]any, logs []string, at time.Time) error {
	c, err := encodeJSON(actx)
	if err != nil {
		return err
	}
	ce, err := encodeJSON(customErrors)
	if err != nil {
		return err
	}
	l, err := encodeJSON(logs)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, ErrStateConflict, `
		UPDATE sagaflow_action_instances SET state = ?, context = ?, custom_errors = ?, logs = ?, finished_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(api.ActionFailed), c, ce, l, encodeTime(at), id, string(api.ActionPending), string(api.ActionRunning))
}

func (s *SQLStore) SetRetrySuccessor(ctx context.Context, id, successorID string) error {
	return s.transition(ctx, id, nil, `UPDATE sagaflow_action_instances SET retry_successor_id = ? WHERE id = ?`, successorID, id)
}

func (s *SQLStore) MarkActionDispatched(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, nil, `UPDATE sagaflow_action_instances SET dispatched_at = ? WHERE id = ?`, encodeTime(at), id)
}

func (s *SQLStore) ListActionInstances(ctx context.Context, workflowID string) ([]*api.ActionInstance, error) {
	rows, err := s.query(ctx, `SELECT `+actionColumns+` FROM sagaflow_action_instances
		WHERE workflow_id = ? ORDER BY created_at, retry_count, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ActionInstance
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountNotFinishedActions(ctx context.Context, key string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM sagaflow_action_instances WHERE concurrency_key = ? AND state IN (?, ?)`,
		key, string(api.ActionPending), string(api.ActionRunning)).Scan(&n)
	return n, err
}

func (s *SQLStore) IncompleteActionNames(ctx context.Context, names []string, workflowID string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	args := []any{workflowID, string(api.ActionCompleted)}
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := s.query(ctx, `SELECT DISTINCT name FROM sagaflow_action_instances
		WHERE workflow_id = ? AND state = ? AND name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	completed := make(map[string]bool, len(names))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		completed[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	for _, n := range names {
		if !completed[n] {
			out = append(out, n)
		}
	}
	return out, nil
}
