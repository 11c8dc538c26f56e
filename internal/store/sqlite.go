package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	rwstore "github.com/gxo-labs/runway/pkg/runway/v1/store"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements store.Store on a SQLite database. Records are kept
// as JSON documents next to the columns needed for lookups and ordering.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates a database at path and ensures the schema
// exists. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			body BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			body BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS executions_by_workflow
			ON executions (workflow_id, created_at DESC, execution_id DESC);

		CREATE TABLE IF NOT EXISTS execution_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			body BLOB NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id)
		);

		CREATE INDEX IF NOT EXISTS execution_logs_by_execution
			ON execution_logs (execution_id, seq);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflows WHERE workflow_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rwerrors.NewWorkflowNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return decodeWorkflow(body)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return rwerrors.NewValidationError("workflow must have an id", nil)
	}
	body, err := encode(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, body) VALUES (?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET body = excluded.body`,
		wf.ID, body)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM workflows ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf, err := decodeWorkflow(body)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return rwerrors.NewValidationError("execution must have an id", nil)
	}
	body, err := encode(exec)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_id, status, created_at, body)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO NOTHING`,
		exec.ID, exec.WorkflowID, string(exec.Status), exec.CreatedAt.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rwerrors.NewValidationError("execution already exists: "+exec.ID, nil)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	return getExecutionRow(s.db.QueryRowContext(ctx, `SELECT body FROM executions WHERE execution_id = ?`, id), id)
}

func getExecutionRow(row *sql.Row, id string) (*workflow.Execution, error) {
	var body []byte
	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rwerrors.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return decodeExecution(body)
}

// UpdateExecution reads, mutates and writes the execution in one transaction.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, mutate rwstore.MutateFunc) (*workflow.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exec, err := getExecutionRow(tx.QueryRowContext(ctx, `SELECT body FROM executions WHERE execution_id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := mutate(exec); err != nil {
		return nil, err
	}
	body, err := encode(exec)
	if err != nil {
		return nil, fmt.Errorf("encode execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, body = ? WHERE execution_id = ?`,
		string(exec.Status), body, id); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution update: %w", err)
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, workflowID string, offset, limit int) ([]*workflow.Execution, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ?`, workflowID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}
	if offset < 0 {
		offset = 0
	}
	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM executions WHERE workflow_id = ?
		 ORDER BY created_at DESC, execution_id DESC
		 LIMIT ? OFFSET ?`,
		workflowID, sqlLimit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		exec, err := decodeExecution(body)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, exec)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, executionID string, entries ...workflow.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireExecution(ctx, tx, executionID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO execution_logs (execution_id, body) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		body, err := encode(entry)
		if err != nil {
			return fmt.Errorf("encode log entry: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, executionID, body); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadLog(ctx context.Context, executionID string) ([]workflow.LogEntry, error) {
	if err := requireExecution(ctx, s.db, executionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM execution_logs WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()

	out := []workflow.LogEntry{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry, err := decodeLogEntry(body)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func requireExecution(ctx context.Context, q queryRower, executionID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE execution_id = ?`, executionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return rwerrors.NewExecutionNotFoundError(executionID)
	}
	if err != nil {
		return fmt.Errorf("lookup execution: %w", err)
	}
	return nil
}

var _ rwstore.Store = (*SQLiteStore)(nil)
