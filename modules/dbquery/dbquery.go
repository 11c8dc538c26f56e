// Package dbquery implements the database-query node type for the sqlite3
// and postgres drivers.
package dbquery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Statement modes.
const (
	ModeQuery = "query"
	ModeExec  = "exec"
)

const (
	defaultMaxRows       = 1000
	defaultDSNCredential = "dsn"
)

func init() {
	intHandler.Register(workflow.NodeDatabaseQuery, New)
}

// Handler runs one SQL statement.
//
// Config:
//
//	driver           sqlite3 | postgres
//	dsn              used when the dsn credential is absent
//	dsn_credential   credential holding the DSN, default "dsn"
//	query            the statement; placeholders are driver-native (? or $1)
//	args             positional arguments
//	mode             query | exec; inferred from the statement when unset
//	max_rows         row cap for query mode, default 1000
//	compensate       statement run by Compensate, with compensate_args
type Handler struct {
	pools *poolCache
}

// New is the handler factory. Connection pools are shared between
// instances.
func New() handler.Handler {
	return &Handler{pools: sharedPools}
}

type statement struct {
	driver string
	dsn    string
	query  string
	args   []interface{}
	mode   string
}

func parseStatement(cfg map[string]interface{}, creds map[string]string, queryKey, argsKey string) (*statement, error) {
	driver, err := paramutil.GetRequiredString(cfg, "driver")
	if err != nil {
		return nil, err
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'driver' must be %s or %s, got '%s'", DriverSQLite, DriverPostgres, driver), nil)
	}
	credName, err := paramutil.GetStringDefault(cfg, "dsn_credential", defaultDSNCredential)
	if err != nil {
		return nil, err
	}
	dsn := creds[credName]
	if dsn == "" {
		if dsn, err = paramutil.GetStringDefault(cfg, "dsn", ""); err != nil {
			return nil, err
		}
	}
	if dsn == "" {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("database-query needs a DSN in credential '%s' or config 'dsn'", credName), nil)
	}
	query, err := paramutil.GetRequiredString(cfg, queryKey)
	if err != nil {
		return nil, err
	}
	var args []interface{}
	if _, ok := cfg[argsKey]; ok {
		if args, err = paramutil.GetRequiredSlice(cfg, argsKey); err != nil {
			return nil, err
		}
	}
	return &statement{driver: driver, dsn: dsn, query: query, args: args}, nil
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	stmt, err := parseStatement(cfg, req.Credentials, "query", "args")
	if err != nil {
		return nil, err
	}
	stmt.mode, err = paramutil.GetStringDefault(cfg, "mode", InferMode(stmt.query))
	if err != nil {
		return nil, err
	}
	if stmt.mode != ModeQuery && stmt.mode != ModeExec {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'mode' must be query or exec, got '%s'", stmt.mode), nil)
	}
	maxRows, err := paramutil.GetIntDefault(cfg, "max_rows", defaultMaxRows)
	if err != nil {
		return nil, err
	}

	if stmt.mode == ModeExec && handler.IsDryRun(ctx) {
		req.Logger.Infof("dry run: skipping %s statement", stmt.driver)
		return map[string]interface{}{"dry_run": true, "mode": ModeExec}, nil
	}

	db, err := h.pools.get(stmt.driver, stmt.dsn)
	if err != nil {
		return nil, err
	}
	if stmt.mode == ModeQuery {
		return queryRows(ctx, db, stmt, maxRows)
	}
	return execStatement(ctx, db, stmt)
}

// Compensate runs the configured compensate statement, if any.
func (h *Handler) Compensate(ctx context.Context, req *handler.Request, output interface{}) error {
	cfg := req.Node.Config
	if s, _, _ := paramutil.GetOptionalString(cfg, "compensate"); s == "" {
		return nil
	}
	stmt, err := parseStatement(cfg, req.Credentials, "compensate", "compensate_args")
	if err != nil {
		return err
	}
	db, err := h.pools.get(stmt.driver, stmt.dsn)
	if err != nil {
		return err
	}
	_, err = execStatement(ctx, db, stmt)
	return err
}

// InferMode picks query for statements that return rows.
func InferMode(query string) string {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"SELECT", "WITH", "PRAGMA", "SHOW", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(q, kw) {
			return ModeQuery
		}
	}
	if strings.Contains(q, " RETURNING ") {
		return ModeQuery
	}
	return ModeExec
}

func queryRows(ctx context.Context, db *sql.DB, stmt *statement, maxRows int) (interface{}, error) {
	rows, err := db.QueryContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, 0)
	truncated := false
	for rows.Next() {
		if maxRows > 0 && len(result) >= maxRows {
			truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = convert(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cols := make([]interface{}, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	return map[string]interface{}{
		"rows":      result,
		"count":     len(result),
		"columns":   cols,
		"truncated": truncated,
	}, nil
}

func execStatement(ctx context.Context, db *sql.DB, stmt *statement) (interface{}, error) {
	res, err := db.ExecContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if n, err := res.RowsAffected(); err == nil {
		out["rows_affected"] = n
	}
	// lib/pq does not support LastInsertId.
	if stmt.driver == DriverSQLite {
		if id, err := res.LastInsertId(); err == nil {
			out["last_insert_id"] = id
		}
	}
	return out, nil
}

func convert(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return t
	}
}

var (
	_ handler.Handler     = (*Handler)(nil)
	_ handler.Compensator = (*Handler)(nil)
)
