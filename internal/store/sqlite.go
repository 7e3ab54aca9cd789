package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/pipelined/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    pipeline_id     TEXT NOT NULL,
    descriptor_type TEXT NOT NULL,
    timeout_s       INTEGER,
    status          TEXT NOT NULL,
    study_id        TEXT NOT NULL DEFAULT '',
    error_code      INTEGER,
    creator         TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    started_at      DATETIME,
    finished_at     DATETIME
)`

const createProcessesTable = `
CREATE TABLE IF NOT EXISTS execution_processes (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    pid          INTEGER NOT NULL,
    is_execution BOOLEAN NOT NULL,
    PRIMARY KEY (execution_id, pid)
)`

const executionColumns = `id, name, pipeline_id, descriptor_type, timeout_s, status,
	study_id, error_code, creator, created_at, updated_at, started_at, finished_at`

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
//
// The pool is capped at a single connection: every transaction holds the only
// writer, which serializes the read-modify-commit sequences of the kill path
// and the supervising goroutines.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	for _, ddl := range []string{createExecutionsTable, createProcessesTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.PipelineID, e.DescriptorType, e.TimeoutS, e.Status,
		e.StudyID, e.ErrorCode, e.Creator, e.CreatedAt, e.UpdatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	err := row.Scan(
		&e.ID, &e.Name, &e.PipelineID, &e.DescriptorType, &e.TimeoutS, &e.Status,
		&e.StudyID, &e.ErrorCode, &e.Creator, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.FinishedAt,
	)
	return e, err
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of the creator's executions ordered by
// created_at DESC, along with the creator's total execution count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, creator string, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE creator = ?", creator,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE creator = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, creator, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// CountExecutions returns the number of executions owned by creator.
func (s *SQLiteStore) CountExecutions(ctx context.Context, creator string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE creator = ?", creator,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// withTx runs fn inside a read-write transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// transition checks the status graph and writes the new status. extra, when
// non-empty, is appended to the SET clause with its args.
func transition(ctx context.Context, tx *sql.Tx, id, to string, extra string, args ...any) error {
	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := "UPDATE executions SET status = ?, updated_at = ?"
	params := []any{to, time.Now().UTC()}
	if extra != "" {
		query += ", " + extra
		params = append(params, args...)
	}
	query += " WHERE id = ?"
	params = append(params, id)

	if _, err := tx.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return nil
}

// UpdateExecutionStatus moves the execution to status if the transition is legal.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transition(ctx, tx, id, status, "")
	})
}

// StartExecution transitions the execution to Running and sets started_at.
func (s *SQLiteStore) StartExecution(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transition(ctx, tx, id, model.StatusRunning, "started_at = ?, finished_at = NULL", at)
	})
}

// FinishExecution deletes the execution's process rows and sets its terminal
// status and finished_at in one transaction. If the execution already left
// Running (a concurrent kill), the existing status is kept and only a missing
// finished_at is filled in.
func (s *SQLiteStore) FinishExecution(ctx context.Context, id, status string, at time.Time) (string, error) {
	var final string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM execution_processes WHERE execution_id = ?", id,
		); err != nil {
			return fmt.Errorf("delete processes: %w", err)
		}

		from, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}

		if from == model.StatusRunning {
			final = status
			return transition(ctx, tx, id, status, "finished_at = ?", at)
		}

		final = from
		if model.IsTerminal(from) {
			if _, err := tx.ExecContext(ctx,
				"UPDATE executions SET finished_at = ?, updated_at = ? WHERE id = ? AND finished_at IS NULL",
				at, time.Now().UTC(), id,
			); err != nil {
				return fmt.Errorf("set finished_at: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// KillExecution marks a Running execution as Killed and deletes its process
// rows. It returns ErrNotRunning if the execution is in any other status and
// ErrFinishing if no process rows are left.
func (s *SQLiteStore) KillExecution(ctx context.Context, id string) ([]model.ExecutionProcess, error) {
	var procs []model.ExecutionProcess
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.StatusRunning {
			return fmt.Errorf("%w: current status %s", ErrNotRunning, status)
		}

		procs, err = listProcesses(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(procs) == 0 {
			return ErrFinishing
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM execution_processes WHERE execution_id = ?", id,
		); err != nil {
			return fmt.Errorf("delete processes: %w", err)
		}
		return transition(ctx, tx, id, model.StatusKilled, "")
	})
	if err != nil {
		return nil, err
	}
	return procs, nil
}

// AddProcess records a tracked process. The execution must not have reached a
// terminal status, otherwise ErrNotRunning is returned and nothing is written.
func (s *SQLiteStore) AddProcess(ctx context.Context, p model.ExecutionProcess) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := currentStatus(ctx, tx, p.ExecutionID)
		if err != nil {
			return err
		}
		if model.IsTerminal(status) {
			return fmt.Errorf("%w: current status %s", ErrNotRunning, status)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO execution_processes (execution_id, pid, is_execution) VALUES (?, ?, ?)",
			p.ExecutionID, p.PID, p.IsExecution,
		); err != nil {
			return fmt.Errorf("insert process: %w", err)
		}
		return nil
	})
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listProcesses(ctx context.Context, q queryer, executionID string) ([]model.ExecutionProcess, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT execution_id, pid, is_execution FROM execution_processes WHERE execution_id = ? ORDER BY pid",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var procs []model.ExecutionProcess
	for rows.Next() {
		var p model.ExecutionProcess
		if err := rows.Scan(&p.ExecutionID, &p.PID, &p.IsExecution); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return procs, nil
}

// ListProcesses returns the tracked processes of an execution.
func (s *SQLiteStore) ListProcesses(ctx context.Context, executionID string) ([]model.ExecutionProcess, error) {
	return listProcesses(ctx, s.db, executionID)
}

// RunningCreators returns the distinct creators of Running executions.
func (s *SQLiteStore) RunningCreators(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT creator FROM executions WHERE status = ? ORDER BY creator",
		model.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("query running creators: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan creator: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate creators: %w", err)
	}
	return users, nil
}
