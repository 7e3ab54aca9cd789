package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/pipelined/internal/model"
)

var (
	// ErrInvalidTransition is returned when an execution status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotRunning is returned when an operation requires a Running execution.
	ErrNotRunning = errors.New("execution is not running")

	// ErrFinishing is returned by KillExecution when a Running execution has no
	// tracked processes left: it is committing its terminal status.
	ErrFinishing = errors.New("execution is finishing")
)

// Store defines the persistence operations for executions and their processes.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, creator string, limit, offset int) ([]*model.Execution, int, error)
	CountExecutions(ctx context.Context, creator string) (int, error)

	// UpdateExecutionStatus moves an execution along the status graph.
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	// StartExecution transitions to Running and records the start time.
	StartExecution(ctx context.Context, id string, at time.Time) error
	// FinishExecution deletes every process row of the execution and, if it is
	// still Running, applies status. It returns the status left in place.
	FinishExecution(ctx context.Context, id, status string, at time.Time) (string, error)
	// KillExecution marks a Running execution Killed and deletes its process
	// rows, returning the rows that were deleted.
	KillExecution(ctx context.Context, id string) ([]model.ExecutionProcess, error)

	AddProcess(ctx context.Context, p model.ExecutionProcess) error
	ListProcesses(ctx context.Context, executionID string) ([]model.ExecutionProcess, error)

	// RunningCreators lists users owning at least one Running execution.
	RunningCreators(ctx context.Context) ([]string, error)

	Close() error
}
