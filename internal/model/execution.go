package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Execution status constants. The values match the CARMIN API status names.
const (
	StatusInitializing         = "Initializing"
	StatusRunning              = "Running"
	StatusFinished             = "Finished"
	StatusInitializationFailed = "InitializationFailed"
	StatusExecutionFailed      = "ExecutionFailed"
	StatusKilled               = "Killed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// InitializationFailed -> Running is only taken by a replay.
var validTransitions = map[string]map[string]bool{
	StatusInitializing: {
		StatusRunning:              true,
		StatusInitializationFailed: true,
	},
	StatusInitializationFailed: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusFinished:        true,
		StatusExecutionFailed: true,
		StatusKilled:          true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusExecutionFailed, StatusKilled:
		return true
	}
	return false
}

// Replayable reports whether an execution in status may be (re)started.
func Replayable(status string) bool {
	return status == StatusInitializing || status == StatusInitializationFailed
}

// Execution is one run of a pipeline against a set of inputs.
type Execution struct {
	ID             string     `json:"identifier"`
	Name           string     `json:"name"`
	PipelineID     string     `json:"pipelineIdentifier"`
	DescriptorType string     `json:"descriptorType"`
	TimeoutS       *int       `json:"timeout,omitempty"`
	Status         string     `json:"status"`
	StudyID        string     `json:"studyIdentifier,omitempty"`
	ErrorCode      *int       `json:"errorCode,omitempty"`
	StartedAt      *time.Time `json:"startDate,omitempty"`
	FinishedAt     *time.Time `json:"endDate,omitempty"`
	Creator        string     `json:"creator"`
	CreatedAt      time.Time  `json:"createdDate"`
	UpdatedAt      time.Time  `json:"lastUpdate"`
}

// NewID returns a fresh execution identifier. ULIDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// ExecutionProcess tracks one OS process belonging to an execution.
// IsExecution is false for the supervising entry and true for the worker.
type ExecutionProcess struct {
	ExecutionID string `json:"execution_id"`
	PID         int    `json:"pid"`
	IsExecution bool   `json:"is_execution"`
}

// Workers filters procs down to the worker entries.
func Workers(procs []ExecutionProcess) []ExecutionProcess {
	var out []ExecutionProcess
	for _, p := range procs {
		if p.IsExecution {
			out = append(out, p)
		}
	}
	return out
}
