// Package dataset wraps the version-controlled shared data store. The Datalad
// implementation drives the datalad and git-annex command line tools.
package dataset

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSiblingUnspecified is returned by remote operations when no sibling
	// name is configured.
	ErrSiblingUnspecified = errors.New("dataset has no sibling specified")

	// ErrNotInstalled is returned when the directory is not a dataset.
	ErrNotInstalled = errors.New("dataset is not installed")
)

// Dataset is the set of data store operations the server relies on.
type Dataset interface {
	// Path is the dataset root.
	Path() string
	// ObjectsDir is the content-addressed object store of the dataset.
	ObjectsDir() string

	Update(ctx context.Context, sibling string) error
	Publish(ctx context.Context, path, sibling string) error
	Save(ctx context.Context, paths ...string) error
	Get(ctx context.Context, path string) error
	Drop(ctx context.Context, path string) error
	DropUnused(ctx context.Context) error
	DropKey(ctx context.Context, key string) error
}

// OpError records a failed dataset operation.
type OpError struct {
	Op      string
	Path    string
	Sibling string
	Err     error
}

func (e *OpError) Error() string {
	msg := "dataset " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Sibling != "" {
		msg += fmt.Sprintf(" (sibling %s)", e.Sibling)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Transient reports whether retrying may succeed: remote unreachable, merge
// conflict or rejected push, as opposed to a directory that is not a dataset.
func (e *OpError) Transient() bool {
	return !errors.Is(e.Err, ErrNotInstalled) && !errors.Is(e.Err, ErrSiblingUnspecified)
}

// IsTransient reports whether err is a dataset failure worth retrying.
func IsTransient(err error) bool {
	var op *OpError
	if errors.As(err, &op) {
		return op.Transient()
	}
	return false
}
