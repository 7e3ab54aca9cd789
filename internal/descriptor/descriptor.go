package descriptor

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// Descriptor type names.
const (
	TypeBoutiques = "boutiques"
	TypeCWL       = "cwl"
)

var (
	// ErrInvalidInvocation is returned by Validate when the inputs do not
	// satisfy the descriptor.
	ErrInvalidInvocation = errors.New("invalid invocation")

	// ErrUnsupportedType is returned when no variant is registered for a type.
	ErrUnsupportedType = errors.New("unsupported descriptor type")
)

// Descriptor is a pipeline's executable definition in one supported format.
type Descriptor interface {
	// Validate checks that the inputs file is a valid invocation of the
	// descriptor. Failures wrap ErrInvalidInvocation.
	Validate(ctx context.Context, descriptorPath, inputsPath string) error

	// Command builds the worker process for an invocation. The caller owns
	// starting, waiting on and killing the returned command.
	Command(inv Invocation) (*exec.Cmd, error)

	// Export writes the descriptor at in to out in the platform's
	// interchange format.
	Export(ctx context.Context, in, out string) error
}

// Invocation is everything a worker needs to run one execution.
type Invocation struct {
	// UserDataDir is the creator's data directory, exposed to the worker.
	UserDataDir    string
	DescriptorPath string
	// InputsPath points at the inputs file with absolute data paths.
	InputsPath string
	// WorkDir is the execution directory; outputs land here.
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
}
