// Package workspace knows where execution files live inside the shared data
// directory and prepares the files a worker is launched with.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	executionsDirName = "executions"
	carminDirName     = ".carmin-files"

	// StdoutFileName and StderrFileName hold the worker's captured streams.
	StdoutFileName     = "stdout.txt"
	StderrFileName     = "stderr.txt"
	descriptorFileName = "descriptor.json"
	inputsFileName     = "inputs.json"
)

var (
	// ErrUnsafePath is returned when a path would escape the data directory.
	ErrUnsafePath = errors.New("path escapes data directory")

	// ErrInvalidUser is returned for user names that are not a single path
	// segment.
	ErrInvalidUser = errors.New("invalid user name")
)

// ValidateUser accepts names usable as one directory under DataDir.
func ValidateUser(user string) error {
	if !isSegment(user) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}
	return nil
}

func isSegment(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

// Layout maps users and executions to paths under DataDir:
//
//	<data>/<user>/executions/<id>/                 working directory
//	<data>/<user>/executions/<id>/.carmin-files/   descriptor, inputs, stdout, stderr
type Layout struct {
	DataDir string
}

// UserDir is the user's data directory, the unit saved by a safety save.
func (l Layout) UserDir(user string) string {
	return filepath.Join(l.DataDir, user)
}

// ExecutionDir is the execution's working directory.
func (l Layout) ExecutionDir(user, id string) string {
	return filepath.Join(l.UserDir(user), executionsDirName, id)
}

// CarminDir holds the platform-managed files of an execution.
func (l Layout) CarminDir(user, id string) string {
	return filepath.Join(l.ExecutionDir(user, id), carminDirName)
}

// StdoutPath is the captured standard output of the worker.
func (l Layout) StdoutPath(user, id string) string {
	return filepath.Join(l.CarminDir(user, id), StdoutFileName)
}

// StderrPath is the captured standard error of the worker.
func (l Layout) StderrPath(user, id string) string {
	return filepath.Join(l.CarminDir(user, id), StderrFileName)
}

// DescriptorPath is the execution's private copy of the pipeline descriptor.
func (l Layout) DescriptorPath(user, id string) string {
	return filepath.Join(l.CarminDir(user, id), descriptorFileName)
}

// InputsPath is the inputs file as submitted by the client.
func (l Layout) InputsPath(user, id string) string {
	return filepath.Join(l.CarminDir(user, id), inputsFileName)
}

// Within resolves rel against DataDir, refusing results outside of it.
func (l Layout) Within(rel string) (string, error) {
	root := filepath.Clean(l.DataDir)
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return abs, nil
}

// Prepare creates the execution directory, writes the inputs file and copies
// the descriptor. On failure nothing is left behind.
func (l Layout) Prepare(user, id, descriptorSrc string, inputs []byte) (err error) {
	if err := l.checkExecution(user, id); err != nil {
		return err
	}
	carmin := l.CarminDir(user, id)
	if err := os.MkdirAll(carmin, 0o755); err != nil {
		return fmt.Errorf("create execution directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(l.ExecutionDir(user, id))
		}
	}()

	if err := os.WriteFile(l.InputsPath(user, id), inputs, 0o644); err != nil {
		return fmt.Errorf("write inputs: %w", err)
	}
	if err := copyFile(descriptorSrc, l.DescriptorPath(user, id)); err != nil {
		return fmt.Errorf("copy descriptor: %w", err)
	}
	return nil
}

// Remove deletes the execution directory.
func (l Layout) Remove(user, id string) error {
	if err := l.checkExecution(user, id); err != nil {
		return err
	}
	return os.RemoveAll(l.ExecutionDir(user, id))
}

// checkExecution refuses execution directories outside DataDir.
func (l Layout) checkExecution(user, id string) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	if !isSegment(id) {
		return fmt.Errorf("%w: execution %q", ErrUnsafePath, id)
	}
	_, err := l.Within(filepath.ToSlash(filepath.Join(user, executionsDirName, id)))
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
