package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	defaultDatalad  = "datalad"
	defaultGitAnnex = "git-annex"
)

// Compile-time interface satisfaction check.
var _ Dataset = (*Datalad)(nil)

// Datalad is a Dataset backed by a DataLad dataset on the local filesystem.
type Datalad struct {
	root     string
	datalad  string
	gitAnnex string
}

// Option configures a Datalad dataset.
type Option func(*Datalad)

// WithBinaries overrides the datalad and git-annex executables.
func WithBinaries(datalad, gitAnnex string) Option {
	return func(d *Datalad) {
		if datalad != "" {
			d.datalad = datalad
		}
		if gitAnnex != "" {
			d.gitAnnex = gitAnnex
		}
	}
}

// Open returns the dataset rooted at root, or ErrNotInstalled if root does
// not hold an annexed git repository.
func Open(root string, opts ...Option) (*Datalad, error) {
	d := &Datalad{
		root:     filepath.Clean(root),
		datalad:  defaultDatalad,
		gitAnnex: defaultGitAnnex,
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.installed() {
		return nil, &OpError{Op: "open", Path: root, Err: ErrNotInstalled}
	}
	return d, nil
}

func (d *Datalad) installed() bool {
	info, err := os.Stat(filepath.Join(d.root, ".git", "annex"))
	return err == nil && info.IsDir()
}

// Path returns the dataset root.
func (d *Datalad) Path() string { return d.root }

// ObjectsDir returns the git-annex object directory.
func (d *Datalad) ObjectsDir() string {
	return filepath.Join(d.root, ".git", "annex", "objects")
}

// Update pulls from sibling and merges, stopping at the first failure.
func (d *Datalad) Update(ctx context.Context, sibling string) error {
	if sibling == "" {
		return &OpError{Op: "update", Err: ErrSiblingUnspecified}
	}
	return d.run(ctx, "update", ".", sibling, d.datalad,
		"update", "--sibling", sibling, "--merge", "--on-failure", "stop", ".")
}

// Publish pushes path (the whole dataset when empty) to sibling.
func (d *Datalad) Publish(ctx context.Context, path, sibling string) error {
	if sibling == "" {
		return &OpError{Op: "publish", Path: path, Err: ErrSiblingUnspecified}
	}
	args := []string{"push", "--to", sibling}
	if path != "" {
		args = append(args, path)
	}
	return d.run(ctx, "publish", path, sibling, d.datalad, args...)
}

// Save records the current state of paths in the dataset history.
func (d *Datalad) Save(ctx context.Context, paths ...string) error {
	args := append([]string{"save", "--message", "pipelined: save"}, paths...)
	return d.run(ctx, "save", strings.Join(paths, " "), "", d.datalad, args...)
}

// Get retrieves the content of path from wherever it is available.
func (d *Datalad) Get(ctx context.Context, path string) error {
	return d.run(ctx, "get", path, "", d.datalad, "get", path)
}

// Drop removes the local content of path once it is safely stored elsewhere.
func (d *Datalad) Drop(ctx context.Context, path string) error {
	return d.run(ctx, "drop", path, "", d.datalad, "drop", path)
}

// DropUnused drops objects no longer referenced by any commit.
func (d *Datalad) DropUnused(ctx context.Context) error {
	if err := d.run(ctx, "unused", "", "", d.gitAnnex, "unused"); err != nil {
		return err
	}
	return d.run(ctx, "dropunused", "", "", d.gitAnnex, "dropunused", "all")
}

// DropKey drops a single annexed object by key.
func (d *Datalad) DropKey(ctx context.Context, key string) error {
	return d.run(ctx, "drop-key", key, "", d.gitAnnex, "drop", "--key", key)
}

func (d *Datalad) run(ctx context.Context, op, path, sibling, bin string, args ...string) error {
	if !d.installed() {
		return &OpError{Op: op, Path: path, Sibling: sibling, Err: ErrNotInstalled}
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = d.root
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%s exited with code %d: %s", filepath.Base(bin), exitErr.ExitCode(), strings.TrimSpace(out.String()))
		}
		return &OpError{Op: op, Path: path, Sibling: sibling, Err: err}
	}
	return nil
}
