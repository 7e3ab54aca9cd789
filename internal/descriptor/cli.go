package descriptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

const (
	defaultBosh    = "bosh"
	defaultCWLTool = "cwltool"
)

// Boutiques runs Boutiques descriptors through the bosh CLI.
type Boutiques struct {
	// Bin overrides the bosh executable.
	Bin string
}

var _ Descriptor = (*Boutiques)(nil)

func (b *Boutiques) bin() string {
	if b.Bin != "" {
		return b.Bin
	}
	return defaultBosh
}

// Validate runs "bosh invocation" against the inputs.
func (b *Boutiques) Validate(ctx context.Context, descriptorPath, inputsPath string) error {
	return runValidation(ctx, b.bin(), "invocation", descriptorPath, "-i", inputsPath)
}

// Command builds "bosh exec launch", mounting the user's data directory at the
// same path inside the container.
func (b *Boutiques) Command(inv Invocation) (*exec.Cmd, error) {
	if inv.DescriptorPath == "" || inv.InputsPath == "" {
		return nil, fmt.Errorf("boutiques: descriptor and inputs are required")
	}
	args := []string{"exec", "launch", inv.DescriptorPath, inv.InputsPath}
	if inv.UserDataDir != "" {
		args = append(args, "-v", inv.UserDataDir+":"+inv.UserDataDir)
	}
	return newCommand(b.bin(), args, inv), nil
}

// Export converts the descriptor to a CARMIN pipeline description.
func (b *Boutiques) Export(ctx context.Context, in, out string) error {
	cmd := exec.CommandContext(ctx, b.bin(), "export", "carmin", in, out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("bosh export %s: %w: %s", in, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CWL runs Common Workflow Language descriptors through cwltool.
type CWL struct {
	// Bin overrides the cwltool executable.
	Bin string
}

var _ Descriptor = (*CWL)(nil)

func (c *CWL) bin() string {
	if c.Bin != "" {
		return c.Bin
	}
	return defaultCWLTool
}

// Validate runs "cwltool --validate" with the job order file.
func (c *CWL) Validate(ctx context.Context, descriptorPath, inputsPath string) error {
	return runValidation(ctx, c.bin(), "--validate", descriptorPath, inputsPath)
}

// Command builds a cwltool run writing its outputs to the work directory.
func (c *CWL) Command(inv Invocation) (*exec.Cmd, error) {
	if inv.DescriptorPath == "" || inv.InputsPath == "" {
		return nil, fmt.Errorf("cwl: descriptor and inputs are required")
	}
	args := []string{"--outdir", inv.WorkDir, inv.DescriptorPath, inv.InputsPath}
	return newCommand(c.bin(), args, inv), nil
}

// Export copies the descriptor: CWL documents are published as-is.
func (c *CWL) Export(_ context.Context, in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open descriptor: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy descriptor: %w", err)
	}
	return dst.Close()
}

func newCommand(bin string, args []string, inv Invocation) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Dir = inv.WorkDir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	return cmd
}

// runValidation runs a validator command. A non-zero exit is an invalid
// invocation carrying the tool's output; failing to launch it is not.
func runValidation(ctx context.Context, bin string, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%w: %s", ErrInvalidInvocation, strings.TrimSpace(out.String()))
	}
	return fmt.Errorf("run %s: %w", bin, err)
}
