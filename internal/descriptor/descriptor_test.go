package descriptor_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/seantiz/pipelined/internal/descriptor"
)

// stubDescriptor is a minimal Descriptor for registry tests.
type stubDescriptor struct{ name string }

func (s *stubDescriptor) Validate(_ context.Context, _, _ string) error { return nil }
func (s *stubDescriptor) Command(_ descriptor.Invocation) (*exec.Cmd, error) {
	return exec.Command("true"), nil
}
func (s *stubDescriptor) Export(_ context.Context, _, _ string) error { return nil }

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := descriptor.NewRegistry()
	a := &stubDescriptor{name: "a"}
	reg.Register("alpha", a)
	reg.Register("beta", &stubDescriptor{name: "b"})

	got, err := reg.Resolve("alpha")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != a {
		t.Errorf("Resolve returned %v, want %v", got, a)
	}

	types := reg.Types()
	if len(types) != 2 || types[0] != "alpha" || types[1] != "beta" {
		t.Errorf("Types() = %v, want [alpha beta]", types)
	}
}

func TestRegistryResolveUnsupported(t *testing.T) {
	reg := descriptor.NewDefaultRegistry()

	_, err := reg.Resolve("nextflow")
	if !errors.Is(err, descriptor.ErrUnsupportedType) {
		t.Errorf("Resolve error = %v, want ErrUnsupportedType", err)
	}
	for _, typ := range []string{descriptor.TypeBoutiques, descriptor.TypeCWL} {
		if _, err := reg.Resolve(typ); err != nil {
			t.Errorf("default registry missing %q: %v", typ, err)
		}
	}
}

func TestBoutiquesCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	b := &descriptor.Boutiques{Bin: "/opt/bosh"}
	cmd, err := b.Command(descriptor.Invocation{
		UserDataDir:    "/data/alice",
		DescriptorPath: "/data/alice/executions/x/.carmin-files/descriptor.json",
		InputsPath:     "/tmp/inputs.json",
		WorkDir:        "/data/alice/executions/x",
		Stdout:         &stdout,
		Stderr:         &stderr,
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	want := []string{"/opt/bosh", "exec", "launch",
		"/data/alice/executions/x/.carmin-files/descriptor.json", "/tmp/inputs.json",
		"-v", "/data/alice:/data/alice"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", cmd.Args, want)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], want[i])
		}
	}
	if cmd.Dir != "/data/alice/executions/x" {
		t.Errorf("Dir = %q", cmd.Dir)
	}
	if cmd.Stdout != &stdout || cmd.Stderr != &stderr {
		t.Error("stdout/stderr not wired")
	}
}

func TestCommandRequiresPaths(t *testing.T) {
	for _, d := range []descriptor.Descriptor{&descriptor.Boutiques{}, &descriptor.CWL{}} {
		if _, err := d.Command(descriptor.Invocation{}); err == nil {
			t.Errorf("%T.Command with empty invocation should fail", d)
		}
	}
}

func TestValidateExitCodes(t *testing.T) {
	ok := &descriptor.Boutiques{Bin: "true"}
	if err := ok.Validate(context.Background(), "d.json", "i.json"); err != nil {
		t.Errorf("Validate with exit 0: %v", err)
	}

	bad := &descriptor.Boutiques{Bin: "false"}
	err := bad.Validate(context.Background(), "d.json", "i.json")
	if !errors.Is(err, descriptor.ErrInvalidInvocation) {
		t.Errorf("Validate with exit 1 = %v, want ErrInvalidInvocation", err)
	}

	missing := &descriptor.CWL{Bin: "/nonexistent/cwltool"}
	err = missing.Validate(context.Background(), "d.cwl", "i.json")
	if err == nil || errors.Is(err, descriptor.ErrInvalidInvocation) {
		t.Errorf("Validate with missing binary = %v, want launch error", err)
	}
}

func TestCWLExportCopies(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "tool.cwl")
	out := filepath.Join(dir, "exported.cwl")
	if err := os.WriteFile(in, []byte("cwlVersion: v1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := (&descriptor.CWL{}).Export(context.Background(), in, out); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "cwlVersion: v1.0\n" {
		t.Errorf("exported = %q", got)
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(rel string) {
		t.Helper()
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("boutiques/fsl-bet.json")
	mustWrite("cwl/echo.cwl")
	mustWrite("ignored/other.json")

	cat := descriptor.NewCatalog(dir, []string{descriptor.TypeBoutiques, descriptor.TypeCWL})

	p, err := cat.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Type != descriptor.TypeCWL || p.Path != filepath.Join(dir, "cwl/echo.cwl") {
		t.Errorf("Lookup(echo) = %+v", p)
	}

	for _, id := range []string{"other", "../boutiques/fsl-bet", ""} {
		if _, err := cat.Lookup(id); !errors.Is(err, descriptor.ErrPipelineNotFound) {
			t.Errorf("Lookup(%q) error = %v, want ErrPipelineNotFound", id, err)
		}
	}

	all, err := cat.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != "echo" || all[1].ID != "fsl-bet" {
		t.Errorf("List() = %+v", all)
	}
}
