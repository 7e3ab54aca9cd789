package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/pipelined/internal/descriptor"
	"github.com/seantiz/pipelined/internal/engine"
	"github.com/seantiz/pipelined/internal/model"
	"github.com/seantiz/pipelined/internal/proctree"
	"github.com/seantiz/pipelined/internal/store"
	"github.com/seantiz/pipelined/internal/workspace"
)

const (
	stubType = "stub"
	alice    = "alice"
)

// stubDescriptor runs a shell script as the worker.
type stubDescriptor struct {
	script      string
	validateErr error
}

func (d *stubDescriptor) Validate(context.Context, string, string) error {
	return d.validateErr
}

func (d *stubDescriptor) Command(inv descriptor.Invocation) (*exec.Cmd, error) {
	cmd := exec.Command("sh", "-c", d.script)
	cmd.Dir = inv.WorkDir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	return cmd, nil
}

func (d *stubDescriptor) Export(_ context.Context, in, out string) error {
	b, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, []byte(strings.ToUpper(string(b))), 0o644)
}

type recordingPublisher struct {
	mu    sync.Mutex
	paths []string
}

func (p *recordingPublisher) PublishPath(_ context.Context, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
}

func (p *recordingPublisher) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

type testEnv struct {
	eng    *engine.Engine
	store  store.Store
	layout workspace.Layout
}

func newTestEngine(t *testing.T, desc descriptor.Descriptor, cfg engine.Config) testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	root := t.TempDir()
	pipelines := filepath.Join(root, "pipelines")
	if err := os.MkdirAll(filepath.Join(pipelines, stubType), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pipelines, stubType, "p1.json"), []byte(`{"name":"p1"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg := descriptor.NewRegistry()
	reg.Register(stubType, desc)
	cat := descriptor.NewCatalog(pipelines, reg.Types())
	layout := workspace.Layout{DataDir: filepath.Join(root, "data")}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	term, err := proctree.New(logger, 2*time.Second)
	if err != nil {
		t.Fatalf("proctree.New: %v", err)
	}

	eng := engine.NewEngine(s, reg, cat, layout, term, cfg, logger)
	t.Cleanup(eng.Wait)
	return testEnv{eng: eng, store: s, layout: layout}
}

func (env testEnv) create(t *testing.T, timeoutS *int) *model.Execution {
	t.Helper()
	ex := &model.Execution{
		Name:       "run",
		PipelineID: "p1",
		TimeoutS:   timeoutS,
		Creator:    alice,
	}
	if err := env.eng.Create(context.Background(), ex, []byte(`{"x": 1}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ex
}

func (env testEnv) play(t *testing.T, ex *model.Execution) {
	t.Helper()
	if err := env.eng.Play(context.Background(), ex.ID, alice); err != nil {
		t.Fatalf("Play: %v", err)
	}
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ex, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if ex.Status == expected {
			return ex
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

// waitForWorker polls the store until the worker process is recorded.
func waitForWorker(t *testing.T, s store.Store, id string) model.ExecutionProcess {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		procs, err := s.ListProcesses(context.Background(), id)
		if err != nil {
			t.Fatalf("ListProcesses: %v", err)
		}
		if w := model.Workers(procs); len(w) > 0 {
			return w[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker of %s was never recorded", id)
	return model.ExecutionProcess{}
}

func assertNoProcesses(t *testing.T, s store.Store, id string) {
	t.Helper()
	procs, err := s.ListProcesses(context.Background(), id)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("process rows = %v, want none", procs)
	}
}

// childPIDFile is where test scripts record the PID of a forked child.
const childPIDFile = "child.pid"

// readChildPID waits for a test script to record its background child.
func readChildPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 {
				return pid
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no child pid recorded in %s", path)
	return 0
}

// assertProcessDead fails unless pid exits, or is left as a zombie, within
// a grace period.
func assertProcessDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err == nil {
			// The state follows the parenthesized command name.
			if i := strings.LastIndexByte(string(stat), ')'); i >= 0 {
				if fields := strings.Fields(string(stat[i+1:])); len(fields) > 0 && fields[0] == "Z" {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d still alive", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

func TestCreatePreparesExecution(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})
	ex := env.create(t, nil)

	got, err := env.store.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusInitializing {
		t.Errorf("status = %q, want Initializing", got.Status)
	}
	if got.DescriptorType != stubType {
		t.Errorf("descriptor type = %q, want %q", got.DescriptorType, stubType)
	}
	if s := readFile(t, env.layout.InputsPath(alice, ex.ID)); s != `{"x": 1}` {
		t.Errorf("inputs = %q", s)
	}
	if s := readFile(t, env.layout.DescriptorPath(alice, ex.ID)); s != `{"name":"p1"}` {
		t.Errorf("descriptor = %q", s)
	}
}

func TestCreateRejects(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{MinTimeoutS: 5, MaxTimeoutS: 60})

	tests := []struct {
		name     string
		pipeline string
		timeout  int
		wantErr  error
		creator  string
	}{
		{"timeout too long", "p1", 120, engine.ErrInvalidTimeout, ""},
		{"timeout too short", "p1", 1, engine.ErrInvalidTimeout, ""},
		{"negative timeout", "p1", -1, engine.ErrInvalidTimeout, ""},
		{"unknown pipeline", "nope", 10, descriptor.ErrPipelineNotFound, ""},
		{"traversal", "../p1", 10, descriptor.ErrPipelineNotFound, ""},
		{"escaping creator", "p1", 10, workspace.ErrInvalidUser, "../../escaped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			creator := tt.creator
			if creator == "" {
				creator = alice
			}
			ex := &model.Execution{Name: "run", PipelineID: tt.pipeline, TimeoutS: &timeout, Creator: creator}
			err := env.eng.Create(context.Background(), ex, []byte(`{}`))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(env.layout.DataDir)), "escaped")); !os.IsNotExist(err) {
		t.Errorf("directory created outside the data dir: %v", err)
	}

	n, err := env.store.CountExecutions(context.Background(), alice)
	if err != nil {
		t.Fatalf("CountExecutions: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestExecutionFinished(t *testing.T) {
	pub := &recordingPublisher{}
	env := newTestEngine(t, &stubDescriptor{script: "echo hello; echo oops >&2"}, engine.Config{Publisher: pub})
	ex := env.create(t, nil)
	env.play(t, ex)

	got := waitForStatus(t, env.store, ex.ID, model.StatusFinished, 5*time.Second)
	env.eng.Wait()

	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("started_at = %v, finished_at = %v, want both set", got.StartedAt, got.FinishedAt)
	}
	if got.FinishedAt.Before(*got.StartedAt) {
		t.Errorf("finished_at %v before started_at %v", got.FinishedAt, got.StartedAt)
	}
	if s := readFile(t, env.layout.StdoutPath(alice, ex.ID)); s != "hello\n" {
		t.Errorf("stdout = %q", s)
	}
	if s := readFile(t, env.layout.StderrPath(alice, ex.ID)); s != "oops\n" {
		t.Errorf("stderr = %q", s)
	}
	assertNoProcesses(t, env.store, ex.ID)

	resolved, _ := filepath.Glob(filepath.Join(env.layout.CarminDir(alice, ex.ID), "inputs-resolved-*"))
	if len(resolved) != 0 {
		t.Errorf("resolved inputs left behind: %v", resolved)
	}

	want := []string{env.layout.ExecutionDir(alice, ex.ID)}
	if got := pub.Paths(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("published = %v, want %v", got, want)
	}
}

func TestExecutionFailedExitCode(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "exit 3"}, engine.Config{})
	ex := env.create(t, nil)
	env.play(t, ex)

	got := waitForStatus(t, env.store, ex.ID, model.StatusExecutionFailed, 5*time.Second)
	env.eng.Wait()
	if got.FinishedAt == nil {
		t.Error("finished_at is nil")
	}
	assertNoProcesses(t, env.store, ex.ID)
}

func TestExecutionTimeout(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "sleep 5 & echo $! > " + childPIDFile + "; wait"}, engine.Config{})
	timeout := 1
	ex := env.create(t, &timeout)

	start := time.Now()
	env.play(t, ex)
	got := waitForStatus(t, env.store, ex.ID, model.StatusExecutionFailed, 4*time.Second)
	env.eng.Wait()

	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at is nil")
	}
	stderr := readFile(t, env.layout.StderrPath(alice, ex.ID))
	if !strings.Contains(stderr, "Execution timed out after 1 seconds") {
		t.Errorf("stderr = %q, want timeout message", stderr)
	}
	assertNoProcesses(t, env.store, ex.ID)
	assertProcessDead(t, readChildPID(t, filepath.Join(env.layout.ExecutionDir(alice, ex.ID), childPIDFile)))
}

func TestDefaultTimeoutApplies(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "sleep 5"}, engine.Config{DefaultTimeoutS: 1})
	ex := env.create(t, nil)
	env.play(t, ex)

	waitForStatus(t, env.store, ex.ID, model.StatusExecutionFailed, 4*time.Second)
	env.eng.Wait()
	if !strings.Contains(readFile(t, env.layout.StderrPath(alice, ex.ID)), "timed out") {
		t.Error("stderr has no timeout message")
	}
}

func TestKillRunningExecution(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "sleep 30 & echo $! > " + childPIDFile + "; sleep 30; wait"}, engine.Config{})
	ex := env.create(t, nil)
	env.play(t, ex)

	worker := waitForWorker(t, env.store, ex.ID)
	if worker.PID == os.Getpid() {
		t.Fatal("worker recorded with the server pid")
	}
	child := readChildPID(t, filepath.Join(env.layout.ExecutionDir(alice, ex.ID), childPIDFile))
	// Let the shell fork its foreground sleep too.
	time.Sleep(100 * time.Millisecond)

	if err := env.eng.Kill(context.Background(), ex.ID, alice); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	got, err := env.store.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusKilled {
		t.Errorf("status = %q, want Killed", got.Status)
	}
	assertNoProcesses(t, env.store, ex.ID)
	assertProcessDead(t, child)

	done := make(chan struct{})
	go func() {
		env.eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return after kill")
	}

	got, err = env.store.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusKilled {
		t.Errorf("status after supervisor = %q, want Killed", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at is nil after kill")
	}
}

func TestKillRejected(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})
	ctx := context.Background()

	t.Run("not running", func(t *testing.T) {
		ex := env.create(t, nil)
		if err := env.eng.Kill(ctx, ex.ID, alice); !errors.Is(err, engine.ErrCannotKillNotRunning) {
			t.Errorf("Kill error = %v, want ErrCannotKillNotRunning", err)
		}
	})

	t.Run("finished", func(t *testing.T) {
		ex := env.create(t, nil)
		env.play(t, ex)
		waitForStatus(t, env.store, ex.ID, model.StatusFinished, 5*time.Second)
		env.eng.Wait()
		if err := env.eng.Kill(ctx, ex.ID, alice); !errors.Is(err, engine.ErrCannotKillNotRunning) {
			t.Errorf("Kill error = %v, want ErrCannotKillNotRunning", err)
		}
	})

	t.Run("finishing", func(t *testing.T) {
		ex := env.create(t, nil)
		// Running with no process rows left: the supervisor is finishing.
		if err := env.store.StartExecution(ctx, ex.ID, time.Now().UTC()); err != nil {
			t.Fatalf("StartExecution: %v", err)
		}
		if err := env.eng.Kill(ctx, ex.ID, alice); !errors.Is(err, engine.ErrCannotKillFinishing) {
			t.Errorf("Kill error = %v, want ErrCannotKillFinishing", err)
		}
	})

	t.Run("other user", func(t *testing.T) {
		ex := env.create(t, nil)
		if err := env.eng.Kill(ctx, ex.ID, "mallory"); !errors.Is(err, engine.ErrForbidden) {
			t.Errorf("Kill error = %v, want ErrForbidden", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if err := env.eng.Kill(ctx, model.NewID(), alice); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Kill error = %v, want ErrNotFound", err)
		}
	})
}

func TestPlayInvalidInvocation(t *testing.T) {
	desc := &stubDescriptor{script: "true", validateErr: descriptor.ErrInvalidInvocation}
	env := newTestEngine(t, desc, engine.Config{})
	ex := env.create(t, nil)

	err := env.eng.Play(context.Background(), ex.ID, alice)
	if !errors.Is(err, descriptor.ErrInvalidInvocation) {
		t.Fatalf("Play error = %v, want ErrInvalidInvocation", err)
	}
	got, err := env.store.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusInitializationFailed {
		t.Fatalf("status = %q, want InitializationFailed", got.Status)
	}

	// A failed initialization can be replayed once the inputs are fixed.
	desc.validateErr = nil
	env.play(t, ex)
	waitForStatus(t, env.store, ex.ID, model.StatusFinished, 5*time.Second)
}

func TestPlayRejected(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})
	ex := env.create(t, nil)

	if err := env.eng.Play(context.Background(), ex.ID, "mallory"); !errors.Is(err, engine.ErrForbidden) {
		t.Errorf("Play by other user error = %v, want ErrForbidden", err)
	}

	env.play(t, ex)
	waitForStatus(t, env.store, ex.ID, model.StatusFinished, 5*time.Second)
	env.eng.Wait()

	if err := env.eng.Play(context.Background(), ex.ID, alice); !errors.Is(err, engine.ErrCannotReplay) {
		t.Errorf("Play after finish error = %v, want ErrCannotReplay", err)
	}
}

func TestStatusEvents(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})
	ex := env.create(t, nil)

	ch, unsubscribe := env.eng.Broker().Subscribe(ex.ID)
	defer unsubscribe()
	env.play(t, ex)

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				want := []string{model.StatusRunning, model.StatusFinished}
				if strings.Join(got, ",") != strings.Join(want, ",") {
					t.Errorf("events = %v, want %v", got, want)
				}
				return
			}
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatalf("status stream not closed, got %v", got)
		}
	}
}

func TestExportDescriptor(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})

	var buf strings.Builder
	if err := env.eng.ExportDescriptor(context.Background(), "p1", &buf); err != nil {
		t.Fatalf("ExportDescriptor: %v", err)
	}
	if got := buf.String(); got != `{"NAME":"P1"}` {
		t.Errorf("export = %q", got)
	}

	err := env.eng.ExportDescriptor(context.Background(), "missing", &buf)
	if !errors.Is(err, descriptor.ErrPipelineNotFound) {
		t.Errorf("err = %v, want ErrPipelineNotFound", err)
	}
}

func TestConcurrentSupervisorKeepsSubscribers(t *testing.T) {
	env := newTestEngine(t, &stubDescriptor{script: "true"}, engine.Config{})
	ex := env.create(t, nil)

	// Another supervising goroutine already owns the execution.
	owner := model.ExecutionProcess{ExecutionID: ex.ID, PID: os.Getpid()}
	if err := env.store.AddProcess(context.Background(), owner); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}

	ch, unsubscribe := env.eng.Broker().Subscribe(ex.ID)
	defer unsubscribe()

	env.eng.Start(ex, &stubDescriptor{script: "true"}, filepath.Join(t.TempDir(), "inputs.json"))
	env.eng.Wait()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscriber closed by a supervisor that never started")
		}
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	got, err := env.store.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusInitializing {
		t.Errorf("status = %q, want %q", got.Status, model.StatusInitializing)
	}
}
