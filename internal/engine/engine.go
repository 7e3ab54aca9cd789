package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/pipelined/internal/descriptor"
	"github.com/seantiz/pipelined/internal/model"
	"github.com/seantiz/pipelined/internal/proctree"
	"github.com/seantiz/pipelined/internal/store"
	"github.com/seantiz/pipelined/internal/workspace"
)

var (
	// ErrForbidden is returned when a user acts on another user's execution.
	ErrForbidden = errors.New("execution belongs to another user")

	// ErrCannotReplay is returned by Play for executions that already ran.
	ErrCannotReplay = errors.New("execution cannot be replayed")

	// ErrCannotKillNotRunning is returned by Kill for executions that are not running.
	ErrCannotKillNotRunning = errors.New("cannot kill an execution that is not running")

	// ErrCannotKillFinishing is returned by Kill for running executions whose
	// processes were already released by the supervisor.
	ErrCannotKillFinishing = errors.New("cannot kill an execution that is finishing")

	// ErrInvalidTimeout is returned by Create for timeouts outside the
	// authorized bounds.
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// Terminator kills the process trees of tracked execution processes.
type Terminator interface {
	Terminate(entries []model.ExecutionProcess) proctree.Result
}

// ResultPublisher saves and publishes an execution directory once the
// execution is over.
type ResultPublisher interface {
	PublishPath(ctx context.Context, path string)
}

// Config holds the execution timeout policy, in seconds. Zero means unset.
type Config struct {
	DefaultTimeoutS int
	MinTimeoutS     int
	MaxTimeoutS     int

	// Publisher, if set, receives every finished execution directory.
	Publisher ResultPublisher
}

// Engine supervises pipeline executions.
type Engine struct {
	store      store.Store
	registry   *descriptor.Registry
	catalog    *descriptor.Catalog
	layout     workspace.Layout
	terminator Terminator
	cfg        Config
	logger     *slog.Logger
	wg         sync.WaitGroup
	broker     *StatusBroker
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *descriptor.Registry, cat *descriptor.Catalog, layout workspace.Layout,
	term Terminator, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		registry:   reg,
		catalog:    cat,
		layout:     layout,
		terminator: term,
		cfg:        cfg,
		logger:     logger,
		broker:     NewStatusBroker(),
	}
}

// Broker returns the engine's status broker for SSE subscription.
func (e *Engine) Broker() *StatusBroker {
	return e.broker
}

// Layout returns where the engine keeps execution files.
func (e *Engine) Layout() workspace.Layout {
	return e.layout
}

// Wait blocks until all supervising goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ExportDescriptor writes the platform's description of a pipeline to w.
func (e *Engine) ExportDescriptor(ctx context.Context, pipelineID string, w io.Writer) error {
	pipeline, err := e.catalog.Lookup(pipelineID)
	if err != nil {
		return err
	}
	desc, err := e.registry.Resolve(pipeline.Type)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "pipelined-export-")
	if err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, filepath.Base(pipeline.Path))
	if err := desc.Export(ctx, pipeline.Path, out); err != nil {
		return err
	}
	f, err := os.Open(out)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Create validates and records a new execution in Initializing, and prepares
// its directory with the inputs and a copy of the pipeline descriptor. The
// ID, status, descriptor type and creation time of ex are filled in.
func (e *Engine) Create(ctx context.Context, ex *model.Execution, inputs []byte) error {
	if err := e.checkTimeout(ex.TimeoutS); err != nil {
		return err
	}

	pipeline, err := e.catalog.Lookup(ex.PipelineID)
	if err != nil {
		return err
	}
	if _, err := e.registry.Resolve(pipeline.Type); err != nil {
		return err
	}

	now := time.Now().UTC()
	if ex.ID == "" {
		ex.ID = model.NewID()
	}
	ex.DescriptorType = pipeline.Type
	ex.Status = model.StatusInitializing
	ex.CreatedAt = now
	ex.UpdatedAt = now

	if err := e.layout.Prepare(ex.Creator, ex.ID, pipeline.Path, inputs); err != nil {
		return fmt.Errorf("prepare execution directory: %w", err)
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		if rmErr := e.layout.Remove(ex.Creator, ex.ID); rmErr != nil {
			e.logger.Error("failed to remove execution directory", "execution_id", ex.ID, "error", rmErr)
		}
		return fmt.Errorf("create execution: %w", err)
	}

	e.logger.Info("execution created", "execution_id", ex.ID, "pipeline", ex.PipelineID, "creator", ex.Creator)
	return nil
}

func (e *Engine) checkTimeout(timeoutS *int) error {
	if timeoutS == nil {
		return nil
	}
	t := *timeoutS
	if t <= 0 || t < e.cfg.MinTimeoutS || (e.cfg.MaxTimeoutS > 0 && t > e.cfg.MaxTimeoutS) {
		return fmt.Errorf("%w: %ds not in [%d, %d]", ErrInvalidTimeout, t, e.cfg.MinTimeoutS, e.cfg.MaxTimeoutS)
	}
	return nil
}

// lookup fetches an execution and checks that user created it.
func (e *Engine) lookup(ctx context.Context, id, user string) (*model.Execution, error) {
	ex, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Creator != user {
		return nil, ErrForbidden
	}
	return ex, nil
}

// Play validates the execution's inputs against its descriptor and starts
// it. Only executions that never ran, or failed to initialize, can be played.
// A validation failure moves the execution to InitializationFailed.
func (e *Engine) Play(ctx context.Context, id, user string) error {
	ex, err := e.lookup(ctx, id, user)
	if err != nil {
		return err
	}
	if !model.Replayable(ex.Status) {
		return fmt.Errorf("%w: status is %s", ErrCannotReplay, ex.Status)
	}

	desc, err := e.registry.Resolve(ex.DescriptorType)
	if err != nil {
		return err
	}

	inputsPath, err := e.layout.ResolveInputs(user, id)
	if err != nil {
		e.initializationFailed(ctx, ex, err)
		return fmt.Errorf("%w: %w", descriptor.ErrInvalidInvocation, err)
	}
	if err := desc.Validate(ctx, e.layout.DescriptorPath(user, id), inputsPath); err != nil {
		os.Remove(inputsPath)
		e.initializationFailed(ctx, ex, err)
		return err
	}

	e.Start(ex, desc, inputsPath)
	return nil
}

func (e *Engine) initializationFailed(ctx context.Context, ex *model.Execution, cause error) {
	e.logger.Warn("execution failed to initialize", "execution_id", ex.ID, "error", cause)
	if ex.Status != model.StatusInitializing {
		return
	}
	if err := e.store.UpdateExecutionStatus(ctx, ex.ID, model.StatusInitializationFailed); err != nil {
		e.logger.Error("failed to record initialization failure", "execution_id", ex.ID, "error", err)
		return
	}
	e.publish(ex.ID, model.StatusInitializationFailed)
}

// Start launches the supervising goroutine of a validated execution and
// returns immediately. inputsPath is the resolved inputs file; it is deleted
// once the execution is over. The goroutine operates on a copy of ex.
func (e *Engine) Start(ex *model.Execution, desc descriptor.Descriptor, inputsPath string) {
	exCopy := *ex
	e.wg.Go(func() {
		e.supervise(&exCopy, desc, inputsPath)
	})
}

// supervise runs one execution: Running, worker, wait or timeout, terminal status.
func (e *Engine) supervise(ex *model.Execution, desc descriptor.Descriptor, inputsPath string) {
	ctx := context.Background()
	log := e.logger.With("execution_id", ex.ID)

	defer func() {
		if err := os.Remove(inputsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove resolved inputs", "path", inputsPath, "error", err)
		}
	}()

	// A concurrent Play of the same execution loses here and must leave the
	// winner's subscribers alone.
	supervisor := model.ExecutionProcess{ExecutionID: ex.ID, PID: os.Getpid()}
	if err := e.store.AddProcess(ctx, supervisor); err != nil {
		log.Error("failed to record supervising process", "error", err)
		return
	}
	defer e.broker.Close(ex.ID)

	start := time.Now().UTC()
	if err := e.store.StartExecution(ctx, ex.ID, start); err != nil {
		log.Error("failed to transition to running", "error", err)
		e.finish(ctx, ex, model.StatusExecutionFailed, start)
		return
	}
	e.publish(ex.ID, model.StatusRunning)
	executionsRunning.Inc()
	defer executionsRunning.Dec()

	status := e.run(ctx, ex, desc, inputsPath, log)
	e.finish(ctx, ex, status, start)
}

// effectiveTimeout is the execution's own timeout, else the configured
// default. Zero means no timeout.
func (e *Engine) effectiveTimeout(ex *model.Execution) int {
	if ex.TimeoutS != nil && *ex.TimeoutS > 0 {
		return *ex.TimeoutS
	}
	if e.cfg.DefaultTimeoutS > 0 {
		return e.cfg.DefaultTimeoutS
	}
	return 0
}

// run spawns the worker and waits for it. It returns the status the
// execution should end in.
func (e *Engine) run(ctx context.Context, ex *model.Execution, desc descriptor.Descriptor, inputsPath string, log *slog.Logger) string {
	user := ex.Creator

	stdout, err := os.OpenFile(e.layout.StdoutPath(user, ex.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Error("failed to open stdout", "error", err)
		return model.StatusExecutionFailed
	}
	defer stdout.Close()

	stderr, err := os.OpenFile(e.layout.StderrPath(user, ex.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Error("failed to open stderr", "error", err)
		return model.StatusExecutionFailed
	}
	defer stderr.Close()

	cmd, err := desc.Command(descriptor.Invocation{
		UserDataDir:    e.layout.UserDir(user),
		DescriptorPath: e.layout.DescriptorPath(user, ex.ID),
		InputsPath:     inputsPath,
		WorkDir:        e.layout.ExecutionDir(user, ex.ID),
		Stdout:         stdout,
		Stderr:         stderr,
	})
	if err != nil {
		return spawnFailed(stderr, log, err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return spawnFailed(stderr, log, err)
	}

	worker := model.ExecutionProcess{ExecutionID: ex.ID, PID: cmd.Process.Pid, IsExecution: true}
	if err := e.store.AddProcess(ctx, worker); err != nil {
		// Killed between the Running transition and the spawn: the kill path
		// never saw this worker, so terminate it here.
		log.Warn("execution left running before worker was recorded", "pid", worker.PID, "error", err)
		e.terminate(worker, log)
		_ = cmd.Wait()
		return model.StatusExecutionFailed
	}
	log.Info("worker started", "pid", worker.PID)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeoutS := e.effectiveTimeout(ex); timeoutS > 0 {
		timer := time.NewTimer(time.Duration(timeoutS) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		return exitStatus(stderr, log, err)
	case <-deadline:
		timeoutS := e.effectiveTimeout(ex)
		log.Warn("execution timed out", "timeout_s", timeoutS)
		e.terminate(worker, log)
		<-waitErr
		fmt.Fprintf(stderr, "Execution timed out after %d seconds\n", timeoutS)
		return model.StatusExecutionFailed
	}
}

func spawnFailed(stderr io.Writer, log *slog.Logger, err error) string {
	log.Error("failed to start worker", "error", err)
	fmt.Fprintf(stderr, "Failed to start execution: %v\n", err)
	return model.StatusExecutionFailed
}

func exitStatus(stderr io.Writer, log *slog.Logger, err error) string {
	if err == nil {
		return model.StatusFinished
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Info("worker exited with error", "exit_code", exitErr.ExitCode())
		return model.StatusExecutionFailed
	}
	log.Error("waiting for worker", "error", err)
	fmt.Fprintf(stderr, "Execution failed: %v\n", err)
	return model.StatusExecutionFailed
}

func (e *Engine) terminate(worker model.ExecutionProcess, log *slog.Logger) {
	res := e.terminator.Terminate([]model.ExecutionProcess{worker})
	if len(res.Alive) > 0 {
		log.Error("processes survived termination", "pids", res.Alive)
	}
}

// finish releases the process rows and records the terminal status. A
// status set concurrently by a kill is kept.
func (e *Engine) finish(ctx context.Context, ex *model.Execution, status string, start time.Time) {
	log := e.logger.With("execution_id", ex.ID)

	now := time.Now().UTC()
	final, err := e.store.FinishExecution(ctx, ex.ID, status, now)
	if err != nil {
		log.Error("failed to record execution end", "status", status, "error", err)
		return
	}
	if model.IsTerminal(final) {
		executionsFinishedTotal.WithLabelValues(final).Inc()
		executionDuration.Observe(now.Sub(start).Seconds())
	}
	if final == status {
		e.publish(ex.ID, final)
	} else {
		log.Info("execution ended with a concurrent status", "status", final, "observed", status)
	}
	log.Info("execution finished", "status", final, "duration", now.Sub(start).String())

	if e.cfg.Publisher != nil {
		e.cfg.Publisher.PublishPath(ctx, e.layout.ExecutionDir(ex.Creator, ex.ID))
	}
}

// Kill stops a running execution. The execution is marked Killed and its
// process rows released in one transaction, then the worker process trees
// are terminated. Processes that survive are logged, not reported.
func (e *Engine) Kill(ctx context.Context, id, user string) error {
	if _, err := e.lookup(ctx, id, user); err != nil {
		return err
	}

	procs, err := e.store.KillExecution(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotRunning):
		return fmt.Errorf("%w: %w", ErrCannotKillNotRunning, err)
	case errors.Is(err, store.ErrFinishing):
		return ErrCannotKillFinishing
	case err != nil:
		return fmt.Errorf("kill execution: %w", err)
	}
	e.publish(id, model.StatusKilled)

	log := e.logger.With("execution_id", id)
	res := e.terminator.Terminate(model.Workers(procs))
	if len(res.Alive) > 0 {
		log.Error("processes survived kill", "pids", res.Alive)
	}
	log.Info("execution killed", "terminated", len(res.Terminated))
	return nil
}

func (e *Engine) publish(id, status string) {
	e.broker.Publish(StatusEvent{ExecutionID: id, Status: status, At: time.Now().UTC()})
}
