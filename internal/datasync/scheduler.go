package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/pipelined/internal/cache"
	"github.com/seantiz/pipelined/internal/dataset"
	"github.com/seantiz/pipelined/internal/retry"
	"github.com/seantiz/pipelined/internal/workspace"
)

// DefaultInterval separates two synchronization cycles.
const DefaultInterval = 20 * time.Second

// ErrSafetySave is returned when the shutdown save of running users' data
// did not complete for every user.
var ErrSafetySave = errors.New("safety save failed")

// RunningUsers lists the creators of executions currently running.
type RunningUsers interface {
	RunningCreators(ctx context.Context) ([]string, error)
}

// Evictor reclaims cache space after a cycle.
type Evictor interface {
	Evict(ctx context.Context) (cache.Report, error)
}

// Config controls the synchronization loop.
type Config struct {
	// Sibling is the remote copy of the dataset. Empty disables remote
	// operations, which then succeed without doing anything.
	Sibling string
	// Interval between cycles, used when Schedule is empty.
	Interval time.Duration
	// Schedule is an optional cron spec ("@every 1m", "*/5 * * * *").
	Schedule string
	// RetryInterval paces retries of a failing step.
	RetryInterval time.Duration
}

// Scheduler runs the periodic update, publish and evict cycle.
type Scheduler struct {
	ds       dataset.Dataset
	users    RunningUsers
	evictor  Evictor
	layout   workspace.Layout
	failsafe *Failsafe
	sibling  string
	schedule cron.Schedule
	policy   retry.Policy
	logger   *slog.Logger

	group singleflight.Group
	reset chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time
}

// NewScheduler creates a stopped scheduler. evictor and failsafe may be nil.
func NewScheduler(ds dataset.Dataset, users RunningUsers, evictor Evictor, failsafe *Failsafe,
	layout workspace.Layout, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := parseSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		ds:       ds,
		users:    users,
		evictor:  evictor,
		layout:   layout,
		failsafe: failsafe,
		sibling:  cfg.Sibling,
		schedule: schedule,
		policy:   retry.Every(cfg.RetryInterval),
		logger:   logger,
		reset:    make(chan struct{}, 1),
	}, nil
}

func parseSchedule(cfg Config) (cron.Schedule, error) {
	if cfg.Schedule != "" {
		s, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parsing sync schedule %q: %w", cfg.Schedule, err)
		}
		return s, nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return cron.Every(interval), nil
}

// Start launches the loop. It does nothing if the loop is already running or
// no sibling is configured.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sibling == "" {
		s.logger.Info("dataset sync disabled, no sibling configured")
		return
	}
	if s.runningLocked() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastRun = time.Now()
	go s.run(ctx, s.done)

	s.logger.Info("dataset sync started", "sibling", s.sibling)
}

// Kill asks the loop to stop. An operation in flight completes first.
func (s *Scheduler) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the loop has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Restart stops the current loop and starts a fresh one.
func (s *Scheduler) Restart() {
	s.Kill()
	s.Wait()
	s.Start()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("dataset sync stopped")
			return
		case <-s.reset:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := s.cycle(ctx); err != nil {
			s.logger.Info("dataset sync stopped during cycle", "error", err)
			return
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	d := time.Until(s.schedule.Next(last))
	if d < 0 {
		return 0
	}
	return d
}

// markRun records a completed synchronization and restarts the wait for the
// next one.
func (s *Scheduler) markRun() {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Scheduler) retryPolicy(step string) retry.Policy {
	p := s.policy
	p.OnError = func(attempt int, err error) {
		syncAttemptsTotal.WithLabelValues(step, "error").Inc()
		s.logger.Warn("dataset sync step failed",
			"step", step, "attempt", attempt, "transient", dataset.IsTransient(err), "error", err)
	}
	return p
}

// cycle updates, publishes and evicts. Each remote step is retried until it
// succeeds; the only error is retry.ErrStopped.
func (s *Scheduler) cycle(ctx context.Context) error {
	attempts, err := s.retryPolicy("update").Until(ctx, func(ctx context.Context) error {
		return s.ds.Update(ctx, s.sibling)
	})
	if err != nil {
		return err
	}
	syncAttemptsTotal.WithLabelValues("update", "ok").Inc()
	s.logger.Debug("dataset updated", "attempts", attempts)

	attempts, err = s.retryPolicy("publish").Until(ctx, func(ctx context.Context) error {
		return s.ds.Publish(ctx, "", s.sibling)
	})
	if err != nil {
		return err
	}
	syncAttemptsTotal.WithLabelValues("publish", "ok").Inc()
	s.logger.Debug("dataset published", "attempts", attempts)

	if s.evictor != nil {
		if _, err := s.evictor.Evict(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("cache eviction", "error", err)
		}
	}

	syncCyclesTotal.Inc()
	s.markRun()
	return nil
}

// SyncOnce runs a single cycle outside the loop, retrying each step until it
// succeeds or ctx is done.
func (s *Scheduler) SyncOnce(ctx context.Context) error {
	if s.sibling == "" {
		return nil
	}
	return s.cycle(ctx)
}

// ForceSyncNow makes one update attempt outside the schedule. Concurrent
// callers share the same attempt. The periodic timer restarts afterwards.
func (s *Scheduler) ForceSyncNow(ctx context.Context) error {
	if s.sibling == "" {
		return nil
	}
	_, err, _ := s.group.Do("update", func() (any, error) {
		err := s.ds.Update(context.WithoutCancel(ctx), s.sibling)
		if err != nil {
			syncAttemptsTotal.WithLabelValues("forced_update", "error").Inc()
			return nil, err
		}
		syncAttemptsTotal.WithLabelValues("forced_update", "ok").Inc()
		s.markRun()
		return nil, nil
	})
	return err
}

// SafetySave saves the data directory of every user with a running
// execution, one user at a time. Saves that succeeded are kept when a later
// one fails.
func (s *Scheduler) SafetySave(ctx context.Context) error {
	users, err := s.users.RunningCreators(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing running users: %w", ErrSafetySave, err)
	}

	var errs []error
	for _, user := range users {
		// No directory of the dataset can belong to such a user.
		if err := workspace.ValidateUser(user); err != nil {
			s.logger.Error("safety save skipped", "user", user, "error", err)
			continue
		}
		path := s.layout.UserDir(user)
		if err := s.ds.Save(ctx, path); err != nil {
			s.logger.Error("safety save", "user", user, "error", err)
			errs = append(errs, fmt.Errorf("saving %s: %w", user, err))
			continue
		}
		s.logger.Info("safety save", "user", user)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSafetySave, errors.Join(errs...))
	}
	return nil
}

// PublishPath saves and publishes path. A failed publish is handed to the
// failsafe publisher and not reported.
func (s *Scheduler) PublishPath(ctx context.Context, path string) {
	if err := s.ds.Save(ctx, path); err != nil {
		s.logger.Error("saving results", "path", path, "error", err)
		return
	}
	if s.sibling == "" {
		return
	}
	if err := s.ds.Publish(ctx, path, s.sibling); err != nil {
		s.logger.Warn("publishing results, handing to failsafe", "path", path, "error", err)
		if s.failsafe != nil {
			s.failsafe.Publish(path, false)
		}
	}
}
