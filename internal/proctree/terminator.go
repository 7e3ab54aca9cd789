package proctree

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/seantiz/pipelined/internal/model"
)

const (
	// DefaultWait bounds how long Terminate waits for killed processes to exit.
	DefaultWait  = 5 * time.Second
	pollInterval = 20 * time.Millisecond
)

// Result lists the PIDs confirmed dead and those still alive after the wait.
// A PID that did not resolve to a live process appears in neither.
type Result struct {
	Terminated []int
	Alive      []int
}

// Terminator kills process trees.
type Terminator struct {
	fs     procfs.FS
	wait   time.Duration
	self   int
	logger *slog.Logger
}

// New creates a Terminator reading the process table from the default /proc
// mount. A non-positive wait selects DefaultWait.
func New(logger *slog.Logger, wait time.Duration) (*Terminator, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Terminator{
		fs:     fs,
		wait:   wait,
		self:   os.Getpid(),
		logger: logger,
	}, nil
}

// Terminate sends SIGKILL to every tracked process and each of its
// descendants, then waits for them to exit. Our own PID is never signalled:
// supervising entries recorded by this server are goroutines, not processes.
func (t *Terminator) Terminate(entries []model.ExecutionProcess) Result {
	var res Result
	for _, e := range entries {
		if e.PID <= 0 || e.PID == t.self {
			t.logger.Debug("skip process", "execution_id", e.ExecutionID, "pid", e.PID)
			continue
		}
		if !t.alive(e.PID) {
			// Already gone.
			continue
		}

		tree := t.tree(e.PID)
		for _, pid := range tree {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				t.logger.Warn("kill process", "execution_id", e.ExecutionID, "pid", pid, "error", err)
			}
		}

		gone, alive := t.waitGone(tree)
		res.Terminated = append(res.Terminated, gone...)
		res.Alive = append(res.Alive, alive...)
		if len(alive) > 0 {
			t.logger.Warn("processes survived kill", "execution_id", e.ExecutionID, "pids", alive)
		}
	}
	return res
}

// alive reports whether pid names a running process. Zombies count as dead:
// they have exited and only wait to be reaped by their parent.
func (t *Terminator) alive(pid int) bool {
	p, err := t.fs.Proc(pid)
	if err != nil {
		return false
	}
	st, err := p.Stat()
	if err != nil {
		return false
	}
	return st.State != "Z" && st.State != "X"
}

// tree returns root followed by all of its descendants, breadth first.
func (t *Terminator) tree(root int) []int {
	out := []int{root}

	procs, err := t.fs.AllProcs()
	if err != nil {
		t.logger.Warn("list processes", "pid", root, "error", err)
		return out
	}

	children := make(map[int][]int)
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		children[st.PPID] = append(children[st.PPID], st.PID)
	}

	seen := map[int]bool{root: true}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i]] {
			if seen[c] || c == t.self {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// waitGone polls until every pid has exited or the wait elapses.
func (t *Terminator) waitGone(pids []int) (gone, alive []int) {
	pending := append([]int(nil), pids...)
	deadline := time.Now().Add(t.wait)
	for {
		still := pending[:0]
		for _, pid := range pending {
			if t.alive(pid) {
				still = append(still, pid)
			} else {
				gone = append(gone, pid)
			}
		}
		pending = still
		if len(pending) == 0 || time.Now().After(deadline) {
			return gone, pending
		}
		time.Sleep(pollInterval)
	}
}
