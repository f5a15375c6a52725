// Package launch starts and tracks child processes on behalf of a
// scheduler or supervisor. It is grounded on manager/process.go's
// goroutine-per-child, channel-reported-exit pattern, generalized from
// that file's single long-lived supervised process to many short-lived
// ones tracked in a shared table.
//
// The original C implementation synchronized parent and child over a
// pipe (the child blocked on reading one ACK byte before execing) to
// close a race between the child exiting and the parent recording its
// PID in the launcher table — a real race under raw fork()+execve().
// Go's exec.Cmd.Start() does not have that race: it returns only after
// fork+exec has completed and the PID is known, and cmd.Wait() reaps
// the child correctly via wait4 even if the child exited before Wait
// was ever called. The ACK pipe is therefore dropped rather than
// ported; Table registration happens synchronously right after Start.
package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/misfitmountain/jobd/internal/log"
)

// Spec describes a process to launch.
type Spec struct {
	// ProcName is the display name written into argv[0]; it shows up
	// in `ps` output in place of the real binary path, replacing the
	// original's ELF argv/environ memory-splice trick with the
	// portable argv[0]-substitution Go provides naturally.
	ProcName string
	Path     string
	Args     []string
	Dir      string
	Env      []string

	UID *int
	GID *int
	// KillOnParentExit requests PR_SET_PDEATHSIG on Linux; ignored
	// silently on platforms that don't support it.
	KillOnParentExit bool

	// LogPath, if set, receives the child's combined stdout/stderr,
	// truncated at start (matching the per-run logfile semantics the
	// original child launcher used, O_TRUNC rather than O_APPEND).
	LogPath string
}

// Handle is a tracked running (or just-exited) child.
type Handle struct {
	PID       int
	Spec      Spec
	StartedAt time.Time

	cmd    *exec.Cmd
	logf   *os.File
	doneCh chan Result
}

// DoneNonBlocking returns a channel that yields the process's Result
// exactly once, as soon as it exits; a non-blocking receive from it
// (select with a default case) is how a poller checks "has this
// process exited yet" without spawning a waiter per handle.
func (h *Handle) DoneNonBlocking() <-chan Result {
	return h.doneCh
}

// Result is a terminal child process outcome.
type Result struct {
	ExitCode int
	Signal   os.Signal
	Err      error
}

// Table is a scheduler- or supervisor-process-local registry of
// currently-running children, keyed by PID. It deliberately has no
// package-level instance: the original's global finmap is replaced by
// one Table per Scheduler/Supervisor, passed explicitly, per the
// "no global launcher table" design note.
type Table struct {
	mu   sync.Mutex
	live map[int]*Handle
}

func NewTable() *Table {
	return &Table{live: make(map[int]*Handle)}
}

func (t *Table) register(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[h.PID] = h
}

func (t *Table) unregister(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, pid)
}

// Lookup returns the handle for a PID still believed running.
func (t *Table) Lookup(pid int) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.live[pid]
	return h, ok
}

// Running returns the number of children currently tracked.
func (t *Table) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Snapshot returns the PIDs currently tracked.
func (t *Table) Snapshot() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.live))
	for pid := range t.live {
		out = append(out, pid)
	}
	return out
}

// Launcher starts processes and tracks them in a Table.
type Launcher struct {
	Table *Table
	Log   *log.Logger
}

func New(t *Table, lg *log.Logger) *Launcher {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Launcher{Table: t, Log: lg}
}

// Start launches a process per spec and registers it in the table. The
// returned Handle's doneCh fires exactly once when the child exits;
// callers that don't read it should call Wait to collect the goroutine's
// send (the channel is buffered size 1, so a never-read channel merely
// leaks one Result, not a goroutine).
func (l *Launcher) Start(spec Spec) (*Handle, error) {
	args := append([]string{spec.ProcName}, spec.Args...)
	cmd := &exec.Cmd{
		Path: spec.Path,
		Args: args,
		Dir:  spec.Dir,
		Env:  spec.Env,
	}
	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.UID != nil && spec.GID != nil {
		attr.Credential = &syscall.Credential{Uid: uint32(*spec.UID), Gid: uint32(*spec.GID)}
	}
	applyPdeathsig(attr, spec.KillOnParentExit)
	cmd.SysProcAttr = attr

	h := &Handle{Spec: spec, cmd: cmd, doneCh: make(chan Result, 1)}

	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, fmt.Errorf("open logfile: %w", err)
		}
		h.logf = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if h.logf != nil {
			h.logf.Close()
		}
		return nil, err
	}
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now()
	l.Table.register(h)
	l.Log.Info("launched process", log.KV("name", spec.ProcName), log.KV("pid", h.PID), log.KV("path", spec.Path))

	go func() {
		err := cmd.Wait()
		res := Result{}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
					if ws.Signaled() {
						res.Signal = ws.Signal()
					} else {
						res.ExitCode = ws.ExitStatus()
					}
				}
			} else {
				res.Err = err
			}
		}
		l.Table.unregister(h.PID)
		if h.logf != nil {
			h.logf.Close()
		}
		h.doneCh <- res
	}()

	return h, nil
}

// Wait blocks until the child exits or the context is cancelled.
func (l *Launcher) Wait(ctx context.Context, h *Handle) (Result, error) {
	select {
	case r := <-h.doneCh:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Kill sends sig to the process group the child was started in (the
// Setpgid isolation means signalling the negative PID reaches any
// grandchildren the job command itself forked, matching the original's
// kill-the-whole-job-tree behavior).
func (l *Launcher) Kill(h *Handle, sig syscall.Signal) error {
	return syscall.Kill(-h.PID, sig)
}

// RequestKill sends SIGTERM and escalates to SIGKILL if the child
// hasn't exited within timeout.
func (l *Launcher) RequestKill(ctx context.Context, h *Handle, timeout time.Duration) error {
	if err := l.Kill(h, syscall.SIGTERM); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := l.Wait(tctx, h); err != nil {
		_ = l.Kill(h, syscall.SIGKILL)
		_, _ = l.Wait(ctx, h)
		return fmt.Errorf("process %d timed out, killed", h.PID)
	}
	return nil
}

// BuildArgs splits a shell-word command string into argv, supporting
// the same quoting rules the scheduler's job type command templates
// rely on (a thin wrapper kept separate so the scheduler never shells
// out to /bin/sh to expand a job's command line).
func BuildArgs(command string) []string {
	var args []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}
