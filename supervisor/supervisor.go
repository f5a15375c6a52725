// Package supervisor implements the queue supervisor daemon (the
// original facility called this process queman): it watches the jobs
// root for queue directories appearing and disappearing, and keeps
// exactly one scheduler (jobman) subprocess running per live queue.
// Grounded on original_source/src/queman.cxx for the known/failed
// queue bookkeeping and on manager/process.go for the Go-idiomatic
// process lifecycle (goroutine per child, channel-reported exit).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/misfitmountain/jobd/internal/log"
	"github.com/misfitmountain/jobd/job"
	"github.com/misfitmountain/jobd/launch"
)

// Config controls how the supervisor locates and launches the
// per-queue scheduler binary.
type Config struct {
	JobmanPath string // defaults to Paths.BinDir()/jobman
	ExtraArgs  []string
}

// Supervisor is the single-instance-per-host queue watchdog.
type Supervisor struct {
	Paths  job.Paths
	Global job.Global
	Cfg    Config
	Log    *log.Logger

	launch *launch.Launcher
	table  *launch.Table

	instanceLock *flock.Flock
	state        *failedState

	mu      sync.Mutex
	known   map[string]*launch.Handle
	failed  map[string]time.Time
	checkCh chan struct{}
}

func New(p job.Paths, global job.Global, cfg Config, lg *log.Logger) *Supervisor {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	if cfg.JobmanPath == "" {
		cfg.JobmanPath = filepath.Join(p.BinDir(), "jobman")
	}
	tbl := launch.NewTable()
	return &Supervisor{
		Paths:   p,
		Global:  global,
		Cfg:     cfg,
		Log:     lg,
		launch:  launch.New(tbl, lg),
		table:   tbl,
		state:   newFailedState(filepath.Join(p.VlbDir(), "queman.failed.gob")),
		known:   make(map[string]*launch.Handle),
		failed:  make(map[string]time.Time),
		checkCh: make(chan struct{}, 1),
	}
}

// ErrAlreadyRunning is returned by Run when another supervisor
// instance already holds the single-instance lock.
var ErrAlreadyRunning = fmt.Errorf("another queue supervisor instance is already running")

// Run acquires the single-instance lock on job.conf (reusing the
// config file itself as the mutex, exactly as the original did instead
// of a separate lock file) and runs the watch loop until ctx is
// cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	lk := flock.New(sv.Paths.CfgFile())
	ok, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", sv.Paths.CfgFile(), err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	sv.instanceLock = lk
	defer lk.Unlock()

	if err := os.MkdirAll(sv.Paths.VlbDir(), 0750); err != nil {
		sv.Log.Warn("failed to create state directory", log.KVErr(err))
	} else if loaded, err := sv.state.load(); err != nil {
		sv.Log.Warn("failed to load persisted failed-queue backoff state", log.KVErr(err))
	} else {
		sv.mu.Lock()
		sv.failed = loaded
		sv.mu.Unlock()
	}

	watcher, _ := fsnotify.NewWatcher()
	if watcher != nil {
		defer watcher.Close()
		if err := os.MkdirAll(sv.Paths.JobDir(), 0750); err == nil {
			_ = watcher.Add(sv.Paths.JobDir())
		}
	}

	period := sv.Global.Job.QueueWatchSecs
	if period <= 0 {
		period = 180
	}
	ticker := time.NewTicker(time.Duration(period) * time.Second)
	defer ticker.Stop()

	// Check immediately on startup so a cold start doesn't wait out
	// the first full period before launching already-present queues.
	if err := sv.yearnForQueues(ctx); err != nil {
		sv.Log.Error("initial queue scan failed", log.KVErr(err))
	}

	var fsEvents <-chan fsnotify.Event
	if watcher != nil {
		fsEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			sv.shutdownAll()
			return ctx.Err()
		case <-ticker.C:
		case <-sv.checkCh:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: a burst of fs events collapses into one scan.
			sv.requestCheck()
			continue
		}
		if err := sv.yearnForQueues(ctx); err != nil {
			sv.Log.Error("queue scan failed", log.KVErr(err))
		}
	}
}

func (sv *Supervisor) requestCheck() {
	select {
	case sv.checkCh <- struct{}{}:
	default:
	}
}

// yearnForQueues diffs the jobs root's current queue directories
// against the known/failed sets and starts or stops jobman instances
// to match.
func (sv *Supervisor) yearnForQueues(ctx context.Context) error {
	curr, err := job.GetQueues(sv.Paths)
	if err != nil {
		return err
	}
	currSet := make(map[string]bool, len(curr))
	for _, q := range curr {
		currSet[q] = true
	}

	sv.mu.Lock()
	var gone []string
	for q := range sv.known {
		if !currSet[q] {
			gone = append(gone, q)
		}
	}
	sv.mu.Unlock()

	for _, q := range gone {
		sv.stopQueue(q)
	}

	for _, q := range curr {
		sv.mu.Lock()
		_, isKnown := sv.known[q]
		failedAt, isFailed := sv.failed[q]
		sv.mu.Unlock()
		if isKnown {
			continue
		}
		if isFailed && time.Since(failedAt) < time.Minute {
			continue // back off from repeatedly relaunching a failing queue
		}
		if err := sv.startQueue(q); err != nil {
			sv.Log.Error("failed to start scheduler for queue", log.KV("queue", q), log.KVErr(err))
			sv.mu.Lock()
			sv.failed[q] = time.Now()
			sv.mu.Unlock()
			sv.persistFailed()
			continue
		}
		sv.mu.Lock()
		delete(sv.failed, q)
		sv.mu.Unlock()
		sv.persistFailed()
	}
	return nil
}

func (sv *Supervisor) persistFailed() {
	sv.mu.Lock()
	snapshot := make(map[string]time.Time, len(sv.failed))
	for q, t := range sv.failed {
		snapshot[q] = t
	}
	sv.mu.Unlock()
	if err := sv.state.save(snapshot); err != nil {
		sv.Log.Warn("failed to persist failed-queue backoff state", log.KVErr(err))
	}
}

func (sv *Supervisor) startQueue(queue string) error {
	logPath := filepath.Join(sv.Paths.LogDir(), "queue:"+queue+".log")
	args := append([]string{"-queue", queue, "-root", sv.Paths.Root}, sv.Cfg.ExtraArgs...)
	h, err := sv.launch.Start(launch.Spec{
		ProcName: "jobman:" + queue,
		Path:     sv.Cfg.JobmanPath,
		Args:     args,
		LogPath:  logPath,
	})
	if err != nil {
		return err
	}
	sv.mu.Lock()
	sv.known[queue] = h
	sv.mu.Unlock()
	sv.Log.Info("started scheduler for queue", log.KV("queue", queue), log.KV("pid", h.PID))

	go func() {
		<-h.DoneNonBlocking()
		sv.mu.Lock()
		crashed := sv.known[queue] == h
		if crashed {
			delete(sv.known, queue)
			sv.failed[queue] = time.Now()
		}
		sv.mu.Unlock()
		if crashed {
			sv.persistFailed()
		}
		sv.requestCheck()
	}()
	return nil
}

func (sv *Supervisor) stopQueue(queue string) {
	sv.mu.Lock()
	h, ok := sv.known[queue]
	if ok {
		delete(sv.known, queue)
	}
	sv.mu.Unlock()
	if !ok {
		return
	}
	if err := sv.launch.Kill(h, sigTerm); err != nil {
		sv.Log.Warn("failed to signal scheduler for removed queue", log.KV("queue", queue), log.KVErr(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = sv.launch.Wait(ctx, h)
	sv.Log.Info("stopped scheduler for removed queue", log.KV("queue", queue))
}

func (sv *Supervisor) shutdownAll() {
	sv.mu.Lock()
	queues := make([]string, 0, len(sv.known))
	for q := range sv.known {
		queues = append(queues, q)
	}
	sv.mu.Unlock()
	for _, q := range queues {
		sv.stopQueue(q)
	}
}

// KnownQueues returns the queues currently believed to have a live
// scheduler running.
func (sv *Supervisor) KnownQueues() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]string, 0, len(sv.known))
	for q := range sv.known {
		out = append(out, q)
	}
	return out
}
