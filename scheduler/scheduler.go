// Package scheduler implements the per-queue scheduler daemon (the
// original facility called this process jobman): it polls one queue's
// pend directory, launches due jobs, and drives completed runs through
// the retry/tied/done state machine. One Scheduler instance owns
// exactly one queue; the supervisor in package supervisor owns one
// Scheduler process per discovered queue directory.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/misfitmountain/jobd/internal/log"
	"github.com/misfitmountain/jobd/job"
	"github.com/misfitmountain/jobd/launch"
)

// Exit codes a job command uses to signal the scheduler what should
// happen next, carried over unchanged from the original facility so
// existing job scripts keep working: job scripts are expected to exit
// with these well-known errno values rather than the scheduler
// inspecting stdout.
const (
	exitRetry      = 11  // EAGAIN: transient failure, retry later
	exitInProgress = 115 // EINPROGRESS: job wants to fan out into a tied group
)

// sigContInt is the unusual second retry trigger preserved from the
// original predicate: a job terminated by SIGCONT with a zero exit
// status also means "retry". This looks backwards (SIGCONT normally
// resumes a stopped process, it doesn't kill one) but existing job
// scripts rely on it, so the behavior is kept byte-for-byte rather
// than "fixed".
const sigContInt = 18

// outcome classifies a finished run for the retry/tied/done state machine.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeTied
)

func classify(res launch.Result) outcome {
	if res.ExitCode == exitRetry {
		return outcomeRetry
	}
	if res.Signal != nil && signalNumber(res.Signal) == sigContInt && res.ExitCode == 0 {
		return outcomeRetry
	}
	if res.ExitCode == exitInProgress {
		return outcomeTied
	}
	return outcomeDone
}

// Periods are the independently-timed activity intervals, carried over
// from the original's default cascade.
type Periods struct {
	Poll      time.Duration // pending-job poll, configurable per queue
	Dead      time.Duration // dead-job resurrection sweep, default 180s
	Kill      time.Duration // kill-marker sweep, default 30s
	GroupJoin time.Duration // group-join sweep, default 15s
	Clean     time.Duration // housekeeping, default 12h
	AgeClean  time.Duration // how old a done job must be to be swept, default 30d
}

func DefaultPeriods(poll time.Duration) Periods {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return Periods{
		Poll:      poll,
		Dead:      180 * time.Second,
		Kill:      30 * time.Second,
		GroupJoin: 15 * time.Second,
		Clean:     12 * time.Hour,
		AgeClean:  30 * 24 * time.Hour,
	}
}

// Scheduler runs the activity loop for one queue.
type Scheduler struct {
	Paths   job.Paths
	Queue   string
	Global  job.Global
	QDef    job.QueueDef
	Periods Periods

	Log *log.Logger

	alloc  *job.SeqAllocator
	launch *launch.Launcher
	table  *launch.Table

	mu         sync.Mutex
	running    map[uint64]*launch.Handle // job ID -> handle
	jobRecords map[uint64]*job.Job       // job ID -> record, mirrors `running`

	checkSoon chan struct{}
}

func New(p job.Paths, queue string, global job.Global, qdef job.QueueDef, lg *log.Logger) *Scheduler {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	tbl := launch.NewTable()
	return &Scheduler{
		Paths:     p,
		Queue:     queue,
		Global:    global,
		QDef:      qdef,
		Periods:   DefaultPeriods(global.PollInterval(qdef)),
		Log:       lg,
		alloc:     job.NewSeqAllocator(p),
		launch:    launch.New(tbl, lg),
		table:     tbl,
		running:   make(map[uint64]*launch.Handle),
		checkSoon: make(chan struct{}, 1),
	}
}

// RunLimit is the maximum number of jobs this scheduler will run
// concurrently, resolved from queue overlay or global default.
func (s *Scheduler) RunLimit() int { return s.Global.RunLimit(s.QDef) }

// CheckSoon pulls every timer forward to fire on the next loop
// iteration — used after a state change a peer made visible (a new
// kill marker, a SIGHUP, a newly-tied group member) so the scheduler
// doesn't wait out its longest period before reacting.
func (s *Scheduler) CheckSoon() {
	select {
	case s.checkSoon <- struct{}{}:
	default:
	}
}

// Run is the main activity loop, analogous to the original's
// will_work_for_food: each activity is due on its own period, and a
// CheckSoon signal (or a state change detected this iteration) pulls
// every due-time forward to "now" so the scheduler reacts immediately
// instead of waiting out the slowest timer.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now()
	nextPoll := now
	nextDead := now.Add(s.Periods.Dead)
	nextKill := now.Add(s.Periods.Kill)
	nextGroup := now.Add(s.Periods.GroupJoin)
	nextClean := now.Add(s.Periods.Clean)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.checkSoon:
			now = time.Now()
			nextPoll, nextDead, nextKill, nextGroup, nextClean = now, now, now, now, now
		case now = <-tick.C:
		}

		s.collectFinished(ctx)

		if !now.Before(nextPoll) {
			if err := s.pollForPending(ctx); err != nil {
				s.Log.Error("poll for pending failed", log.KVErr(err))
			}
			nextPoll = now.Add(s.Periods.Poll)
		}
		if !now.Before(nextKill) {
			if err := s.terminateWithPrejudice(ctx); err != nil {
				s.Log.Error("kill sweep failed", log.KVErr(err))
			}
			nextKill = now.Add(s.Periods.Kill)
		}
		if !now.Before(nextGroup) {
			if err := s.groupHug(ctx); err != nil {
				s.Log.Error("group join failed", log.KVErr(err))
			}
			nextGroup = now.Add(s.Periods.GroupJoin)
		}
		if !now.Before(nextDead) {
			if err := s.bringOutYerDead(ctx); err != nil {
				s.Log.Error("dead job resurrection failed", log.KVErr(err))
			}
			nextDead = now.Add(s.Periods.Dead)
		}
		if !now.Before(nextClean) {
			if err := s.housekeeping(ctx); err != nil {
				s.Log.Error("housekeeping failed", log.KVErr(err))
			}
			nextClean = now.Add(s.Periods.Clean)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.running {
		if err := s.launch.Kill(h, sigTerm); err != nil {
			s.Log.Warn("failed to signal running job during shutdown", log.KV("job", id), log.KVErr(err))
		}
	}
}
