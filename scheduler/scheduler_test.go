package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/misfitmountain/jobd/job"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, job.Paths, *job.SeqAllocator) {
	t.Helper()
	p := job.NewPaths(t.TempDir())
	require.NoError(t, os.MkdirAll(p.LogDir(), 0750))
	alloc := job.NewSeqAllocator(p)
	var global job.Global
	global.Job.RunLimit = 4
	global.Job.PollSecs = 30
	s := New(p, "build", global, job.QueueDef{Type: map[string]*job.TypeDef{}}, nil)
	return s, p, alloc
}

func TestSchedulerRunsJobToDone(t *testing.T) {
	s, p, alloc := newTestScheduler(t)
	j, err := job.New(p, "build", alloc, "alice", job.PriorityDefault, time.Now())
	require.NoError(t, err)
	j.Command = "/bin/sh"
	j.Args = []string{"-c", "exit 0"}
	require.NoError(t, j.Write())

	ctx := context.Background()
	require.NoError(t, s.pollForPending(ctx))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.collectFinished(ctx)
		states, err := job.StatesOf(p, "build", []uint64{j.ID})
		require.NoError(t, err)
		if states[j.ID] == job.StateDone {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job never reached done")
}

func TestSchedulerRetriesOnEAGAIN(t *testing.T) {
	s, p, alloc := newTestScheduler(t)
	j, err := job.New(p, "build", alloc, "alice", job.PriorityDefault, time.Now())
	require.NoError(t, err)
	j.Command = "/bin/sh"
	j.Args = []string{"-c", "exit 11"}
	j.TryLimit = 5
	require.NoError(t, j.Write())

	ctx := context.Background()
	require.NoError(t, s.pollForPending(ctx))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.collectFinished(ctx)
		states, err := job.StatesOf(p, "build", []uint64{j.ID})
		require.NoError(t, err)
		if states[j.ID] == job.StatePend {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	reloaded, err := job.Find(p, "build", j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatePend, reloaded.State)
	require.Equal(t, 1, reloaded.TryCount)
}

func TestPollForPendingOrdersByPriorityThenRunTime(t *testing.T) {
	s, p, alloc := newTestScheduler(t)
	now := time.Now()

	low, err := job.New(p, "build", alloc, "alice", 9, now)
	require.NoError(t, err)
	low.Command, low.Args = "/bin/sh", []string{"-c", "exit 0"}
	require.NoError(t, low.Write())

	urgent, err := job.New(p, "build", alloc, "alice", 1, now.Add(time.Millisecond))
	require.NoError(t, err)
	urgent.Command, urgent.Args = "/bin/sh", []string{"-c", "exit 0"}
	require.NoError(t, urgent.Write())

	s.Global.Job.RunLimit = 1
	ctx := context.Background()
	require.NoError(t, s.pollForPending(ctx))

	s.mu.Lock()
	_, urgentRunning := s.running[urgent.ID]
	_, lowRunning := s.running[low.ID]
	s.mu.Unlock()
	require.True(t, urgentRunning, "higher-priority job should have been picked first")
	require.False(t, lowRunning)
}

func TestGroupFanOutCreatesTiedChildren(t *testing.T) {
	s, p, alloc := newTestScheduler(t)
	parent, err := job.New(p, "build", alloc, "alice", job.PriorityDefault, time.Now())
	require.NoError(t, err)
	parent.TieTo("a", 0)
	parent.TieTo("b", 0)
	require.NoError(t, parent.Write())

	ctx := context.Background()
	require.NoError(t, s.pollForPending(ctx))

	reloaded, err := job.Find(p, "build", parent.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateTied, reloaded.State)
	require.Len(t, reloaded.Ties, 2)
	for _, childID := range reloaded.Ties {
		require.NotZero(t, childID)
		child, err := job.Find(p, "build", childID)
		require.NoError(t, err)
		require.Equal(t, parent.ID, child.MID)
		require.Equal(t, job.StatePend, child.State)
	}
}

func TestKillMarkerTerminatesRunningJob(t *testing.T) {
	s, p, alloc := newTestScheduler(t)
	j, err := job.New(p, "build", alloc, "alice", job.PriorityDefault, time.Now())
	require.NoError(t, err)
	j.Command = "/bin/sh"
	j.Args = []string{"-c", "sleep 30"}
	require.NoError(t, j.Write())

	ctx := context.Background()
	require.NoError(t, s.pollForPending(ctx))

	killDir := p.KillDir("build")
	require.NoError(t, os.MkdirAll(killDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(killDir, strconv.FormatUint(j.ID, 10)), nil, 0640))

	require.NoError(t, s.terminateWithPrejudice(ctx))

	deadline := time.Now().Add(3 * time.Second)
	var gotSignal bool
	for time.Now().Before(deadline) {
		s.collectFinished(ctx)
		s.mu.Lock()
		_, stillRunning := s.running[j.ID]
		s.mu.Unlock()
		if !stillRunning {
			gotSignal = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, gotSignal, "killed job should have been reaped")
}
