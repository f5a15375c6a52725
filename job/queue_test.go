package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustJob(t *testing.T, p Paths, alloc *SeqAllocator, queue string) *Job {
	t.Helper()
	j, err := New(p, queue, alloc, "alice", PriorityDefault, time.Now())
	require.NoError(t, err)
	require.NoError(t, j.Write())
	return j
}

func TestGetQueuesSorted(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	mustJob(t, p, alloc, "zzz")
	mustJob(t, p, alloc, "aaa")
	mustJob(t, p, alloc, "mmm")

	queues, err := GetQueues(p)
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "mmm", "zzz"}, queues)
}

func TestGetJobsByStateAndStatesOf(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	j1 := mustJob(t, p, alloc, "build")
	j2 := mustJob(t, p, alloc, "build")

	pend, err := GetJobsByState(p, "build", StatePend)
	require.NoError(t, err)
	require.Len(t, pend, 2)

	require.NoError(t, j1.Lock())
	require.NoError(t, j1.Repath(StateDone))

	states, err := StatesOf(p, "build", []uint64{j1.ID, j2.ID})
	require.NoError(t, err)
	require.Equal(t, StateDone, states[j1.ID])
	require.Equal(t, StatePend, states[j2.ID])
}

func TestScanQueueEarlyStop(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	mustJob(t, p, alloc, "build")
	mustJob(t, p, alloc, "build")

	count := 0
	err := ScanQueue(p, "build", false, func(j *Job) bool {
		count++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
