package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFilenameRoundTrip(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	j, err := New(p, "build", alloc, "alice", PriorityDefault, time.Unix(JobASAP, 0).UTC())
	require.NoError(t, err)

	name := j.Name()
	runTime, priority, id, submitter, err := ParseFilename(name)
	require.NoError(t, err)
	require.Equal(t, j.RunTime.Unix(), runTime.Unix())
	require.Equal(t, j.Priority, priority)
	require.Equal(t, j.ID, id)
	require.Equal(t, j.Submitter, submitter)
}

func TestNewRejectsBadQueueOrPriority(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)

	_, err := New(p, "bad/queue", alloc, "alice", PriorityDefault, time.Now())
	require.ErrorIs(t, err, ErrBadQueue)

	_, err = New(p, "build", alloc, "alice", 99, time.Now())
	require.ErrorIs(t, err, ErrBadPriority)
}

func TestWriteLockRepathFind(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	j, err := New(p, "build", alloc, "alice", PriorityDefault, time.Now())
	require.NoError(t, err)
	j.Command = "echo hi"
	j.Type = "shell"
	require.NoError(t, j.Write())

	found, err := Find(p, "build", j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, found.ID)
	require.Equal(t, StatePend, found.State)
	require.Equal(t, "echo hi", found.Command)

	require.NoError(t, found.Lock())
	require.NoError(t, found.Repath(StateRun))
	require.Equal(t, StateRun, found.State)

	// A second Find must now see it in "run", and attempting to lock
	// the same file while the first lock is held must fail.
	again, err := Find(p, "build", j.ID)
	require.NoError(t, err)
	require.Equal(t, StateRun, again.State)
	err = again.Lock()
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, found.Unlock())
}

func TestTieToAndTiedIDs(t *testing.T) {
	p := NewPaths(t.TempDir())
	alloc := NewSeqAllocator(p)
	j, err := New(p, "build", alloc, "alice", PriorityDefault, time.Now())
	require.NoError(t, err)
	j.TieTo("unit-a", 101)
	j.TieTo("unit-b", 102)
	require.NoError(t, j.Write())

	reloaded, err := Find(p, "build", j.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{101, 102}, reloaded.TiedIDs())
}
