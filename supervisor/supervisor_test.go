package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/misfitmountain/jobd/job"
	"github.com/stretchr/testify/require"
)

func TestSingleInstanceGuard(t *testing.T) {
	root := t.TempDir()
	p := job.NewPaths(root)
	require.NoError(t, os.MkdirAll(p.CfgDir(), 0750))
	require.NoError(t, os.WriteFile(p.CfgFile(), []byte("[job]\n"), 0640))

	var global job.Global
	global.Job.QueueWatchSecs = 1

	fakeJobman := writeFakeJobman(t)
	sv1 := New(p, global, Config{JobmanPath: fakeJobman}, nil)

	lk := flock.New(p.CfgFile())
	ok, err := lk.TryLock()
	require.NoError(t, err)
	require.True(t, ok, "test setup: expected to acquire the lock first")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sv2 := New(p, global, Config{JobmanPath: fakeJobman}, nil)
	err = sv2.Run(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, lk.Unlock())
	_ = sv1
}

func TestStartQueueLaunchesScheduler(t *testing.T) {
	root := t.TempDir()
	p := job.NewPaths(root)
	require.NoError(t, os.MkdirAll(p.QueueDir("build"), 0750))
	require.NoError(t, os.MkdirAll(p.LogDir(), 0750))

	var global job.Global
	fakeJobman := writeFakeJobman(t)
	sv := New(p, global, Config{JobmanPath: fakeJobman}, nil)

	require.NoError(t, sv.startQueue("build"))
	require.Eventually(t, func() bool {
		return len(sv.KnownQueues()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	sv.stopQueue("build")
	require.Empty(t, sv.KnownQueues())
}

func TestFailedStateRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := job.NewPaths(root)
	require.NoError(t, os.MkdirAll(p.VlbDir(), 0750))

	fs := newFailedState(filepath.Join(p.VlbDir(), "queman.failed.gob"))

	empty, err := fs.load()
	require.NoError(t, err)
	require.Empty(t, empty)

	now := time.Now().Round(0)
	want := map[string]time.Time{"build": now, "release": now}
	require.NoError(t, fs.save(want))

	got, err := fs.load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.WithinDuration(t, now, got["build"], time.Second)
	require.WithinDuration(t, now, got["release"], time.Second)
}

func writeFakeJobman(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobman")
	script := "#!/bin/sh\nsleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}
