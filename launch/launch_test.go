package launch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartAndWaitSuccess(t *testing.T) {
	tbl := NewTable()
	l := New(tbl, nil)

	h, err := l.Start(Spec{
		ProcName: "jobd:test",
		Path:     "/bin/sh",
		Args:     []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := l.Wait(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 0, tbl.Running())
}

func TestStartNonZeroExit(t *testing.T) {
	tbl := NewTable()
	l := New(tbl, nil)

	h, err := l.Start(Spec{
		ProcName: "jobd:test",
		Path:     "/bin/sh",
		Args:     []string{"-c", "exit 7"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := l.Wait(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestLogPathCapturesOutput(t *testing.T) {
	tbl := NewTable()
	l := New(tbl, nil)
	logPath := filepath.Join(t.TempDir(), "job.log")

	h, err := l.Start(Spec{
		ProcName: "jobd:test",
		Path:     "/bin/sh",
		Args:     []string{"-c", "echo hello"},
		LogPath:  logPath,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = l.Wait(ctx, h)
	require.NoError(t, err)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))
}

func TestBuildArgsQuoting(t *testing.T) {
	args := BuildArgs(`echo "hello world" 'another one'`)
	require.Equal(t, []string{"echo", "hello world", "another one"}, args)
}
