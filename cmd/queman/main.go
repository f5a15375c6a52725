// Command queman is the queue supervisor daemon: it watches the jobs
// root for queue directories appearing and disappearing and keeps one
// jobman scheduler running per live queue. Only one instance may run
// against a given facility root at a time, enforced by an advisory
// lock on job.conf itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/misfitmountain/jobd/internal/log"
	"github.com/misfitmountain/jobd/job"
	"github.com/misfitmountain/jobd/supervisor"
)

func main() {
	var (
		root       = flag.String("root", "/", "facility root directory")
		jobmanPath = flag.String("jobman", "", "path to the jobman binary (defaults to <root>/usr/bin/jobman)")
	)
	flag.Parse()

	paths := job.NewPaths(*root)
	if err := os.MkdirAll(paths.LogDir(), 0750); err != nil {
		fmt.Fprintln(os.Stderr, "queman: failed to create log directory:", err)
		os.Exit(1)
	}

	lg, err := log.NewFile(filepath.Join(paths.LogDir(), "queman.log"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "queman: failed to open log file:", err)
		os.Exit(1)
	}
	defer lg.Close()

	global, err := job.LoadGlobal(paths)
	if err != nil && !os.IsNotExist(err) {
		lg.Error("failed to load job.conf", log.KVErr(err))
	}
	if err := lg.SetLevelString(global.Jobs.LogLevel); err != nil {
		lg.Warn("invalid log level in job.conf, keeping default", log.KVErr(err))
	}

	cfg := supervisor.Config{JobmanPath: *jobmanPath}
	sv := supervisor.New(paths, global, cfg, lg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info("received shutdown signal", log.KV("signal", sig.String()))
		cancel()
	}()

	lg.Info("queman starting", log.KV("root", *root))
	if err := sv.Run(ctx); err != nil && err != context.Canceled {
		lg.Error("supervisor loop exited with error", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("queman exiting")
}
