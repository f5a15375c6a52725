// Command jobman is the per-queue scheduler daemon: it polls one
// queue's pend directory, launches due jobs, and drives completed runs
// through the retry/tied/done state machine described in SPEC_FULL.md.
// One instance is started per queue, normally by queman.
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
	"github.com/misfitmountain/jobd/scheduler"
)

func main() {
	var (
		root  = flag.String("root", "/", "facility root directory")
		queue = flag.String("queue", "", "queue name to schedule (required)")
	)
	flag.Parse()

	if *queue == "" {
		fmt.Fprintln(os.Stderr, "jobman: -queue is required")
		os.Exit(2)
	}
	if !job.ValidatePathSafe(*queue) {
		fmt.Fprintln(os.Stderr, "jobman: bad queue name")
		os.Exit(2)
	}

	paths := job.NewPaths(*root)
	if err := os.MkdirAll(paths.LogDir(), 0750); err != nil {
		fmt.Fprintln(os.Stderr, "jobman: failed to create log directory:", err)
		os.Exit(1)
	}

	lg, err := log.NewFile(filepath.Join(paths.LogDir(), "queue:"+*queue+".log"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobman: failed to open log file:", err)
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

	qdef, err := job.LoadQueueDef(paths, *queue)
	if err != nil {
		lg.Error("failed to load queue definition", log.KV("queue", *queue), log.KVErr(err))
	}

	sched := scheduler.New(paths, *queue, global, qdef, lg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				sched.CheckSoon()
				continue
			}
			lg.Info("received shutdown signal", log.KV("signal", sig.String()))
			cancel()
			return
		}
	}()

	lg.Info("jobman starting", log.KV("queue", *queue), log.KV("root", *root))
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		lg.Error("scheduler loop exited with error", log.KVErr(err))
		os.Exit(1)
	}
	lg.Info("jobman exiting", log.KV("queue", *queue))
}
