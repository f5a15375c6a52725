package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/misfitmountain/jobd/internal/log"
	"github.com/misfitmountain/jobd/job"
	"github.com/misfitmountain/jobd/launch"
	"github.com/misfitmountain/jobd/notify"
)

// pollForPending scans the pend directory, orders due jobs the way
// the original's jobcompare() did (most urgent priority first — 1 is
// most urgent — ties broken by earliest run_time), and launches as
// many as the queue's run limit has room for.
func (s *Scheduler) pollForPending(ctx context.Context) error {
	s.mu.Lock()
	slots := s.RunLimit() - len(s.running)
	s.mu.Unlock()
	if slots <= 0 {
		return nil
	}

	jobs, err := job.GetJobsByState(s.Paths, s.Queue, job.StatePend)
	if err != nil {
		return err
	}
	now := time.Now()
	var due []*job.Job
	for _, j := range jobs {
		if !j.RunTime.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority < due[k].Priority
		}
		return due[i].RunTime.Before(due[k].RunTime)
	})

	for _, j := range due {
		if slots <= 0 {
			break
		}
		if err := j.Lock(); err != nil {
			// Locked by another host or already moved; move on to the
			// next candidate rather than burning a slot on it.
			continue
		}
		if err := j.Load(); err != nil {
			_ = j.Unlock()
			s.Log.Warn("failed to load pending job", log.KV("job", j.ID), log.KVErr(err))
			continue
		}
		if err := s.resurrectDanglingRun(j); err != nil {
			s.Log.Warn("failed to close out dangling run", log.KV("job", j.ID), log.KVErr(err))
		}
		if len(j.Ties) >= 2 {
			if err := s.groupFanOut(j); err != nil {
				s.Log.Warn("failed to fan out group job", log.KV("job", j.ID), log.KVErr(err))
			}
			continue
		}
		if err := s.runAJob(ctx, j); err != nil {
			s.Log.Warn("failed to launch job", log.KV("job", j.ID), log.KVErr(err))
			continue
		}
		slots--
	}
	return nil
}

// groupFanOut materializes a pre-declared group job: a job submitted
// with two or more tie entries never runs a command itself. Each tie
// tag becomes a fresh child job (submitter/priority/uid/gid copied
// from the parent, mid set to the parent's ID), and the parent moves
// straight to tied without ever touching run.
func (s *Scheduler) groupFanOut(j *job.Job) error {
	for tag := range j.Ties {
		child, err := job.New(s.Paths, s.Queue, s.alloc, j.Submitter, j.Priority, time.Now())
		if err != nil {
			return err
		}
		child.UID = j.UID
		child.GID = j.GID
		child.MID = j.ID
		if err := child.Write(); err != nil {
			return err
		}
		j.TieTo(tag, child.ID)
	}
	j.SetClosed(true)
	if err := j.Repath(job.StateTied); err != nil {
		return err
	}
	return j.Write()
}

// runAJob resolves the job's command (via its type's template if one
// is set, else its own recorded command/args) and repaths it into run
// to launch the child with the standard environment. The caller must
// already hold the job's lock.
func (s *Scheduler) runAJob(ctx context.Context, j *job.Job) error {
	command := j.Command
	args := j.Args
	if j.Type != "" {
		if td, ok := s.QDef.Type[j.Type]; ok && td.Command != "" {
			parts := launch.BuildArgs(td.Command)
			if len(parts) > 0 {
				command = parts[0]
				args = append(append([]string{}, parts[1:]...), j.Args...)
			}
		}
	}
	if command == "" {
		_ = j.Unlock()
		return fmt.Errorf("job %d has no command", j.ID)
	}

	// Append the output section before the child ever starts, per
	// spec.md §4.6: "Append an output section with Try-Count =
	// try_count + 1, Start-Time = now, empty body placeholder."
	j.SetClosed(false)
	if err := j.AppendSection(newOutputSection(j.TryCount + 1)); err != nil {
		_ = j.Unlock()
		return err
	}

	if err := j.Repath(job.StateRun); err != nil {
		return err
	}

	logPath := filepath.Join(s.Paths.LogDir(), fmt.Sprintf("job.%s.%d.log", s.Queue, j.ID))
	substatus := ""
	if mp := j.Multipart(); mp != nil {
		for _, sec := range mp.Sections {
			if sec.Substatus != "" {
				substatus = sec.Substatus
			}
		}
	}
	env := append(os.Environ(),
		"JOB_SUBSTATUS="+substatus,
		"JOB_ID="+strconv.FormatUint(j.ID, 10),
		"JOB_QUEUE="+s.Queue,
		"JOB_FILE="+j.Path(),
		"JOB_COMMAND="+command,
		"JOB_TRY_COUNT="+strconv.Itoa(j.TryCount),
		"JOB_SUBSTATUS_FILE="+logPath,
	)

	h, err := s.launch.Start(launch.Spec{
		ProcName: "jobd:" + s.Queue + ":" + strconv.FormatUint(j.ID, 10),
		Path:     command,
		Args:     args,
		UID:      j.UID,
		GID:      j.GID,
		LogPath:  logPath,
	})
	if err != nil {
		// Roll the job back to pend so it is retried rather than
		// stranded in run with no process behind it.
		_ = j.Repath(job.StatePend)
		_ = j.Unlock()
		return err
	}

	s.mu.Lock()
	s.running[j.ID] = h
	s.mu.Unlock()
	s.jobByID(j.ID, j)
	return nil
}

func (s *Scheduler) jobByID(id uint64, j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobRecords == nil {
		s.jobRecords = make(map[uint64]*job.Job)
	}
	s.jobRecords[id] = j
}

// collectFinished drains any handles whose process has already exited
// and drives them through the retry/tied/done state machine.
func (s *Scheduler) collectFinished(ctx context.Context) {
	type finishedJob struct {
		j   *job.Job
		res launch.Result
	}

	s.mu.Lock()
	var finished []finishedJob
	for id, h := range s.running {
		select {
		case res := <-h.DoneNonBlocking():
			finished = append(finished, finishedJob{j: s.jobRecords[id], res: res})
			delete(s.running, id)
			delete(s.jobRecords, id)
		default:
		}
	}
	s.mu.Unlock()

	if len(finished) > 0 {
		// A finished run frees a slot and may change group state.
		s.CheckSoon()
	}
	for _, fe := range finished {
		if fe.j == nil {
			continue
		}
		if err := s.tryDone(ctx, fe.j, fe.res); err != nil {
			s.Log.Error("try_done failed", log.KV("job", fe.j.ID), log.KVErr(err))
		}
	}
}

// tryDone implements the original's retry/tied/done predicate,
// preserved byte-for-byte including the unusual SIGCONT+0 retry case.
// Every try — retried, tied, or final — appends exactly one result
// section (spec.md §4.6: "Append a result section ... Close the file
// iff not retrying"); only the retry path leaves the file open for a
// future try to append its own output/result pair.
func (s *Scheduler) tryDone(ctx context.Context, j *job.Job, res launch.Result) error {
	outc := classify(res)
	if outc == outcomeTied {
		// The job's own run is expected to have recorded its tie
		// entries into its own file already ("child job creation to
		// be completed elsewhere", spec.md §4.6) — pick that up
		// before this process's own rewrite below.
		if err := j.Load(); err != nil {
			return err
		}
	}
	j.TryCount++
	retrying := outc == outcomeRetry && j.TryCount < j.TryLimit
	tied := outc == outcomeTied && j.TryCount < j.TryLimit

	resultState := job.StateDone
	switch {
	case retrying:
		resultState = job.StatePend
	case tied:
		resultState = job.StateTied
	}
	sig, status := resultCodes(res)
	j.SetClosed(!retrying)
	if err := j.AppendSection(newResultSection(j.TryCount, sig, status, resultState)); err != nil {
		return err
	}

	switch {
	case retrying:
		j.RunTime = time.Now().Add(time.Duration(60*j.TryCount) * time.Second)
		return j.Repath(job.StatePend)
	case tied:
		return s.breakingUpIsHardToDo(j)
	default:
		return s.finalizeJob(j)
	}
}

// breakingUpIsHardToDo promotes a job tied after it exits EINPROGRESS.
// Unlike groupFanOut (pollForPending's pre-declared group jobs), this
// job ran its own command and is expected to have recorded its own
// tie entries along the way; tryDone's reload above already picked
// those up, so this step is just the repath. groupHug later promotes
// it to done once every tied child reaches done.
func (s *Scheduler) breakingUpIsHardToDo(j *job.Job) error {
	return j.Repath(job.StateTied)
}

// groupHug promotes tied parents to done once every child they fanned
// out to has itself reached done.
func (s *Scheduler) groupHug(ctx context.Context) error {
	tied, err := job.GetJobsByState(s.Paths, s.Queue, job.StateTied)
	if err != nil {
		return err
	}
	for _, parent := range tied {
		if err := parent.Load(); err != nil {
			continue
		}
		ids := parent.TiedIDs()
		if len(ids) == 0 {
			continue
		}
		states, err := job.StatesOf(s.Paths, s.Queue, ids)
		if err != nil {
			return err
		}
		allDone := len(states) == len(ids)
		for _, st := range states {
			if st != job.StateDone {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		if err := parent.Lock(); err != nil {
			continue
		}
		if err := parent.Repath(job.StateDone); err != nil {
			s.Log.Warn("failed to promote tied parent", log.KV("job", parent.ID), log.KVErr(err))
		}
	}
	return nil
}

// bringOutYerDead resurrects jobs stranded in run with no live process
// behind them — the scenario left over after a scheduler crash and
// restart. A job file still in "run" that this process doesn't have in
// its in-memory table is either owned by a peer (its lock will still
// be held, so TryLock fails) or genuinely orphaned (lock succeeds).
func (s *Scheduler) bringOutYerDead(ctx context.Context) error {
	running, err := job.GetJobsByState(s.Paths, s.Queue, job.StateRun)
	if err != nil {
		return err
	}
	s.mu.Lock()
	tracked := make(map[uint64]bool, len(s.running))
	for id := range s.running {
		tracked[id] = true
	}
	s.mu.Unlock()

	for _, j := range running {
		if tracked[j.ID] {
			continue
		}
		if err := j.Lock(); err != nil {
			continue // still owned by a live peer
		}
		if err := j.Load(); err != nil {
			_ = j.Unlock()
			continue
		}
		j.TryCount++
		if j.TryCount >= j.TryLimit {
			if err := s.appendResultAndFinalize(j, 99, 130, "resurrected job exceeded retry limit\n"); err != nil {
				s.Log.Warn("failed to finalize resurrected job", log.KV("job", j.ID), log.KVErr(err))
			}
			continue
		}
		if err := j.Repath(job.StatePend); err != nil {
			s.Log.Warn("failed to resurrect dead job", log.KV("job", j.ID), log.KVErr(err))
			continue
		}
		if err := j.Write(); err != nil {
			s.Log.Warn("failed to persist resurrected job", log.KV("job", j.ID), log.KVErr(err))
		}
		s.Log.Info("resurrected orphaned job", log.KV("job", j.ID))
	}
	return nil
}

// terminateWithPrejudice sweeps the kill directory for markers and
// signals any matching, actively-tracked job.
func (s *Scheduler) terminateWithPrejudice(ctx context.Context) error {
	dir := s.Paths.KillDir(s.Queue)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range ents {
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		s.mu.Lock()
		h, ok := s.running[id]
		s.mu.Unlock()
		if ok {
			if err := s.launch.Kill(h, sigTerm); err != nil {
				s.Log.Warn("failed to deliver kill marker", log.KV("job", id), log.KVErr(err))
				continue
			}
			s.Log.Info("delivered kill marker", log.KV("job", id))
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

// housekeeping removes done jobs older than AgeClean. It budgets no
// explicit wall-clock cap (unlike the original's 3s housekeeping
// window) because Go's ReadDir-based scan over a single queue
// directory is cheap enough not to need one; see DESIGN.md.
func (s *Scheduler) housekeeping(ctx context.Context) error {
	done, err := job.GetJobsByState(s.Paths, s.Queue, job.StateDone)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.Periods.AgeClean)
	for _, j := range done {
		if j.RunTime.After(cutoff) {
			continue
		}
		if err := j.Remove(); err != nil && !os.IsNotExist(err) {
			s.Log.Warn("failed to clean up aged job", log.KV("job", j.ID), log.KVErr(err))
		}
	}
	return nil
}

// finalizeJob repaths a job whose result section has already been
// appended (by tryDone or appendResultAndFinalize) into done, per
// spec.md §4.6: "On final, set state = done and run_time = now (so
// housekeeping can find it by age)."
func (s *Scheduler) finalizeJob(j *job.Job) error {
	j.RunTime = time.Now()
	if err := j.Repath(job.StateDone); err != nil {
		return err
	}
	if j.Notify != "" {
		notify.Notify(j.Notify, fmt.Sprintf("job %d in queue %s finished", j.ID, s.Queue))
	}
	return nil
}

// appendResultAndFinalize is used by activities that finalize a job
// outside the normal try-done path (e.g. a resurrected job that has
// exhausted its retry budget): it appends a closed result section
// carrying the given exit-signal/exit-status and moves the job to
// done.
func (s *Scheduler) appendResultAndFinalize(j *job.Job, exitSignal, exitStatus int, body string) error {
	sec := newResultSection(j.TryCount, exitSignal, exitStatus, job.StateDone)
	sec.Body = []byte(body)
	j.SetClosed(true)
	if err := j.AppendSection(sec); err != nil {
		return err
	}
	return s.finalizeJob(j)
}

// resurrectDanglingRun closes out a prior try whose output section was
// never followed by a result — the scheduler that started it died
// mid-run — before the job is considered for a fresh launch. Spec.md
// §4.6: "If the last section is output (prior run died), append a
// synthetic result section with exit-signal 99, status EOWNERDEAD
// (130), and body indicating 'Job manager died or system restart'."
func (s *Scheduler) resurrectDanglingRun(j *job.Job) error {
	mp := j.Multipart()
	if mp == nil || len(mp.Sections) < 2 {
		return nil
	}
	last := mp.Sections[len(mp.Sections)-1]
	if v, ok := last.Get("Section"); !ok || v != "output" {
		return nil
	}
	tryCount := j.TryCount
	if v, ok := last.Get("Try-Count"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			tryCount = n
		}
	}
	sec := newResultSection(tryCount, 99, 130, job.StatePend)
	sec.Body = []byte("Job manager died or system restart\n")
	j.SetClosed(false)
	if err := j.AppendSection(sec); err != nil {
		return err
	}
	j.TryCount = tryCount
	return nil
}

// newOutputSection builds the section opened when a try starts
// (spec.md §3/§4.6): "Try-Count = try_count + 1, Start-Time = now,
// empty body placeholder."
func newOutputSection(tryCount int) job.Section {
	var sec job.Section
	sec.Set("Section", "output")
	sec.Set("Try-Count", strconv.Itoa(tryCount))
	sec.Set("Start-Time", strconv.FormatInt(time.Now().Unix(), 10))
	return sec
}

// newResultSection builds the section closed when a try terminates
// (spec.md §3): "Try-Count, End-Time, Exit-Signal, Exit-Status, State."
func newResultSection(tryCount, exitSignal, exitStatus int, state job.State) job.Section {
	var sec job.Section
	sec.Set("Section", "result")
	sec.Set("Try-Count", strconv.Itoa(tryCount))
	sec.Set("End-Time", strconv.FormatInt(time.Now().Unix(), 10))
	sec.Set("Exit-Signal", strconv.Itoa(exitSignal))
	sec.Set("Exit-Status", strconv.Itoa(exitStatus))
	sec.Set("State", state.String())
	return sec
}

// resultCodes translates a launch.Result into the Exit-Signal/
// Exit-Status pair spec.md's result section carries: a process that
// died by signal reports that signal number with a zero status; one
// that exited normally reports a zero signal with its exit code.
func resultCodes(res launch.Result) (exitSignal, exitStatus int) {
	if res.Signal != nil {
		return signalNumber(res.Signal), 0
	}
	return 0, res.ExitCode
}
