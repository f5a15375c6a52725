package job

import (
	"os"
	"sort"
)

// GetQueues lists every queue subdirectory under the jobs root, sorted
// alphabetically (matching the original's scandir+alphasort).
func GetQueues(p Paths) ([]string, error) {
	ents, err := os.ReadDir(p.JobDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// QueueExists reports whether a queue directory is present.
func QueueExists(p Paths, queue string) bool {
	fi, err := os.Stat(p.QueueDir(queue))
	return err == nil && fi.IsDir()
}

// GetJobsByState returns a Job for every job file present in a single
// state directory of a queue, built from the filename alone (the file
// is not opened). There is no file-scope scanner callback state here,
// unlike the original's static _sf/_ua/_qdir scandir-callback pattern.
func GetJobsByState(p Paths, queue string, state State) ([]*Job, error) {
	dir := p.StateDir(queue, state)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Job
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		runTime, priority, id, submitter, perr := ParseFilename(e.Name())
		if perr != nil {
			continue
		}
		out = append(out, &Job{
			Paths:     p,
			Queue:     queue,
			State:     state,
			RunTime:   runTime,
			Priority:  priority,
			ID:        id,
			Submitter: submitter,
		})
	}
	return out, nil
}

// StatesOf resolves the current state of each requested job ID within
// a queue by scanning every state directory once and matching IDs,
// replacing the original's static ggot/gstate/gpsmap callback trio
// with a single closure-driven pass.
func StatesOf(p Paths, queue string, ids []uint64) (map[uint64]State, error) {
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[uint64]State, len(ids))
	for _, st := range StateDirs() {
		dir := p.StateDir(queue, st)
		ents, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range ents {
			if e.IsDir() {
				continue
			}
			_, _, id, _, perr := ParseFilename(e.Name())
			if perr != nil || !want[id] {
				continue
			}
			out[id] = st
		}
	}
	return out, nil
}

// ScanQueue walks every lifecycle state directory of a queue, invoking
// fn for each job found. fn returning false stops the scan early.
// fullLoad controls whether each job's file is opened and parsed
// (needed when fn inspects header fields) or left as a path-derived
// skeleton (cheap, sufficient for state-machine decisions that only
// need path-encoded attributes).
func ScanQueue(p Paths, queue string, fullLoad bool, fn func(*Job) bool) error {
	for _, st := range StateDirs() {
		jobs, err := GetJobsByState(p, queue, st)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if fullLoad {
				if err := j.Load(); err != nil && err != ErrMoved {
					continue
				}
			}
			if !fn(j) {
				return nil
			}
		}
	}
	return nil
}
