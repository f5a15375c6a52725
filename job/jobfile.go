package job

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
)

const (
	// JobASAP is the sentinel run_time meaning "run as soon as
	// possible", carried over byte-for-byte from the original
	// facility so existing job submissions keep meaning the same
	// thing: 1999-12-31T23:59:59Z.
	JobASAP = 946684799

	PriorityMin     = 1
	PriorityMax     = 9
	PriorityDefault = 5

	DefaultTryLimit = 100
)

// Job is an in-memory job record: the fields encoded in its path plus
// the header fields carried in the multipart file's first section.
type Job struct {
	Paths Paths

	Queue    string
	State    State
	RunTime  time.Time
	Priority int
	ID       uint64

	// Header fields (section 0 of the multipart file).
	Submitter string
	Type      string
	Command   string
	Args      []string
	TryCount  int
	TryLimit  int
	MID       uint64 // non-zero when this job is a fanned-out child of a group
	MNode     string // always empty: remote mnode fan-out is out of scope
	PID       int    // non-zero while the job has a running child
	Ties      map[string]uint64
	UID       *int
	GID       *int
	Notify    string

	mp   *Multipart
	lock *flock.Flock
}

var filenameRE = regexp.MustCompile(`^t(\d+)\.p(\d)\.j(\d+)\.([A-Za-z0-9._-]+)$`)

// pathSafeRE matches the alphabet original submission tooling enforced
// for queue names and submitters: alnum plus '.', '-', '_'. Exported so
// any front-end reuses exactly the rule the scheduler itself expects
// when it parses filenames back apart.
var pathSafeRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func ValidatePathSafe(s string) bool {
	return s != "" && pathSafeRE.MatchString(s)
}

// Name renders the job's filename: t<run_time>.p<priority>.j<id>.<submitter>.
func (j *Job) Name() string {
	return fmt.Sprintf("t%010d.p%d.j%d.%s", j.RunTime.Unix(), j.Priority, j.ID, j.Submitter)
}

// Path returns the job's current full path.
func (j *Job) Path() string {
	return filepath.Join(j.Paths.StateDir(j.Queue, j.State), j.Name())
}

// ParseFilename decodes the path-encoding invariant: every scheduling
// attribute a scheduler needs to pick a job to run is recoverable from
// its name alone, without opening the file.
func ParseFilename(name string) (runTime time.Time, priority int, id uint64, submitter string, err error) {
	m := filenameRE.FindStringSubmatch(name)
	if m == nil {
		err = ErrBadJobFileFormat
		return
	}
	sec, _ := strconv.ParseInt(m[1], 10, 64)
	runTime = time.Unix(sec, 0).UTC()
	pr, _ := strconv.Atoi(m[2])
	priority = pr
	id, _ = strconv.ParseUint(m[3], 10, 64)
	submitter = m[4]
	if !ValidatePathSafe(submitter) {
		err = ErrBadJobFileFormat
	}
	return
}

// New constructs a fresh job record with an allocated sequence ID,
// placed in the "pend" state whatever runTime is; New never places a
// job in "hold".
func New(p Paths, queue string, alloc *SeqAllocator, submitter string, priority int, runTime time.Time) (*Job, error) {
	if !ValidatePathSafe(queue) {
		return nil, ErrBadQueue
	}
	if !ValidatePathSafe(submitter) {
		return nil, fmt.Errorf("%w: bad submitter", ErrBadJobFileFormat)
	}
	if priority < PriorityMin || priority > PriorityMax {
		return nil, ErrBadPriority
	}
	id, err := alloc.Next()
	if err != nil {
		return nil, err
	}
	j := &Job{
		Paths:     p,
		Queue:     queue,
		State:     StatePend,
		RunTime:   runTime,
		Priority:  priority,
		ID:        id,
		Submitter: submitter,
		TryLimit:  DefaultTryLimit,
		Ties:      make(map[string]uint64),
		mp:        &Multipart{},
	}
	return j, nil
}

// Find locates an existing job by ID within a queue, searching every
// lifecycle state directory. Unlike the original's static-callback
// scandir walk, this uses a plain closure over the queue's state
// directories — no file-scope mutable state.
func Find(p Paths, queue string, id uint64) (*Job, error) {
	if !ValidatePathSafe(queue) {
		return nil, ErrBadQueue
	}
	var found string
	var foundState State
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
			_, _, eid, _, err := ParseFilename(e.Name())
			if err != nil {
				continue
			}
			if eid == id {
				found = filepath.Join(dir, e.Name())
				foundState = st
				break
			}
		}
		if found != "" {
			break
		}
	}
	if found == "" {
		return nil, ErrMoved
	}
	return loadFromPath(p, queue, foundState, found)
}

func loadFromPath(p Paths, queue string, state State, path string) (*Job, error) {
	runTime, priority, id, submitter, err := ParseFilename(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	j := &Job{
		Paths:     p,
		Queue:     queue,
		State:     state,
		RunTime:   runTime,
		Priority:  priority,
		ID:        id,
		Submitter: submitter,
		Ties:      make(map[string]uint64),
	}
	if err := j.Load(); err != nil {
		return nil, err
	}
	return j, nil
}

// Load reads and parses the job file's current contents from disk.
func (j *Job) Load() error {
	f, err := os.Open(j.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMoved
		}
		return err
	}
	defer f.Close()
	mp, err := ParseMultipart(f)
	if err != nil {
		return err
	}
	j.mp = mp
	h := mp.Header()
	// Header tags are the literal ones spec.md §3/§6 name. job-id,
	// job-state, job-queue and job-prio are also written on Write for
	// conformance, but are never read back here: the path-encoding
	// invariant (spec.md §3) makes the filename the canonical source
	// for those four, not the header copy.
	if v, ok := h.Get("Job-Type"); ok {
		j.Type = v
	}
	if v, ok := h.Get("Command"); ok {
		j.Command = v
	}
	j.Args = nil
	for i := 1; ; i++ {
		v, ok := h.Get(fmt.Sprintf("Job-Arg-%d", i))
		if !ok {
			break
		}
		j.Args = append(j.Args, v)
	}
	if v, ok := h.Get("Try-Count"); ok {
		j.TryCount, _ = strconv.Atoi(v)
	}
	if v, ok := h.Get("Try-Limit"); ok {
		j.TryLimit, _ = strconv.Atoi(v)
	} else if j.TryLimit == 0 {
		j.TryLimit = DefaultTryLimit
	}
	if v, ok := h.Get("Job-MID"); ok {
		j.MID, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := h.Get("Job-MNode"); ok {
		j.MNode = v
	}
	if v, ok := h.Get("Job-PID"); ok {
		j.PID, _ = strconv.Atoi(v)
	}
	if v, ok := h.Get("TTY-Notify"); ok {
		j.Notify = v
	}
	j.Ties = parseTies(h.Body)
	return nil
}

func parseTies(body []byte) map[string]uint64 {
	out := make(map[string]uint64)
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		// Non-matching lines (arbitrary comments) are tolerated and
		// skipped, matching the original's tie-body parsing.
		if len(fields) != 3 || fields[0] != "tie" {
			continue
		}
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		out[fields[1]] = id
	}
	return out
}

// Lock takes an exclusive, non-blocking advisory lock on the job
// file. Lock ownership is how the scheduler and any concurrent peer
// coordinate claiming a job for a run without a central broker.
func (j *Job) Lock() error {
	j.lock = flock.New(j.Path())
	ok, err := j.lock.TryLock()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMoved
		}
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (j *Job) Unlock() error {
	if j.lock == nil {
		return nil
	}
	err := j.lock.Unlock()
	j.lock = nil
	return err
}

// Repath moves the job file to a new state directory via an atomic
// rename, matching the original's lock-then-rename discipline: the
// caller must already hold the job's lock before calling Repath, and
// Repath releases it afterward unless the new state is Run (a running
// job's lock is held for the duration of the run so a crash-recovery
// scan can tell a running job apart from an orphaned one via lock
// contention alone).
func (j *Job) Repath(newState State) error {
	if j.lock == nil {
		return ErrBadState
	}
	oldPath := j.Path()
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		// A path-encoded attribute (e.g. RunTime on a retry) changed
		// since the file was placed: find it in its state directory by ID.
		ents, rerr := os.ReadDir(filepath.Dir(oldPath))
		if rerr != nil {
			return rerr
		}
		for _, e := range ents {
			if _, _, id, _, perr := ParseFilename(e.Name()); perr == nil && id == j.ID {
				oldPath = filepath.Join(filepath.Dir(oldPath), e.Name())
				break
			}
		}
	}
	j.State = newState
	newPath := j.Path()
	if err := os.MkdirAll(filepath.Dir(newPath), 0750); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	if newState != StateRun {
		return j.Unlock()
	}
	return nil
}

// Remove deletes the job file outright (used by housekeeping once a
// done job has aged out).
func (j *Job) Remove() error {
	return os.Remove(j.Path())
}

// TieTo records a group-fan-out child under the given tag.
func (j *Job) TieTo(tag string, childID uint64) {
	if j.Ties == nil {
		j.Ties = make(map[string]uint64)
	}
	j.Ties[tag] = childID
}

func (j *Job) TiedIDs() []uint64 {
	ids := make([]uint64, 0, len(j.Ties))
	for _, id := range j.Ties {
		ids = append(ids, id)
	}
	return ids
}

// Write serializes the header fields and tie body back into the
// multipart store and atomically rewrites the job file in place via
// renameio at its current path. Write never moves the file between
// state directories; callers do that afterwards with Repath, so the
// atomic rewrite happens strictly before any cross-directory rename
// and a concurrent reader never observes a half-written file at
// either name.
func (j *Job) Write() error {
	if j.mp == nil {
		j.mp = &Multipart{}
	}
	h := j.mp.Header()
	// Literal header tags per spec.md §3/§6: job-id/job-state/job-queue/
	// job-prio are the path-encoded attributes restated for a reader of
	// the file alone; Command and/or Job-Type name what runs;
	// Job-Arg-<n> carries each argument as its own tag rather than a
	// single space-joined value, so an argument containing whitespace
	// round-trips intact.
	h.Set("job-id", strconv.FormatUint(j.ID, 10))
	h.Set("job-state", j.State.String())
	h.Set("job-queue", j.Queue)
	h.Set("job-prio", strconv.Itoa(j.Priority))
	// Job-Type and Command are independent: Job-Type names a queue
	// template to resolve at launch time, Command is the literal
	// command/override a submitter gave directly. A job may carry
	// either, both (Type selects the template, Command overrides its
	// args), or neither yet (a group job that only ties children).
	if j.Type != "" {
		h.Set("Job-Type", j.Type)
	}
	if j.Command != "" {
		h.Set("Command", j.Command)
	}
	for i, a := range j.Args {
		h.Set(fmt.Sprintf("Job-Arg-%d", i+1), a)
	}
	h.Set("Job-MID", strconv.FormatUint(j.MID, 10))
	if j.MNode != "" {
		h.Set("Job-MNode", j.MNode)
	}
	h.Set("Job-PID", strconv.Itoa(j.PID))
	if j.Notify != "" {
		h.Set("TTY-Notify", j.Notify)
	}
	h.Set("Try-Limit", strconv.Itoa(j.TryLimit))
	h.Set("Try-Count", strconv.Itoa(j.TryCount))

	var tieLines strings.Builder
	for tag, id := range j.Ties {
		fmt.Fprintf(&tieLines, "tie %s %d\n", tag, id)
	}
	h.Body = []byte(tieLines.String())

	if err := os.MkdirAll(filepath.Dir(j.Path()), 0750); err != nil {
		return err
	}
	oldUmask := setUmask(0007)
	defer restoreUmask(oldUmask)
	if err := renameio.WriteFile(j.Path(), j.mp.Bytes(), 0640); err != nil {
		return err
	}
	if j.UID != nil && j.GID != nil && *j.UID != 0 && *j.GID != 0 {
		_ = os.Chown(j.Path(), *j.UID, *j.GID)
	}
	return nil
}

// AppendSection records an output/result section (e.g. a completed
// run's captured stdio) and rewrites the file.
func (j *Job) AppendSection(sec Section) error {
	if j.mp == nil {
		j.mp = &Multipart{}
	}
	j.mp.Header() // ensures section 0 (the header) exists before appending
	j.mp.AddSection(sec)
	return j.Write()
}

func (j *Job) Multipart() *Multipart { return j.mp }

// SetClosed marks whether the next Write will carry the file's final
// boundary terminator. A job is closed (spec.md §3) exactly when it
// has reached a terminal disposition for its current attempt and will
// not be retried; every other transition (including a fresh job's
// first write) leaves it open.
func (j *Job) SetClosed(closed bool) {
	if j.mp == nil {
		j.mp = &Multipart{}
	}
	j.mp.Closed = closed
}
