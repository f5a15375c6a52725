package job

import "errors"

// Sentinel errors matching the taxonomy carried over from the original
// facility: callers distinguish these with errors.Is rather than string
// matching. IO errors are wrapped *os.PathError/errno values and are
// not given dedicated sentinels here.
var (
	// ErrMoved indicates the job file was not found at the path a
	// caller expected it at — almost always because a peer already
	// moved it to another state directory. Not necessarily fatal.
	ErrMoved = errors.New("job: file moved")

	// ErrLocked indicates another process holds the advisory lock on
	// the job file. Callers should back off and retry
	// later rather than treat this as a hard failure.
	ErrLocked = errors.New("job: file locked")

	// ErrBadState indicates an operation was attempted against a job
	// whose current state does not permit it (e.g. Repath on a job whose
	// lock is not held).
	ErrBadState = errors.New("job: bad state for operation")

	// ErrTimeout indicates a bounded wait (e.g. for a child process)
	// expired before the awaited condition was observed.
	ErrTimeout = errors.New("job: operation timed out")

	// ErrAborted indicates an operation was interrupted by shutdown.
	ErrAborted = errors.New("job: aborted")

	// ErrBadPriority indicates a priority value outside [PriorityMin, PriorityMax].
	ErrBadPriority = errors.New("job: priority out of range")

	// ErrBadQueue indicates a queue name containing characters outside
	// the path-safe alphabet.
	ErrBadQueue = errors.New("job: bad queue name")

	// ErrBadJobFileFormat indicates the filename did not match the
	// expected grammar for a job file.
	ErrBadJobFileFormat = errors.New("job: malformed job filename")

	// Multipart parse errors, one sentinel per original parser error class.
	ErrBadTag          = errors.New("job: bad tag")
	ErrNoDelimiter      = errors.New("job: no delimiter")
	ErrTagWithoutValue  = errors.New("job: tag with no value")
	ErrUnterminatedBody = errors.New("job: unterminated section body")
)
