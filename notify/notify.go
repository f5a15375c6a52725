// Package notify is the best-effort terminal-notification helper
// spec.md keeps as a minimal external collaborator: a job that names a
// notify target in its header gets a one-line message written to that
// user's terminal(s) on completion, the same courtesy a shell's
// `wall`/`write` commands provide. It makes no delivery guarantee and
// failures are never propagated to the scheduler's own error handling
// — a missing/offline user must never stall job completion.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Notify writes msg to user's terminal(s) via the system write(1)
// utility, if present, and silently does nothing otherwise. This is
// deliberately not reimplemented against /var/run/utmp directly: the
// utmp format is platform- and libc-specific, and shelling out to the
// same tool interactive users already have is the portable
// equivalent, matching the best-effort scope spec.md sets for this
// collaborator.
func Notify(user, msg string) {
	path, err := exec.LookPath("write")
	if err != nil {
		return
	}
	cmd := exec.Command(path, user)
	cmd.Stdin = strings.NewReader(fmt.Sprintf("%s\n", msg))
	_ = cmd.Run()
}
