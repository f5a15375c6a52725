//go:build !windows

package scheduler

import (
	"os"
	"syscall"
)

const sigTerm = syscall.SIGTERM

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return -1
}
