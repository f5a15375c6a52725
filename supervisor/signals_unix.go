//go:build !windows

package supervisor

import "syscall"

const sigTerm = syscall.SIGTERM
