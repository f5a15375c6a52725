//go:build !linux

package launch

import "syscall"

// PR_SET_PDEATHSIG is Linux-only; other platforms get no equivalent
// and this is silently skipped rather than treated as an error.
func applyPdeathsig(attr *syscall.SysProcAttr, enabled bool) {}
