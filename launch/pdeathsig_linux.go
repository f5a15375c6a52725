//go:build linux

package launch

import "syscall"

func applyPdeathsig(attr *syscall.SysProcAttr, enabled bool) {
	if enabled {
		attr.Pdeathsig = syscall.SIGKILL
	}
}
