//go:build !windows

package job

import "golang.org/x/sys/unix"

func setUmask(mask int) int     { return unix.Umask(mask) }
func restoreUmask(old int) int  { return unix.Umask(old) }
