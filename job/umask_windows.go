//go:build windows

package job

// Windows has no umask concept; job file permissions are governed
// entirely by ACL inheritance there, so this is a no-op.
func setUmask(mask int) int    { return 0 }
func restoreUmask(old int) int { return 0 }
