//go:build unix

package security

import "golang.org/x/sys/unix"

func pin(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unpin(b []byte) {
	if len(b) > 0 {
		_ = unix.Munlock(b)
	}
}

// DisableCoreDumps sets RLIMIT_CORE to zero so a crash cannot write
// signing seeds to disk.
func DisableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
}
