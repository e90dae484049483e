//go:build linux
// +build linux

package linux

import (
	"errors"
	"syscall"
)

func sysErrno(err error) Errno {
	var se syscall.Errno
	if errors.As(err, &se) {
		return Errno(se)
	}
	return 0
}

// Local numbering is wire numbering.
func localToWire(n uintptr) Errno {
	return Errno(n)
}

func toLocal(e Errno) error {
	if e == 0 {
		return nil
	}
	return syscall.Errno(e)
}
