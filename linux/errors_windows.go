//go:build windows
// +build windows

package linux

import (
	"errors"
	"syscall"
)

var windowsErrors = []struct {
	local syscall.Errno
	wire  Errno
}{
	{syscall.ERROR_FILE_NOT_FOUND, ENOENT},
	{syscall.ERROR_PATH_NOT_FOUND, ENOENT},
	{syscall.ERROR_ACCESS_DENIED, EACCES},
	{syscall.ERROR_FILE_EXISTS, EEXIST},
	{syscall.ERROR_INSUFFICIENT_BUFFER, ENOMEM},
}

func sysErrno(err error) Errno {
	var se syscall.Errno
	if !errors.As(err, &se) {
		return 0
	}
	return localToWire(uintptr(se))
}

func localToWire(n uintptr) Errno {
	for _, pair := range windowsErrors {
		if uintptr(pair.local) == n {
			return pair.wire
		}
	}
	// No clue what to do with others.
	return 0
}

func toLocal(e Errno) error {
	for _, pair := range windowsErrors {
		if pair.wire == e {
			return pair.local
		}
	}
	return nil
}
