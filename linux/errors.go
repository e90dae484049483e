package linux

import (
	"errors"
	"os"
)

// ExtractErrno extracts an [Errno] from an error, best effort.
//
// Wrapped errors are unwrapped. If the system-specific or Go-specific error
// cannot be mapped to anything, EIO is returned.
func ExtractErrno(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	if e := sysErrno(err); e != 0 {
		return e
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return ENOENT
	case errors.Is(err, os.ErrExist):
		return EEXIST
	case errors.Is(err, os.ErrPermission):
		return EACCES
	case errors.Is(err, os.ErrInvalid):
		return EINVAL
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ETIMEDOUT
	}
	return EIO
}

// FromLocal maps a local OS error number to its Linux equivalent. Unknown
// numbers map to EIO.
func FromLocal(n uintptr) Errno {
	if e := localToWire(n); e != 0 {
		return e
	}
	return EIO
}
