package linux

import (
	"errors"
	"io/fs"
)

var plan9Errors = []struct {
	error
	Errno
}{
	{fs.ErrNotExist, ENOENT},
	{fs.ErrPermission, EACCES},
	{fs.ErrExist, EEXIST},
}

func sysErrno(err error) Errno {
	for _, pair := range plan9Errors {
		if errors.Is(err, pair.error) {
			return pair.Errno
		}
	}
	// No clue what to do with others.
	return 0
}

// Plan 9 has no error numbers.
func localToWire(n uintptr) Errno {
	return 0
}

func toLocal(e Errno) error {
	return nil
}
