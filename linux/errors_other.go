//go:build !unix && !windows && !plan9
// +build !unix,!windows,!plan9

package linux

func sysErrno(err error) Errno {
	return 0
}

func localToWire(n uintptr) Errno {
	return 0
}

func toLocal(e Errno) error {
	return nil
}
