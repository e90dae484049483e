//go:build unix && !linux
// +build unix,!linux

package linux

import (
	"errors"

	"golang.org/x/sys/unix"
)

var wireToUnix = map[Errno]unix.Errno{
	EPERM:        unix.EPERM,
	ENOENT:       unix.ENOENT,
	ESRCH:        unix.ESRCH,
	EINTR:        unix.EINTR,
	EIO:          unix.EIO,
	ENXIO:        unix.ENXIO,
	E2BIG:        unix.E2BIG,
	ENOEXEC:      unix.ENOEXEC,
	EBADF:        unix.EBADF,
	ECHILD:       unix.ECHILD,
	EAGAIN:       unix.EAGAIN,
	ENOMEM:       unix.ENOMEM,
	EACCES:       unix.EACCES,
	EFAULT:       unix.EFAULT,
	EBUSY:        unix.EBUSY,
	EEXIST:       unix.EEXIST,
	EXDEV:        unix.EXDEV,
	ENODEV:       unix.ENODEV,
	ENOTDIR:      unix.ENOTDIR,
	EISDIR:       unix.EISDIR,
	EINVAL:       unix.EINVAL,
	ENFILE:       unix.ENFILE,
	EMFILE:       unix.EMFILE,
	ENOTTY:       unix.ENOTTY,
	ETXTBSY:      unix.ETXTBSY,
	EFBIG:        unix.EFBIG,
	ENOSPC:       unix.ENOSPC,
	ESPIPE:       unix.ESPIPE,
	EROFS:        unix.EROFS,
	EMLINK:       unix.EMLINK,
	EPIPE:        unix.EPIPE,
	EDOM:         unix.EDOM,
	ERANGE:       unix.ERANGE,
	EDEADLK:      unix.EDEADLK,
	ENAMETOOLONG: unix.ENAMETOOLONG,
	ENOLCK:       unix.ENOLCK,
	ENOSYS:       unix.ENOSYS,
	ENOTEMPTY:    unix.ENOTEMPTY,
	ELOOP:        unix.ELOOP,
	EOVERFLOW:    unix.EOVERFLOW,
	EOPNOTSUPP:   unix.EOPNOTSUPP,
	ECONNRESET:   unix.ECONNRESET,
	ETIMEDOUT:    unix.ETIMEDOUT,
	ESTALE:       unix.ESTALE,
	EDQUOT:       unix.EDQUOT,
}

var unixToWire = func() map[unix.Errno]Errno {
	m := make(map[unix.Errno]Errno, len(wireToUnix))
	for w, u := range wireToUnix {
		m[u] = w
	}
	return m
}()

func sysErrno(err error) Errno {
	var ue unix.Errno
	if errors.As(err, &ue) {
		return unixToWire[ue]
	}
	return 0
}

func localToWire(n uintptr) Errno {
	return unixToWire[unix.Errno(n)]
}

func toLocal(e Errno) error {
	if ue, ok := wireToUnix[e]; ok {
		return ue
	}
	return nil
}
