package definition

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ReadyForRead polls conns for read-readiness within a single timeout
// window and returns the subset that has data waiting (spec.md §4.1/§4.3:
// "readiness-poll ... with a short timeout"). Grounded in the original
// source's use of nix::sys::select::select for the same purpose; this is
// its Go analogue via golang.org/x/sys/unix.Select.
func ReadyForRead(conns []net.Conn, timeout time.Duration) ([]net.Conn, error) {
	if len(conns) == 0 {
		return nil, nil
	}

	var set unix.FdSet
	fds := make([]int, 0, len(conns))
	byFd := make(map[int]net.Conn, len(conns))
	maxFd := 0
	for _, c := range conns {
		fd, err := fdOf(c)
		if err != nil {
			continue
		}
		fds = append(fds, fd)
		byFd[fd] = c
		fdSetBit(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	if len(fds) == 0 {
		return nil, nil
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if _, err := unix.Select(maxFd+1, &set, nil, nil, &tv); err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	var ready []net.Conn
	for _, fd := range fds {
		if fdSetIsSet(&set, fd) {
			ready = append(ready, byFd[fd])
		}
	}
	return ready, nil
}

// ConnFd returns the raw file descriptor backing c, the same lookup
// ReadyForRead uses internally. Components that key tables by fd (Server's
// connection tables, PluginMan's entry table) call this once per accepted
// connection.
func ConnFd(c net.Conn) (int, error) {
	return fdOf(c)
}

func fdOf(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("definition: connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// FdTag encodes fd as the 4-byte big-endian meta tag Server and PluginMan
// both stamp onto events read off a stream, so a later hop can locate the
// originating connection (spec.md §4.1/§4.3: "meta[0] = fd_bytes").
func FdTag(fd int) []byte {
	b := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		b[i] = byte(fd)
		fd >>= 8
	}
	return b
}

// FdFromTag is the inverse of FdTag.
func FdFromTag(b []byte) int {
	if len(b) < 4 {
		return -1
	}
	var fd int
	for i := 0; i < 4; i++ {
		fd = fd<<8 | int(b[i])
	}
	return fd
}

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
