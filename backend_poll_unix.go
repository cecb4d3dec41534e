//go:build unix

package evloop

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable fallback. The interest set lives in a map
// and a pollfd slice is rebuilt per wait; fine for the connection counts
// this backend is expected to carry.
type pollBackend struct {
	interest map[int]int16
}

func newPollBackend() (backend, error) {
	return &pollBackend{interest: make(map[int]int16)}, nil
}

func (b *pollBackend) armRead(fd int) error {
	b.interest[fd] = unix.POLLIN | unix.POLLPRI
	return nil
}

func (b *pollBackend) armReadWrite(fd int) error {
	b.interest[fd] = unix.POLLIN | unix.POLLPRI | unix.POLLOUT
	return nil
}

func (b *pollBackend) armReadOnly(fd int) error {
	b.interest[fd] = unix.POLLIN | unix.POLLPRI
	return nil
}

func (b *pollBackend) unregister(fd int) error {
	delete(b.interest, fd)
	return nil
}

func (b *pollBackend) wait(timeout time.Duration) ([]event, error) {
	fds := make([]unix.PollFd, 0, len(b.interest))
	for fd, events := range b.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]event, 0, n)
	for i := range fds {
		revents := fds[i].Revents
		if revents == 0 {
			continue
		}
		var kind eventKind
		if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			kind |= evError
		}
		if revents&unix.POLLHUP != 0 {
			kind |= evHangup
		}
		if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
			kind |= evReadable
		}
		if revents&unix.POLLOUT != 0 {
			kind |= evWritable
		}
		out = append(out, event{fd: int(fds[i].Fd), kind: kind})
	}
	return out, nil
}

func (b *pollBackend) close() error {
	return nil
}
