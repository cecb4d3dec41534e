//go:build linux

package evloop

import (
	"os"
	"time"

	"github.com/fzft/go-evloop/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	epollReadEvents      = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	epollWriteEvents     = unix.EPOLLOUT
	epollReadWriteEvents = epollReadEvents | epollWriteEvents
)

// epollBackend keeps the current interest mask per fd so that repeated
// arms collapse to a single epoll_ctl and re-arms use MOD instead of ADD.
type epollBackend struct {
	epfd     int
	interest map[int]uint32
	events   []unix.EpollEvent
}

func newEpollBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollBackend{
		epfd:     epfd,
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, 128),
	}, nil
}

func (b *epollBackend) ctl(fd int, events uint32) error {
	prev, ok := b.interest[fd]
	if ok && prev == events {
		return nil
	}
	op, name := unix.EPOLL_CTL_ADD, "epoll_ctl add"
	if ok {
		op, name = unix.EPOLL_CTL_MOD, "epoll_ctl mod"
	}
	ev := unix.EpollEvent{Fd: int32(fd), Events: events}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err != nil {
		return os.NewSyscallError(name, err)
	}
	b.interest[fd] = events
	return nil
}

func (b *epollBackend) armRead(fd int) error {
	return b.ctl(fd, epollReadEvents)
}

func (b *epollBackend) armReadWrite(fd int) error {
	return b.ctl(fd, epollReadWriteEvents)
}

func (b *epollBackend) armReadOnly(fd int) error {
	return b.ctl(fd, epollReadEvents)
}

func (b *epollBackend) unregister(fd int) error {
	if _, ok := b.interest[fd]; !ok {
		return nil
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	delete(b.interest, fd)
	return nil
}

func (b *epollBackend) wait(timeout time.Duration) ([]event, error) {
	n, err := unix.EpollWait(b.epfd, b.events, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	out := make([]event, 0, n)
	for i := 0; i < n; i++ {
		ep := &b.events[i]
		var kind eventKind
		if ep.Events&unix.EPOLLERR != 0 {
			kind |= evError
		}
		if ep.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			kind |= evHangup
		}
		if ep.Events&epollReadEvents&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			kind |= evReadable
		}
		if ep.Events&unix.EPOLLOUT != 0 {
			kind |= evWritable
		}
		out = append(out, event{fd: int(ep.Fd), kind: kind})
	}
	return out, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
