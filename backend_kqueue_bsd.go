//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package evloop

import (
	"os"
	"time"

	"github.com/fzft/go-evloop/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// kqueueBackend tracks per fd whether the write filter is currently set,
// so that armReadOnly knows whether an EV_DELETE for EVFILT_WRITE is due.
type kqueueBackend struct {
	kq       int
	writeArm map[int]bool
	events   []unix.Kevent_t
}

func newKqueueBackend() (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		log.Logger.Error("Failed to create kqueue", zap.Error(err))
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueBackend{
		kq:       kq,
		writeArm: make(map[int]bool),
		events:   make([]unix.Kevent_t, 128),
	}, nil
}

func (b *kqueueBackend) change(fd int, filter int16, flags uint16) error {
	var kev [1]unix.Kevent_t
	unix.SetKevent(&kev[0], fd, int(filter), int(flags))
	if _, err := unix.Kevent(b.kq, kev[:], nil, nil); err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (b *kqueueBackend) armRead(fd int) error {
	if _, ok := b.writeArm[fd]; ok {
		return nil
	}
	if err := b.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return err
	}
	b.writeArm[fd] = false
	return nil
}

func (b *kqueueBackend) armReadWrite(fd int) error {
	if w, ok := b.writeArm[fd]; ok && w {
		return nil
	}
	if err := b.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return err
	}
	if err := b.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		return err
	}
	b.writeArm[fd] = true
	return nil
}

func (b *kqueueBackend) armReadOnly(fd int) error {
	w, ok := b.writeArm[fd]
	if !ok {
		return b.armRead(fd)
	}
	if w {
		if err := b.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil {
			return err
		}
		b.writeArm[fd] = false
	}
	return nil
}

func (b *kqueueBackend) unregister(fd int) error {
	w, ok := b.writeArm[fd]
	if !ok {
		return nil
	}
	if err := b.change(fd, unix.EVFILT_READ, unix.EV_DELETE); err != nil {
		return err
	}
	if w {
		if err := b.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil {
			return err
		}
	}
	delete(b.writeArm, fd)
	return nil
}

func (b *kqueueBackend) wait(timeout time.Duration) ([]event, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(b.kq, nil, b.events, &ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("kevent", err)
	}

	out := make([]event, 0, n)
	for i := 0; i < n; i++ {
		kev := &b.events[i]
		var kind eventKind
		switch {
		case kev.Flags&unix.EV_ERROR != 0:
			kind |= evError
		case kev.Flags&unix.EV_EOF != 0:
			// EOF with an fflags cause is an error; a clean EOF is a hangup.
			if kev.Fflags != 0 {
				kind |= evError
			} else {
				kind |= evHangup
			}
		}
		switch kev.Filter {
		case unix.EVFILT_READ:
			kind |= evReadable
		case unix.EVFILT_WRITE:
			kind |= evWritable
		}
		out = append(out, event{fd: int(kev.Ident), kind: kind})
	}
	return out, nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kq)
}
