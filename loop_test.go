package evloop

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// fakeSock is an in-memory socket for pipeline tests.
type fakeSock struct {
	fd        int
	connected bool
	nonblock  bool
	closed    bool

	readData []byte
	readErr  error

	written  bytes.Buffer
	writeCap int // max bytes accepted per Write, 0 means all
	writeErr error
}

func (s *fakeSock) Fd() int { return s.fd }

func (s *fakeSock) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	n := copy(p, s.readData)
	s.readData = s.readData[n:]
	return n, nil
}

func (s *fakeSock) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.writeCap > 0 && n > s.writeCap {
		n = s.writeCap
	}
	s.written.Write(p[:n])
	return n, nil
}

func (s *fakeSock) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSock) Connected() bool { return s.connected }

func (s *fakeSock) SetNonblock() error {
	s.nonblock = true
	return nil
}

func (s *fakeSock) LocalInfo() (Info, error) {
	return Info{Address: "127.0.0.1", Port: 0}, nil
}

func (s *fakeSock) RemoteInfo() (Info, error) {
	return Info{Address: "127.0.0.1", Port: 0}, nil
}

// fakeBackend records interest masks and counts mask transitions so
// idempotence is observable.
type fakeBackend struct {
	masks   map[int]eventKind
	armOps  int
	next    []event
	waits   int
	closed  bool
	history []map[int]eventKind
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{masks: make(map[int]eventKind)}
}

func (b *fakeBackend) set(fd int, kind eventKind) error {
	if b.masks[fd] != kind {
		b.armOps++
	}
	b.masks[fd] = kind
	snap := make(map[int]eventKind, len(b.masks))
	for k, v := range b.masks {
		snap[k] = v
	}
	b.history = append(b.history, snap)
	return nil
}

func (b *fakeBackend) armRead(fd int) error      { return b.set(fd, evReadable) }
func (b *fakeBackend) armReadWrite(fd int) error { return b.set(fd, evReadable|evWritable) }
func (b *fakeBackend) armReadOnly(fd int) error  { return b.set(fd, evReadable) }

func (b *fakeBackend) unregister(fd int) error {
	delete(b.masks, fd)
	return nil
}

func (b *fakeBackend) wait(time.Duration) ([]event, error) {
	b.waits++
	evs := b.next
	b.next = nil
	return evs, nil
}

func (b *fakeBackend) close() error {
	b.closed = true
	return nil
}

var nextTestFd = 1000

func newTestLoop(opts Options) (*Loop, *fakeBackend) {
	if opts.PollWait == 0 {
		opts.PollWait = 10 * time.Millisecond
	}
	l := New(opts)
	fb := newFakeBackend()
	l.be = fb
	return l, fb
}

func addFakeConn(l *Loop, r role, s *fakeSock) *conn {
	if s.fd == 0 {
		nextTestFd++
		s.fd = nextTestFd
	}
	c := &conn{
		id:          uuid.NewString(),
		sock:        s,
		role:        r,
		idleTimeout: l.opts.IdleTimeout,
	}
	l.reg.insert(c)
	switch r {
	case roleClient:
		l.clients++
	case roleServer:
		l.servers++
	case roleConnecting:
		l.connecting++
		c.connectStart = time.Now()
	}
	return c
}
