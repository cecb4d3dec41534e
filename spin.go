//go:build unix

package evloop

import (
	"time"

	"github.com/fzft/go-evloop/log"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stagedAccept tracks a freshly accepted socket until it reports
// connected or times out.
type stagedAccept struct {
	id       string
	stagedAt time.Time
}

// spin is one loop iteration: admission, housekeeping, wait, dispatch.
func (l *Loop) spin(be backend) error {
	if !l.listening {
		l.admit(be)
	}
	if !l.prepare(be) {
		return nil
	}
	evs, err := be.wait(l.opts.PollWait)
	if err != nil {
		return err
	}
	l.dispatch(be, evs)
	return nil
}

// admit arms the listeners when this worker may take the accept right:
// there is a listener, the client cap has room, and the lock predicate
// agrees. Multi-process deployments serialize accepts through that
// predicate.
func (l *Loop) admit(be backend) {
	if len(l.listeners) == 0 || l.clients >= l.opts.MaxClients {
		return
	}
	if !l.opts.Lock(l.reg.len() == 0) {
		return
	}
	for fd := range l.listeners {
		if err := be.armRead(fd); err != nil {
			log.Logger.Error("arm listener", zap.Int("fd", fd), zap.Error(err))
			return
		}
	}
	l.listening = true
}

// prepare runs the per-iteration housekeeping and reports whether the
// loop still has anything to drive.
func (l *Loop) prepare(be backend) bool {
	l.sweepAccepts(be)
	if l.connecting > 0 {
		l.sweepConnects()
	}

	now := time.Now()
	for _, c := range l.reg.all() {
		if _, ok := l.reg.lookup(c.id); !ok {
			continue // dropped earlier in this pass
		}
		if c.finishPending && c.buf.Len() == 0 {
			l.drop(c.id)
			continue
		}
		if c.readOnlyPending && c.buf.Len() == 0 {
			if err := be.armReadOnly(c.sock.Fd()); err != nil {
				log.Logger.Error("arm read-only", zap.String("id", c.id), zap.Error(err))
			} else {
				c.writing = armedRead
				c.readOnlyPending = false
			}
		}
		if c.lastActivity.IsZero() {
			c.lastActivity = now
			continue
		}
		if c.role != roleConnecting && now.Sub(c.lastActivity) >= c.idleTimeout {
			l.hangup(c)
		}
	}

	if l.reg.len() == 0 && len(l.listeners) == 0 {
		l.running.Store(false)
		return false
	}
	return true
}

// sweepAccepts walks the staging list: connected sockets go non-blocking
// and read-armed, stale ones are dropped with an accept timeout, the rest
// stay staged. TLS handshakes complete during this interval, which is why
// kernel-accepted and usable are distinct states.
func (l *Loop) sweepAccepts(be backend) {
	n := l.staged.Length()
	for i := 0; i < n; i++ {
		st := l.staged.Remove().(*stagedAccept)
		c, ok := l.reg.lookup(st.id)
		if !ok {
			continue // dropped while staged
		}
		if !c.sock.Connected() {
			if time.Since(st.stagedAt) >= l.opts.AcceptTimeout {
				l.fail(c, ErrAcceptTimeout)
			} else {
				l.staged.Add(st)
			}
			continue
		}
		if err := c.sock.SetNonblock(); err != nil {
			l.fail(c, ErrTransport)
			continue
		}
		if err := be.armRead(c.sock.Fd()); err != nil {
			log.Logger.Error("arm accepted", zap.String("id", c.id), zap.Error(err))
			l.fail(c, ErrTransport)
			continue
		}
		c.writing = armedRead
		c.touch()
	}
}

// sweepConnects flips completed outbound connections to established and
// times out the rest.
func (l *Loop) sweepConnects() {
	for _, c := range l.reg.all() {
		if c.role != roleConnecting {
			continue
		}
		if c.sock.Connected() {
			c.role = roleServer
			l.connecting--
			l.servers++
			c.touch()
			if c.onConnect != nil {
				c.onConnect(l, c.id)
			}
			continue
		}
		if time.Since(c.connectStart) >= l.opts.ConnectTimeout {
			l.fail(c, ErrConnectTimeout)
		}
	}
}

// dispatch routes one wake-up batch. Per fd the order is error, hangup,
// readable, writable; a handler that drops the connection makes the
// remaining dispatches for that fd no-ops.
func (l *Loop) dispatch(be backend, evs []event) {
	for _, ev := range evs {
		if ls, ok := l.listeners[ev.fd]; ok {
			// The first accept disarms every listener; later listener
			// events in this batch are stale.
			if l.listening && ev.kind&evReadable != 0 {
				l.accept(be, ls)
			}
			continue
		}
		if ev.kind&evError != 0 {
			if c, ok := l.reg.lookupFd(ev.fd); ok {
				l.fail(c, ErrTransport)
			}
		}
		if ev.kind&evHangup != 0 {
			if c, ok := l.reg.lookupFd(ev.fd); ok {
				l.hangup(c)
			}
		}
		if ev.kind&evReadable != 0 {
			if c, ok := l.reg.lookupFd(ev.fd); ok {
				l.read(c)
			}
		}
		if ev.kind&evWritable != 0 {
			if c, ok := l.reg.lookupFd(ev.fd); ok {
				l.write(be, c)
			}
		}
	}
}

// accept takes exactly one connection, stages it, and gives up the accept
// right: unlock fires so a peer worker can take the lock, then every
// listener is disarmed until the next admission pass.
func (l *Loop) accept(be backend, ls *listener) {
	sock, err := ls.accept(l.opts.AcceptTimeout)
	if err != nil {
		if !IsTemporaryError(err) {
			log.Logger.Error("accept error", zap.Error(err))
		}
		return
	}

	c := &conn{
		id:          uuid.NewString(),
		sock:        sock,
		role:        roleClient,
		idleTimeout: l.opts.IdleTimeout,
	}
	l.reg.insert(c)
	l.clients++
	l.staged.Add(&stagedAccept{id: c.id, stagedAt: time.Now()})

	if ls.onAccept != nil {
		ls.onAccept(l, c.id)
	}

	l.opts.Unlock()
	for fd := range l.listeners {
		if err := be.unregister(fd); err != nil {
			log.Logger.Debug("disarm listener", zap.Int("fd", fd), zap.Error(err))
		}
	}
	l.listening = false
}

// read issues one chunk-sized read and hands the bytes to the read
// callback. The loop keeps no input buffer; that is the user's concern.
// An empty payload is a transport error: clean close and failure are
// deliberately merged on the read path.
func (l *Loop) read(c *conn) {
	buf := make([]byte, l.chunk)
	n, err := c.sock.Read(buf)
	if err != nil {
		if IsTemporaryError(err) {
			return
		}
		l.fail(c, ErrTransport)
		return
	}
	if n <= 0 {
		l.fail(c, ErrTransport)
		return
	}
	c.touch()
	if c.onRead != nil {
		c.onRead(l, c.id, buf[:n])
	}
}

// write runs the refill-then-drain protocol: pull from the write callback
// until the buffer reaches the chunk ceiling, then issue a single write
// and drop exactly what the kernel accepted. The ceiling is soft: one
// callback return may exceed it by any amount.
func (l *Loop) write(be backend, c *conn) {
	if c.role == roleConnecting {
		return
	}

	for c.buf.Len() < l.chunk && !c.readOnlyPending && !c.finishPending && c.onWrite != nil {
		chunk := c.onWrite(l, c.id)
		if _, ok := l.reg.lookup(c.id); !ok {
			return // callback dropped its own connection
		}
		if len(chunk) == 0 {
			break
		}
		c.buf.Write(chunk)
	}

	if c.buf.Len() == 0 {
		return
	}

	n, err := c.sock.Write(c.buf.Bytes())
	if err != nil {
		if IsTemporaryError(err) {
			return
		}
		l.fail(c, ErrTransport)
		return
	}
	c.buf.Next(n)
	c.touch()

	if c.buf.Len() == 0 && c.readOnlyPending {
		if err := be.armReadOnly(c.sock.Fd()); err != nil {
			log.Logger.Error("arm read-only", zap.String("id", c.id), zap.Error(err))
			return
		}
		c.writing = armedRead
		c.readOnlyPending = false
	}
}
