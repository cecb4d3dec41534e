//go:build unix

package evloop

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-evloop/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configures a Loop. Zero values fall back to the defaults noted
// per field.
type Options struct {
	AcceptTimeout  time.Duration // staged accept deadline, default 5s
	ConnectTimeout time.Duration // outbound establishment deadline, default 5s
	IdleTimeout    time.Duration // per-connection idle default, 15s
	PollWait       time.Duration // backend wait bound, default 250ms
	MaxClients     int           // inbound concurrency cap, default 1000

	// Lock decides whether this worker may hold the accept right this
	// iteration; Unlock releases it after a single accept. The pair can
	// bridge to inter-process state (a file lock, say) and must be cheap
	// and non-blocking. Defaults admit always.
	Lock   func(empty bool) bool
	Unlock func()
}

// Loop is the process-wide event loop. It is single-threaded and
// cooperative: all callbacks run on the loop goroutine and must not
// block, and public methods are meant to be called from that goroutine.
type Loop struct {
	opts  Options
	chunk int

	reg       *registry
	listeners map[int]*listener
	staged    *queue.Queue // of *stagedAccept

	clients    int
	servers    int
	connecting int

	be        backend
	listening bool
	running   atomic.Bool
}

var (
	defaultLoop *Loop
	defaultOnce sync.Once
)

// New constructs a Loop. The readiness backend is not created here but on
// first use; forking after that point is unsupported.
func New(opts Options) *Loop {
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Second
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 250 * time.Millisecond
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 1000
	}
	if opts.Lock == nil {
		opts.Lock = func(bool) bool { return true }
	}
	if opts.Unlock == nil {
		opts.Unlock = func() {}
	}
	return &Loop{
		opts:      opts,
		chunk:     envChunk(),
		reg:       newRegistry(),
		listeners: make(map[int]*listener),
		staged:    queue.New(),
	}
}

// Default returns the shared per-process Loop, constructing it with
// default options on first call. One loop per process is policy, not
// mechanism: explicitly constructed loops work, but backends embed kernel
// resources that are expensive to duplicate.
func Default() *Loop {
	defaultOnce.Do(func() {
		defaultLoop = New(Options{})
	})
	return defaultLoop
}

func (l *Loop) backend() (backend, error) {
	if l.be == nil {
		be, err := newBackend()
		if err != nil {
			return nil, err
		}
		l.be = be
	}
	return l.be, nil
}

// Start runs the loop until Stop is called or nothing remains to drive.
// SIGPIPE is ignored for the duration (write failures surface as errors);
// SIGHUP requests a graceful stop.
func (l *Loop) Start() error {
	be, err := l.backend()
	if err != nil {
		return err
	}

	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	l.running.Store(true)
	for l.running.Load() {
		select {
		case <-sigCh:
			log.Logger.Info("hangup signal, stopping loop")
			l.running.Store(false)
			continue
		default:
		}
		if err := l.spin(be); err != nil {
			l.running.Store(false)
			return err
		}
	}
	return nil
}

// Stop requests a stop; the loop exits after the current iteration.
// In-flight connections are not dropped; the caller drops what it wants
// dropped.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Close tears the loop down: every connection is dropped, listeners are
// closed and the backend is released.
func (l *Loop) Close() error {
	for _, c := range l.reg.all() {
		l.drop(c.id)
	}
	var errs error
	for fd, ls := range l.listeners {
		if l.be != nil {
			if err := l.be.unregister(fd); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if err := ls.sock.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if ls.sock.path != "" {
			if err := os.Remove(ls.sock.path); err != nil && !os.IsNotExist(err) {
				errs = multierr.Append(errs, err)
			}
		}
		delete(l.listeners, fd)
	}
	l.listening = false
	if l.be != nil {
		errs = multierr.Append(errs, l.be.close())
		l.be = nil
	}
	return errs
}

// Drop closes and removes a connection. Safe from any event handler;
// dropping an already-gone id is a no-op.
func (l *Loop) Drop(id string) {
	l.drop(id)
}

func (l *Loop) drop(id string) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return
	}
	switch c.role {
	case roleClient:
		l.clients--
	case roleServer:
		l.servers--
	case roleConnecting:
		l.connecting--
	}
	if l.be != nil {
		if err := l.be.unregister(c.sock.Fd()); err != nil {
			log.Logger.Debug("unregister on drop", zap.String("id", id), zap.Error(err))
		}
	}
	l.reg.remove(id)
	if err := c.sock.Close(); err != nil {
		log.Logger.Debug("close on drop", zap.String("id", id), zap.Error(err))
	}
}

// fail drops the connection, then reports err to its error callback. The
// callback always observes an already-closed id.
func (l *Loop) fail(c *conn, err error) {
	l.drop(c.id)
	if c.onError != nil {
		c.onError(l, c.id, err)
	}
}

// hangup drops the connection, then fires its hangup callback.
func (l *Loop) hangup(c *conn) {
	l.drop(c.id)
	if c.onHangup != nil {
		c.onHangup(l, c.id)
	}
}

// Finish closes the connection once its output buffer drains; with an
// empty buffer it is dropped on the next iteration.
func (l *Loop) Finish(id string) {
	if c, ok := l.reg.lookup(id); ok {
		c.finishPending = true
	}
}

// Writing arms the connection for readability and writability; the write
// callback will be polled to refill the output buffer.
func (l *Loop) Writing(id string) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return
	}
	be, err := l.backend()
	if err != nil {
		return
	}
	if c.writing != armedReadWrite {
		if err := be.armReadWrite(c.sock.Fd()); err != nil {
			log.Logger.Error("arm read-write", zap.String("id", id), zap.Error(err))
			return
		}
		c.writing = armedReadWrite
	}
	c.readOnlyPending = false
	c.touch()
}

// NotWriting stops polling for writability. With pending output the
// transition is deferred until the buffer drains; read interest is never
// disturbed.
func (l *Loop) NotWriting(id string) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return
	}
	if c.buf.Len() > 0 {
		c.readOnlyPending = true
		c.touch()
		return
	}
	be, err := l.backend()
	if err != nil {
		return
	}
	if err := be.armReadOnly(c.sock.Fd()); err != nil {
		log.Logger.Error("arm read-only", zap.String("id", id), zap.Error(err))
		return
	}
	c.writing = armedRead
	c.readOnlyPending = false
	c.touch()
}

// ConnectionTimeout returns the connection's idle timeout.
func (l *Loop) ConnectionTimeout(id string) (time.Duration, bool) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return 0, false
	}
	return c.idleTimeout, true
}

// SetConnectionTimeout overrides the connection's idle timeout.
func (l *Loop) SetConnectionTimeout(id string, d time.Duration) {
	if c, ok := l.reg.lookup(id); ok {
		c.idleTimeout = d
	}
}

func (l *Loop) OnConnect(id string, f ConnectFunc) {
	if c, ok := l.reg.lookup(id); ok {
		c.onConnect = f
	}
}

func (l *Loop) OnRead(id string, f ReadFunc) {
	if c, ok := l.reg.lookup(id); ok {
		c.onRead = f
	}
}

func (l *Loop) OnWrite(id string, f WriteFunc) {
	if c, ok := l.reg.lookup(id); ok {
		c.onWrite = f
	}
}

func (l *Loop) OnError(id string, f ErrorFunc) {
	if c, ok := l.reg.lookup(id); ok {
		c.onError = f
	}
}

func (l *Loop) OnHangup(id string, f HangupFunc) {
	if c, ok := l.reg.lookup(id); ok {
		c.onHangup = f
	}
}

// LocalInfo reports the connection's local address and port.
func (l *Loop) LocalInfo(id string) (Info, error) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return Info{}, errUnknownConnection
	}
	return c.sock.LocalInfo()
}

// RemoteInfo reports the peer's address and port.
func (l *Loop) RemoteInfo(id string) (Info, error) {
	c, ok := l.reg.lookup(id)
	if !ok {
		return Info{}, errUnknownConnection
	}
	return c.sock.RemoteInfo()
}

// Clients reports the number of accepted inbound connections.
func (l *Loop) Clients() int { return l.clients }

// Servers reports the number of established outbound connections.
func (l *Loop) Servers() int { return l.servers }

// Connecting reports the number of outbound connections still pending.
func (l *Loop) Connecting() int { return l.connecting }
