package evloop

import (
	"bytes"
	"time"
)

type role int8

const (
	roleConnecting role = iota // outbound, establishment pending
	roleServer                 // outbound, established
	roleClient                 // inbound, accepted
)

// armState is the writability sub-state the loop maintains for a
// connection's fd.
type armState int8

const (
	unarmed armState = iota
	armedRead
	armedReadWrite
)

// Callback slots. Each is optional; an absent handler makes the
// corresponding event silent but still terminal where it drops.
type (
	AcceptFunc  func(l *Loop, id string)
	ConnectFunc func(l *Loop, id string)
	ReadFunc    func(l *Loop, id string, data []byte)
	WriteFunc   func(l *Loop, id string) []byte
	ErrorFunc   func(l *Loop, id string, err error)
	HangupFunc  func(l *Loop, id string)
)

// conn is one active socket and its loop-side bookkeeping.
type conn struct {
	id   string
	sock socket
	role role

	// buf holds outbound bytes the kernel has not yet accepted.
	buf bytes.Buffer

	onConnect ConnectFunc
	onRead    ReadFunc
	onWrite   WriteFunc
	onError   ErrorFunc
	onHangup  HangupFunc

	writing armState

	// readOnlyPending defers a NotWriting until the buffer drains.
	readOnlyPending bool

	// finishPending closes the connection once the buffer drains.
	finishPending bool

	// lastActivity is zero until the first prepare pass lazily seeds it.
	// Monotonic (time.Time carries a monotonic reading), so wall-clock
	// jumps cannot fake idleness.
	lastActivity time.Time
	idleTimeout  time.Duration

	connectStart time.Time
}

func (c *conn) touch() {
	c.lastActivity = time.Now()
}
