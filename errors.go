package evloop

import "errors"

// Per-connection error kinds. These are delivered to the error callback
// after the connection has already been dropped; construction failures are
// returned synchronously instead.
var (
	ErrAcceptTimeout  = errors.New("Accept timeout.")
	ErrConnectTimeout = errors.New("Connect timeout.")
	ErrTransport      = errors.New("Connection error on poll layer.")
)

var (
	errUnsupportedBackend = errors.New("backend not supported on this platform")
	errUnknownConnection  = errors.New("unknown connection id")
)
