//go:build unix

package evloop

import (
	"crypto/x509"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPort    = 80
	defaultTLSPort = 443
)

// ConnectOptions configures one outbound connection. Port defaults to 80,
// or 443 with TLS.
type ConnectOptions struct {
	Host string
	Port int

	TLS       bool
	TLSCAFile string

	// TLSVerify replaces chain verification with a caller predicate over
	// the peer's leaf certificate.
	TLSVerify func(*x509.Certificate) bool

	// Connect fires once the connection is established.
	Connect ConnectFunc
}

// Connect starts an outbound connection and returns its id. The raw
// variant connects non-blocking and completes under the connect pipeline;
// the TLS variant blocks through dial and handshake by design, so its
// pipeline pass flips it to established immediately.
func (l *Loop) Connect(o ConnectOptions) (string, error) {
	port := o.Port
	if port == 0 {
		if o.TLS {
			port = defaultTLSPort
		} else {
			port = defaultPort
		}
	}

	var (
		sock socket
		err  error
	)
	if o.TLS && !tlsDisabled() {
		sock, err = dialTLS(o.Host, port, o.TLSCAFile, o.TLSVerify, l.opts.ConnectTimeout)
	} else {
		sock, err = dialTCP(o.Host, port)
	}
	if err != nil {
		return "", err
	}

	be, err := l.backend()
	if err != nil {
		sock.Close()
		return "", err
	}

	c := &conn{
		id:           uuid.NewString(),
		sock:         sock,
		role:         roleConnecting,
		idleTimeout:  l.opts.IdleTimeout,
		connectStart: time.Now(),
		onConnect:    o.Connect,
	}
	if err := be.armReadWrite(c.sock.Fd()); err != nil {
		sock.Close()
		return "", err
	}
	c.writing = armedReadWrite
	l.reg.insert(c)
	l.connecting++
	return c.id, nil
}
