//go:build unix

package evloop

import (
	"crypto/tls"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ListenOptions configures one listening socket. File selects a
// UNIX-domain socket; otherwise TCP on Address:Port. QueueSize defaults
// to the OS maximum backlog.
type ListenOptions struct {
	Port      int
	Address   string
	QueueSize int
	File      string

	TLS     bool
	TLSCert string
	TLSKey  string

	// Accept fires once per accepted connection, before the socket has
	// necessarily finished its handshake.
	Accept AcceptFunc
}

type listener struct {
	sock     *rawSock
	onAccept AcceptFunc
	tlsConf  *tls.Config
}

// accept pulls one pending connection off the listener, wrapping it for
// TLS when configured. The staged socket reports Connected only once any
// handshake completes.
func (ls *listener) accept(handshakeTimeout time.Duration) (socket, error) {
	raw, err := ls.sock.Accept()
	if err != nil {
		return nil, err
	}
	if ls.tlsConf != nil {
		return newTLSServerSock(raw, ls.tlsConf, handshakeTimeout), nil
	}
	return raw, nil
}

// Listen registers a listener with the loop. Construction failures are
// synchronous and fatal for the operation only; the loop is unaffected.
// The socket is not armed here; admission decides that per iteration.
func (l *Loop) Listen(o ListenOptions) error {
	backlog := o.QueueSize
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	var (
		sock *rawSock
		err  error
	)
	if o.File != "" {
		sock, err = listenUnix(o.File, backlog)
	} else {
		sock, err = listenTCP(o.Address, o.Port, backlog)
	}
	if err != nil {
		return err
	}

	var conf *tls.Config
	if o.TLS && !tlsDisabled() {
		cert, err := tls.LoadX509KeyPair(o.TLSCert, o.TLSKey)
		if err != nil {
			sock.Close()
			return fmt.Errorf("load keypair: %w", err)
		}
		conf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	l.listeners[sock.Fd()] = &listener{sock: sock, onAccept: o.Accept, tlsConf: conf}
	return nil
}
