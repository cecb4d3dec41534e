//go:build unix

package evloop

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/fzft/go-evloop/log"
	"go.uber.org/zap"
)

// tlsSock wraps a stream socket with TLS. The TLS side runs in blocking
// mode; the loop still polls the underlying fd for readiness, and the
// blocking calls complete inline.
type tlsSock struct {
	fd   int
	conn *tls.Conn
	nc   net.Conn // outbound only; keeps the runtime-owned fd alive

	handshaken bool
	failed     bool
}

// newTLSServerSock stages an accepted fd behind a server-side handshake.
// Connected drives the handshake; the deadline bounds it so staging
// housekeeping can never wedge the loop past the accept timeout.
func newTLSServerSock(raw *rawSock, conf *tls.Config, handshakeTimeout time.Duration) *tlsSock {
	fc := &fdConn{s: raw}
	_ = fc.SetDeadline(time.Now().Add(handshakeTimeout))
	return &tlsSock{fd: raw.fd, conn: tls.Server(fc, conf)}
}

// dialTLS connects and handshakes synchronously. Blocking here is by
// design: TLS clients trade the connect pipeline for a simple inline
// setup, and the caller gets an established socket or an error.
func dialTLS(host string, port int, caFile string, verify func(*x509.Certificate) bool, timeout time.Duration) (*tlsSock, error) {
	nc, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, err)
	}

	conf := &tls.Config{ServerName: host}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			nc.Close()
			return nil, fmt.Errorf("CA file %s holds no certificates", caFile)
		}
		conf.RootCAs = pool
	}
	if verify != nil {
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer sent no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			if !verify(cert) {
				return fmt.Errorf("peer certificate rejected")
			}
			return nil
		}
	}

	tc := tls.Client(nc, conf)
	_ = nc.SetDeadline(time.Now().Add(timeout))
	if err := tc.Handshake(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})

	fd, err := connFd(nc)
	if err != nil {
		tc.Close()
		return nil, err
	}
	return &tlsSock{fd: fd, conn: tc, nc: nc, handshaken: true}, nil
}

// connFd digs the pollable fd out of a runtime-managed conn. The fd stays
// owned by the runtime; tlsSock.Close goes through the conn, never the fd.
func connFd(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("connection exposes no fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func (s *tlsSock) Fd() int { return s.fd }

func (s *tlsSock) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *tlsSock) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *tlsSock) Close() error {
	return s.conn.Close()
}

func (s *tlsSock) Connected() bool {
	if s.handshaken {
		return true
	}
	if s.failed {
		return false
	}
	if err := s.conn.Handshake(); err != nil {
		log.Logger.Debug("tls handshake failed", zap.Int("fd", s.fd), zap.Error(err))
		s.failed = true
		return false
	}
	_ = s.conn.SetDeadline(time.Time{})
	s.handshaken = true
	return true
}

// SetNonblock is a no-op: TLS sockets stay blocking by design.
func (s *tlsSock) SetNonblock() error { return nil }

func (s *tlsSock) LocalInfo() (Info, error) {
	return addrInfo(s.conn.LocalAddr()), nil
}

func (s *tlsSock) RemoteInfo() (Info, error) {
	return addrInfo(s.conn.RemoteAddr()), nil
}

func addrInfo(a net.Addr) Info {
	if a == nil {
		return Info{}
	}
	if t, ok := a.(*net.TCPAddr); ok {
		return Info{Address: t.IP.String(), Port: t.Port}
	}
	return Info{Address: a.String()}
}
