//go:build unix

package evloop

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// rawSock is a plain non-blocking stream socket over a unix fd. It covers
// TCP (v4/v6) and UNIX-domain sockets for both roles.
type rawSock struct {
	fd       int
	path     string // bound UNIX-domain path, listeners only
	accepted bool   // inbound sockets are connected the moment accept returns
}

func (s *rawSock) Fd() int { return s.fd }

func (s *rawSock) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *rawSock) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *rawSock) Close() error {
	return unix.Close(s.fd)
}

func (s *rawSock) Connected() bool {
	if s.accepted {
		return true
	}
	_, err := unix.Getpeername(s.fd)
	return err == nil
}

func (s *rawSock) SetNonblock() error {
	return unix.SetNonblock(s.fd, true)
}

func (s *rawSock) LocalInfo() (Info, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Info{}, os.NewSyscallError("getsockname", err)
	}
	return sockaddrInfo(sa), nil
}

func (s *rawSock) RemoteInfo() (Info, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return Info{}, os.NewSyscallError("getpeername", err)
	}
	return sockaddrInfo(sa), nil
}

// Accept returns the next pending connection, or a temporary error when
// the queue is empty.
func (s *rawSock) Accept() (*rawSock, error) {
	nfd, _, err := unix.Accept(s.fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(nfd)
	return &rawSock{fd: nfd, accepted: true}, nil
}

func sockaddrInfo(sa unix.Sockaddr) Info {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return Info{
			Address: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String(),
			Port:    addr.Port,
		}
	case *unix.SockaddrInet6:
		return Info{Address: net.IP(addr.Addr[:]).String(), Port: addr.Port}
	case *unix.SockaddrUnix:
		return Info{Address: addr.Name}
	default:
		return Info{}
	}
}

// IsTemporaryError checks if the error is a retryable socket condition,
// e.g. EAGAIN or EINTR.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func newStreamSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return fd, nil
}

func tcpSockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

// resolveIP resolves host to a single address, preferring IPv4 and
// skipping IPv6 results when disabled by environment.
func resolveIP(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil && ipv6Disabled() {
			return nil, fmt.Errorf("resolve %s: IPv6 disabled", host)
		}
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	var v6 net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
		if v6 == nil {
			v6 = ip
		}
	}
	if v6 != nil && !ipv6Disabled() {
		return v6, nil
	}
	return nil, fmt.Errorf("resolve %s: no usable address", host)
}

// dialTCP starts a non-blocking connect; EINPROGRESS is the normal
// return, completion is observed via Connected.
func dialTCP(host string, port int) (*rawSock, error) {
	ip, err := resolveIP(host)
	if err != nil {
		return nil, err
	}
	family, sa := tcpSockaddr(ip, port)
	fd, err := newStreamSocket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}
	return &rawSock{fd: fd}, nil
}

func listenTCP(address string, port int, backlog int) (*rawSock, error) {
	if address == "" {
		if ipv6Disabled() {
			address = "0.0.0.0"
		} else {
			address = "::"
		}
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("listen: bad address %q", address)
	}
	family, sa := tcpSockaddr(ip, port)
	fd, err := newStreamSocket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &rawSock{fd: fd}, nil
}

func listenUnix(path string, backlog int) (*rawSock, error) {
	// A stale socket file from a previous run would fail the bind.
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return nil, os.NewSyscallError("unlink", err)
	}
	fd, err := newStreamSocket(unix.AF_UNIX)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &rawSock{fd: fd, path: path}, nil
}

// fdConn adapts a rawSock to net.Conn for the TLS layer. It operates the
// fd in blocking mode; deadlines map to SO_RCVTIMEO / SO_SNDTIMEO.
type fdConn struct {
	s *rawSock
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.s.fd, p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, os.NewSyscallError("read", err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.s.fd, p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, os.NewSyscallError("write", err)
	}
	return n, nil
}

func (c *fdConn) Close() error {
	return unix.Close(c.s.fd)
}

func (c *fdConn) LocalAddr() net.Addr {
	info, _ := c.s.LocalInfo()
	return &net.TCPAddr{IP: net.ParseIP(info.Address), Port: info.Port}
}

func (c *fdConn) RemoteAddr() net.Addr {
	info, _ := c.s.RemoteInfo()
	return &net.TCPAddr{IP: net.ParseIP(info.Address), Port: info.Port}
}

func (c *fdConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	tv := deadlineTimeval(t)
	return unix.SetsockoptTimeval(c.s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	tv := deadlineTimeval(t)
	return unix.SetsockoptTimeval(c.s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

func deadlineTimeval(t time.Time) unix.Timeval {
	if t.IsZero() {
		return unix.Timeval{}
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Microsecond
	}
	return unix.NsecToTimeval(d.Nanoseconds())
}
