package evloop

import (
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoAccept wires a per-connection echo in callbacks, the way a protocol
// layer would sit on top of the loop.
func echoAccept(hups chan<- string) AcceptFunc {
	return func(lp *Loop, id string) {
		var pending [][]byte
		lp.OnRead(id, func(lp *Loop, id string, data []byte) {
			buf := make([]byte, len(data))
			copy(buf, data)
			pending = append(pending, buf)
			lp.Writing(id)
		})
		lp.OnWrite(id, func(lp *Loop, id string) []byte {
			if len(pending) == 0 {
				lp.NotWriting(id)
				return nil
			}
			chunk := pending[0]
			pending = pending[1:]
			return chunk
		})
		lp.OnHangup(id, func(lp *Loop, id string) {
			select {
			case hups <- id:
			default:
			}
		})
		lp.OnError(id, func(lp *Loop, id string, err error) {
			select {
			case hups <- id:
			default:
			}
		})
	}
}

func listenerPort(t *testing.T, l *Loop) int {
	t.Helper()
	for _, ls := range l.listeners {
		info, err := ls.sock.LocalInfo()
		require.NoError(t, err)
		return info.Port
	}
	t.Fatal("no listener registered")
	return 0
}

func TestEchoEndToEnd(t *testing.T) {
	l := New(Options{PollWait: 10 * time.Millisecond})
	hups := make(chan string, 1)

	require.NoError(t, l.Listen(ListenOptions{
		Address: "127.0.0.1",
		Port:    0,
		Accept:  echoAccept(hups),
	}))
	port := listenerPort(t, l)

	done := make(chan error, 1)
	go func() { done <- l.Start() }()

	peer, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	_, err = peer.Write([]byte("PING\n"))
	require.NoError(t, err)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PING\n", string(buf[:n]), "echo should return the payload verbatim")

	require.NoError(t, peer.Close())

	select {
	case <-hups:
	case <-time.After(3 * time.Second):
		t.Fatal("no hangup observed after peer close")
	}

	l.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, 0, l.Clients(), "clients should return to zero")
	require.NoError(t, l.Close())
}

func TestEchoUnixDomain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.sock")

	l := New(Options{PollWait: 10 * time.Millisecond})
	hups := make(chan string, 1)
	require.NoError(t, l.Listen(ListenOptions{File: path, Accept: echoAccept(hups)}))

	done := make(chan error, 1)
	go func() { done <- l.Start() }()

	peer, err := net.Dial("unix", path)
	require.NoError(t, err)

	_, err = peer.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	peer.Close()
	l.Stop()
	require.NoError(t, <-done)
	require.NoError(t, l.Close())
}

func TestConnectEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	l := New(Options{PollWait: 10 * time.Millisecond})

	var got string
	payload := []byte("hello loop\n")
	sent := false

	id, err := l.Connect(ConnectOptions{
		Host: "127.0.0.1",
		Port: port,
		Connect: func(lp *Loop, id string) {
			lp.Writing(id)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Connecting())

	l.OnWrite(id, func(lp *Loop, id string) []byte {
		if sent {
			lp.NotWriting(id)
			return nil
		}
		sent = true
		return payload
	})
	l.OnRead(id, func(lp *Loop, id string, data []byte) {
		got += string(data)
		if got == string(payload) {
			lp.Drop(id)
		}
	})

	// The loop stops on its own once the last connection drops.
	require.NoError(t, l.Start())

	assert.Equal(t, string(payload), got, "reply should round-trip through the echo peer")
	assert.Equal(t, 0, l.Servers())
	assert.Equal(t, 0, l.Connecting())
	require.NoError(t, l.Close())
}

func TestConnectionInfo(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	l := New(Options{PollWait: 10 * time.Millisecond})
	infoCh := make(chan Info, 1)

	id, err := l.Connect(ConnectOptions{
		Host: "127.0.0.1",
		Port: port,
		Connect: func(lp *Loop, id string) {
			remote, err := lp.RemoteInfo(id)
			if err == nil {
				select {
				case infoCh <- remote:
				default:
				}
			}
			lp.Drop(id)
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, l.Start())

	select {
	case info := <-infoCh:
		assert.Equal(t, "127.0.0.1", info.Address)
		assert.Equal(t, port, info.Port)
	default:
		t.Fatal("connect callback never reported peer info")
	}
	require.NoError(t, l.Close())
}
