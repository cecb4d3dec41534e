package evloop

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveIPLiteral(t *testing.T) {
	ip, err := resolveIP("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
}

func TestResolveIPLiteralV6Disabled(t *testing.T) {
	t.Setenv(envNoIPv6, "1")
	_, err := resolveIP("::1")
	assert.Error(t, err, "IPv6 literal must be refused when disabled")
}

func TestSockaddrInfo(t *testing.T) {
	v4 := &unix.SockaddrInet4{Port: 8080}
	copy(v4.Addr[:], []byte{10, 0, 0, 1})
	info := sockaddrInfo(v4)
	assert.Equal(t, "10.0.0.1", info.Address)
	assert.Equal(t, 8080, info.Port)

	un := &unix.SockaddrUnix{Name: "/tmp/x.sock"}
	assert.Equal(t, "/tmp/x.sock", sockaddrInfo(un).Address)
}

func TestIsTemporaryError(t *testing.T) {
	assert.True(t, IsTemporaryError(unix.EAGAIN))
	assert.True(t, IsTemporaryError(unix.EINTR))
	assert.True(t, IsTemporaryError(fmt.Errorf("wrapped: %w", unix.EAGAIN)))
	assert.False(t, IsTemporaryError(unix.ECONNRESET))
	assert.False(t, IsTemporaryError(nil))
}

func TestListenTCPEphemeral(t *testing.T) {
	s, err := listenTCP("127.0.0.1", 0, 8)
	require.NoError(t, err)
	defer s.Close()

	info, err := s.LocalInfo()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.Address)
	assert.NotZero(t, info.Port, "kernel should have assigned a port")
}

func TestListenTCPBadAddress(t *testing.T) {
	_, err := listenTCP("not-an-ip", 0, 8)
	assert.Error(t, err, "construction failures surface synchronously")
}
