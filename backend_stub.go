//go:build linux

package evloop

// kqueue is unavailable here; the selector falls through to epoll.
func newKqueueBackend() (backend, error) {
	return nil, errUnsupportedBackend
}
