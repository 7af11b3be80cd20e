//go:build !linux

package evhttpd

import "errors"

// newPoller is unimplemented outside Linux. This engine's readiness
// multiplexer is specified in terms of epoll's edge/level/one-shot
// semantics (spec.md §4.2); there is no kqueue or IOCP port, so NewPoller
// always fails on other platforms.
func newPoller(maxEvents int) (Poller, error) {
	return nil, errors.New("evhttpd: no readiness multiplexer implementation for this platform")
}
