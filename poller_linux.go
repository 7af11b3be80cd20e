//go:build linux

package evhttpd

import (
	"golang.org/x/sys/unix"
)

// epollPoller is a thin wrapper over a Linux epoll instance and a
// fixed-size event array, matching the contract described by
// original_source/epoll.cpp (addFd/modFd/delFd/wait) one-for-one.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// newPoller opens a new epoll instance sized for maxEvents readiness
// notifications per Wait call.
func newPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 512
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&EventReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&EventWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&EventPeerClosed != 0 {
		ev |= unix.EPOLLRDHUP
	}
	if mask&EventEdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	if mask&EventOneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel regardless
	// of the requested mask; there's nothing to set for them here.
	return ev
}

func fromEpollEvents(ev uint32) EventMask {
	var mask EventMask
	if ev&unix.EPOLLIN != 0 {
		mask |= EventReadable
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= EventWritable
	}
	if ev&unix.EPOLLRDHUP != 0 {
		mask |= EventPeerClosed
	}
	if ev&unix.EPOLLERR != 0 {
		mask |= EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		mask |= EventHangup
	}
	return mask
}

func (p *epollPoller) Add(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: toEpollEvents(mask)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: toEpollEvents(mask)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMs int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]Event, n)
		for i := 0; i < n; i++ {
			out[i] = Event{
				FD:   int(p.events[i].Fd),
				Mask: fromEpollEvents(p.events[i].Events),
			}
		}
		return out, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
