//go:build linux

package evhttpd

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// writeAmortizationBound caps the number of bytes WriteOut will push in a
// single edge-triggered call before yielding back to the reactor, so one
// connection with a very large body can't starve the rest of the pool.
const writeAmortizationBound = 10 * 1024

// Connection owns one accepted socket: its non-blocking fd, peer address,
// read/write buffers, the request parser and response builder working
// value, and the bookkeeping needed to recompute a two-element scatter
// vector fresh on every WriteOut call. The one-shot arming invariant
// (exactly one worker task in flight per connection) is enforced by the
// reactor, not by Connection itself; Connection's own state needs no
// internal locking as a result.
type Connection struct {
	fd       int
	id       uint64
	peerAddr string

	docRoot        string
	idleTimeoutSec int
	maxKeepAlive   int

	readBuf  *Buffer
	writeBuf *Buffer
	req      Request
	resp     Response

	// bodySent tracks how much of the response body (mmap'd file or
	// inline fallback) has been written so far; the scatter vector's
	// second slot is recomputed from this offset each WriteOut call
	// rather than stored across tasks, per spec.md §9.
	bodySent int

	closed      bool
	activeConns *int64
}

// Init (re)initializes the connection against a freshly accepted fd.
// activeConns, if non-nil, is decremented exactly once on Close.
func (c *Connection) Init(fd int, id uint64, peerAddr, docRoot string, idleTimeoutSec, maxKeepAlive int, activeConns *int64) {
	c.fd = fd
	c.id = id
	c.peerAddr = peerAddr
	c.docRoot = docRoot
	c.idleTimeoutSec = idleTimeoutSec
	c.maxKeepAlive = maxKeepAlive
	c.activeConns = activeConns

	if c.readBuf == nil {
		c.readBuf = NewBuffer(4096)
	} else {
		c.readBuf.Reset()
	}
	if c.writeBuf == nil {
		c.writeBuf = NewBuffer(512)
	} else {
		c.writeBuf.Reset()
	}
	c.req.Init()
	c.resp.Close()
	c.bodySent = 0
	c.closed = false
}

// FD returns the connection's file descriptor.
func (c *Connection) FD() int { return c.fd }

// ID returns the monotonic connection id assigned at accept time,
// independent of fd, so timer callbacks can detect a reused fd.
func (c *Connection) ID() uint64 { return c.id }

// PeerAddr returns the remote address recorded at accept time.
func (c *Connection) PeerAddr() string { return c.peerAddr }

// Closed reports whether Close has already run for this connection.
func (c *Connection) Closed() bool { return c.closed }

// KeepAlive reports whether the most recently built response asked to
// keep the connection open. Only meaningful after Process has returned
// true.
func (c *Connection) KeepAlive() bool { return c.resp.KeepAlive }

// ReadIn drains the socket into the read buffer. In edge-triggered mode
// it loops until a read returns 0 (EOF) or an error (including
// EAGAIN/EWOULDBLOCK); in level-triggered mode it issues a single read.
// The returned n is the cumulative byte count across the call; err is
// nil on a clean EOF (n == 0 when EOF came before any data) so callers
// can distinguish EOF from a transient would-block via IsEAGAIN(err).
func (c *Connection) ReadIn(edgeTriggered bool) (int, error) {
	total := 0
	for {
		n, err := c.readBuf.ReadFromFD(c.fd)
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		if !edgeTriggered {
			return total, nil
		}
	}
}

// Process runs the parser over the read buffer (the request itself is
// reset by Init and PrepareNextRequest) and, on a finished parse (success or
// failure), builds the response into the write buffer. It returns true
// iff a response is ready to be written out; false on a short read
// (incomplete request, wait for more data).
func (c *Connection) Process() bool {
	if c.readBuf.Readable() == 0 {
		return false
	}

	ok, finished := c.req.Parse(c.readBuf)
	if !ok {
		c.buildResponse(400, false)
		return true
	}
	if !finished {
		return false
	}

	c.buildResponse(200, c.req.IsKeepAlive())
	return true
}

// buildResponse resets the write-side state and assembles a response of
// the given status into the write buffer.
func (c *Connection) buildResponse(code int, keepAlive bool) {
	c.writeBuf.Reset()
	c.bodySent = 0
	c.resp.Init(c.docRoot, c.req.Path, keepAlive, code, c.idleTimeoutSec, c.maxKeepAlive)
	c.resp.MakeResponse(c.writeBuf)
}

// PrepareNextRequest resets parser, write buffer and response state
// ahead of reusing this connection for a second keep-alive request.
func (c *Connection) PrepareNextRequest() {
	c.req.Init()
	c.writeBuf.Reset()
	c.resp.Close()
	c.bodySent = 0
}

// bodySlice returns the unsent remainder of the response body, whichever
// of mmap'd file or inline fallback is active.
func (c *Connection) bodySlice() []byte {
	full := c.resp.Body()
	if full == nil {
		full = c.resp.InlineBody()
	}
	if full == nil || c.bodySent >= len(full) {
		return nil
	}
	return full[c.bodySent:]
}

// PendingWriteBytes sums both scatter slots, for the reactor's re-arm
// vs. close decision.
func (c *Connection) PendingWriteBytes() int {
	return c.writeBuf.Readable() + (func() int {
		if s := c.bodySlice(); s != nil {
			return len(s)
		}
		return 0
	}())
}

// buildIovecs recomputes the two-element scatter vector from the current
// write-buffer and body cursors. It is never stored across calls.
func (c *Connection) buildIovecs() [][]byte {
	var iovs [][]byte
	if header := c.writeBuf.Peek(); len(header) > 0 {
		iovs = append(iovs, header)
	}
	if body := c.bodySlice(); len(body) > 0 {
		iovs = append(iovs, body)
	}
	return iovs
}

// advanceWrite consumes n written bytes from the header slot first, then
// the body slot. Once the header region is fully drained, both its
// length and the write buffer's cursors are cleared together, per
// spec.md §9's explicit clarification of the collapse guard.
func (c *Connection) advanceWrite(n int) {
	if n <= 0 {
		return
	}
	if headerLeft := c.writeBuf.Readable(); headerLeft > 0 {
		take := n
		if take > headerLeft {
			take = headerLeft
		}
		c.writeBuf.AdvanceRead(take)
		n -= take
		if c.writeBuf.Readable() == 0 {
			c.writeBuf.Reset()
		}
	}
	if n > 0 {
		c.bodySent += n
	}
}

// WriteOut issues a scatter write of the current iov slots, advancing
// slot cursors on partial writes. In edge-triggered mode it loops until
// both slots are empty, a write fails (including EAGAIN), or the bytes
// written in this call reach writeAmortizationBound, so one connection
// can't hold a worker forever.
// In level-triggered mode a single Writev call is issued.
func (c *Connection) WriteOut(edgeTriggered bool) (int, error) {
	total := 0
	for {
		iovs := c.buildIovecs()
		if len(iovs) == 0 {
			return total, nil
		}

		n, err := unix.Writev(c.fd, iovs)
		if n > 0 {
			c.advanceWrite(n)
			total += n
		}
		if err != nil {
			return total, err
		}
		if c.PendingWriteBytes() == 0 {
			return total, nil
		}
		if !edgeTriggered {
			return total, nil
		}
		if total >= writeAmortizationBound {
			return total, nil
		}
	}
}

// Close unmaps any active response region and closes the fd exactly
// once, decrementing the shared active-connection counter if one was
// supplied at Init.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.resp.Close()
	_ = unix.Close(c.fd)
	if c.activeConns != nil {
		atomic.AddInt64(c.activeConns, -1)
	}
}
