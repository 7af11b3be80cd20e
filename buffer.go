//go:build linux

package evhttpd

import (
	"errors"

	"golang.org/x/sys/unix"
)

// stagingSize is the size of the on-stack scratch region used by
// Buffer.ReadFromFD to size a single read exactly to demand without
// pre-allocating a large per-connection buffer.
const stagingSize = 65535

// Buffer is a growable byte arena with two monotonically increasing
// cursors: readPos <= writePos <= len(data). The readable region is
// data[readPos:writePos]; the writable region is data[writePos:].
//
// Cursors never move backwards except through Reset (sets both to 0) or
// an implicit compaction performed by EnsureWritable/Append.
type Buffer struct {
	data     []byte
	readPos  int
	writePos int
}

// NewBuffer allocates a Buffer with the given initial capacity.
func NewBuffer(initialCap int) *Buffer {
	if initialCap <= 0 {
		initialCap = 1024
	}
	return &Buffer{data: make([]byte, initialCap)}
}

// Reset rewinds both cursors to zero without releasing the backing array.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}

// Readable returns the number of unread bytes.
func (b *Buffer) Readable() int {
	return b.writePos - b.readPos
}

// Writable returns the number of bytes available before the backing array
// must grow or compact.
func (b *Buffer) Writable() int {
	return len(b.data) - b.writePos
}

// Peek returns the current readable region without consuming it. The
// returned slice aliases the buffer and is only valid until the next
// mutating call.
func (b *Buffer) Peek() []byte {
	return b.data[b.readPos:b.writePos]
}

// AdvanceRead consumes n bytes from the readable region.
func (b *Buffer) AdvanceRead(n int) {
	if n > b.Readable() {
		panic("evhttpd: AdvanceRead beyond readable region")
	}
	b.readPos += n
}

// AdvanceWrite commits n bytes previously written into the writable
// region (e.g. via a direct copy into WritableSlice()).
func (b *Buffer) AdvanceWrite(n int) {
	if n > b.Writable() {
		panic("evhttpd: AdvanceWrite beyond writable region")
	}
	b.writePos += n
}

// WritableSlice exposes the writable tail for direct fills.
func (b *Buffer) WritableSlice() []byte {
	return b.data[b.writePos:]
}

// EnsureWritable guarantees at least n writable bytes are available,
// compacting the readable region to offset 0 if that suffices, or
// growing the backing array otherwise.
func (b *Buffer) EnsureWritable(n int) {
	if b.Writable() >= n {
		return
	}
	if b.Writable()+b.readPos >= n {
		b.compact()
		return
	}
	grown := make([]byte, b.writePos+n+1)
	copy(grown, b.data[:b.writePos])
	b.data = grown
}

// compact shifts the readable region down to offset 0.
func (b *Buffer) compact() {
	n := copy(b.data, b.data[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = n
}

// Append copies p into the buffer, growing or compacting as needed.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.EnsureWritable(len(p))
	n := copy(b.data[b.writePos:], p)
	b.writePos += n
}

// DrainString returns the readable region as a string and consumes it.
func (b *Buffer) DrainString() string {
	s := string(b.data[b.readPos:b.writePos])
	b.Reset()
	return s
}

// ReadFromFD issues a single scattered read into the buffer's writable
// tail and a stack-resident staging region, sized exactly to demand. It
// returns the number of bytes placed into the buffer and an error; a
// transient unix.EAGAIN/unix.EWOULDBLOCK is returned unwrapped so callers
// can test with errors.Is.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	var staging [stagingSize]byte
	tail := b.WritableSlice()

	iovs := [][]byte{tail, staging[:]}
	n, err := unix.Readv(fd, iovs)
	if n <= 0 {
		return n, err
	}

	if n <= len(tail) {
		b.AdvanceWrite(n)
		return n, err
	}

	// the tail was filled entirely; the remainder landed in staging.
	b.AdvanceWrite(len(tail))
	overflow := n - len(tail)
	b.Append(staging[:overflow])
	return n, err
}

// WriteToFD writes the readable region to fd in a single call, consuming
// whatever portion was accepted.
func (b *Buffer) WriteToFD(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if n > 0 {
		b.AdvanceRead(n)
	}
	return n, err
}

// IsEAGAIN reports whether err represents a transient would-block
// condition that the caller should retry later rather than treat as fatal.
func IsEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
