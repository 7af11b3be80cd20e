//go:build linux

package evhttpd

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferRoundTrip(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte("hello world"))
	require.Equal(t, "hello world", b.DrainString())
	require.Equal(t, 0, b.Readable())
}

func TestBufferMonotonicity(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte("abc"))
	b.AdvanceRead(1)
	b.Append([]byte("def"))
	require.Equal(t, "bcdef", string(b.Peek()))
}

func TestBufferCompactsInsteadOfGrowingWhenPossible(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte("abcdefgh")) // fills to capacity
	b.AdvanceRead(8)
	before := cap(b.data)
	b.Append([]byte("xyz"))
	require.Equal(t, before, cap(b.data), "compaction should reuse the backing array")
	require.Equal(t, "xyz", string(b.Peek()))
}

func TestBufferGrowsWhenCompactionIsNotEnough(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte("ab"))
	b.Append([]byte("cdefgh"))
	require.Equal(t, "abcdefgh", string(b.Peek()))
}

func TestBufferReadFromFDUsesStagingOverflow(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := unix.Write(fds[1], payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	b := NewBuffer(16) // smaller than payload, forces staging overflow path
	got, err := b.ReadFromFD(fds[0])
	require.NoError(t, err)
	require.Equal(t, len(payload), got)
	require.Equal(t, payload, b.Peek())
}

func TestBufferWriteToFD(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := NewBuffer(16)
	b.Append([]byte("ship it"))
	n, err := b.WriteToFD(fds[1])
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 0, b.Readable())

	out := make([]byte, 7)
	_, err = unix.Read(fds[0], out)
	require.NoError(t, err)
	require.Equal(t, "ship it", string(out))
}

func TestIsEAGAIN(t *testing.T) {
	require.True(t, IsEAGAIN(unix.EAGAIN))
	require.True(t, IsEAGAIN(unix.EWOULDBLOCK))
	require.False(t, IsEAGAIN(unix.EINVAL))
}
