//go:build linux

package evhttpd

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Response builds a status line, header block and mmap'd body into a
// Buffer, resolving the target file against a document root. At most one
// mmap region is active at a time; Init/Close unmap any previous region
// first.
type Response struct {
	Code      int
	KeepAlive bool

	docRoot  string
	reqPath  string
	resolved string

	mmapData   []byte // nil when nothing is mapped
	fileSize   int64
	inlineBody []byte

	idleTimeoutSec int
	maxKeepAlive   int
}

// Init (re)initializes the response for one request. Any previously
// mapped region is released first, matching the "at most one active
// mmap" invariant from spec.md §3.
func (resp *Response) Init(docRoot, reqPath string, keepAlive bool, code int, idleTimeoutSec, maxKeepAlive int) {
	resp.unmap()
	resp.inlineBody = nil
	resp.resolved = ""
	resp.docRoot = docRoot
	resp.reqPath = reqPath
	resp.KeepAlive = keepAlive
	resp.Code = code
	resp.idleTimeoutSec = idleTimeoutSec
	resp.maxKeepAlive = maxKeepAlive
}

// unmap releases the active mmap region, if any. Idempotent.
func (resp *Response) unmap() {
	if resp.mmapData != nil {
		_ = unix.Munmap(resp.mmapData)
		resp.mmapData = nil
	}
	resp.fileSize = 0
}

// Close releases resources held by the response. Safe to call multiple
// times.
func (resp *Response) Close() {
	resp.unmap()
}

// resolveFile stats root+path and, for a readable regular file, mmaps it
// read-only/shared. It mutates resp.Code to 404/403 on resolution
// failure, mirroring original_source/HTTPresponse.h's behavior.
func (resp *Response) resolveFile() {
	resp.resolved = filepath.Join(resp.docRoot, filepath.Clean("/"+resp.reqPath))

	fi, err := os.Stat(resp.resolved)
	if err != nil || !fi.Mode().IsRegular() {
		resp.Code = 404
		return
	}
	if fi.Mode()&0o004 == 0 {
		resp.Code = 403
		return
	}

	f, err := os.Open(resp.resolved)
	if err != nil {
		resp.Code = 404
		return
	}
	defer f.Close()

	size := fi.Size()
	if size == 0 {
		resp.fileSize = 0
		return
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		resp.Code = 404
		return
	}
	resp.mmapData = data
	resp.fileSize = size
}

// MakeResponse writes the status line and header block into buf and
// prepares the body (mmap'd file or error page, or the inline fallback)
// for the caller to send via Body/InlineBody; the body itself is not
// copied into buf. It follows the error/fallback chain from spec.md
// §4.5: missing/non-regular -> 404; unreadable -> 403; failure to
// resolve the configured error page -> inline HTML fallback.
func (resp *Response) MakeResponse(buf *Buffer) {
	if resp.Code == 200 {
		resp.resolveFile()
	}
	if resp.Code != 200 {
		resp.loadErrorBody()
	}

	resp.writeStatusLine(buf)
	resp.writeHeaders(buf)
}

// loadErrorBody tries to resolve the configured error page for resp.Code;
// on failure it falls back to an inline minimal HTML body sized directly
// from errorpages.go, and the mmap path is abandoned for this response.
func (resp *Response) loadErrorBody() {
	page, ok := errorPagePaths[resp.Code]
	if !ok {
		resp.inlineBody = inlineErrorBody(resp.Code)
		return
	}

	candidate := filepath.Join(resp.docRoot, page)
	fi, err := os.Stat(candidate)
	if err != nil || fi.IsDir() || fi.Mode()&0o004 == 0 {
		resp.inlineBody = inlineErrorBody(resp.Code)
		return
	}

	f, err := os.Open(candidate)
	if err != nil {
		resp.inlineBody = inlineErrorBody(resp.Code)
		return
	}
	defer f.Close()

	size := fi.Size()
	if size == 0 {
		resp.inlineBody = inlineErrorBody(resp.Code)
		return
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		resp.inlineBody = inlineErrorBody(resp.Code)
		return
	}
	resp.mmapData = data
	resp.fileSize = size
	resp.resolved = candidate
}

func (resp *Response) writeStatusLine(buf *Buffer) {
	line := fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.Code, reasonFor(resp.Code))
	buf.Append([]byte(line))
}

// writeHeaders emits, in order: Connection, optional Keep-Alive,
// Content-Type, Content-Length, then the terminating CRLF — exactly the
// order specified in spec.md §4.5/§6.
func (resp *Response) writeHeaders(buf *Buffer) {
	if resp.KeepAlive {
		buf.Append([]byte("Connection: keep-alive\r\n"))
		buf.Append([]byte(fmt.Sprintf("Keep-Alive: timeout=%d, max=%d\r\n", resp.idleTimeoutSec, resp.maxKeepAlive)))
	} else {
		buf.Append([]byte("Connection: close\r\n"))
	}

	contentType := "text/html"
	if resp.resolved != "" {
		contentType = contentTypeFor(resp.resolved)
	}
	buf.Append([]byte(fmt.Sprintf("Content-Type: %s\r\n", contentType)))
	buf.Append([]byte(fmt.Sprintf("Content-Length: %d\r\n", resp.BodyLen())))
	buf.Append([]byte("\r\n"))
}

// BodyLen returns the length of whatever body this response will send:
// the mmap'd file, or the inline fallback body.
func (resp *Response) BodyLen() int {
	if resp.mmapData != nil {
		return int(resp.fileSize)
	}
	return len(resp.inlineBody)
}

// Body returns the mmap'd region for this response, or nil if the
// response fell back to an inline body (use InlineBody in that case).
func (resp *Response) Body() []byte {
	return resp.mmapData
}

// InlineBody returns the inline fallback body, or nil if a file is mapped.
func (resp *Response) InlineBody() []byte {
	return resp.inlineBody
}
