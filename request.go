package evhttpd

import "strings"

// ParseState is the request parser's position in the
// REQUEST_LINE/HEADERS/BODY/FINISH state machine.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateFinish
)

// defaultHTML is the fixed set of bare paths that get ".html" appended,
// mirroring original_source/HTTPrequest.cpp's DEFAULT_HTML set.
var defaultHTML = map[string]bool{
	"/index":   true,
	"/welcome": true,
	"/video":   true,
	"/picture": true,
}

// Request holds the parsed fields of one HTTP/1.1 request: method, path,
// version, raw body, header map (case-sensitive keys as received) and
// form map (decoded POST fields).
type Request struct {
	Method  string
	Path    string
	Version string
	Body    string
	Headers map[string]string
	Form    map[string]string

	state ParseState
}

// Init resets every field and returns the parser to REQUEST_LINE.
func (r *Request) Init() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Body = ""
	r.Headers = make(map[string]string)
	r.Form = make(map[string]string)
	r.state = StateRequestLine
}

// State reports the parser's current position.
func (r *Request) State() ParseState { return r.state }

// IsKeepAlive reports whether the request asked to keep the connection
// alive: true iff Connection: keep-alive is present AND the version is
// 1.1.
func (r *Request) IsKeepAlive() bool {
	return r.Headers["Connection"] == "keep-alive" && r.Version == "1.1"
}

// Parse incrementally advances the parser over buf's readable region. It
// never blocks: on an incomplete trailing line it leaves buf's read
// cursor unadvanced past the last complete line and returns (true, false),
// ready to be re-entered on the next read event. A malformed request line
// returns (false, false).
func (r *Request) Parse(buf *Buffer) (ok bool, finished bool) {
	if buf.Readable() <= 0 {
		return true, r.state == StateFinish
	}

	for buf.Readable() > 0 && r.state != StateFinish {
		readable := buf.Peek()

		// BODY has no delimiter of its own: whatever remains buffered
		// after the headers block is taken whole, matching spec.md §1's
		// scope (no Content-Length/chunked framing, just a single
		// buffered optional body).
		if r.state == StateBody {
			r.Body = string(readable)
			r.decodeForm()
			r.state = StateFinish
			buf.AdvanceRead(len(readable))
			break
		}

		lineEnd := indexCRLF(readable)
		if lineEnd < 0 {
			// incomplete trailing line: wait for more data.
			break
		}
		line := string(readable[:lineEnd])

		switch r.state {
		case StateRequestLine:
			if !r.parseRequestLine(line) {
				return false, false
			}
			r.normalizePath()
		case StateHeaders:
			if !r.parseHeaderLine(line) {
				r.state = StateBody
			}
			if len(readable) <= 2 {
				r.state = StateFinish
			}
		}

		buf.AdvanceRead(lineEnd + 2)
	}
	return true, r.state == StateFinish
}

// indexCRLF returns the index of the first "\r\n" in b, or -1.
func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// parseRequestLine matches "METHOD SP PATH SP HTTP/VERSION".
func (r *Request) parseRequestLine(line string) bool {
	first := strings.IndexByte(line, ' ')
	if first < 0 {
		return false
	}
	rest := line[first+1:]
	second := strings.IndexByte(rest, ' ')
	if second < 0 {
		return false
	}
	method := line[:first]
	path := rest[:second]
	versionPart := rest[second+1:]

	const httpPrefix = "HTTP/"
	if !strings.HasPrefix(versionPart, httpPrefix) {
		return false
	}
	version := versionPart[len(httpPrefix):]
	if method == "" || path == "" || version == "" {
		return false
	}

	r.Method = method
	r.Path = path
	r.Version = version
	r.state = StateHeaders
	return true
}

// normalizePath rewrites "/" to "/index.html" and appends ".html" to any
// path in the fixed defaultHTML set.
func (r *Request) normalizePath() {
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	if defaultHTML[r.Path] {
		r.Path += ".html"
	}
}

// parseHeaderLine matches "NAME: OWS VALUE", consuming at most one
// optional space after the colon. Returns false if line doesn't look like
// a header, signalling the BODY transition.
func (r *Request) parseHeaderLine(line string) bool {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	name := line[:colon]
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	r.Headers[name] = value
	return true
}

// decodeForm populates Form from Body when the request is a POST with an
// application/x-www-form-urlencoded Content-Type. It walks the body
// linearly: '=' ends the current key, '&' ends a value and commits the
// pair, '+' becomes a space, and '%XX' decodes to a single byte (the
// corrected behavior per spec.md §9; the source's decimal-digit bug is
// not reproduced).
func (r *Request) decodeForm() {
	if r.Method != "POST" || r.Headers["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	if len(r.Body) == 0 {
		return
	}

	var out strings.Builder
	var key string
	haveKey := false

	body := r.Body
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '=':
			key = out.String()
			out.Reset()
			haveKey = true
		case '+':
			out.WriteByte(' ')
		case '%':
			if i+2 < len(body) {
				hi, okHi := hexDigit(body[i+1])
				lo, okLo := hexDigit(body[i+2])
				if okHi && okLo {
					out.WriteByte(byte(hi*16 + lo))
					i += 2
				} else {
					out.WriteByte(body[i])
				}
			} else {
				out.WriteByte(body[i])
			}
		case '&':
			if haveKey {
				r.Form[key] = out.String()
			}
			out.Reset()
			haveKey = false
		default:
			out.WriteByte(body[i])
		}
	}
	// commit the trailing pair, if any, same as the source's post-loop
	// handling of a body with no final '&'.
	if haveKey {
		r.Form[key] = out.String()
	}
}

// hexDigit converts one hex character to its value.
func hexDigit(ch byte) (int, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0'), true
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10, true
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10, true
	default:
		return 0, false
	}
}
