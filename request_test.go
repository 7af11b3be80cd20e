package evhttpd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, chunks ...string) *Request {
	t.Helper()
	buf := NewBuffer(16)
	req := &Request{}
	req.Init()
	var finished bool
	for _, c := range chunks {
		buf.Append([]byte(c))
		ok, f := req.Parse(buf)
		require.True(t, ok)
		finished = f
	}
	require.True(t, finished, "request should be fully parsed")
	return req
}

func TestParsePathNormalization(t *testing.T) {
	cases := map[string]string{
		"/":        "/index.html",
		"/index":   "/index.html",
		"/welcome": "/welcome.html",
		"/other":   "/other",
	}
	for path, want := range cases {
		raw := "GET " + path + " HTTP/1.1\r\nHost: x\r\n\r\n"
		req := parseAll(t, raw)
		require.Equal(t, want, req.Path, "path %s", path)
	}
}

func TestParseGetRequestLine(t *testing.T) {
	req := parseAll(t, "GET /other HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n")
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/other", req.Path)
	require.Equal(t, "1.1", req.Version)
	require.Equal(t, "example.com", req.Headers["Host"])
	require.True(t, req.IsKeepAlive())
}

func TestParseKeepAliveRequiresHTTP11(t *testing.T) {
	req := parseAll(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.False(t, req.IsKeepAlive())
}

func TestParseMalformedRequestLine(t *testing.T) {
	buf := NewBuffer(16)
	buf.Append([]byte("HELLO WORLD\r\n\r\n"))
	req := &Request{}
	req.Init()
	ok, _ := req.Parse(buf)
	require.False(t, ok)
}

func TestParseResumabilityAcrossArbitraryChunks(t *testing.T) {
	full := "GET /picture HTTP/1.1\r\nHost: a\r\nConnection: keep-alive\r\n\r\n"
	whole := parseAll(t, full)

	// split into one-byte chunks
	chunks := make([]string, len(full))
	for i, c := range []byte(full) {
		chunks[i] = string(c)
	}
	piecewise := parseAll(t, chunks...)

	require.Equal(t, whole.Method, piecewise.Method)
	require.Equal(t, whole.Path, piecewise.Path)
	require.Equal(t, whole.Version, piecewise.Version)
	require.Equal(t, whole.Headers, piecewise.Headers)
}

func TestParsePOSTFormDecode(t *testing.T) {
	body := "name=alice&city=new+york"
	raw := "POST / HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	req := parseAll(t, raw)
	require.Equal(t, "alice", req.Form["name"])
	require.Equal(t, "new york", req.Form["city"])
}

func TestParsePOSTFormPercentDecoding(t *testing.T) {
	body := "q=a%2Bb%26c"
	raw := "POST / HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\n\r\n" + body
	req := parseAll(t, raw)
	require.Equal(t, "a+b&c", req.Form["q"])
}

func TestParseFormRoundTrip(t *testing.T) {
	original := map[string]string{"alpha": "one two", "beta": "x&y=z"}
	encoded := encodeForm(original)
	raw := "POST / HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\n\r\n" + encoded
	req := parseAll(t, raw)
	require.Equal(t, original, req.Form)
}

func TestHeaderWithoutOptionalSpace(t *testing.T) {
	req := parseAll(t, "GET / HTTP/1.1\r\nX-Flag:yes\r\n\r\n")
	require.Equal(t, "yes", req.Headers["X-Flag"])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func encodeForm(m map[string]string) string {
	out := ""
	first := true
	for k, v := range m {
		if !first {
			out += "&"
		}
		first = false
		out += k + "=" + percentEncode(v)
	}
	return out
}

func percentEncode(s string) string {
	out := ""
	for _, c := range []byte(s) {
		switch {
		case c == ' ':
			out += "+"
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out += string(c)
		default:
			out += "%" + hexByte(c)
		}
	}
	return out
}

func hexByte(c byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[c>>4], digits[c&0xF]})
}
