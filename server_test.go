//go:build linux

package evhttpd

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.DocumentRoot = root
	cfg.WorkerCount = 2
	cfg.IdleTimeoutMS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := NewServer(cfg, log)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready in time")
	}

	t.Cleanup(func() {
		s.Stop()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop in time")
		}
	})

	return s, root
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn
}

// S1: GET / on a fresh connection serves index.html.
func TestServerS1GetRootServesIndex(t *testing.T) {
	s, root := startTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0o644))

	conn := dial(t, s.Addr())
	defer conn.Close()
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(body))
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
}

// S2: GET of a missing file yields 404.
func TestServerS2GetMissingIs404(t *testing.T) {
	s, _ := startTestServer(t, nil)

	conn := dial(t, s.Addr())
	defer conn.Close()
	_, err := conn.Write([]byte("GET /missing.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

// S3: keep-alive reuses one socket for two requests.
func TestServerS3KeepAliveTwoRequestsOneSocket(t *testing.T) {
	s, root := startTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("HELLO"), 0o644))

	conn := dial(t, s.Addr())
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)
	resp1, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp1.StatusCode)
	io.Copy(io.Discard, resp1.Body)
	require.Equal(t, "keep-alive", resp1.Header.Get("Connection"))

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)
	resp2, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp2.StatusCode)
}

// S4: a malformed request line yields 400 and the connection is closed.
func TestServerS4MalformedRequestLineIs400AndCloses(t *testing.T) {
	s, _ := startTestServer(t, nil)

	conn := dial(t, s.Addr())
	defer conn.Close()
	_, err := conn.Write([]byte("HELLO WORLD\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "close", resp.Header.Get("Connection"))
}

// S5: a form-encoded POST is parsed and answered with 200. The decoded
// form map is not exposed over the wire; TestParsePOSTFormDecode checks
// its contents.
func TestServerS5PostFormRequestIsServed(t *testing.T) {
	s, root := startTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("ok"), 0o644))

	conn := dial(t, s.Addr())
	defer conn.Close()
	body := "name=alice&city=new+york"
	req := "POST / HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

// S6: an idle connection is closed by the timer and the active count
// drops.
func TestServerS6IdleTimeoutClosesConnection(t *testing.T) {
	s, _ := startTestServer(t, func(c *Config) {
		c.IdleTimeoutMS = 100
	})

	conn := dial(t, s.Addr())
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(buf)
	require.Error(t, err)
}

func TestServerRejectsOverCapacityConnections(t *testing.T) {
	s, root := startTestServer(t, func(c *Config) {
		c.MaxConnections = 1
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("ok"), 0o644))

	first := dial(t, s.Addr())
	defer first.Close()

	require.Eventually(t, func() bool {
		return s.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	second := dial(t, s.Addr())
	defer second.Close()

	buf := make([]byte, 512)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := second.Read(buf)
	require.Contains(t, string(buf[:n]), "503")
}
