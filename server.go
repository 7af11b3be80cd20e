//go:build linux

package evhttpd

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxPollEvents = 1024

// Server is the reactor: it owns the listening fd, the readiness
// multiplexer, the connection table, the timer wheel, the worker pool
// and the configuration. It is the sole mutator of the connection table
// from its own loop goroutine; worker-goroutine completions that need to
// remove a connection go through the mutex-guarded helpers below rather
// than touching the map directly (see DESIGN.md for why this extends
// beyond spec.md §5's "reactor is the sole mutator" framing).
type Server struct {
	cfg Config
	log *logrus.Logger

	listenFD  int
	boundPort int
	wakeR     int
	wakeW     int

	poller Poller
	timers *TimerWheel
	pool   *WorkerPool

	mu    sync.Mutex
	conns map[int]*Connection

	nextConnID  uint64
	activeConns int64

	stopOnce sync.Once
	stopped  chan struct{}
	ready    chan struct{}
}

// NewServer constructs a Server from cfg. A nil log falls back to
// logrus's standard logger.
func NewServer(cfg Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		conns:   make(map[int]*Connection),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Start has finished socket/poller setup and the
// server is accepting connections. Tests use it to avoid dialing before
// the listener exists; Addr() is only meaningful after it closes.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the address the server is listening on, valid only after
// Start has performed setup (in practice: after Start is called, from
// another goroutine, once an accept-readiness log line has appeared —
// tests instead read it via a setup-complete channel; see server_test.go).
func (s *Server) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.boundPort)
}

// ActiveConnections reports the current number of open connections.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// Start validates the configuration, performs socket/poller/pool setup
// and runs the reactor loop until Stop is called or a fatal error
// occurs. Setup errors are returned directly; the loop itself only
// returns on Stop (nil) or an unrecoverable poller failure.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := s.setup(); err != nil {
		return err
	}
	return s.loop()
}

func (s *Server) setup() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if s.cfg.GracefulLinger {
		linger := unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
			unix.Close(fd)
			return fmt.Errorf("setsockopt SO_LINGER: %w", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.Port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind :%d: %w", s.cfg.Port, err)
	}
	if err := unix.Listen(fd, s.cfg.ListenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	s.listenFD = fd

	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			s.boundPort = in4.Port
		}
	}

	poller, err := NewPoller(maxPollEvents)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("new poller: %w", err)
	}
	s.poller = poller

	wakeFDs := make([]int, 2)
	if err := unix.Pipe2(wakeFDs, unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		_ = poller.Close()
		return fmt.Errorf("wakeup pipe: %w", err)
	}
	s.wakeR, s.wakeW = wakeFDs[0], wakeFDs[1]

	listenMask := EventReadable
	if s.cfg.listenerEdgeTriggered() {
		listenMask |= EventEdgeTriggered
	}
	if err := s.poller.Add(s.listenFD, listenMask); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.poller.Add(s.wakeR, EventReadable); err != nil {
		return fmt.Errorf("register wakeup pipe: %w", err)
	}

	s.timers = NewTimerWheel()
	s.pool = NewWorkerPool(s.cfg.WorkerCount, s.cfg.WorkerCount*4)

	s.log.WithFields(logrus.Fields{"port": s.boundPort, "workers": s.cfg.WorkerCount}).Info("listening")
	close(s.ready)
	return nil
}

// Stop asks the reactor loop to exit and wakes it if it's blocked in
// Wait. Safe to call more than once and from any goroutine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		var b [1]byte
		_, _ = unix.Write(s.wakeW, b[:])
	})
}

func (s *Server) loop() error {
	for {
		select {
		case <-s.stopped:
			s.shutdown()
			return nil
		default:
		}

		delay := s.timers.NextDelayMS()
		events, err := s.poller.Wait(delay)
		if err != nil {
			s.shutdown()
			return fmt.Errorf("poller wait: %w", err)
		}

		for _, ev := range events {
			switch ev.FD {
			case s.wakeR:
				s.drainWake()
			case s.listenFD:
				s.handleAccept(ev.Mask)
			default:
				s.handleConnEvent(ev)
			}
		}
	}
}

func (s *Server) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Server) shutdown() {
	s.pool.Stop()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[int]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		_ = s.poller.Remove(c.FD())
		c.Close()
	}

	_ = s.poller.Remove(s.listenFD)
	_ = unix.Close(s.listenFD)
	_ = s.poller.Close()
	_ = unix.Close(s.wakeR)
	_ = unix.Close(s.wakeW)
}

// handleAccept drains the listening fd of pending connections: in a loop
// under edge-triggered semantics, or once under level-triggered.
func (s *Server) handleAccept(mask EventMask) {
	if mask&(EventError|EventHangup) != 0 {
		s.log.Error("listener fd error/hangup")
		return
	}

	edge := s.cfg.listenerEdgeTriggered()
	for {
		nfd, sa, err := unix.Accept(s.listenFD)
		if err != nil {
			if !IsEAGAIN(err) {
				s.log.WithError(err).Warn("accept failed")
			}
			return
		}
		s.acceptOne(nfd, sa)
		if !edge {
			return
		}
	}
}

func (s *Server) acceptOne(fd int, sa unix.Sockaddr) {
	if atomic.LoadInt64(&s.activeConns) >= int64(s.cfg.MaxConnections) {
		_, _ = unix.Write(fd, []byte("HTTP/1.1 503 Service Unavailable\r\n\r\n"))
		_ = unix.Close(fd)
		s.log.Warn("connection rejected: at capacity")
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return
	}

	id := atomic.AddUint64(&s.nextConnID, 1)
	peer := sockaddrString(sa)

	conn := &Connection{}
	conn.Init(fd, id, peer, s.cfg.DocumentRoot, s.cfg.IdleTimeoutMS/1000, s.cfg.MaxKeepAliveRequests, &s.activeConns)
	atomic.AddInt64(&s.activeConns, 1)

	connMask := EventReadable | EventOneShot
	if s.cfg.connectionEdgeTriggered() {
		connMask |= EventEdgeTriggered
	}
	if err := s.poller.Add(fd, connMask); err != nil {
		s.log.WithError(err).Warn("poller add failed")
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[fd] = conn
	s.mu.Unlock()

	if s.cfg.IdleTimeoutMS > 0 {
		s.timers.Add(id, s.cfg.IdleTimeoutMS, func(firedID uint64) {
			s.closeIdleConnection(fd, firedID)
		})
	}

	s.log.WithFields(logrus.Fields{"fd": fd, "conn_id": id, "remote_addr": peer}).Debug("accepted connection")
}

// closeIdleConnection runs on the reactor goroutine via TimerWheel.Tick.
// It no-ops if fd has since been closed and reused for a different
// connection id, guarding against the fd-identity-reuse hazard named in
// spec.md §9.
func (s *Server) closeIdleConnection(fd int, id uint64) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	ok = ok && c.ID() == id
	if ok {
		delete(s.conns, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.log.WithFields(logrus.Fields{"fd": fd, "conn_id": id}).Debug("idle timeout")
	_ = s.poller.Remove(fd)
	c.Close()
}

func (s *Server) handleConnEvent(ev Event) {
	s.mu.Lock()
	conn, ok := s.conns[ev.FD]
	s.mu.Unlock()
	if !ok {
		return
	}

	if ev.Mask&(EventError|EventHangup|EventPeerClosed) != 0 {
		s.closeConn(conn)
		return
	}

	if s.cfg.IdleTimeoutMS > 0 {
		s.timers.Update(conn.ID(), s.cfg.IdleTimeoutMS)
	}

	edge := s.cfg.connectionEdgeTriggered()
	switch {
	case ev.Mask&EventReadable != 0:
		s.pool.Submit(func() { s.handleReadable(conn, edge) })
	case ev.Mask&EventWritable != 0:
		s.pool.Submit(func() { s.handleWritable(conn, edge) })
	}
}

// handleReadable runs on a worker goroutine: drains the socket, advances
// the parser, and either re-arms for more input or for the write it
// triggered.
func (s *Server) handleReadable(conn *Connection, edge bool) {
	if conn.Closed() {
		return
	}
	n, err := conn.ReadIn(edge)
	if err != nil && !IsEAGAIN(err) {
		s.log.WithFields(logrus.Fields{"fd": conn.FD(), "conn_id": conn.ID()}).WithError(err).Debug("read error")
		s.closeConn(conn)
		return
	}
	if err == nil && n == 0 {
		s.closeConn(conn)
		return
	}

	if conn.Process() {
		s.rearm(conn, EventWritable)
		return
	}
	s.rearm(conn, EventReadable)
}

// handleWritable runs on a worker goroutine: drains the scatter vector
// and either re-arms for the remaining write, recycles the connection
// for a keep-alive request, or closes it.
func (s *Server) handleWritable(conn *Connection, edge bool) {
	if conn.Closed() {
		return
	}
	_, err := conn.WriteOut(edge)
	if err != nil && !IsEAGAIN(err) {
		s.log.WithFields(logrus.Fields{"fd": conn.FD(), "conn_id": conn.ID()}).WithError(err).Debug("write error")
		s.closeConn(conn)
		return
	}

	if conn.PendingWriteBytes() > 0 {
		s.rearm(conn, EventWritable)
		return
	}

	if conn.KeepAlive() {
		conn.PrepareNextRequest()
		s.rearm(conn, EventReadable)
		return
	}

	s.closeConn(conn)
}

func (s *Server) rearm(conn *Connection, mask EventMask) {
	m := mask | EventOneShot
	if s.cfg.connectionEdgeTriggered() {
		m |= EventEdgeTriggered
	}
	if err := s.poller.Modify(conn.FD(), m); err != nil {
		s.closeConn(conn)
	}
}

// closeConn removes conn from the table, deregisters it from the
// poller, cancels its idle timer and releases its resources. Safe to
// call from a worker goroutine; the map mutation is mutex-guarded.
func (s *Server) closeConn(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn.FD())
	s.mu.Unlock()

	_ = s.poller.Remove(conn.FD())
	s.timers.Cancel(conn.ID())
	conn.Close()
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return "unknown"
	}
}
