// Package ws is the connection engine behind the poll-driven control surface.
// It binds the listener, performs the TLS and WebSocket handshakes, keeps the
// registry of live connections, runs a reader and a writer goroutine per
// connection, and funnels everything the host must know about into a single
// event queue that is drained without blocking.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dwebble/rws/internal/events"
	"github.com/dwebble/rws/internal/metrics"
	"github.com/dwebble/rws/internal/tlsconf"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "created"
	}
}

// Server owns the listener, the connection registry, the event queue and
// every goroutine spawned on behalf of its connections. All methods are safe
// for concurrent use; none of Send, SendText, Disconnect or Poll blocks on
// network I/O.
type Server struct {
	config     ServerConfig
	log        *zap.Logger
	conns      *ConnectionManager
	events     *events.Queue
	instanceID string
	port       atomic.Uint32

	mu        sync.Mutex // guards the lifecycle fields below
	state     State
	closed    bool
	listener  net.Listener
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
}

// NewServer validates config and returns a Server in the Created state.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Subprotocols = append([]string(nil), config.Subprotocols...)

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()

	return &Server{
		config:     config,
		log:        logger.With(zap.String("server", id)),
		conns:      NewConnectionManager(),
		events:     events.NewQueue(),
		instanceID: id,
	}, nil
}

// Start loads TLS material if configured, binds the listener and launches
// the accept loop. It fails with ErrAlreadyRunning if the server is running,
// in which case the running instance is left untouched. On any failure the
// server stays not running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	var tlsConfig *tls.Config
	if s.config.TLSEnabled() {
		cfg, err := tlsconf.Load(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			s.log.Error("tls setup failed", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrTLS, err)
		}
		tlsConfig = cfg
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(int(s.config.Port)))
	lc := net.ListenConfig{Control: listenControl(s.config.ReusePort)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		cancel()
		s.log.Error("bind failed", zap.String("addr", addr), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrBindFailed, addr, err)
	}

	s.port.Store(uint32(ln.Addr().(*net.TCPAddr).Port))
	s.listener = ln
	s.cancel = cancel
	s.group = group
	s.startedAt = time.Now()
	s.state = StateRunning

	group.Go(func() error {
		s.acceptLoop(gctx, group, ln, tlsConfig)
		return nil
	})
	if s.config.HeartbeatInterval > 0 {
		group.Go(func() error {
			s.runHeartbeat(gctx)
			return nil
		})
	}

	s.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", tlsConfig != nil),
		zap.Strings("subprotocols", s.config.Subprotocols),
	)
	return nil
}

// acceptLoop accepts connections until ctx is cancelled. Shutdown always wins
// over a connection accepted concurrently. A failed accept is logged and the
// loop continues.
func (s *Server) acceptLoop(ctx context.Context, group *errgroup.Group, ln net.Listener, tlsConfig *tls.Config) {
	var backoff time.Duration

	for {
		raw, err := ln.Accept()
		if ctx.Err() != nil {
			if raw != nil {
				_ = raw.Close()
			}
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.AcceptErrors.Inc()
			s.log.Warn("accept error", zap.Error(err))

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		group.Go(func() error {
			s.handleConn(ctx, group, raw, tlsConfig)
			return nil
		})
	}
}

// handleConn runs admission and both handshakes for a raw stream. On success
// it registers the connection, emits Connected, starts the writer and then
// becomes the connection's reader. Any failure before registration drops the
// stream without an event.
func (s *Server) handleConn(ctx context.Context, group *errgroup.Group, raw net.Conn, tlsConfig *tls.Config) {
	remote := raw.RemoteAddr().String()
	log := s.log.With(zap.String("remote", remote))

	if adm := s.config.Admission; adm != nil {
		host, _, _ := net.SplitHostPort(remote)
		actx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
		ok := adm.Admit(actx, host)
		cancel()
		if !ok {
			metrics.HandshakeFailures.WithLabelValues("admission").Inc()
			log.Debug("connection refused by admission")
			_ = raw.Close()
			return
		}
	}

	// Handshakes still in flight when Stop runs are cut short.
	release := context.AfterFunc(ctx, func() { _ = raw.Close() })
	_ = raw.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))

	conn := raw
	if tlsConfig != nil {
		tc := tls.Server(raw, tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			metrics.HandshakeFailures.WithLabelValues("tls").Inc()
			log.Debug("tls handshake failed", zap.Error(err))
			release()
			_ = raw.Close()
			return
		}
		conn = tc
	}

	hs, err := s.upgrader().Upgrade(conn)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("websocket").Inc()
		log.Debug("websocket handshake failed", zap.Error(err))
		release()
		_ = conn.Close()
		return
	}
	if !release() {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	c := newConnection(nextConnID(), conn, remote, hs.Protocol, s.config)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.emit(events.Event{Type: events.TypeConnected, ConnID: c.ID})

	// Stop may have drained the registry between the handshake and Add.
	if ctx.Err() != nil {
		if s.conns.Remove(c.ID) != nil {
			c.Close()
		}
	}

	log.Info("client connected",
		zap.Uint64("conn_id", c.ID),
		zap.String("subprotocol", c.Subprotocol),
		zap.Int("total", s.conns.Count()),
	)

	group.Go(func() error {
		s.writeLoop(c)
		return nil
	})
	s.readLoop(c)
}

// upgrader builds the handshake upgrader. The client's offered subprotocols
// are checked in the client's order and the first whitelisted one wins.
func (s *Server) upgrader() ws.Upgrader {
	u := ws.Upgrader{}
	if len(s.config.Subprotocols) > 0 {
		u.Protocol = func(p []byte) bool {
			for _, allowed := range s.config.Subprotocols {
				if string(p) == allowed {
					return true
				}
			}
			return false
		}
	}
	return u
}

// Stop shuts the accept loop, closes every registered connection and waits
// up to ShutdownGrace for the remaining goroutines. Stop on a server that is
// not running is a no-op. Events produced during shutdown stay pollable.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.state != StateRunning {
		return
	}
	s.log.Info("shutting down server", zap.Int("connections", s.conns.Count()))

	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("listener close error", zap.Error(err))
	}

	conns := s.conns.RemoveAll()
	for _, c := range conns {
		c.Close()
	}

	// The group is read only through g; the fields below are reset even if
	// the grace period elapses first.
	g := s.group
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("shutdown grace period elapsed, abandoning remaining work",
			zap.Duration("grace", s.config.ShutdownGrace))
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}

	s.listener = nil
	s.cancel = nil
	s.group = nil
	s.port.Store(0)
	s.state = StateStopped
	s.log.Info("server stopped")
}

// Close stops the server and makes it unusable; a later Start fails with
// ErrServerClosed.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
}

// Send queues a binary message for the connection.
func (s *Server) Send(id uint64, data []byte) error {
	c := s.conns.Get(id)
	if c == nil {
		return ErrUnknownConnection
	}
	return c.Send(ws.OpBinary, append([]byte(nil), data...))
}

// SendText queues a text message for the connection. text must be valid
// UTF-8.
func (s *Server) SendText(id uint64, text string) error {
	c := s.conns.Get(id)
	if c == nil {
		return ErrUnknownConnection
	}
	if !utf8.ValidString(text) {
		return ErrInvalidPayload
	}
	return c.Send(ws.OpText, []byte(text))
}

// Disconnect unregisters the connection and starts its close handshake
// without waiting for it to finish. The Disconnected event follows once the
// reader exits.
func (s *Server) Disconnect(id uint64) error {
	c := s.conns.Remove(id)
	if c == nil {
		return ErrUnknownConnection
	}
	c.Close()
	return nil
}

// Poll pops the oldest pending event. It never blocks.
func (s *Server) Poll() (events.Event, bool) {
	return s.events.Poll()
}

// PendingEvents returns the number of events waiting to be polled.
func (s *Server) PendingEvents() int {
	return s.events.Len()
}

// ConnectionInfo describes a registered connection.
func (s *Server) ConnectionInfo(id uint64) (ConnInfo, bool) {
	c := s.conns.Get(id)
	if c == nil {
		return ConnInfo{}, false
	}
	return c.Info(), true
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() uint16 {
	return uint16(s.port.Load())
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Info returns "bind:port" for display.
func (s *Server) Info() string {
	return net.JoinHostPort(s.config.BindAddress, strconv.Itoa(int(s.Port())))
}

// InstanceID returns the random id assigned to this server at construction.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Uptime returns how long the server has been running, or 0.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Server) emit(ev events.Event) {
	metrics.EventsTotal.WithLabelValues(ev.Type.String()).Inc()
	s.events.Push(ev)
}
