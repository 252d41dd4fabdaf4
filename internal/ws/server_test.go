package ws

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dwebble/rws/internal/events"
	"github.com/dwebble/rws/internal/metrics"
	"github.com/dwebble/rws/internal/tlsconf/tlstest"
)

const waitTimeout = 5 * time.Second

func startServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.CloseTimeout = time.Second
	cfg.ShutdownGrace = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s
}

// testClient is a raw gobwas client. It does not answer pings or close
// frames on its own, so tests see exactly what the server writes.
type testClient struct {
	net.Conn
	r io.Reader
}

func dial(t *testing.T, s *Server, protocols ...string) (*testClient, ws.Handshake) {
	t.Helper()
	return dialWith(t, ws.Dialer{Protocols: protocols}, "ws://"+s.Info())
}

func dialWith(t *testing.T, d ws.Dialer, url string) (*testClient, ws.Handshake) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, br, hs, err := d.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &testClient{Conn: conn, r: r}, hs
}

func (c *testClient) send(t *testing.T, op ws.OpCode, payload []byte) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientMessage(c.Conn, op, payload))
}

func (c *testClient) sendControl(t *testing.T, f ws.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteFrame(c.Conn, ws.MaskFrameInPlace(f)))
}

func (c *testClient) readFrame(t *testing.T) ws.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	f, err := ws.ReadFrame(c.r)
	require.NoError(t, err)
	return f
}

// closeCleanly performs the client side of the close handshake.
func (c *testClient) closeCleanly(t *testing.T) {
	t.Helper()
	c.sendControl(t, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")))
	f := c.readFrame(t)
	require.Equal(t, ws.OpClose, f.Header.OpCode)
}

func nextEvent(t *testing.T, s *Server) events.Event {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if ev, ok := s.Poll(); ok {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no event within timeout")
	return events.Event{}
}

func expectEvent(t *testing.T, s *Server, typ events.Type) events.Event {
	t.Helper()
	ev := nextEvent(t, s)
	require.Equal(t, typ, ev.Type, "event: %+v", ev)
	return ev
}

func TestEchoRoundTrip(t *testing.T) {
	s := startServer(t, nil)
	require.NotZero(t, s.Port())
	assert.Equal(t, StateRunning, s.State())

	client, _ := dial(t, s)
	client.send(t, ws.OpText, []byte("ping"))

	connected := expectEvent(t, s, events.TypeConnected)
	msg := expectEvent(t, s, events.TypeMessage)
	assert.Equal(t, connected.ConnID, msg.ConnID)
	assert.Equal(t, []byte("ping"), msg.Data)
	assert.Equal(t, 1, s.ConnectionCount())

	require.NoError(t, s.SendText(connected.ConnID, "pong"))
	f := client.readFrame(t)
	assert.Equal(t, ws.OpText, f.Header.OpCode)
	assert.Equal(t, []byte("pong"), f.Payload)

	client.closeCleanly(t)

	// A clean close yields no Error event.
	disc := expectEvent(t, s, events.TypeDisconnected)
	assert.Equal(t, connected.ConnID, disc.ConnID)
	assert.Equal(t, 0, s.ConnectionCount())
	_, ok := s.Poll()
	assert.False(t, ok)
}

func TestBinaryMessageAndSend(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)

	id := expectEvent(t, s, events.TypeConnected).ConnID
	payload := []byte{0x00, 0xff, 0x10}
	client.send(t, ws.OpBinary, payload)
	assert.Equal(t, payload, expectEvent(t, s, events.TypeMessage).Data)

	buf := []byte{1, 2, 3}
	require.NoError(t, s.Send(id, buf))
	buf[0] = 9 // the server must have copied the caller's buffer

	f := client.readFrame(t)
	assert.Equal(t, ws.OpBinary, f.Header.OpCode)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)
}

func TestFragmentedMessageIsReassembled(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	expectEvent(t, s, events.TypeConnected)

	client.sendControl(t, ws.NewFrame(ws.OpText, false, []byte("hel")))
	client.sendControl(t, ws.NewPingFrame([]byte("mid")))
	client.sendControl(t, ws.NewFrame(ws.OpContinuation, true, []byte("lo")))

	pong := client.readFrame(t)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, []byte("hello"), expectEvent(t, s, events.TypeMessage).Data)
}

func TestSendOrderPreserved(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	const n = 200
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			require.NoError(t, s.SendText(id, strconv.Itoa(i)))
		} else {
			require.NoError(t, s.Send(id, []byte(strconv.Itoa(i))))
		}
	}
	for i := 0; i < n; i++ {
		f := client.readFrame(t)
		require.Equal(t, strconv.Itoa(i), string(f.Payload))
	}
}

func TestPingAnsweredWithoutEvent(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	expectEvent(t, s, events.TypeConnected)

	client.sendControl(t, ws.NewPingFrame([]byte("are you there")))
	f := client.readFrame(t)
	assert.Equal(t, ws.OpPong, f.Header.OpCode)
	assert.Equal(t, []byte("are you there"), f.Payload)

	// Follow with a message to prove nothing was queued for the ping.
	client.send(t, ws.OpText, []byte("after"))
	assert.Equal(t, []byte("after"), expectEvent(t, s, events.TypeMessage).Data)
}

func TestSubprotocolNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		offered   []string
		want      string
	}{
		{"first offered match wins", []string{"b"}, []string{"a", "b"}, "b"},
		{"client order decides", []string{"b", "a"}, []string{"a", "b"}, "a"},
		{"no match", []string{"c"}, []string{"a", "b"}, ""},
		{"no whitelist", nil, []string{"a"}, ""},
		{"nothing offered", []string{"a"}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startServer(t, func(c *ServerConfig) { c.Subprotocols = tt.whitelist })
			_, hs := dial(t, s, tt.offered...)
			assert.Equal(t, tt.want, hs.Protocol)

			id := expectEvent(t, s, events.TypeConnected).ConnID
			info, ok := s.ConnectionInfo(id)
			require.True(t, ok)
			assert.Equal(t, tt.want, info.Subprotocol)
			assert.Equal(t, id, info.ID)
			assert.NotEmpty(t, info.RemoteAddr)
		})
	}
}

func TestUnknownConnection(t *testing.T) {
	s := startServer(t, nil)
	const missing = ^uint64(0)

	assert.True(t, errors.Is(s.Send(missing, []byte("x")), ErrUnknownConnection))
	assert.True(t, errors.Is(s.SendText(missing, "x"), ErrUnknownConnection))
	assert.True(t, errors.Is(s.Disconnect(missing), ErrUnknownConnection))
	_, ok := s.ConnectionInfo(missing)
	assert.False(t, ok)

	_, ok = s.Poll()
	assert.False(t, ok, "lookups on unknown ids must not produce events")
}

func TestSendTextRejectsInvalidUTF8(t *testing.T) {
	s := startServer(t, nil)
	dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	assert.True(t, errors.Is(s.SendText(id, "\xff\xfe"), ErrInvalidPayload))
}

func TestPollEmptyDoesNotBlock(t *testing.T) {
	s := startServer(t, nil)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		_, ok := s.Poll()
		require.False(t, ok)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnect(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	require.NoError(t, s.SendText(id, "last words"))
	require.NoError(t, s.Disconnect(id))
	assert.Equal(t, 0, s.ConnectionCount())
	assert.True(t, errors.Is(s.SendText(id, "too late"), ErrUnknownConnection))

	// Pending data is flushed before the Close frame.
	assert.Equal(t, []byte("last words"), client.readFrame(t).Payload)
	f := client.readFrame(t)
	require.Equal(t, ws.OpClose, f.Header.OpCode)
	client.sendControl(t, ws.NewCloseFrame(f.Payload))

	disc := expectEvent(t, s, events.TypeDisconnected)
	assert.Equal(t, id, disc.ConnID)
	_, ok := s.Poll()
	assert.False(t, ok, "server-initiated close must not report an error")
}

func TestDisconnectWithUnresponsivePeer(t *testing.T) {
	s := startServer(t, func(c *ServerConfig) { c.CloseTimeout = 100 * time.Millisecond })
	dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	require.NoError(t, s.Disconnect(id))
	assert.Equal(t, id, expectEvent(t, s, events.TypeDisconnected).ConnID)
}

func TestAbruptClientCloseReportsError(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	require.NoError(t, client.Close())

	errEv := expectEvent(t, s, events.TypeError)
	assert.Equal(t, id, errEv.ConnID)
	assert.NotEmpty(t, errEv.Err)
	assert.Equal(t, id, expectEvent(t, s, events.TypeDisconnected).ConnID)
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestMessageTooLarge(t *testing.T) {
	s := startServer(t, func(c *ServerConfig) { c.MaxMessageSize = 8 })
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	client.send(t, ws.OpBinary, []byte("0123456789abcdef"))

	errEv := expectEvent(t, s, events.TypeError)
	assert.Equal(t, id, errEv.ConnID)
	assert.Contains(t, errEv.Err, "too large")
	expectEvent(t, s, events.TypeDisconnected)
}

func TestHeartbeatEvictsSilentClient(t *testing.T) {
	s := startServer(t, func(c *ServerConfig) {
		c.HeartbeatInterval = 50 * time.Millisecond
		c.HeartbeatTimeout = 50 * time.Millisecond
	})
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	f := client.readFrame(t)
	assert.Equal(t, ws.OpPing, f.Header.OpCode)

	errEv := expectEvent(t, s, events.TypeError)
	assert.Equal(t, id, errEv.ConnID)
	assert.Equal(t, ErrHeartbeatTimeout.Error(), errEv.Err)
	assert.Equal(t, id, expectEvent(t, s, events.TypeDisconnected).ConnID)
}

func TestEventOrderPerConnection(t *testing.T) {
	s := startServer(t, nil)

	const clients, messages = 5, 20
	for i := 0; i < clients; i++ {
		go func(i int) {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			conn, _, _, err := ws.Dial(ctx, "ws://"+s.Info())
			if err != nil {
				return
			}
			defer conn.Close()
			for j := 0; j < messages; j++ {
				_ = wsutil.WriteClientMessage(conn, ws.OpText, []byte(fmt.Sprintf("%d-%d", i, j)))
			}
			_ = ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
			_, _ = ws.ReadFrame(conn)
		}(i)
	}

	type seen struct {
		connected    bool
		messages     int
		disconnected bool
	}
	byID := make(map[uint64]*seen)
	done := 0
	for done < clients {
		ev := nextEvent(t, s)
		st := byID[ev.ConnID]
		switch ev.Type {
		case events.TypeConnected:
			require.Nil(t, st, "duplicate Connected for %d", ev.ConnID)
			byID[ev.ConnID] = &seen{connected: true}
		case events.TypeMessage, events.TypeError:
			require.NotNil(t, st, "event before Connected for %d", ev.ConnID)
			require.False(t, st.disconnected, "event after Disconnected for %d", ev.ConnID)
			if ev.Type == events.TypeMessage {
				st.messages++
			}
		case events.TypeDisconnected:
			require.NotNil(t, st)
			require.False(t, st.disconnected, "duplicate Disconnected for %d", ev.ConnID)
			st.disconnected = true
			done++
		}
	}
	for id, st := range byID {
		assert.Equal(t, messages, st.messages, "conn %d", id)
	}
}

func TestIDsNeverReused(t *testing.T) {
	s := startServer(t, nil)

	var prev uint64
	for i := 0; i < 5; i++ {
		client, _ := dial(t, s)
		id := expectEvent(t, s, events.TypeConnected).ConnID
		require.Greater(t, id, prev)
		prev = id

		client.closeCleanly(t)
		expectEvent(t, s, events.TypeDisconnected)
	}

	// A restart keeps counting upwards.
	s.Stop()
	require.NoError(t, s.Start())
	dial(t, s)
	assert.Greater(t, expectEvent(t, s, events.TypeConnected).ConnID, prev)
}

func TestStartWhileRunning(t *testing.T) {
	s := startServer(t, nil)
	dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID
	port := s.Port()

	assert.True(t, errors.Is(s.Start(), ErrAlreadyRunning))
	assert.Equal(t, port, s.Port())
	assert.Equal(t, 1, s.ConnectionCount())
	require.NoError(t, s.SendText(id, "still here"))
}

func TestStopAndRestart(t *testing.T) {
	s := startServer(t, nil)
	client, _ := dial(t, s)
	dial(t, s)
	expectEvent(t, s, events.TypeConnected)
	expectEvent(t, s, events.TypeConnected)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, s.Port())
	assert.Equal(t, 0, s.ConnectionCount())
	assert.Equal(t, "127.0.0.1:0", s.Info())

	f := client.readFrame(t)
	assert.Equal(t, ws.OpClose, f.Header.OpCode)

	// Both connections still report their disconnect after Stop returns.
	expectEvent(t, s, events.TypeDisconnected)
	expectEvent(t, s, events.TypeDisconnected)

	s.Stop() // no-op

	require.NoError(t, s.Start())
	assert.NotZero(t, s.Port())
	dial(t, s)
	expectEvent(t, s, events.TypeConnected)
}

func TestStopAbandonsWorkAfterGrace(t *testing.T) {
	s := startServer(t, func(c *ServerConfig) {
		c.CloseTimeout = 30 * time.Second
		c.ShutdownGrace = 200 * time.Millisecond
	})
	client, _ := dial(t, s)
	id := expectEvent(t, s, events.TypeConnected).ConnID

	// The client never answers the Close frame.
	start := time.Now()
	s.Stop()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, StateStopped, s.State())

	assert.Equal(t, ws.OpClose, client.readFrame(t).Header.OpCode)
	assert.Equal(t, id, expectEvent(t, s, events.TypeDisconnected).ConnID)
	_, ok := s.Poll()
	assert.False(t, ok)

	require.NoError(t, s.Start())
	dial(t, s)
	expectEvent(t, s, events.TypeConnected)
}

// flakyListener fails its first Accept.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestAcceptErrorKeepsLoopRunning(t *testing.T) {
	s, err := NewServer(DefaultServerConfig())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln}

	before := testutil.ToFloat64(metrics.AcceptErrors)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.acceptLoop(gctx, group, flaky, nil)
		return nil
	})

	client, _ := dialWith(t, ws.Dialer{}, "ws://"+ln.Addr().String())
	id := expectEvent(t, s, events.TypeConnected).ConnID
	assert.True(t, flaky.failed.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AcceptErrors))

	client.closeCleanly(t)
	assert.Equal(t, id, expectEvent(t, s, events.TypeDisconnected).ConnID)

	cancel()
	require.NoError(t, ln.Close())
	require.NoError(t, group.Wait())
}

func TestStartAfterClose(t *testing.T) {
	s := startServer(t, nil)
	s.Close()
	assert.True(t, errors.Is(s.Start(), ErrServerClosed))
}

func TestBindFailure(t *testing.T) {
	first := startServer(t, nil)

	cfg := DefaultServerConfig()
	cfg.Port = first.Port()
	s, err := NewServer(cfg)
	require.NoError(t, err)

	err = s.Start()
	assert.True(t, errors.Is(err, ErrBindFailed), "got %v", err)
	assert.Zero(t, s.Port())
	assert.Equal(t, StateCreated, s.State())
}

func TestMissingCertificate(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKeyFile = filepath.Join(t.TempDir(), "missing-key.pem")
	s, err := NewServer(cfg)
	require.NoError(t, err)

	err = s.Start()
	assert.True(t, errors.Is(err, ErrTLS), "got %v", err)
	assert.Zero(t, s.Port())
	assert.Equal(t, 0, s.ConnectionCount())
	assert.NotEqual(t, StateRunning, s.State())
}

func TestTLSEcho(t *testing.T) {
	files := tlstest.WriteSelfSigned(t, tlstest.PKCS8)
	s := startServer(t, func(c *ServerConfig) {
		c.TLSCertFile = files.CertPath
		c.TLSKeyFile = files.KeyPath
	})

	roots := x509.NewCertPool()
	roots.AddCert(files.Cert)
	client, _ := dialWith(t, ws.Dialer{TLSConfig: &tls.Config{RootCAs: roots}}, "wss://"+s.Info())
	id := expectEvent(t, s, events.TypeConnected).ConnID

	client.send(t, ws.OpText, []byte("secure"))
	assert.Equal(t, []byte("secure"), expectEvent(t, s, events.TypeMessage).Data)

	require.NoError(t, s.SendText(id, "ack"))
	assert.Equal(t, []byte("ack"), client.readFrame(t).Payload)
}

func TestFailedHandshakesAreSilent(t *testing.T) {
	files := tlstest.WriteSelfSigned(t, tlstest.SEC1)
	s := startServer(t, func(c *ServerConfig) {
		c.TLSCertFile = files.CertPath
		c.TLSKeyFile = files.KeyPath
		c.HandshakeTimeout = 500 * time.Millisecond
	})

	// Plain HTTP against a TLS listener.
	conn, err := net.Dial("tcp", s.Info())
	require.NoError(t, err)
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	_, _ = io.Copy(io.Discard, conn)
	conn.Close()

	// TLS but not a WebSocket upgrade.
	roots := x509.NewCertPool()
	roots.AddCert(files.Cert)
	tc, err := tls.Dial("tcp", s.Info(), &tls.Config{RootCAs: roots})
	require.NoError(t, err)
	_, _ = tc.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	_, _ = io.Copy(io.Discard, tc)
	tc.Close()

	time.Sleep(50 * time.Millisecond)
	_, ok := s.Poll()
	assert.False(t, ok)
	assert.Equal(t, 0, s.ConnectionCount())
}

type denyAll struct{}

func (denyAll) Admit(context.Context, string) bool { return false }

func TestAdmissionRefusal(t *testing.T) {
	s := startServer(t, func(c *ServerConfig) { c.Admission = denyAll{} })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+s.Info())
	require.Error(t, err)

	_, ok := s.Poll()
	assert.False(t, ok)
	assert.Equal(t, 0, s.ConnectionCount())
}
