package ws

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/dwebble/rws/internal/events"
	"github.com/dwebble/rws/internal/metrics"
)

// errPeerClosed marks a clean close handshake initiated by the peer.
var errPeerClosed = errors.New("ws: peer closed the connection")

// errCloseSent is returned for frames written after our Close frame.
var errCloseSent = errors.New("ws: close frame already sent")

// readLoop decodes inbound frames until the connection closes or fails, then
// tears the connection down. Text and binary messages become Message events;
// pings are answered in place.
func (s *Server) readLoop(c *Connection) {
	defer s.teardown(c)

	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   s.config.MaxMessageSize,
		OnIntermediate: c.handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.readFailed(c, err)
			return
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				s.readFailed(c, err)
				return
			}
			continue
		}

		data, err := readMessage(rd, s.config.MaxMessageSize)
		if err != nil {
			s.readFailed(c, err)
			return
		}
		c.touch()

		metrics.FramesTotal.WithLabelValues("in").Inc()
		s.emit(events.Event{Type: events.TypeMessage, ConnID: c.ID, Data: data})
	}
}

// readMessage reads the rest of the current message, following continuation
// frames. A positive limit caps the total message size.
func readMessage(rd *wsutil.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(rd)
	}
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, limit)
	}
	return data, nil
}

// handleControl consumes a control frame payload from r and replies when the
// protocol requires it. A Close frame yields errPeerClosed.
func (c *Connection) handleControl(h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch h.OpCode {
	case ws.OpPing:
		if c.closing.Load() {
			return nil
		}
		return c.writeFrame(ws.OpPong, payload)

	case ws.OpPong:
		return nil

	case ws.OpClose:
		// Nothing queued may reach the wire after our Close frame.
		c.out.close()

		var reply []byte
		if len(payload) > 0 {
			code, reason := ws.ParseCloseFrameData(payload)
			if err := ws.CheckCloseFrameData(code, reason); err != nil {
				_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusProtocolError, err.Error()))
				c.closing.Store(true)
				return err
			}
			reply = payload[:2]
		}
		// Echo the status code unless we started the handshake ourselves.
		if c.closing.CompareAndSwap(false, true) {
			_ = c.writeFrame(ws.OpClose, reply)
		}
		return errPeerClosed
	}
	return wsutil.ErrNotControlFrame
}

// readFailed decides whether a read-side exit is reported to the host. Clean
// closes and errors that follow a server-initiated close stay silent.
func (s *Server) readFailed(c *Connection, err error) {
	if reason := c.abortReason(); reason != nil {
		s.emit(events.Event{Type: events.TypeError, ConnID: c.ID, Err: reason.Error()})
		return
	}
	if errors.Is(err, errPeerClosed) {
		return
	}
	if c.closing.Load() {
		s.log.Debug("read after close", zap.Uint64("conn_id", c.ID), zap.Error(err))
		return
	}

	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.log.Warn("read error", zap.Uint64("conn_id", c.ID), zap.String("remote", c.RemoteAddr), zap.Error(err))
	s.emit(events.Event{Type: events.TypeError, ConnID: c.ID, Err: err.Error()})
}

// writeLoop drains the outbox in FIFO order, one frame per write. The first
// write failure ends it silently; the reader observes the broken socket and
// reports the disconnect.
func (s *Server) writeLoop(c *Connection) {
	defer c.out.close()

	for {
		select {
		case <-c.out.done:
			return
		case <-c.out.ready:
		}

		for {
			f, ok := c.out.pop()
			if !ok {
				break
			}
			if err := c.writeFrame(f.op, f.payload); err != nil {
				s.log.Debug("write error", zap.Uint64("conn_id", c.ID), zap.Error(err))
				return
			}

			switch f.op {
			case ws.OpClose:
				// Nothing may follow a Close frame. Give the peer
				// CloseTimeout to answer before the reader gives up.
				_ = c.conn.SetReadDeadline(time.Now().Add(c.closeTimeout))
				return
			case ws.OpText, ws.OpBinary:
				metrics.FramesTotal.WithLabelValues("out").Inc()
			}
		}
	}
}

// teardown runs exactly once per registered connection, after its reader
// exits: it stops the writer, unregisters the id if still present, closes
// the socket and emits the single Disconnected event.
func (s *Server) teardown(c *Connection) {
	c.out.close()
	s.conns.Remove(c.ID)
	_ = c.conn.Close()

	s.emit(events.Event{Type: events.TypeDisconnected, ConnID: c.ID})
	s.log.Info("client disconnected",
		zap.Uint64("conn_id", c.ID),
		zap.String("remote", c.RemoteAddr),
		zap.Int("total", s.conns.Count()),
	)
}
