package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/dwebble/rws/internal/metrics"
)

// connIDs is the process-wide connection id generator. Ids start at 1, only
// grow, and are never reused for the lifetime of the process, even across
// servers and restarts.
var connIDs atomic.Uint64

func nextConnID() uint64 {
	return connIDs.Add(1)
}

// ConnInfo is a point-in-time description of a registered connection.
type ConnInfo struct {
	ID          uint64
	RemoteAddr  string
	Subprotocol string
	ConnectedAt time.Time
}

// Connection represents a single upgraded WebSocket client with its
// negotiated metadata and its outbound queue. The writer goroutine and the
// reader's control-frame replies share the connection through writeMu.
type Connection struct {
	ID          uint64
	RemoteAddr  string
	Subprotocol string
	CreatedAt   time.Time

	conn         net.Conn
	out          *outbox
	writeMu      sync.Mutex    // serializes frames on the wire
	bw           *bufio.Writer // guarded by writeMu
	closeSent    bool          // guarded by writeMu
	writeTimeout time.Duration
	closeTimeout time.Duration

	lastSeen atomic.Int64          // unix nanos of the last inbound frame
	closing  atomic.Bool           // set once the server has started the close handshake
	abortErr atomic.Pointer[error] // reason reported when the server killed the socket
}

func newConnection(id uint64, conn net.Conn, remote, subprotocol string, cfg ServerConfig) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		RemoteAddr:   remote,
		Subprotocol:  subprotocol,
		CreatedAt:    now,
		conn:         conn,
		out:          newOutbox(),
		bw:           bufio.NewWriter(conn),
		writeTimeout: cfg.WriteTimeout,
		closeTimeout: cfg.CloseTimeout,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Info returns a snapshot of the connection's identity.
func (c *Connection) Info() ConnInfo {
	return ConnInfo{
		ID:          c.ID,
		RemoteAddr:  c.RemoteAddr,
		Subprotocol: c.Subprotocol,
		ConnectedAt: c.CreatedAt,
	}
}

// Send queues a data frame for the writer. It never blocks and fails only
// after the writer has exited.
func (c *Connection) Send(op ws.OpCode, payload []byte) error {
	if !c.out.push(outFrame{op: op, payload: payload}) {
		metrics.SendFailures.Inc()
		return ErrSendFailed
	}
	return nil
}

// Close starts the close handshake by queueing a Close frame behind any
// pending messages. If the writer is already gone the socket is closed
// directly so the reader observes it.
func (c *Connection) Close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if !c.out.push(outFrame{op: ws.OpClose, payload: body}) {
		_ = c.conn.Close()
	}
}

// abort closes the socket immediately and records why, so that the reader
// reports reason instead of the resulting I/O error.
func (c *Connection) abort(reason error) {
	c.abortErr.CompareAndSwap(nil, &reason)
	_ = c.conn.Close()
}

func (c *Connection) abortReason() error {
	if p := c.abortErr.Load(); p != nil {
		return *p
	}
	return nil
}

// LastSeen returns when the last inbound frame arrived.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// writeFrame writes one complete frame under the write mutex. Once a Close
// frame has been written every later frame is refused with errCloseSent.
func (c *Connection) writeFrame(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closeSent {
		return errCloseSent
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := ws.WriteFrame(c.bw, ws.NewFrame(op, true, payload)); err != nil {
		return err
	}
	if op == ws.OpClose {
		c.closeSent = true
	}
	return c.bw.Flush()
}

// ConnectionManager is the thread-safe registry mapping connection ids to
// their Connection. An id is present exactly while the connection accepts
// sends. The lock is never held across network I/O.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[uint64]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[uint64]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

// Remove unregisters a connection by id and returns it, or nil if it was
// already gone. Only the caller that gets a non-nil result owns the removal.
func (cm *ConnectionManager) Remove(id uint64) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		metrics.ConnectionsActive.Dec()
		return conn
	}
	return nil
}

// RemoveAll empties the registry and returns everything that was in it.
func (cm *ConnectionManager) RemoveAll() []*Connection {
	cm.mu.Lock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.byID = make(map[uint64]*Connection)
	cm.mu.Unlock()

	metrics.ConnectionsActive.Sub(float64(len(conns)))
	return conns
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id uint64) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
