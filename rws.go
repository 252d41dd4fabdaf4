// Package rws is an embeddable WebSocket server driven entirely by its host.
// The host creates a server, starts it and then pulls events with Poll on its
// own schedule, typically once per frame of a tick loop. No callback ever runs
// on the host's behalf and none of Poll, Send, SendText or Disconnect blocks
// on the network.
//
// Servers are addressed through an opaque Handle. A destroyed or unknown
// handle is rejected with StatusInvalidHandle.
package rws

import (
	"sync"
	"time"

	"github.com/dwebble/rws/internal/ws"
)

// Handle identifies a server created with Create. The zero Handle is never
// valid.
type Handle uint64

type instance struct {
	server *ws.Server

	mu      sync.Mutex
	lastErr error
}

func (in *instance) record(err error) Status {
	in.mu.Lock()
	in.lastErr = err
	in.mu.Unlock()
	return statusOf(err)
}

var table = struct {
	sync.RWMutex
	next    Handle
	servers map[Handle]*instance
}{servers: make(map[Handle]*instance)}

func lookup(h Handle) *instance {
	table.RLock()
	in := table.servers[h]
	table.RUnlock()
	return in
}

// Create builds a server in the stopped state and returns its handle.
func Create(cfg Config, opts ...Option) (Handle, Status) {
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return 0, StatusInvalidParam
	}
	srv, err := ws.NewServer(cfg.serverConfig(opts))
	if err != nil {
		return 0, statusOf(err)
	}

	table.Lock()
	table.next++
	h := table.next
	table.servers[h] = &instance{server: srv}
	table.Unlock()
	return h, StatusOk
}

// Destroy stops the server if it is running and releases the handle.
func Destroy(h Handle) Status {
	table.Lock()
	in := table.servers[h]
	delete(table.servers, h)
	table.Unlock()

	if in == nil {
		return StatusInvalidHandle
	}
	in.server.Close()
	return StatusOk
}

// Start binds the listener and begins accepting connections. On failure the
// cause is available from LastError and the server stays stopped.
func Start(h Handle) Status {
	in := lookup(h)
	if in == nil {
		return StatusInvalidHandle
	}
	return in.record(in.server.Start())
}

// Stop closes every connection and the listener. Stopping a server that is
// not running succeeds. Events produced while stopping remain pollable.
func Stop(h Handle) Status {
	in := lookup(h)
	if in == nil {
		return StatusInvalidHandle
	}
	in.server.Stop()
	return StatusOk
}

// LastError returns the error from the most recent Start, or nil if it
// succeeded.
func LastError(h Handle) error {
	in := lookup(h)
	if in == nil {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

// Poll returns the oldest pending event, or an EventNone event when the
// queue is empty or the handle is invalid.
func Poll(h Handle) Event {
	in := lookup(h)
	if in == nil {
		return Event{}
	}
	ev, ok := in.server.Poll()
	if !ok {
		return Event{}
	}
	return fromInternal(ev)
}

// Send queues data as a binary message. The caller may reuse data after Send
// returns.
func Send(h Handle, id uint64, data []byte) Status {
	in := lookup(h)
	if in == nil {
		return StatusInvalidHandle
	}
	return statusOf(in.server.Send(id, data))
}

// SendText queues text as a text message. Invalid UTF-8 is rejected with
// StatusInvalidParam.
func SendText(h Handle, id uint64, text string) Status {
	in := lookup(h)
	if in == nil {
		return StatusInvalidHandle
	}
	return statusOf(in.server.SendText(id, text))
}

// Disconnect starts closing the connection. Its ClientDisconnected event
// follows once the connection has shut down.
func Disconnect(h Handle, id uint64) Status {
	in := lookup(h)
	if in == nil {
		return StatusInvalidHandle
	}
	return statusOf(in.server.Disconnect(id))
}

// Port returns the bound port, or 0 if the server is not running.
func Port(h Handle) uint16 {
	in := lookup(h)
	if in == nil {
		return 0
	}
	return in.server.Port()
}

// ConnectionCount returns the number of live connections.
func ConnectionCount(h Handle) int {
	in := lookup(h)
	if in == nil {
		return 0
	}
	return in.server.ConnectionCount()
}

// Info returns "bind:port" for display, or "" for an invalid handle.
func Info(h Handle) string {
	in := lookup(h)
	if in == nil {
		return ""
	}
	return in.server.Info()
}

// PendingEvents returns how many events are waiting to be polled.
func PendingEvents(h Handle) int {
	in := lookup(h)
	if in == nil {
		return 0
	}
	return in.server.PendingEvents()
}

// Uptime returns how long the server has been running since its last Start,
// or 0 if it is not running.
func Uptime(h Handle) time.Duration {
	in := lookup(h)
	if in == nil {
		return 0
	}
	return in.server.Uptime()
}

// InstanceID returns the unique id of the server behind h.
func InstanceID(h Handle) string {
	in := lookup(h)
	if in == nil {
		return ""
	}
	return in.server.InstanceID()
}

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	ID          uint64
	RemoteAddr  string
	Subprotocol string // empty when none was negotiated
	ConnectedAt time.Time
}

// GetConnectionInfo looks up a live connection.
func GetConnectionInfo(h Handle, id uint64) (ConnectionInfo, Status) {
	in := lookup(h)
	if in == nil {
		return ConnectionInfo{}, StatusInvalidHandle
	}
	ci, ok := in.server.ConnectionInfo(id)
	if !ok {
		return ConnectionInfo{}, StatusInvalidHandle
	}
	return ConnectionInfo{
		ID:          ci.ID,
		RemoteAddr:  ci.RemoteAddr,
		Subprotocol: ci.Subprotocol,
		ConnectedAt: ci.ConnectedAt,
	}, StatusOk
}
