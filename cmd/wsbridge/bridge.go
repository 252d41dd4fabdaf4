package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dwebble/rws"
	"github.com/dwebble/rws/internal/messaging"
	"github.com/dwebble/rws/internal/metrics"
	"github.com/dwebble/rws/internal/presence"
	"github.com/dwebble/rws/internal/ratelimit"
)

// maxEventsPerTick bounds the work done in one tick so a flood of events
// cannot starve the rest of the host loop.
const maxEventsPerTick = 1024

// bridge is the host side of the server: it drains events once per tick and
// reacts to them. Every collaborator except the handle is optional.
type bridge struct {
	h        rws.Handle
	log      *zap.Logger
	echo     bool
	presence *presence.Store
	limiter  *ratelimit.Limiter
	msgRule  ratelimit.Rule
	nats     *messaging.NATSClient
	instance string

	// commands arrive on NATS goroutines and are applied on the tick.
	commands chan messaging.Command
}

func newBridge(h rws.Handle, logger *zap.Logger, echo bool) *bridge {
	return &bridge{
		h:        h,
		log:      logger,
		echo:     echo,
		instance: rws.InstanceID(h),
		commands: make(chan messaging.Command, maxEventsPerTick),
	}
}

// enqueueCommand is the NATS command handler. It never blocks.
func (b *bridge) enqueueCommand(cmd messaging.Command) {
	select {
	case b.commands <- cmd:
	default:
		b.log.Warn("command queue full, dropping command", zap.Uint64("conn_id", cmd.ConnID))
	}
}

// run ticks until ctx is cancelled.
func (b *bridge) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// tick applies pending commands and then handles up to maxEventsPerTick
// events. It returns the number of events handled.
func (b *bridge) tick(ctx context.Context) int {
	b.applyCommands()

	n := 0
	for ; n < maxEventsPerTick; n++ {
		ev := rws.Poll(b.h)
		if ev.Type == rws.EventNone {
			break
		}
		b.handle(ctx, ev)
	}
	metrics.EventsPending.Set(float64(rws.PendingEvents(b.h)))
	return n
}

func (b *bridge) applyCommands() {
	for {
		select {
		case cmd := <-b.commands:
			var st rws.Status
			switch {
			case cmd.Disconnect:
				st = rws.Disconnect(b.h, cmd.ConnID)
			case cmd.Data != nil:
				st = rws.Send(b.h, cmd.ConnID, cmd.Data)
			default:
				st = rws.SendText(b.h, cmd.ConnID, cmd.Text)
			}
			if st != rws.StatusOk {
				b.log.Debug("command failed", zap.Uint64("conn_id", cmd.ConnID), zap.Stringer("status", st))
			}
		default:
			return
		}
	}
}

func (b *bridge) handle(ctx context.Context, ev rws.Event) {
	log := b.log.With(zap.Uint64("conn_id", ev.ConnectionID))

	switch ev.Type {
	case rws.EventClientConnected:
		info, st := rws.GetConnectionInfo(b.h, ev.ConnectionID)
		log.Info("client connected", zap.String("remote", info.RemoteAddr), zap.String("subprotocol", info.Subprotocol))
		if b.presence != nil && st == rws.StatusOk {
			if err := b.presence.Add(ctx, presence.Entry{
				ConnID:      info.ID,
				RemoteAddr:  info.RemoteAddr,
				Subprotocol: info.Subprotocol,
				ConnectedAt: info.ConnectedAt.Unix(),
			}); err != nil {
				log.Warn("presence add failed", zap.Error(err))
			}
		}

	case rws.EventMessageReceived:
		if b.limiter != nil {
			if ok, _ := b.limiter.Allow(ctx, connKey(ev.ConnectionID), b.msgRule); !ok {
				log.Info("message rate exceeded, disconnecting")
				rws.Disconnect(b.h, ev.ConnectionID)
				break
			}
		}
		if b.presence != nil {
			if err := b.presence.Touch(ctx, ev.ConnectionID); err != nil {
				log.Debug("presence touch failed", zap.Error(err))
			}
		}
		if b.echo {
			b.reply(ev.ConnectionID, ev.Data)
		}

	case rws.EventError:
		log.Warn("connection error", zap.String("error", ev.Error))

	case rws.EventClientDisconnected:
		log.Info("client disconnected")
		if b.presence != nil {
			if err := b.presence.Remove(ctx, ev.ConnectionID); err != nil {
				log.Warn("presence remove failed", zap.Error(err))
			}
		}
		if b.limiter != nil {
			_ = b.limiter.Reset(ctx, connKey(ev.ConnectionID), b.msgRule)
		}
	}

	if b.nats != nil {
		if err := b.nats.PublishEvent(messaging.EventMessage{
			Instance: b.instance,
			Type:     ev.Type.String(),
			ConnID:   ev.ConnectionID,
			Data:     ev.Data,
			Error:    ev.Error,
			Time:     time.Now().UnixMilli(),
		}); err != nil {
			log.Debug("event publish failed", zap.Error(err))
		}
	}
}

// reply echoes data back, as text when it is valid UTF-8.
func (b *bridge) reply(id uint64, data []byte) {
	var st rws.Status
	if utf8.Valid(data) {
		st = rws.SendText(b.h, id, string(data))
	} else {
		st = rws.Send(b.h, id, data)
	}
	if st != rws.StatusOk {
		b.log.Debug("echo failed", zap.Uint64("conn_id", id), zap.Stringer("status", st))
	}
}

func connKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// connectionStatus is one row of the /connections report.
type connectionStatus struct {
	presence.Entry
	MessagesLeft int `json:"messages_left,omitempty"`
}

// serveConnections reports the instance's connections as recorded in Redis,
// with the message budget each has left when rate limiting is on.
func (b *bridge) serveConnections(w http.ResponseWriter, r *http.Request) {
	if b.presence == nil {
		http.Error(w, "presence tracking disabled", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	count, err := b.presence.Count(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	entries, err := b.presence.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	rows := make([]connectionStatus, 0, len(entries))
	for _, e := range entries {
		row := connectionStatus{Entry: e}
		if b.limiter != nil {
			row.MessagesLeft, _ = b.limiter.Remaining(ctx, connKey(e.ConnID), b.msgRule)
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"instance":    b.instance,
		"count":       count,
		"connections": rows,
	})
}
