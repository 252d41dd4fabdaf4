package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// runHeartbeat periodically pings every registered connection and aborts
// those that have gone stale (no inbound frame within HeartbeatInterval +
// HeartbeatTimeout). It returns when ctx is cancelled.
func (s *Server) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkConnections(now)
		}
	}
}

// checkConnections aborts stale connections and queues a Ping frame on the
// rest. The ping goes through the outbox so it never interleaves with a data
// frame on the wire.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.Uint64("conn_id", c.ID),
				zap.Duration("idle", idle.Round(time.Millisecond)),
			)
			c.abort(ErrHeartbeatTimeout)
			continue
		}

		if !c.out.push(outFrame{op: ws.OpPing}) {
			s.log.Debug("heartbeat ping not queued, writer gone", zap.Uint64("conn_id", c.ID))
		}
	}
}
