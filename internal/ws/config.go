package ws

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Admitter decides whether a freshly accepted TCP connection may proceed to
// the TLS and WebSocket handshakes. Refused connections are dropped without
// an event.
type Admitter interface {
	Admit(ctx context.Context, remoteIP string) bool
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	BindAddress  string   // interface to bind, e.g. "127.0.0.1"
	Port         uint16   // 0 lets the OS pick an ephemeral port
	Subprotocols []string // accepted subprotocols; the client's order decides
	TLSCertFile  string   // PEM certificate chain; empty disables TLS
	TLSKeyFile   string   // PEM private key; set together with TLSCertFile

	HandshakeTimeout time.Duration // bound on TLS + WebSocket opening handshake
	WriteTimeout     time.Duration // per-frame write deadline, 0 disables
	CloseTimeout     time.Duration // wait for the peer's Close reply
	ShutdownGrace    time.Duration // how long Stop waits for workers to exit
	MaxMessageSize   int64         // inbound message limit in bytes, 0 is unlimited

	HeartbeatInterval time.Duration // ping period, 0 disables the heartbeat
	HeartbeatTimeout  time.Duration // extra idle time tolerated after a ping

	ReusePort bool // set SO_REUSEPORT on the listening socket (linux)

	Admission Admitter    // optional connect gate
	Logger    *zap.Logger // nil disables logging
}

// DefaultServerConfig returns a ServerConfig with sensible defaults for an
// embedded loopback server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:       "127.0.0.1",
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		CloseTimeout:      5 * time.Second,
		ShutdownGrace:     5 * time.Second,
		HeartbeatInterval: 0,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// TLSEnabled reports whether certificate material is configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" || c.TLSKeyFile != ""
}

// Validate checks the configuration for values the server cannot run with.
func (c ServerConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("%w: bind address is empty", ErrInvalidConfig)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%w: TLS certificate and key must be set together", ErrInvalidConfig)
	}
	for i, p := range c.Subprotocols {
		if p == "" {
			return fmt.Errorf("%w: subprotocol %d is empty", ErrInvalidConfig, i)
		}
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: HandshakeTimeout must be positive, got %v", ErrInvalidConfig, c.HandshakeTimeout)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("%w: CloseTimeout must be positive, got %v", ErrInvalidConfig, c.CloseTimeout)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("%w: ShutdownGrace must be positive, got %v", ErrInvalidConfig, c.ShutdownGrace)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: MaxMessageSize must not be negative", ErrInvalidConfig)
	}
	if c.HeartbeatInterval < 0 || (c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0) {
		return fmt.Errorf("%w: heartbeat needs a positive interval and timeout", ErrInvalidConfig)
	}
	return nil
}
