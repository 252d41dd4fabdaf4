package rws

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dwebble/rws/internal/tlsconf"
	"github.com/dwebble/rws/internal/ws"
)

// DefaultBindAddress is used when Config.BindAddress is empty.
const DefaultBindAddress = "127.0.0.1"

// Config describes a server instance. TLSCertPath and TLSKeyPath must be set
// together or not at all.
type Config struct {
	Port         uint16
	BindAddress  string
	Subprotocols []string
	TLSCertPath  string
	TLSKeyPath   string
}

// ParseSubprotocols splits a comma separated list, dropping blank entries.
func ParseSubprotocols(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Admitter gates new connections by remote IP before any handshake.
type Admitter = ws.Admitter

// TLSError is the cause recorded by LastError when Start fails with
// StatusTLSError. Its Kind tells certificate, key and configuration
// failures apart.
type TLSError = tlsconf.Error

// TLSKind is the stage of TLS setup that failed.
type TLSKind = tlsconf.Kind

const (
	TLSCertificate = tlsconf.KindCert
	TLSPrivateKey  = tlsconf.KindKey
	TLSConfig      = tlsconf.KindConfig
)

// TLSErrorKind extracts the TLS failure kind from err, or 0 if err is not a
// TLS setup failure.
func TLSErrorKind(err error) TLSKind {
	var te *TLSError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// Option tunes engine settings that the Config shape does not cover.
type Option func(*ws.ServerConfig)

// WithLogger routes engine logs to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ws.ServerConfig) { c.Logger = logger }
}

// WithAdmission installs a connect gate.
func WithAdmission(a Admitter) Option {
	return func(c *ws.ServerConfig) { c.Admission = a }
}

// WithHeartbeat enables server pings every interval and drops connections
// silent for longer than interval+timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *ws.ServerConfig) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMaxMessageSize limits inbound messages to n bytes.
func WithMaxMessageSize(n int64) Option {
	return func(c *ws.ServerConfig) { c.MaxMessageSize = n }
}

// WithShutdownGrace bounds how long Stop waits for connection workers.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *ws.ServerConfig) { c.ShutdownGrace = d }
}

// WithCloseTimeout bounds how long a closing connection waits for the
// peer's Close reply.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *ws.ServerConfig) { c.CloseTimeout = d }
}

// WithReusePort sets SO_REUSEPORT on the listener where supported.
func WithReusePort() Option {
	return func(c *ws.ServerConfig) { c.ReusePort = true }
}

func (c Config) serverConfig(opts []Option) ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.Port = c.Port
	if c.BindAddress != "" {
		sc.BindAddress = c.BindAddress
	}
	sc.Subprotocols = c.Subprotocols
	sc.TLSCertFile = c.TLSCertPath
	sc.TLSKeyFile = c.TLSKeyPath
	for _, opt := range opts {
		opt(&sc)
	}
	return sc
}
