// Package messaging provides a NATS client wrapper that mirrors server events
// to other processes and carries send commands back to the host. Subjects are
// namespaced by the server's instance id so several servers can share one
// NATS cluster.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns.
const (
	SubjectEvents   = "rws.events"   // + .<instance>.<event type>
	SubjectCommands = "rws.commands" // + .<instance>
)

// EventMessage is the JSON form of a polled event.
type EventMessage struct {
	Instance string `json:"instance"`
	Type     string `json:"type"`
	ConnID   uint64 `json:"conn_id"`
	Data     []byte `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Time     int64  `json:"ts"`
}

// Command asks the host to act on one of its connections. Exactly one of
// Text, Data or Disconnect is expected to be set.
type Command struct {
	ConnID     uint64 `json:"conn_id"`
	Text       string `json:"text,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// EventSubject returns the subject an event of the given type is published on.
func EventSubject(instance, eventType string) string {
	return SubjectEvents + "." + instance + "." + eventType
}

// CommandSubject returns the subject commands for instance arrive on.
func CommandSubject(instance string) string {
	return SubjectCommands + "." + instance
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig configures the bridge's NATS connection.
type NATSConfig struct {
	URL           string
	Name          string // reported to the server as the client name
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

// DefaultNATSConfig targets a local server and never gives up reconnecting.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "rws",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient dials config.URL. Only the first connect attempt can fail;
// later drops are retried in the background and logged.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishEvent encodes ev and publishes it on its event subject.
func (c *NATSClient) PublishEvent(ev EventMessage) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats encode event: %w", err)
	}
	return c.Publish(EventSubject(ev.Instance, ev.Type), data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeCommands delivers decoded commands addressed to instance.
// Malformed payloads are logged and dropped. handler runs on a NATS
// goroutine.
func (c *NATSClient) SubscribeCommands(instance string, handler func(Command)) error {
	return c.Subscribe(CommandSubject(instance), func(msg *nats.Msg) {
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.log.Warn("dropping malformed command", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(cmd)
	})
}

// UnsubscribeCommands stops command delivery for instance.
func (c *NATSClient) UnsubscribeCommands(instance string) error {
	return c.unsubscribe(CommandSubject(instance))
}

// Flush blocks until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", zap.Error(err))
	}
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
