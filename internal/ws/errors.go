package ws

import "errors"

var (
	ErrInvalidConfig     = errors.New("ws: invalid configuration")
	ErrAlreadyRunning    = errors.New("ws: server already running")
	ErrBindFailed        = errors.New("ws: bind failed")
	ErrTLS               = errors.New("ws: tls setup failed")
	ErrServerClosed      = errors.New("ws: server closed")
	ErrUnknownConnection = errors.New("ws: unknown connection")
	ErrSendFailed        = errors.New("ws: connection writer has exited")
	ErrInvalidPayload    = errors.New("ws: text payload is not valid UTF-8")
	ErrMessageTooLarge   = errors.New("ws: message too large")
	ErrHeartbeatTimeout  = errors.New("ws: heartbeat timeout")
)
