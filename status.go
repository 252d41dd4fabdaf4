package rws

import (
	"errors"

	"github.com/dwebble/rws/internal/ws"
)

// Status is the result code of every control-surface operation. The numeric
// values are stable and must not be reordered.
type Status int32

const (
	StatusOk Status = iota
	StatusInvalidHandle
	StatusInvalidParam
	StatusAlreadyRunning
	StatusNotRunning
	StatusBindFailed
	StatusTLSError
	StatusRuntimeError
	StatusSendFailed
	StatusConnectionClosed
)

var statusNames = [...]string{
	StatusOk:               "ok",
	StatusInvalidHandle:    "invalid handle",
	StatusInvalidParam:     "invalid parameter",
	StatusAlreadyRunning:   "already running",
	StatusNotRunning:       "not running",
	StatusBindFailed:       "bind failed",
	StatusTLSError:         "tls error",
	StatusRuntimeError:     "runtime error",
	StatusSendFailed:       "send failed",
	StatusConnectionClosed: "connection closed",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// statusOf maps an engine error to its Status. Errors the engine does not
// classify are reported as StatusRuntimeError.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, ws.ErrUnknownConnection):
		return StatusInvalidHandle
	case errors.Is(err, ws.ErrInvalidConfig), errors.Is(err, ws.ErrInvalidPayload):
		return StatusInvalidParam
	case errors.Is(err, ws.ErrAlreadyRunning):
		return StatusAlreadyRunning
	case errors.Is(err, ws.ErrServerClosed):
		return StatusNotRunning
	case errors.Is(err, ws.ErrBindFailed):
		return StatusBindFailed
	case errors.Is(err, ws.ErrTLS):
		return StatusTLSError
	case errors.Is(err, ws.ErrSendFailed):
		return StatusSendFailed
	default:
		return StatusRuntimeError
	}
}
