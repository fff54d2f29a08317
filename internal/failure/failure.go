// Package failure classifies errors into the kinds the call engine reacts to.
package failure

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// Kind is the recovery class of an error.
type Kind int

const (
	KindNone Kind = iota
	// KindTransient covers socket-level errors worth retrying.
	KindTransient
	// KindRace is an operation that lost against its task queue shutdown.
	KindRace
	KindTimeout
	KindNotFound
	KindPermission
	KindAuth
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindRace:
		return "queue-stopped"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not-found"
	case KindPermission:
		return "permission"
	case KindAuth:
		return "auth"
	default:
		return "fatal"
	}
}

// Retryable reports whether a retry with backoff may help.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Classify maps err to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, webrtc.ErrQueueStopped) {
		return KindRace
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case protocol.CodeUnauthorized:
			return KindAuth
		case protocol.CodeForbidden:
			return KindPermission
		case protocol.CodeNotFound:
			return KindNotFound
		}
		return KindFatal
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.kind()
	}

	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr),
		errors.As(err, &netErr),
		errors.Is(err, jsonrpc2.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, ErrNotConnected):
		return KindTransient
	}

	return KindFatal
}

// IsRace reports whether err is the queue-stopped race.
func IsRace(err error) bool { return Classify(err) == KindRace }

var (
	// ErrNotConnected is returned by signaling requests issued without a live
	// channel.
	ErrNotConnected = errors.New("signaling channel not connected")

	// ErrRateLimited rejects a connection attempt inside the cooldown window.
	ErrRateLimited = errors.New("too many connection attempts")

	// ErrDeviceUnavailable marks a negotiation device that could not be
	// created at all.
	ErrDeviceUnavailable = errors.New("negotiation device unavailable")
)

// HandshakeError is a rejected websocket upgrade, carrying the HTTP status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string { return e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) kind() Kind {
	switch e.Status {
	case 401:
		return KindAuth
	case 403:
		return KindPermission
	case 404:
		return KindNotFound
	case 0, 502, 503, 504:
		return KindTransient
	}
	return KindFatal
}
