package signaling

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// Reason classifies why a channel went away.
type Reason string

const (
	// ReasonIntentional is a disconnect requested by this client.
	ReasonIntentional Reason = "client disconnect"
	// ReasonServer is a close frame sent by the server.
	ReasonServer Reason = "server disconnect"
	// ReasonRejected is a server close that forbids coming back.
	ReasonRejected Reason = "server rejected"
	// ReasonTransport is a connection that dropped without a close frame.
	ReasonTransport Reason = "transport close"
)

// Recoverable reports whether automatic reconnection should be attempted.
func (r Reason) Recoverable() bool {
	return r == ReasonServer || r == ReasonTransport
}

// Channel is one live JSON-RPC session over a websocket.
type Channel struct {
	id          string
	conn        *jsonrpc2.Conn
	stream      *wsStream
	intentional atomic.Bool
}

func newChannel(ws *websocket.Conn, h jsonrpc2.Handler) *Channel {
	stream := &wsStream{conn: ws}
	return &Channel{
		id:     uuid.NewString(),
		stream: stream,
		conn:   jsonrpc2.NewConn(context.Background(), stream, h),
	}
}

// ID identifies the channel in logs and in the recovery store.
func (c *Channel) ID() string { return c.id }

// Connected reports whether the underlying connection is still up.
func (c *Channel) Connected() bool {
	select {
	case <-c.conn.DisconnectNotify():
		return false
	default:
		return true
	}
}

// Done is closed when the channel disconnects.
func (c *Channel) Done() <-chan struct{} { return c.conn.DisconnectNotify() }

// close tears the channel down as an intentional disconnect.
func (c *Channel) close() error {
	c.intentional.Store(true)
	err := c.conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}

func (c *Channel) reason() Reason {
	if c.intentional.Load() {
		return ReasonIntentional
	}
	var closeErr *websocket.CloseError
	if errors.As(c.stream.err(), &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation {
			return ReasonRejected
		}
		return ReasonServer
	}
	return ReasonTransport
}
