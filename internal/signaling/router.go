package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/1ureka/rtcall/internal/protocol"
)

// PushHandler receives the raw params of a server-pushed event.
type PushHandler func(ctx context.Context, params json.RawMessage)

// router maintains the event → handlers table and serves as the jsonrpc2
// handler of every channel.
type router struct {
	mu       sync.RWMutex
	routes   map[protocol.Event][]PushHandler
	lastPong time.Time
}

func newRouter() *router {
	return &router{routes: make(map[protocol.Event][]PushHandler)}
}

func (r *router) add(event protocol.Event, fn PushHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[event] = append(r.routes[event], fn)
}

func (r *router) lookup(event protocol.Event) []PushHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PushHandler(nil), r.routes[event]...)
}

func (r *router) pong() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPong
}

// Handle implements jsonrpc2.Handler.
func (r *router) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	event := protocol.Event(req.Method)
	if event == protocol.EventHeartbeatResponse {
		r.mu.Lock()
		r.lastPong = time.Now()
		r.mu.Unlock()
	}

	handlers := r.lookup(event)
	if len(handlers) == 0 && event != protocol.EventHeartbeatResponse {
		log.Debug("no handler for %s", event)
	}
	for _, fn := range handlers {
		fn(ctx, params)
	}

	if !req.Notif {
		if err := conn.Reply(ctx, req.ID, nil); err != nil {
			log.Debug("ack %s: %v", event, err)
		}
	}
}
