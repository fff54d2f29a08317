// Package signalingtest runs an in-process JSON-RPC signaling server over a
// real websocket, for exercising the call engine end to end.
package signalingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandlerFunc answers one request. Returning a *jsonrpc2.Error sends that
// error code to the client.
type HandlerFunc func(params json.RawMessage) (interface{}, error)

// Server is a scripted signaling server.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[protocol.Op]HandlerFunc
	calls    map[protocol.Op][]json.RawMessage
	conns    []*serverConn
	headers  []http.Header
	paths    []string
	reject   int
}

type serverConn struct {
	ws  *websocket.Conn
	rpc *jsonrpc2.Conn
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[protocol.Op]HandlerFunc),
		calls:    make(map[protocol.Op][]json.RawMessage),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.headers = append(s.headers, r.Header.Clone())
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))
	rpc := jsonrpc2.NewConn(context.Background(), signaling.NewObjectStream(ws), h)

	s.mu.Lock()
	s.conns = append(s.conns, &serverConn{ws: ws, rpc: rpc})
	s.mu.Unlock()
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = append(params, *req.Params...)
	}
	op := protocol.Op(req.Method)

	s.mu.Lock()
	s.calls[op] = append(s.calls[op], params)
	fn := s.handlers[op]
	s.mu.Unlock()

	if fn == nil {
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("no handler for %s", op)}
	}
	return fn(params)
}

// Handle scripts the reply to op.
func (s *Server) Handle(op protocol.Op, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[op] = fn
	s.mu.Unlock()
}

// Reject makes later websocket upgrades fail with status. 0 accepts again.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	s.reject = status
	s.mu.Unlock()
}

// Calls returns the params of every received op, oldest first.
func (s *Server) Calls(op protocol.Op) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.calls[op]...)
}

// CallCount returns how many times op was received.
func (s *Server) CallCount(op protocol.Op) int { return len(s.Calls(op)) }

// WaitCalls waits until op was received at least n times.
func (s *Server) WaitCalls(op protocol.Op, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.CallCount(op) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.CallCount(op) >= n
}

// Headers returns the handshake headers of every upgrade attempt.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Paths returns the request path of every upgrade attempt.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Connections returns how many clients connected so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push sends event to every connected client.
func (s *Server) Push(event protocol.Event, payload interface{}) error {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	var lastErr error
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.rpc.Notify(ctx, string(event), payload); err != nil {
			lastErr = err
		}
		cancel()
	}
	return lastErr
}

// DropAll cuts every connection without a close frame, like a network
// failure.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.UnderlyingConn().Close()
		_ = c.rpc.Close()
	}
}

// Kick closes every connection with a close frame carrying code.
func (s *Server) Kick(code int) {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "kicked"), time.Now().Add(time.Second))
		_ = c.rpc.Close()
	}
}

// Error builds a server error reply.
func Error(code int64, message string) error {
	return &jsonrpc2.Error{Code: code, Message: message}
}
