package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

const writeWait = 10 * time.Second

// wsStream carries JSON-RPC objects as websocket text frames. Writes are
// serialized by a mutex; reads happen on the jsonrpc2 read loop only.
type wsStream struct {
	conn *websocket.Conn

	mu sync.Mutex // guards writes

	errMu   sync.Mutex
	readErr error
}

// NewObjectStream adapts a websocket connection to jsonrpc2.
func NewObjectStream(conn *websocket.Conn) jsonrpc2.ObjectStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) WriteObject(obj interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(obj)
}

func (s *wsStream) ReadObject(v interface{}) error {
	err := s.conn.ReadJSON(v)
	if err != nil {
		s.errMu.Lock()
		if s.readErr == nil {
			s.readErr = err
		}
		s.errMu.Unlock()
	}
	return err
}

// Close sends a normal closure frame, best-effort, and drops the connection.
func (s *wsStream) Close() error {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}

// err returns the error that ended the read loop.
func (s *wsStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}
