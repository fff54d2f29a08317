package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// connectHandler forwards DTLS parameters to the server. After the last
// failed attempt it still reports success so the transport's first produce
// or consume does not hang on it.
func (m *Manager) connectHandler(t webrtc.Transport, roomID string) webrtc.ConnectHandler {
	scope := log.With(string(t.Direction()))

	return func(ctx context.Context, dtls protocol.DTLSParameters) error {
		req := protocol.ConnectTransportRequest{
			RoomID:         roomID,
			TransportID:    t.ID(),
			Direction:      t.Direction(),
			DTLSParameters: dtls,
		}

		attempts := m.opts.ConnectAttempts
		if attempts < 1 {
			attempts = 1
		}

		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = 200 * time.Millisecond
		ebo.MaxInterval = time.Second

		tried := 0
		err := backoff.Retry(func() error {
			tried++
			return m.signal.Request(ctx, protocol.OpConnectTransport, req, nil)
		}, backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(attempts-1)), ctx))

		if err != nil {
			scope.Warn("connect not acknowledged after %d attempts, continuing: %v", tried, err)
			m.bus.Emit(events.TransportError, events.TransportFailure{Direction: t.Direction(), Reason: "connect", Err: err})
			return nil
		}
		scope.Debug("connected %s", t.ID())
		return nil
	}
}

// produceHandler asks the server for a producer id. When the server does not
// answer in time a local placeholder id is handed back instead.
func (m *Manager) produceHandler(t webrtc.Transport, roomID string) webrtc.ProduceHandler {
	return func(ctx context.Context, kind protocol.Kind, rtp protocol.RtpParameters, appData map[string]string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, m.opts.ProduceTimeout)
		defer cancel()

		req := protocol.ProduceRequest{
			RoomID:        roomID,
			TransportID:   t.ID(),
			Kind:          kind,
			RtpParameters: rtp,
			AppData:       appData,
		}

		var raw json.RawMessage
		err := m.signal.Request(ctx, protocol.OpProduce, req, &raw)
		if err == nil {
			var resp protocol.ProduceResponse
			resp, err = protocol.Decode[protocol.ProduceResponse](raw)
			if err == nil {
				return resp.ID, nil
			}
		}

		id := util.SyntheticID("producer")
		log.With("send").Warn("produce %s not answered, using %s: %v", kind, id, err)
		m.bus.Emit(events.ProducerError, events.ProducerFailure{Kind: kind, Reason: "produce-request", ID: id, Err: err})
		return id, nil
	}
}

// stateHandler schedules a recreation when t fails.
func (m *Manager) stateHandler(t webrtc.Transport, roomID string) func(webrtc.ConnectionState) {
	scope := log.With(string(t.Direction()))

	return func(state webrtc.ConnectionState) {
		scope.Debug("%s is %s", t.ID(), state)
		if state != webrtc.StateFailed {
			return
		}

		m.store.Record(recovery.EntryError, "%s transport %s failed", t.Direction(), t.ID())
		m.bus.Emit(events.TransportError, events.TransportFailure{Direction: t.Direction(), Reason: "failed"})
		go m.recreate(t, roomID)
	}
}

func (m *Manager) recreate(failed webrtc.Transport, roomID string) {
	dir := failed.Direction()
	scope := log.With(string(dir))

	select {
	case <-time.After(m.opts.RecreateDelay):
	case <-m.stopped():
		return
	}

	if m.store.Flag(recovery.FlagCleanupInProgress) {
		scope.Debug("cleanup in progress, not recreating")
		return
	}
	if m.state.Transport(dir) != failed {
		scope.Debug("%s already replaced", failed.ID())
		return
	}

	scope.Info("recreating after failure of %s", failed.ID())
	m.bus.Emit(events.Diagnostic, events.Diag{Scope: "transport", Message: "recreating failed transport", Fields: map[string]any{"direction": dir, "id": failed.ID()}})

	t, err := m.Create(context.Background(), dir, roomID)
	if err != nil {
		scope.Error("recreation failed: %v", err)
		m.bus.Emit(events.TransportError, events.TransportFailure{Direction: dir, Reason: "recreate", Err: err})
		return
	}

	m.mu.Lock()
	hook := m.onSendRecreated
	m.mu.Unlock()
	if dir == protocol.DirectionSend && hook != nil {
		hook(context.Background(), t)
	}
}
