package app

import (
	"context"
	"encoding/json"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

var plog = util.Scoped("push")

// registerPushHandlers routes server pushes into the engine. Malformed
// payloads are logged and dropped.
func (c *Call) registerPushHandlers() {
	c.signal.On(protocol.EventNewProducer, func(ctx context.Context, raw json.RawMessage) {
		ev, err := protocol.Decode[protocol.NewProducerEvent](raw)
		if err != nil {
			plog.Warn("newProducer: %v", err)
			return
		}
		if c.state.RoomID() == "" {
			plog.Debug("newProducer %s outside a call, ignored", ev.ProducerID)
			return
		}
		c.consumers.Consume(ctx, ev.ProducerID, ev.Kind)
	})

	c.signal.On(protocol.EventProducerClosed, func(_ context.Context, raw json.RawMessage) {
		ev, err := protocol.Decode[protocol.ProducerClosedNotice](raw)
		if err != nil {
			plog.Warn("producerClosed: %v", err)
			return
		}
		if !c.consumers.RemoveByProducer(ev.ProducerID) {
			plog.Debug("producerClosed %s: not consumed", ev.ProducerID)
		}
	})

	participant := func(name events.Name) func(context.Context, json.RawMessage) {
		return func(_ context.Context, raw json.RawMessage) {
			ev, err := protocol.Decode[protocol.ParticipantEvent](raw)
			if err != nil {
				plog.Warn("%s: %v", name, err)
				return
			}
			c.bus.Emit(name, events.Participant{RoomID: ev.RoomID, UserID: ev.UserID})
		}
	}
	c.signal.On(protocol.EventParticipantJoined, participant(events.ParticipantJoined))
	c.signal.On(protocol.EventParticipantLeft, participant(events.ParticipantLeft))

	// The server ended the call: nothing left to leave, just tear down.
	ended := func(reason string) func(context.Context, json.RawMessage) {
		return func(ctx context.Context, raw json.RawMessage) {
			ev, _ := decodeCall(raw)
			roomID := c.state.RoomID()
			why := reason
			if ev.Reason != "" {
				why = ev.Reason
			}
			plog.Info("call ended by server (%s)", why)

			if err := c.Cleanup(ctx); err != nil {
				plog.Debug("cleanup: %v", err)
			}
			c.bus.Emit(events.CallEnded, events.Ended{RoomID: roomID, Reason: why})
		}
	}
	c.signal.On(protocol.EventCallEnded, ended("ended"))
	c.signal.On(protocol.EventRoomClosed, ended("room-closed"))

	c.signal.On(protocol.EventCallError, func(_ context.Context, raw json.RawMessage) {
		ev, _ := decodeCall(raw)
		plog.Warn("server error %s: %s", ev.Code, ev.Message)
		c.bus.Emit(events.CallError, events.Failure{Code: ev.Code, Message: ev.Message})
	})

	forward := func(name events.Name) func(context.Context, json.RawMessage) {
		return func(_ context.Context, raw json.RawMessage) {
			ev, err := decodeCall(raw)
			if err != nil {
				plog.Warn("%s: %v", name, err)
				return
			}
			c.bus.Emit(name, events.ServerCall{CallID: ev.CallID, RoomID: ev.RoomID, Reason: ev.Reason})
		}
	}
	c.signal.On(protocol.EventCallAccepted, forward(events.CallAccepted))
	c.signal.On(protocol.EventCallRejected, forward(events.CallRejected))
	c.signal.On(protocol.EventRoomCreated, forward(events.RoomCreated))
	c.signal.On(protocol.EventRoomJoined, forward(events.RoomJoined))
}

// decodeCall tolerates an absent payload; call:* pushes may carry none.
func decodeCall(raw json.RawMessage) (protocol.CallEvent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return protocol.CallEvent{}, nil
	}
	return protocol.Decode[protocol.CallEvent](raw)
}
