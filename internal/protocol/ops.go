// Package protocol defines the signaling contract between the call client and
// the signaling server: operation and event names, their payloads, and the
// per-operation request timeouts.
package protocol

import "time"

// Op is a named request (or fire-and-forget notification) sent to the server.
type Op string

// Request/response operations.
const (
	OpJoinRoom         Op = "joinRoom"
	OpCreateTransport  Op = "createWebRtcTransport"
	OpConnectTransport Op = "connectWebRtcTransport"
	OpProduce          Op = "produce"
	OpConsume          Op = "consume"
	OpGetProducers     Op = "getProducers"
	OpGetActiveCall    Op = "getActiveCall"
	OpCreateRoom       Op = "createRoom"
	OpJoinCall         Op = "joinCall"
)

// Fire-and-forget notifications.
const (
	OpFinishJoining       Op = "finishJoining"
	OpLeaveRoom           Op = "leaveRoom"
	OpResumeConsumer      Op = "resumeConsumer"
	OpProducerClosed      Op = "producerClosed"
	OpHeartbeat           Op = "heartbeat"
	OpClientDisconnecting Op = "clientDisconnecting"
)

// Event is a named notification pushed by the server.
type Event string

const (
	EventNewProducer       Event = "newProducer"
	EventParticipantJoined Event = "participantJoined"
	EventParticipantLeft   Event = "participantLeft"
	EventProducerClosed    Event = "producerClosed"
	EventCallEnded         Event = "call:ended"
	EventCallError         Event = "call:error"
	EventCallAccepted      Event = "call:accepted"
	EventCallRejected      Event = "call:rejected"
	EventRoomCreated       Event = "room:created"
	EventRoomClosed        Event = "room:closed"
	EventRoomJoined        Event = "room:joined"
	EventHeartbeatResponse Event = "heartbeat_response"
)

// Server error codes carried in JSON-RPC error replies.
const (
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
)

// DefaultTimeout applies to any operation missing from Timeouts.
const DefaultTimeout = 5 * time.Second

// Timeouts holds the per-operation request deadline.
type Timeouts map[Op]time.Duration

// DefaultTimeouts returns the stock request deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		OpJoinRoom:         20 * time.Second,
		OpCreateTransport:  10 * time.Second,
		OpConnectTransport: 10 * time.Second,
		OpProduce:          5 * time.Second,
		OpConsume:          10 * time.Second,
		OpGetProducers:     5 * time.Second,
		OpGetActiveCall:    5 * time.Second,
		OpCreateRoom:       10 * time.Second,
		OpJoinCall:         10 * time.Second,
	}
}

// For returns the deadline configured for op, or DefaultTimeout.
func (t Timeouts) For(op Op) time.Duration {
	if d, ok := t[op]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}
