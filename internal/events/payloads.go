package events

import (
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/webrtc"
)

type Initialized struct {
	RoomID   string
	Degraded bool
}

type StreamAdded struct {
	ConsumerID string
	ProducerID string
	Kind       protocol.Kind
	Stream     *webrtc.RemoteStream
}

type StreamGone struct {
	ConsumerID string
	ProducerID string
	Kind       protocol.Kind
}

type Connected struct {
	RoomID    string
	Recovered bool
}

type Joined struct {
	RoomID string
}

// Failure is the user-facing error payload.
type Failure struct {
	Code    string
	Message string
	Err     error
}

type Ended struct {
	RoomID string
	Reason string
}

type Participant struct {
	RoomID string
	UserID string
}

// ServerCall forwards call:* and room:* pushes.
type ServerCall struct {
	CallID string
	RoomID string
	Reason string
}

type Toggle struct {
	Kind protocol.Kind
	// On is "muted" for MuteChanged and "camera enabled" for CameraChanged.
	On bool
}

type MediaFailure struct {
	Video bool
	Err   error
}

type Socket struct {
	ConnectionID string
	Reason       string
	Attempt      int
}

type ConnectionFailure struct {
	RoomID   string
	Attempts int
	Err      error
}

// ProducerFailure reports a producer that got a synthetic id.
type ProducerFailure struct {
	Kind   protocol.Kind
	Reason string
	ID     string
	Err    error
}

type ConsumerFailure struct {
	ProducerID string
	Kind       protocol.Kind
	Reason     string
	// Recovery is set when the failure was the queue-stopped race.
	Recovery bool
	Err      error
}

type TransportFailure struct {
	Direction protocol.Direction
	Reason    string
	Err       error
}

// Diag is a free-form trace of a recovery decision.
type Diag struct {
	Scope   string
	Message string
	Fields  map[string]any
}
