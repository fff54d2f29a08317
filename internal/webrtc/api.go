// Package webrtc is the media negotiation layer: a device loaded with router
// capabilities builds directional transports, which publish local tracks as
// producers and receive remote tracks as consumers.
//
// The interfaces are implemented on top of pion's ORTC API (see NewDevice)
// and by the in-memory doubles in webrtctest.
package webrtc

import (
	"context"

	"github.com/1ureka/rtcall/internal/protocol"
)

// ConnectionState of a transport.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// ConnectHandler forwards local DTLS parameters to the server. It runs once,
// on the first produce or consume of a transport.
type ConnectHandler func(ctx context.Context, dtls protocol.DTLSParameters) error

// ProduceHandler asks the server to accept a new producer and returns its id.
type ProduceHandler func(ctx context.Context, kind protocol.Kind, rtp protocol.RtpParameters, appData map[string]string) (string, error)

// Device holds the local media capabilities.
type Device interface {
	Loaded() bool
	// Load fails with ErrAlreadyLoaded when called on a loaded device.
	Load(caps protocol.RtpCapabilities) error
	RtpCapabilities() (protocol.RtpCapabilities, error)
	CanProduce(kind protocol.Kind) (bool, error)
	CreateSendTransport(params protocol.TransportParams) (Transport, error)
	CreateRecvTransport(params protocol.TransportParams) (Transport, error)
}

// DeviceFactory creates a fresh, unloaded Device.
type DeviceFactory func() (Device, error)

// Transport is one directional media channel to the SFU.
type Transport interface {
	ID() string
	Direction() protocol.Direction
	Closed() bool
	ConnectionState() ConnectionState
	Queue() *TaskQueue

	OnConnect(fn ConnectHandler)
	OnProduce(fn ProduceHandler)
	OnConnectionStateChange(fn func(ConnectionState))

	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)

	// Close fails with ErrTransportClosed when already closed.
	Close() error
}

// ProducerOptions configures Transport.Produce.
type ProducerOptions struct {
	Track     LocalTrack
	Encodings []protocol.RtpEncoding
	AppData   map[string]string
}

// ConsumerOptions configures Transport.Consume from a consume response.
type ConsumerOptions struct {
	ID            string
	ProducerID    string
	Kind          protocol.Kind
	RtpParameters protocol.RtpParameters
}

// Producer is a local track published on a send transport.
type Producer interface {
	ID() string
	Kind() protocol.Kind
	Track() LocalTrack
	Paused() bool
	Closed() bool
	Pause() error
	Resume() error
	Close() error
	OnTransportClose(fn func())
	OnTrackEnded(fn func())
}

// Consumer receives one remote producer on a receive transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() protocol.Kind
	Track() RemoteTrack
	Paused() bool
	Closed() bool
	Resume() error
	Close() error
	OnTransportClose(fn func())
}
