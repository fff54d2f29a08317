package protocol

import "encoding/json"

// Direction of a transport as seen by this client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Kind of a media track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is audio or video.
func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// RtcpFeedback is one RTCP feedback mechanism supported by a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodec is a codec entry in router or device capabilities.
type RtpCodec struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType"`
	SDPFmtpLine          string         `json:"sdpFmtpLine,omitempty"`
	RTCPFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// HeaderExtension is an RTP header extension supported by the router.
type HeaderExtension struct {
	Kind Kind   `json:"kind"`
	URI  string `json:"uri"`
	ID   int    `json:"preferredId"`
}

// RtpCapabilities is the codec/extension set announced by the router and,
// after negotiation, the subset supported by the local device.
type RtpCapabilities struct {
	Codecs           []RtpCodec        `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

// HasKind reports whether at least one codec of kind k is present.
func (c RtpCapabilities) HasKind(k Kind) bool {
	for _, codec := range c.Codecs {
		if codec.Kind == k {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Transport parameters
// ---------------------------------------------------------------------------

// ICEParameters are the ICE credentials of one side.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is a single remote or local ICE candidate.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSFingerprint is a certificate fingerprint.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are exchanged on transport connect.
type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is the server-side description of a freshly created
// transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ---------------------------------------------------------------------------
// RTP parameters
// ---------------------------------------------------------------------------

// RtpCodecParameters is a negotiated codec with its payload type.
type RtpCodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// RtpEncoding is one encoding (simulcast layer) of a stream.
type RtpEncoding struct {
	RID             string `json:"rid,omitempty"`
	SSRC            uint32 `json:"ssrc,omitempty"`
	MaxBitrate      uint64 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

// RtpParameters describe a sent or received stream.
type RtpParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters `json:"codecs"`
	Encodings []RtpEncoding        `json:"encodings,omitempty"`
}

// ---------------------------------------------------------------------------
// Requests and responses
// ---------------------------------------------------------------------------

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	CallID   string `json:"callId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

type JoinRoomResponse struct {
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	RoomID    string    `json:"roomId"`
	Direction Direction `json:"direction"`
}

type ConnectTransportRequest struct {
	RoomID         string         `json:"roomId"`
	TransportID    string         `json:"transportId"`
	Direction      Direction      `json:"direction"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	RoomID        string            `json:"roomId"`
	TransportID   string            `json:"transportId"`
	Kind          Kind              `json:"kind"`
	RtpParameters RtpParameters     `json:"rtpParameters"`
	AppData       map[string]string `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          Kind          `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

type GetProducersRequest struct {
	RoomID string `json:"roomId"`
}

// ProducerInfo describes a remote producer available for consumption.
type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	Kind       Kind   `json:"kind"`
	UserID     string `json:"userId,omitempty"`
}

type GetProducersResponse struct {
	Producers []ProducerInfo `json:"producers"`
}

type ActiveCallRequest struct {
	RoomID string `json:"roomId"`
}

type ActiveCallResponse struct {
	CallID string `json:"callId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	Active bool   `json:"active"`
}

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type JoinCallRequest struct {
	CallID string `json:"callId,omitempty"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ProducerClosedNotice struct {
	RoomID     string `json:"roomId,omitempty"`
	ProducerID string `json:"producerId"`
	Kind       Kind   `json:"kind,omitempty"`
}

type Heartbeat struct {
	Seq uint32 `json:"seq"`
}

type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// ---------------------------------------------------------------------------
// Server-pushed payloads
// ---------------------------------------------------------------------------

type NewProducerEvent struct {
	ProducerID string `json:"producerId"`
	Kind       Kind   `json:"kind"`
	UserID     string `json:"userId,omitempty"`
}

type ParticipantEvent struct {
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId"`
}

type CallEvent struct {
	CallID  string `json:"callId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope is a raw inbound notification prior to validation.
type Envelope struct {
	Event  Event
	Params json.RawMessage
}
