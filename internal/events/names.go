package events

// Name identifies a notification.
type Name string

// UI-facing notifications.
const (
	WebRTCInitialized   Name = "webrtc:initialized"
	NewStream           Name = "webrtc:newStream"
	RemoteStreamAdded   Name = "call:remoteStreamAdded"
	StreamRemoved       Name = "webrtc:streamRemoved"
	RemoteStreamRemoved Name = "call:remoteStreamRemoved"
	CallConnected       Name = "call:connected"
	CallJoined          Name = "call:joined"
	RoomJoined          Name = "room:joined"
	CallError           Name = "call:error"
	CallEnded           Name = "call:ended"
	CallAccepted        Name = "call:accepted"
	CallRejected        Name = "call:rejected"
	RoomCreated         Name = "room:created"
	ParticipantJoined   Name = "call:participant:joined"
	ParticipantLeft     Name = "call:participant:left"
	NoVideoAvailable    Name = "call:noVideoAvailable"
	MediaError          Name = "call:mediaError"
	MuteChanged         Name = "call:muteChanged"
	CameraChanged       Name = "call:cameraChanged"
)

// Socket lifecycle.
const (
	SocketConnected       Name = "socket:connected"
	SocketDisconnected    Name = "socket:disconnected"
	SocketConnectError    Name = "socket:connectError"
	SocketReconnected     Name = "socket:reconnected"
	SocketReconnectFailed Name = "socket:reconnectFailed"
)

// Diagnostics.
const (
	ConnectionFailed Name = "webrtc:connectionFailed"
	ProducerError    Name = "webrtc:producerError"
	ConsumerError    Name = "webrtc:consumerError"
	TransportError   Name = "webrtc:transportError"
	Diagnostic       Name = "diagnostic"
)
