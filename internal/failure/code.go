package failure

import "errors"

// Code is the machine-readable code of a user-facing call error.
type Code string

const (
	CodeServerUnreachable Code = "SERVER_UNREACHABLE"
	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeAuthFailed        Code = "AUTH_FAILED"
	CodeDeviceUnavailable Code = "DEVICE_UNAVAILABLE"
	CodeTransportFailed   Code = "TRANSPORT_FAILED"
	CodeConnectionLost    Code = "CONNECTION_LOST"
	CodeUnknown           Code = "UNKNOWN"
)

var messages = map[Code]string{
	CodeServerUnreachable: "Cannot connect to the call server.",
	CodeRoomNotFound:      "The call room does not exist.",
	CodePermissionDenied:  "You are not allowed to join this call.",
	CodeAuthFailed:        "Your session has expired. Please sign in again.",
	CodeDeviceUnavailable: "Your device cannot join calls right now.",
	CodeTransportFailed:   "The media connection could not be established.",
	CodeConnectionLost:    "Connection to the call server was lost.",
	CodeUnknown:           "Something went wrong with the call.",
}

// Message returns the human-readable text for c.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeUnknown]
}

// CodeFor picks the user-facing code of an initialization failure.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeServerUnreachable
	case errors.Is(err, ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	}
	switch Classify(err) {
	case KindTransient, KindTimeout:
		return CodeServerUnreachable
	case KindNotFound:
		return CodeRoomNotFound
	case KindPermission:
		return CodePermissionDenied
	case KindAuth:
		return CodeAuthFailed
	}
	return CodeUnknown
}
