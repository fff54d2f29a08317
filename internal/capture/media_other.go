//go:build !linux

package capture

import (
	"context"
	"errors"

	"github.com/1ureka/rtcall/internal/webrtc"
)

// ErrUnsupported is returned by the capture source of platforms without
// device drivers. Calls there are receive-only.
var ErrUnsupported = errors.New("local capture is not supported on this platform")

type noSource struct{}

// NewDeviceSource returns the platform capture source.
func NewDeviceSource() (Source, error) {
	log.Info("no capture drivers on this platform, calls are receive-only")
	return noSource{}, nil
}

func (noSource) Open(context.Context, bool, bool) (*webrtc.LocalStream, error) {
	return nil, ErrUnsupported
}
