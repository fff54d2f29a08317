// Package capture acquires the local microphone and camera for a call.
// Acquisition is best-effort: audio and video are tried together first, then
// audio alone.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// ErrNoDevices is returned when no attempt yielded a track.
var ErrNoDevices = errors.New("no capture device available")

var log = util.Scoped("capture")

// Source opens local devices for one acquisition attempt.
type Source interface {
	Open(ctx context.Context, video, audio bool) (*webrtc.LocalStream, error)
}

// Capturer acquires local media from a Source.
type Capturer struct {
	src Source
}

// New returns a capturer over src.
func New(src Source) *Capturer {
	return &Capturer{src: src}
}

type attempt struct {
	video, audio bool
	label        string
}

// Acquire opens the microphone, and the camera when video is set. A missing
// camera degrades to an audio-only stream.
func (c *Capturer) Acquire(ctx context.Context, video bool) (*webrtc.LocalStream, error) {
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = append([]attempt{{true, true, "video+audio"}}, attempts...)
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ls, err := c.src.Open(ctx, a.video, a.audio)
		if err == nil && len(ls.Tracks()) == 0 {
			err = errors.New("no tracks")
		}
		if err != nil {
			log.Warn("%s failed: %v", a.label, err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		log.Success("captured %s (%d tracks)", a.label, len(ls.Tracks()))
		return ls, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoDevices, errors.Join(errs...))
}
