//go:build linux

package capture

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// DeviceSource captures through V4L2 and the system microphone, encoding
// VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource returns the platform capture source.
func NewDeviceSource() (Source, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8.BitRate = 900_000

	op, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug("device kind=%v label=%q", d.Kind, d.Label)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8),
			mediadevices.WithAudioEncoders(&op),
		),
	}, nil
}

func (s *DeviceSource) Open(_ context.Context, video, audio bool) (*webrtc.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes produce frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var tracks []webrtc.LocalTrack
	for _, t := range stream.GetTracks() {
		kind := protocol.KindAudio
		if t.Kind() == pionwebrtc.RTPCodecTypeVideo {
			kind = protocol.KindVideo
		}
		mt := webrtc.NewMediaTrack(t.ID(), kind, t, t.Close)
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn("%s track ended: %v", kind, err)
			}
			mt.End()
		})
		tracks = append(tracks, mt)
	}
	return webrtc.NewLocalStream(tracks...), nil
}
