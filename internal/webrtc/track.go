package webrtc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
)

// LocalTrack is a captured audio or video track.
type LocalTrack interface {
	ID() string
	Kind() protocol.Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	OnEnded(fn func())
	// Source is the RTP source bound by the pion transport; nil for
	// tracks that never leave the process.
	Source() webrtc.TrackLocal
}

// RemoteTrack is the receiving end of a consumer.
type RemoteTrack interface {
	ID() string
	Kind() protocol.Kind
}

// ---------------------------------------------------------------------------
// MediaTrack
// ---------------------------------------------------------------------------

// MediaTrack is the LocalTrack implementation shared by capture and tests.
type MediaTrack struct {
	id      string
	kind    protocol.Kind
	src     webrtc.TrackLocal
	closer  func() error
	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded []func()
}

// NewMediaTrack wraps src. closer, if set, releases the capture device and
// runs once on Stop.
func NewMediaTrack(id string, kind protocol.Kind, src webrtc.TrackLocal, closer func() error) *MediaTrack {
	t := &MediaTrack{id: id, kind: kind, src: src, closer: closer}
	t.enabled.Store(true)
	return t
}

func (t *MediaTrack) ID() string                { return t.id }
func (t *MediaTrack) Kind() protocol.Kind       { return t.kind }
func (t *MediaTrack) Enabled() bool             { return t.enabled.Load() }
func (t *MediaTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *MediaTrack) Source() webrtc.TrackLocal { return t.src }

// Stopped reports whether Stop was called.
func (t *MediaTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop releases the source. Stopping locally does not fire OnEnded.
func (t *MediaTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer()
	}
	return nil
}

// OnEnded registers fn to run when the source ends on its own.
func (t *MediaTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// End marks the source as ended (device unplugged, permission revoked) and
// runs the OnEnded handlers once.
func (t *MediaTrack) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	handlers := append([]func(){}, t.onEnded...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// LocalStream groups the captured tracks of one acquisition.
type LocalStream struct {
	tracks []LocalTrack
}

// NewLocalStream builds a stream from tracks; nil entries are skipped.
func NewLocalStream(tracks ...LocalTrack) *LocalStream {
	s := &LocalStream{}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

// Tracks returns every track.
func (s *LocalStream) Tracks() []LocalTrack {
	return append([]LocalTrack(nil), s.tracks...)
}

// TracksOf returns the tracks of the given kind.
func (s *LocalStream) TracksOf(kind protocol.Kind) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the first track of kind, or nil.
func (s *LocalStream) Track(kind protocol.Kind) LocalTrack {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track, continuing past failures.
func (s *LocalStream) Stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoteStream is the playable handle surfaced for a consumer.
type RemoteStream struct {
	ConsumerID string
	ProducerID string
	Kind       protocol.Kind
	Track      RemoteTrack
}

// NewRemoteStream wraps the track of c.
func NewRemoteStream(c Consumer) *RemoteStream {
	return &RemoteStream{
		ConsumerID: c.ID(),
		ProducerID: c.ProducerID(),
		Kind:       c.Kind(),
		Track:      c.Track(),
	}
}
