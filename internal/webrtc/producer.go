package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
)

// pionProducer pauses by detaching its track from the RTPSender, so no
// renegotiation takes place.
type pionProducer struct {
	id        string
	track     LocalTrack
	sender    *webrtc.RTPSender
	transport *pionTransport

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose []func()
	onTrackEnded     []func()
}

func newPionProducer(id string, track LocalTrack, sender *webrtc.RTPSender, t *pionTransport) *pionProducer {
	p := &pionProducer{id: id, track: track, sender: sender, transport: t}
	track.OnEnded(p.trackEnded)
	return p
}

func (p *pionProducer) ID() string          { return p.id }
func (p *pionProducer) Kind() protocol.Kind { return p.track.Kind() }
func (p *pionProducer) Track() LocalTrack   { return p.track }

func (p *pionProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *pionProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pionProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	if p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(nil); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *pionProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	if !p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(p.track.Source()); err != nil {
		return err
	}
	p.paused = false
	return nil
}

// Close stops the sender. The local track keeps running.
func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.transport.forgetProducer(p.id)
	return p.sender.Stop()
}

func (p *pionProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = append(p.onTransportClose, fn)
	p.mu.Unlock()
}

func (p *pionProducer) OnTrackEnded(fn func()) {
	p.mu.Lock()
	p.onTrackEnded = append(p.onTrackEnded, fn)
	p.mu.Unlock()
}

func (p *pionProducer) transportClosed() {
	p.mu.Lock()
	wasClosed := p.closed
	p.closed = true
	handlers := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()

	if wasClosed {
		return
	}
	_ = p.sender.Stop()
	for _, fn := range handlers {
		fn()
	}
}

func (p *pionProducer) trackEnded() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	handlers := append([]func(){}, p.onTrackEnded...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}
