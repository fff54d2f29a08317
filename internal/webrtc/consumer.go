package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
)

type pionConsumer struct {
	id         string
	producerID string
	kind       protocol.Kind
	receiver   *webrtc.RTPReceiver
	transport  *pionTransport

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose []func()
}

func newPionConsumer(opts ConsumerOptions, receiver *webrtc.RTPReceiver, t *pionTransport) *pionConsumer {
	return &pionConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
		transport:  t,
		paused:     true,
	}
}

func (c *pionConsumer) ID() string          { return c.id }
func (c *pionConsumer) ProducerID() string  { return c.producerID }
func (c *pionConsumer) Kind() protocol.Kind { return c.kind }

func (c *pionConsumer) Track() RemoteTrack {
	return remoteTrack{id: c.id, kind: c.kind, track: c.receiver.Track()}
}

func (c *pionConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *pionConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Resume marks the consumer as flowing; the server starts forwarding once it
// receives resumeConsumer.
func (c *pionConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConsumerClosed
	}
	c.paused = false
	return nil
}

func (c *pionConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.forgetConsumer(c.id)
	return c.receiver.Stop()
}

func (c *pionConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

func (c *pionConsumer) transportClosed() {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	handlers := append([]func(){}, c.onTransportClose...)
	c.mu.Unlock()

	if wasClosed {
		return
	}
	_ = c.receiver.Stop()
	for _, fn := range handlers {
		fn()
	}
}

// remoteTrack exposes the pion remote track under the consumer id.
type remoteTrack struct {
	id    string
	kind  protocol.Kind
	track *webrtc.TrackRemote
}

func (r remoteTrack) ID() string {
	if r.track != nil && r.track.ID() != "" {
		return r.track.ID()
	}
	return r.id
}

func (r remoteTrack) Kind() protocol.Kind { return r.kind }

// Remote returns the underlying pion track for media readers.
func (r remoteTrack) Remote() *webrtc.TrackRemote { return r.track }
