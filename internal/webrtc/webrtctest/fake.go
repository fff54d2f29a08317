// Package webrtctest provides in-memory Device, Transport, Producer and
// Consumer doubles. Transports run their operations on a real
// webrtc.TaskQueue, so queue-stop races behave as in production.
package webrtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// ---------------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------------

// Device is a fake webrtc.Device.
type Device struct {
	mu         sync.Mutex
	loaded     bool
	caps       protocol.RtpCapabilities
	broken     bool
	loadCalls  int
	createErr  map[protocol.Direction]error
	transports []*Transport
	configure  func(*Transport)
}

// NewDevice returns an unloaded fake device.
func NewDevice() *Device {
	return &Device{createErr: map[protocol.Direction]error{}}
}

// Factory returns a DeviceFactory handing out d on every call.
func (d *Device) Factory() webrtc.DeviceFactory {
	return func() (webrtc.Device, error) { return d, nil }
}

// Break makes every capability query fail, simulating an unusable device.
func (d *Device) Break() {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
}

// FailCreate makes transport creation for dir fail with err.
func (d *Device) FailCreate(dir protocol.Direction, err error) {
	d.mu.Lock()
	d.createErr[dir] = err
	d.mu.Unlock()
}

// OnTransport registers fn to configure every transport created afterwards.
func (d *Device) OnTransport(fn func(*Transport)) {
	d.mu.Lock()
	d.configure = fn
	d.mu.Unlock()
}

// LoadCalls returns how many times Load was invoked.
func (d *Device) LoadCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadCalls
}

// Transports returns every transport created so far.
func (d *Device) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// Transport returns the latest transport created for dir, or nil.
func (d *Device) Transport(dir protocol.Direction) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.transports) - 1; i >= 0; i-- {
		if d.transports[i].dir == dir {
			return d.transports[i]
		}
	}
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) Load(caps protocol.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadCalls++
	if d.loaded {
		return webrtc.ErrAlreadyLoaded
	}
	d.loaded = true
	d.caps = caps
	return nil
}

func (d *Device) RtpCapabilities() (protocol.RtpCapabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken {
		return protocol.RtpCapabilities{}, errors.New("device unusable")
	}
	if !d.loaded {
		return protocol.RtpCapabilities{}, webrtc.ErrNotLoaded
	}
	return d.caps, nil
}

func (d *Device) CanProduce(kind protocol.Kind) (bool, error) {
	caps, err := d.RtpCapabilities()
	if err != nil {
		return false, err
	}
	return caps.HasKind(kind), nil
}

func (d *Device) CreateSendTransport(params protocol.TransportParams) (webrtc.Transport, error) {
	return d.create(protocol.DirectionSend, params)
}

func (d *Device) CreateRecvTransport(params protocol.TransportParams) (webrtc.Transport, error) {
	return d.create(protocol.DirectionRecv, params)
}

func (d *Device) create(dir protocol.Direction, params protocol.TransportParams) (webrtc.Transport, error) {
	d.mu.Lock()
	if !d.loaded {
		d.mu.Unlock()
		return nil, webrtc.ErrNotLoaded
	}
	if err := d.createErr[dir]; err != nil {
		d.mu.Unlock()
		return nil, err
	}
	t := NewTransport(params.ID, dir)
	d.transports = append(d.transports, t)
	configure := d.configure
	d.mu.Unlock()

	if configure != nil {
		configure(t)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Transport is a fake webrtc.Transport.
type Transport struct {
	id    string
	dir   protocol.Direction
	queue *webrtc.TaskQueue

	mu           sync.Mutex
	state        webrtc.ConnectionState
	closed       bool
	closeCalls   int
	connected    bool
	connectCalls int
	onConnect    webrtc.ConnectHandler
	onProduce    webrtc.ProduceHandler
	onState      []func(webrtc.ConnectionState)
	produceErr   error
	consumeErr   error
	closeErr     error
	delay        time.Duration
	producers    []*Producer
	consumers    []*Consumer
}

// NewTransport returns an open fake transport.
func NewTransport(id string, dir protocol.Direction) *Transport {
	return &Transport{
		id:    id,
		dir:   dir,
		queue: webrtc.NewTaskQueue(string(dir)),
		state: webrtc.StateNew,
	}
}

// FailProduce makes every later Produce fail with err.
func (t *Transport) FailProduce(err error) { t.set(func() { t.produceErr = err }) }

// FailConsume makes every later Consume fail with err.
func (t *Transport) FailConsume(err error) { t.set(func() { t.consumeErr = err }) }

// FailClose makes Close return err after closing.
func (t *Transport) FailClose(err error) { t.set(func() { t.closeErr = err }) }

// Delay makes Produce and Consume wait d (or until the queue stops).
func (t *Transport) Delay(d time.Duration) { t.set(func() { t.delay = d }) }

func (t *Transport) set(fn func()) {
	t.mu.Lock()
	fn()
	t.mu.Unlock()
}

// SetConnectionState simulates an ICE/DTLS state change.
func (t *Transport) SetConnectionState(s webrtc.ConnectionState) {
	t.mu.Lock()
	t.state = s
	handlers := append([]func(webrtc.ConnectionState){}, t.onState...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// CloseCalls returns how many times Close was invoked.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// ConnectCalls returns how many times the connect handshake ran.
func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// Producers returns every producer created on t.
func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.producers...)
}

// Consumers returns every consumer created on t.
func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

func (t *Transport) ID() string                    { return t.id }
func (t *Transport) Direction() protocol.Direction { return t.dir }
func (t *Transport) Queue() *webrtc.TaskQueue      { return t.queue }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) ConnectionState() webrtc.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnConnect(fn webrtc.ConnectHandler) { t.set(func() { t.onConnect = fn }) }
func (t *Transport) OnProduce(fn webrtc.ProduceHandler) { t.set(func() { t.onProduce = fn }) }

func (t *Transport) OnConnectionStateChange(fn func(webrtc.ConnectionState)) {
	t.set(func() { t.onState = append(t.onState, fn) })
}

func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.connectCalls++
	onConnect := t.onConnect
	t.mu.Unlock()

	if onConnect == nil {
		return nil
	}
	return onConnect(ctx, protocol.DTLSParameters{
		Role:         "client",
		Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	})
}

func (t *Transport) wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.delay
	t.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Produce(ctx context.Context, opts webrtc.ProducerOptions) (webrtc.Producer, error) {
	if t.dir != protocol.DirectionSend {
		return nil, webrtc.ErrWrongDirection
	}
	return webrtc.Run(ctx, t.queue, "produce", func(ctx context.Context) (webrtc.Producer, error) {
		if t.Closed() {
			return nil, webrtc.ErrTransportClosed
		}
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
		if err := t.wait(ctx); err != nil {
			return nil, err
		}

		t.mu.Lock()
		produceErr, onProduce := t.produceErr, t.onProduce
		t.mu.Unlock()
		if produceErr != nil {
			return nil, produceErr
		}
		if onProduce == nil {
			return nil, webrtc.ErrNoHandler
		}

		id, err := onProduce(ctx, opts.Track.Kind(), protocol.RtpParameters{
			Codecs:    []protocol.RtpCodecParameters{{MimeType: mimeFor(opts.Track.Kind()), PayloadType: 100}},
			Encodings: opts.Encodings,
		}, opts.AppData)
		if err != nil {
			return nil, err
		}

		p := NewProducer(id, opts.Track)
		p.Encodings = opts.Encodings
		t.mu.Lock()
		t.producers = append(t.producers, p)
		t.mu.Unlock()
		return p, nil
	})
}

func (t *Transport) Consume(ctx context.Context, opts webrtc.ConsumerOptions) (webrtc.Consumer, error) {
	if t.dir != protocol.DirectionRecv {
		return nil, webrtc.ErrWrongDirection
	}
	return webrtc.Run(ctx, t.queue, "consume", func(ctx context.Context) (webrtc.Consumer, error) {
		if t.Closed() {
			return nil, webrtc.ErrTransportClosed
		}
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
		if err := t.wait(ctx); err != nil {
			return nil, err
		}

		t.mu.Lock()
		consumeErr := t.consumeErr
		t.mu.Unlock()
		if consumeErr != nil {
			return nil, consumeErr
		}

		c := NewConsumer(opts.ID, opts.ProducerID, opts.Kind)
		t.mu.Lock()
		t.consumers = append(t.consumers, c)
		t.mu.Unlock()
		return c, nil
	})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	if t.closed {
		t.mu.Unlock()
		return webrtc.ErrTransportClosed
	}
	t.closed = true
	t.state = webrtc.StateClosed
	producers := append([]*Producer(nil), t.producers...)
	consumers := append([]*Consumer(nil), t.consumers...)
	closeErr := t.closeErr
	t.mu.Unlock()

	_ = t.queue.Stop()
	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.transportClosed()
	}
	return closeErr
}

func mimeFor(kind protocol.Kind) string {
	if kind == protocol.KindVideo {
		return "video/VP8"
	}
	return "audio/opus"
}

// ---------------------------------------------------------------------------
// Producer / Consumer
// ---------------------------------------------------------------------------

// Producer is a fake webrtc.Producer.
type Producer struct {
	id        string
	track     webrtc.LocalTrack
	Encodings []protocol.RtpEncoding

	mu               sync.Mutex
	paused           bool
	closed           bool
	closeErr         error
	onTransportClose []func()
	onTrackEnded     []func()
}

// NewProducer returns an open producer for track.
func NewProducer(id string, track webrtc.LocalTrack) *Producer {
	p := &Producer{id: id, track: track}
	if track != nil {
		track.OnEnded(p.trackEnded)
	}
	return p
}

// FailClose makes Close return err.
func (p *Producer) FailClose(err error) {
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
}

func (p *Producer) ID() string                { return p.id }
func (p *Producer) Track() webrtc.LocalTrack  { return p.track }
func (p *Producer) Kind() protocol.Kind       { return p.track.Kind() }
func (p *Producer) OnTrackEnded(fn func())    { p.add(&p.onTrackEnded, fn) }
func (p *Producer) OnTransportClose(fn func()) { p.add(&p.onTransportClose, fn) }

func (p *Producer) add(list *[]func(), fn func()) {
	p.mu.Lock()
	*list = append(*list, fn)
	p.mu.Unlock()
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause() error  { return p.setPaused(true) }
func (p *Producer) Resume() error { return p.setPaused(false) }

func (p *Producer) setPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.ErrProducerClosed
	}
	p.paused = paused
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.closeErr != nil {
		return fmt.Errorf("close producer %s: %w", p.id, p.closeErr)
	}
	return nil
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (p *Producer) trackEnded() {
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

// Consumer is a fake webrtc.Consumer.
type Consumer struct {
	id, producerID string
	kind           protocol.Kind

	mu               sync.Mutex
	paused           bool
	closed           bool
	closeErr         error
	onTransportClose []func()
}

// NewConsumer returns a paused consumer, like a freshly created real one.
func NewConsumer(id, producerID string, kind protocol.Kind) *Consumer {
	return &Consumer{id: id, producerID: producerID, kind: kind, paused: true}
}

// FailClose makes Close return err.
func (c *Consumer) FailClose(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

func (c *Consumer) ID() string                { return c.id }
func (c *Consumer) ProducerID() string        { return c.producerID }
func (c *Consumer) Kind() protocol.Kind       { return c.kind }
func (c *Consumer) Track() webrtc.RemoteTrack { return remoteTrack{id: c.id, kind: c.kind} }

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConsumerClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *Consumer) transportClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := append([]func(){}, c.onTransportClose...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

type remoteTrack struct {
	id   string
	kind protocol.Kind
}

func (r remoteTrack) ID() string          { return r.id }
func (r remoteTrack) Kind() protocol.Kind { return r.kind }

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

// AudioTrack returns a source-less local audio track.
func AudioTrack(id string) *webrtc.MediaTrack {
	return webrtc.NewMediaTrack(id, protocol.KindAudio, nil, nil)
}

// VideoTrack returns a source-less local video track.
func VideoTrack(id string) *webrtc.MediaTrack {
	return webrtc.NewMediaTrack(id, protocol.KindVideo, nil, nil)
}

// RouterCapabilities is a small opus + VP8 capability set.
var RouterCapabilities = protocol.RtpCapabilities{
	Codecs: []protocol.RtpCodec{
		{Kind: protocol.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 100},
		{Kind: protocol.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 101},
	},
}
