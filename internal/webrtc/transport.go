package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
)

// pionTransport maps a directional transport onto pion's ORTC objects:
// one ICE gatherer/transport and one DTLS transport, shared by every
// RTPSender (send direction) or RTPReceiver (recv direction).
type pionTransport struct {
	id     string
	dir    protocol.Direction
	api    *webrtc.API
	remote protocol.TransportParams
	queue  *TaskQueue

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	state     ConnectionState
	closed    bool
	connected bool
	onConnect ConnectHandler
	onProduce ProduceHandler
	onState   []func(ConnectionState)
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
}

func newPionTransport(api *webrtc.API, iceServers []webrtc.ICEServer, dir protocol.Direction, params protocol.TransportParams) (*pionTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	t := &pionTransport{
		id:        params.ID,
		dir:       dir,
		api:       api,
		remote:    params,
		queue:     NewTaskQueue(string(dir)),
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		state:     StateNew,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.setState(fromICEState(s))
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateFailed {
			t.setState(StateFailed)
		}
	})

	return t, nil
}

func (t *pionTransport) ID() string                    { return t.id }
func (t *pionTransport) Direction() protocol.Direction { return t.dir }
func (t *pionTransport) Queue() *TaskQueue             { return t.queue }

func (t *pionTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *pionTransport) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *pionTransport) OnConnect(fn ConnectHandler) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnProduce(fn ProduceHandler) {
	t.mu.Lock()
	t.onProduce = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	t.onState = append(t.onState, fn)
	t.mu.Unlock()
}

func (t *pionTransport) setState(s ConnectionState) {
	t.mu.Lock()
	if t.state == s || (t.closed && s != StateClosed) {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(ConnectionState){}, t.onState...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// ensureConnected runs the connect handshake on first use. It must be
// called from inside a queue task.
func (t *pionTransport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	onConnect := t.onConnect
	t.mu.Unlock()

	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	if onConnect != nil {
		if err := onConnect(ctx, fromPionDTLS(local)); err != nil {
			return err
		}
	}

	candidates, err := toPionCandidates(t.remote.ICECandidates)
	if err != nil {
		return err
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}

	t.setState(StateConnecting)

	role := webrtc.ICERoleControlling
	errCh := make(chan error, 1)
	go func() {
		if err := t.ice.Start(nil, toPionICEParameters(t.remote.ICEParameters), &role); err != nil {
			errCh <- fmt.Errorf("start ice: %w", err)
			return
		}
		errCh <- t.dtls.Start(toPionDTLS(t.remote.DTLSParameters))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.setState(StateFailed)
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, opts ProducerOptions) (Producer, error) {
	if t.dir != protocol.DirectionSend {
		return nil, ErrWrongDirection
	}

	return Run(ctx, t.queue, "produce", func(ctx context.Context) (Producer, error) {
		if t.Closed() {
			return nil, ErrTransportClosed
		}
		if opts.Track == nil || opts.Track.Source() == nil {
			return nil, errors.New("produce: track has no rtp source")
		}

		t.mu.Lock()
		onProduce := t.onProduce
		t.mu.Unlock()
		if onProduce == nil {
			return nil, fmt.Errorf("produce: %w", ErrNoHandler)
		}

		if err := t.ensureConnected(ctx); err != nil {
			return nil, err
		}

		sender, err := t.api.NewRTPSender(opts.Track.Source(), t.dtls)
		if err != nil {
			return nil, fmt.Errorf("create rtp sender: %w", err)
		}

		params := sender.GetParameters()
		id, err := onProduce(ctx, opts.Track.Kind(), sendParameters(params, opts.Encodings), opts.AppData)
		if err != nil {
			_ = sender.Stop()
			return nil, err
		}

		if err := sender.Send(params); err != nil {
			_ = sender.Stop()
			return nil, fmt.Errorf("start rtp sender: %w", err)
		}

		p := newPionProducer(id, opts.Track, sender, t)
		t.mu.Lock()
		t.producers[id] = p
		t.mu.Unlock()
		return p, nil
	})
}

func (t *pionTransport) Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error) {
	if t.dir != protocol.DirectionRecv {
		return nil, ErrWrongDirection
	}

	return Run(ctx, t.queue, "consume", func(ctx context.Context) (Consumer, error) {
		if t.Closed() {
			return nil, ErrTransportClosed
		}
		if len(opts.RtpParameters.Encodings) == 0 || len(opts.RtpParameters.Codecs) == 0 {
			return nil, errors.New("consume: rtp parameters carry no encoding")
		}

		if err := t.ensureConnected(ctx); err != nil {
			return nil, err
		}

		receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
		if err != nil {
			return nil, fmt.Errorf("create rtp receiver: %w", err)
		}

		enc := opts.RtpParameters.Encodings[0]
		codec := opts.RtpParameters.Codecs[0]
		if err := receiver.Receive(webrtc.RTPReceiveParameters{
			Encodings: []webrtc.RTPDecodingParameters{{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(enc.SSRC),
					PayloadType: webrtc.PayloadType(codec.PayloadType),
				},
			}},
		}); err != nil {
			_ = receiver.Stop()
			return nil, fmt.Errorf("start rtp receiver: %w", err)
		}

		c := newPionConsumer(opts, receiver, t)
		t.mu.Lock()
		t.consumers[c.id] = c
		t.mu.Unlock()
		return c, nil
	})
}

func (t *pionTransport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *pionTransport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close stops the queue, closes every producer and consumer (firing their
// transport-close handlers) and tears down DTLS and ICE.
func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.closed = true
	producers := make([]*pionProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[string]*pionProducer{}
	t.consumers = map[string]*pionConsumer{}
	t.mu.Unlock()

	_ = t.queue.Stop()

	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.transportClosed()
	}

	err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	t.setState(StateClosed)
	return err
}

// sendParameters describes a sender to the server, advertising the
// requested encoding layers on top of what pion negotiated.
func sendParameters(params webrtc.RTPSendParameters, layers []protocol.RtpEncoding) protocol.RtpParameters {
	out := protocol.RtpParameters{}
	for _, c := range params.Codecs {
		out.Codecs = append(out.Codecs, protocol.RtpCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}

	for i, enc := range params.Encodings {
		e := protocol.RtpEncoding{RID: enc.RID, SSRC: uint32(enc.SSRC)}
		if i < len(layers) {
			e.MaxBitrate = layers[i].MaxBitrate
			e.ScalabilityMode = layers[i].ScalabilityMode
			if e.RID == "" {
				e.RID = layers[i].RID
			}
		}
		out.Encodings = append(out.Encodings, e)
	}
	if len(layers) > len(params.Encodings) {
		out.Encodings = append(out.Encodings, layers[len(params.Encodings):]...)
	}
	return out
}
