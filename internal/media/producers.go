package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var (
	ErrNoSendTransport = errors.New("no open send transport")
	ErrNoProducer      = errors.New("no producer for kind")
)

var plog = util.Scoped("producer")

// SimulcastEncodings returns the three video layers, lowest first.
func SimulcastEncodings() []protocol.RtpEncoding {
	return []protocol.RtpEncoding{
		{RID: "r0", MaxBitrate: 100_000, ScalabilityMode: "S1T3"},
		{RID: "r1", MaxBitrate: 300_000, ScalabilityMode: "S1T3"},
		{RID: "r2", MaxBitrate: 900_000, ScalabilityMode: "S1T3"},
	}
}

// Published is the outcome of a produce. When Synthetic is set the track is
// not flowing and ID is a local placeholder; Err tells why.
type Published struct {
	Kind      protocol.Kind
	ID        string
	Synthetic bool
	Err       error
}

// Producers publishes at most one local track per kind.
type Producers struct {
	timeout time.Duration
	state   *session.State
	signal  Signal
	store   *recovery.Store
	bus     *events.Bus
}

// NewProducers returns a producer manager; timeout <= 0 selects
// DefaultTimeout.
func NewProducers(timeout time.Duration, state *session.State, signal Signal, store *recovery.Store, bus *events.Bus) *Producers {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Producers{timeout: timeout, state: state, signal: signal, store: store, bus: bus}
}

// Produce publishes track on the send transport, replacing any producer of
// the same kind. It never fails: problems yield a synthetic id.
func (p *Producers) Produce(ctx context.Context, track webrtc.LocalTrack) Published {
	kind := track.Kind()
	scope := plog.With(string(kind))

	if p.store.Flag(recovery.FlagCleanupInProgress) {
		return p.fallback(kind, ReasonCleanup, nil)
	}

	t := p.state.OpenTransport(protocol.DirectionSend)
	if t == nil {
		return p.fallback(kind, ReasonNoTransport, ErrNoSendTransport)
	}

	if prev := p.state.TakeProducer(kind); prev != nil {
		scope.Debug("closing previous producer %s", prev.ID())
		closeProducer(prev)
	}

	opts := webrtc.ProducerOptions{
		Track:   track,
		AppData: map[string]string{"kind": string(kind)},
	}
	if kind == protocol.KindVideo {
		opts.Encodings = SimulcastEncodings()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prod, err := t.Produce(ctx, opts)
	if err != nil {
		return p.fallback(kind, reason(p.store, err), err)
	}

	// A concurrent Produce of the same kind may have stored its own.
	if prev := p.state.SetProducer(prod); prev != nil && prev != prod {
		closeProducer(prev)
	}
	p.watch(prod)

	util.Stats.AddProducer()
	scope.Success("publishing %s", prod.ID())
	return Published{Kind: kind, ID: prod.ID()}
}

func (p *Producers) fallback(kind protocol.Kind, why string, err error) Published {
	id := util.SyntheticID("producer")
	util.Stats.AddSynthetic()
	if why == ReasonQueueStopped {
		p.store.SetFlag(recovery.FlagQueueStoppedRecently)
	}

	plog.With(string(kind)).Warn("not published (%s), using %s: %v", why, id, err)
	p.bus.Emit(events.ProducerError, events.ProducerFailure{Kind: kind, Reason: why, ID: id, Err: err})
	diag(p.bus, "producer", why, map[string]any{"kind": kind, "id": id})
	return Published{Kind: kind, ID: id, Synthetic: true, Err: err}
}

// watch drops prod when its transport closes or its track ends. An ended
// track is also reported to the server so peers stop expecting it.
func (p *Producers) watch(prod webrtc.Producer) {
	scope := plog.With(string(prod.Kind()))

	prod.OnTransportClose(func() {
		if p.state.RemoveProducerIf(prod) {
			scope.Info("transport closed, dropped %s", prod.ID())
		}
		closeProducer(prod)
	})

	prod.OnTrackEnded(func() {
		p.state.RemoveProducerIf(prod)
		closeProducer(prod)
		scope.Info("track ended, closed %s", prod.ID())

		notice := protocol.ProducerClosedNotice{RoomID: p.state.RoomID(), ProducerID: prod.ID(), Kind: prod.Kind()}
		if err := notify(p.signal, protocol.OpProducerClosed, notice); err != nil {
			scope.Debug("producerClosed not sent: %v", err)
		}
	})
}

// PublishStream produces every track of ls, audio and video independently.
func (p *Producers) PublishStream(ctx context.Context, ls *webrtc.LocalStream) []Published {
	if ls == nil {
		return nil
	}

	workers := pool.NewWithResults[Published]()
	for _, kind := range []protocol.Kind{protocol.KindAudio, protocol.KindVideo} {
		track := ls.Track(kind)
		if track == nil {
			continue
		}
		workers.Go(func() Published { return p.Produce(ctx, track) })
	}
	return workers.Wait()
}

// Pause stops sending kind without renegotiating.
func (p *Producers) Pause(kind protocol.Kind) error {
	prod := p.state.Producer(kind)
	if prod == nil {
		return fmt.Errorf("pause %s: %w", kind, ErrNoProducer)
	}
	return prod.Pause()
}

// Resume restarts sending kind.
func (p *Producers) Resume(kind protocol.Kind) error {
	prod := p.state.Producer(kind)
	if prod == nil {
		return fmt.Errorf("resume %s: %w", kind, ErrNoProducer)
	}
	return prod.Resume()
}

// Close closes and forgets the producer of kind, if any.
func (p *Producers) Close(kind protocol.Kind) {
	if prod := p.state.TakeProducer(kind); prod != nil {
		closeProducer(prod)
	}
}

func closeProducer(prod webrtc.Producer) {
	if prod.Closed() {
		return
	}
	if err := prod.Close(); err != nil && !errors.Is(err, webrtc.ErrProducerClosed) {
		plog.With(string(prod.Kind())).Warn("close %s: %v", prod.ID(), err)
	}
}

// Races reports whether any outcome lost against a queue shutdown.
func Races(out []Published) bool {
	for _, o := range out {
		if failure.IsRace(o.Err) {
			return true
		}
	}
	return false
}
