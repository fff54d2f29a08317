package media

import (
	"context"
	"encoding/json"
	"errors"
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
	ErrNoRecvTransport = errors.New("no open receive transport")
	// ErrSessionReset means the session was torn down while consuming.
	ErrSessionReset = errors.New("session reset during consume")
)

var clog = util.Scoped("consumer")

// Devices yields a loaded device, rebuilding it if needed.
type Devices interface {
	EnsureLoaded() (webrtc.Device, error)
}

// Subscribed is the outcome of a consume. ConsumerID is empty when nothing
// was subscribed; Err and Reason tell why.
type Subscribed struct {
	ProducerID string
	ConsumerID string
	Kind       protocol.Kind
	Reason     string
	Err        error
}

// OK reports whether a consumer now exists for the producer.
func (s Subscribed) OK() bool { return s.ConsumerID != "" }

// Consumers subscribes to remote producers.
type Consumers struct {
	timeout time.Duration
	state   *session.State
	signal  Signal
	devices Devices
	store   *recovery.Store
	bus     *events.Bus
}

// NewConsumers returns a consumer manager; timeout <= 0 selects
// DefaultTimeout.
func NewConsumers(timeout time.Duration, state *session.State, signal Signal, devices Devices, store *recovery.Store, bus *events.Bus) *Consumers {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Consumers{timeout: timeout, state: state, signal: signal, devices: devices, store: store, bus: bus}
}

// Consume subscribes to producerID and surfaces its stream. It never fails;
// an unusable outcome is reported through events.
func (c *Consumers) Consume(ctx context.Context, producerID string, kind protocol.Kind) Subscribed {
	out := Subscribed{ProducerID: producerID, Kind: kind}
	scope := clog.With(producerID)

	if c.store.Flag(recovery.FlagCleanupInProgress) {
		scope.Debug("cleanup in progress, skipping")
		diag(c.bus, "consumer", ReasonCleanup, map[string]any{"producerId": producerID})
		out.Reason = ReasonCleanup
		return out
	}
	existing, reserved := c.state.ReserveProducer(producerID)
	switch {
	case existing != nil:
		scope.Debug("already consumed by %s", existing.ID())
		out.ConsumerID = existing.ID()
		return out
	case !reserved:
		scope.Debug("consume already in flight")
		out.Reason = ReasonPending
		return out
	}
	committed := false
	defer func() {
		if !committed {
			c.state.ReleaseProducer(producerID)
		}
	}()

	t := c.state.OpenTransport(protocol.DirectionRecv)
	if t == nil {
		return c.fail(out, ReasonNoTransport, ErrNoRecvTransport)
	}
	if !c.signal.Connected() {
		return c.fail(out, ReasonNoSignal, failure.ErrNotConnected)
	}

	dev, err := c.devices.EnsureLoaded()
	if err != nil {
		scope.Warn("no usable device: %v", err)
		diag(c.bus, "consumer", ReasonNoDevice, map[string]any{"producerId": producerID, "error": err.Error()})
		out.Reason, out.Err = ReasonNoDevice, err
		return out
	}
	caps, err := dev.RtpCapabilities()
	if err != nil {
		scope.Warn("device capabilities unavailable: %v", err)
		diag(c.bus, "consumer", ReasonNoDevice, map[string]any{"producerId": producerID, "error": err.Error()})
		out.Reason, out.Err = ReasonNoDevice, err
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw json.RawMessage
	req := protocol.ConsumeRequest{
		RoomID:          c.state.RoomID(),
		TransportID:     t.ID(),
		ProducerID:      producerID,
		RtpCapabilities: caps,
	}
	if err := c.signal.Request(ctx, protocol.OpConsume, req, &raw); err != nil {
		return c.fail(out, reason(c.store, err), err)
	}
	resp, err := protocol.Decode[protocol.ConsumeResponse](raw)
	if err != nil {
		return c.fail(out, ReasonUnknown, err)
	}
	if resp.Kind.Valid() {
		out.Kind = resp.Kind
	}

	cons, err := t.Consume(ctx, webrtc.ConsumerOptions{
		ID:            resp.ID,
		ProducerID:    producerID,
		Kind:          out.Kind,
		RtpParameters: resp.RtpParameters,
	})
	if err != nil {
		return c.fail(out, reason(c.store, err), err)
	}

	stream := webrtc.NewRemoteStream(cons)
	if committed = c.state.CommitConsumer(cons, stream); !committed {
		closeConsumer(cons)
		return c.fail(out, ReasonCleanup, ErrSessionReset)
	}
	cons.OnTransportClose(func() {
		scope.Info("transport closed")
		c.Remove(cons.ID())
	})

	added := events.StreamAdded{ConsumerID: cons.ID(), ProducerID: producerID, Kind: out.Kind, Stream: stream}
	c.bus.Emit(events.NewStream, added)
	c.bus.Emit(events.RemoteStreamAdded, added)

	if err := cons.Resume(); err != nil {
		scope.Warn("resume %s: %v", cons.ID(), err)
	}
	if err := notify(c.signal, protocol.OpResumeConsumer, protocol.ResumeConsumerRequest{ConsumerID: cons.ID()}); err != nil {
		scope.Warn("resumeConsumer not sent: %v", err)
	}

	util.Stats.AddConsumer()
	scope.Success("receiving %s as %s", out.Kind, cons.ID())
	out.ConsumerID = cons.ID()
	return out
}

func (c *Consumers) fail(out Subscribed, why string, err error) Subscribed {
	race := why == ReasonQueueStopped
	if race {
		c.store.SetFlag(recovery.FlagQueueStoppedRecently)
	}

	clog.With(out.ProducerID).Warn("not consumed (%s): %v", why, err)
	c.bus.Emit(events.ConsumerError, events.ConsumerFailure{
		ProducerID: out.ProducerID,
		Kind:       out.Kind,
		Reason:     why,
		Recovery:   race,
		Err:        err,
	})
	diag(c.bus, "consumer", why, map[string]any{"producerId": out.ProducerID, "recovery": race})

	out.Reason, out.Err = why, err
	return out
}

// ConsumeAll consumes every producer in parallel, collecting every outcome.
func (c *Consumers) ConsumeAll(ctx context.Context, producers []protocol.ProducerInfo) []Subscribed {
	workers := pool.NewWithResults[Subscribed]()
	for _, info := range producers {
		workers.Go(func() Subscribed { return c.Consume(ctx, info.ProducerID, info.Kind) })
	}
	return workers.Wait()
}

// Remove closes the consumer id and drops it together with its stream.
func (c *Consumers) Remove(id string) bool {
	cons, stream, ok := c.state.RemoveConsumer(id)
	if !ok {
		return false
	}
	closeConsumer(cons)

	gone := events.StreamGone{ConsumerID: id, ProducerID: cons.ProducerID(), Kind: cons.Kind()}
	if stream != nil {
		gone.Kind = stream.Kind
	}
	c.bus.Emit(events.StreamRemoved, gone)
	c.bus.Emit(events.RemoteStreamRemoved, gone)
	return true
}

// RemoveByProducer removes the consumer receiving producerID.
func (c *Consumers) RemoveByProducer(producerID string) bool {
	cons, ok := c.state.ConsumerByProducer(producerID)
	if !ok {
		return false
	}
	return c.Remove(cons.ID())
}

func closeConsumer(cons webrtc.Consumer) {
	if cons.Closed() {
		return
	}
	if err := cons.Close(); err != nil && !errors.Is(err, webrtc.ErrConsumerClosed) {
		clog.With(cons.ID()).Warn("close: %v", err)
	}
}
