package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/device"
	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/signaling/signalingtest"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
	"github.com/1ureka/rtcall/internal/webrtc/webrtctest"
)

// fakeSignal answers consume requests and records notifications.
type fakeSignal struct {
	mu        sync.Mutex
	connected bool
	consumed  int
	consumeFn func(protocol.ConsumeRequest) (interface{}, error)
	notified  map[protocol.Op][]interface{}
}

func newFakeSignal() *fakeSignal {
	s := &fakeSignal{connected: true, notified: make(map[protocol.Op][]interface{})}
	s.consumeFn = func(req protocol.ConsumeRequest) (interface{}, error) {
		s.consumed++
		return protocol.ConsumeResponse{
			ID:         fmt.Sprintf("consumer-%d", s.consumed),
			ProducerID: req.ProducerID,
			Kind:       protocol.KindAudio,
			RtpParameters: protocol.RtpParameters{
				Codecs:    []protocol.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000}},
				Encodings: []protocol.RtpEncoding{{SSRC: 1234}},
			},
		}, nil
	}
	return s
}

func (s *fakeSignal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignal) Request(ctx context.Context, op protocol.Op, params, result interface{}) error {
	if op != protocol.OpConsume {
		return fmt.Errorf("unexpected %s", op)
	}
	s.mu.Lock()
	v, err := s.consumeFn(params.(protocol.ConsumeRequest))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (s *fakeSignal) Notify(ctx context.Context, op protocol.Op, params interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[op] = append(s.notified[op], params)
	return nil
}

func (s *fakeSignal) notifications(op protocol.Op) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interface{}(nil), s.notified[op]...)
}

type fixture struct {
	state     *session.State
	store     *recovery.Store
	signal    *fakeSignal
	rec       *events.Recorder
	send      *webrtctest.Transport
	recv      *webrtctest.Transport
	producers *Producers
	consumers *Consumers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := recovery.New(0)
	state := session.New(store)
	state.SetRoomID("room-1")
	bus := events.NewBus()
	signal := newFakeSignal()

	devices := device.NewManager(state, store, webrtctest.NewDevice().Factory())
	_, err := devices.Load(webrtctest.RouterCapabilities)
	require.NoError(t, err)

	send := webrtctest.NewTransport("send-1", protocol.DirectionSend)
	var produced int
	var mu sync.Mutex
	send.OnProduce(func(_ context.Context, kind protocol.Kind, _ protocol.RtpParameters, _ map[string]string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		produced++
		return fmt.Sprintf("%s-%d", kind, produced), nil
	})
	recv := webrtctest.NewTransport("recv-1", protocol.DirectionRecv)
	state.SetTransport(send)
	state.SetTransport(recv)

	return &fixture{
		state:     state,
		store:     store,
		signal:    signal,
		rec:       events.NewRecorder(bus),
		send:      send,
		recv:      recv,
		producers: NewProducers(0, state, signal, store, bus),
		consumers: NewConsumers(0, state, signal, devices, store, bus),
	}
}

// ---------------------------------------------------------------------------
// Producers
// ---------------------------------------------------------------------------

func TestProduceKeepsOneProducerPerKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.producers.Produce(ctx, webrtctest.AudioTrack("mic-1"))
	second := f.producers.Produce(ctx, webrtctest.AudioTrack("mic-2"))
	require.False(t, first.Synthetic)
	require.False(t, second.Synthetic)

	prods := f.state.Producers()
	require.Len(t, prods, 1)
	assert.Equal(t, second.ID, prods[protocol.KindAudio].ID())

	fakes := f.send.Producers()
	require.Len(t, fakes, 2)
	assert.True(t, fakes[0].Closed())
	assert.False(t, fakes[1].Closed())
}

func TestVideoIsSimulcast(t *testing.T) {
	f := newFixture(t)
	f.producers.Produce(context.Background(), webrtctest.VideoTrack("cam"))
	f.producers.Produce(context.Background(), webrtctest.AudioTrack("mic"))

	fakes := f.send.Producers()
	require.Len(t, fakes, 2)
	require.Len(t, fakes[0].Encodings, 3)
	assert.Equal(t, uint64(100_000), fakes[0].Encodings[0].MaxBitrate)
	assert.Equal(t, uint64(900_000), fakes[0].Encodings[2].MaxBitrate)
	assert.Empty(t, fakes[1].Encodings)
}

func TestProduceFailuresYieldSyntheticIDs(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		reason string
	}{
		{
			name:   "no transport",
			setup:  func(_ *testing.T, f *fixture) { f.state.ClearTransport(protocol.DirectionSend) },
			reason: ReasonNoTransport,
		},
		{
			name:   "cleanup in progress",
			setup:  func(_ *testing.T, f *fixture) { f.store.SetFlag(recovery.FlagCleanupInProgress) },
			reason: ReasonCleanup,
		},
		{
			name:   "queue stopped",
			setup:  func(t *testing.T, f *fixture) { require.NoError(t, f.send.Queue().Stop()) },
			reason: ReasonQueueStopped,
		},
		{
			name: "timeout",
			setup: func(_ *testing.T, f *fixture) {
				f.producers.timeout = 20 * time.Millisecond
				f.send.Delay(time.Second)
			},
			reason: ReasonTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			out := f.producers.Produce(context.Background(), webrtctest.AudioTrack("mic"))
			assert.True(t, out.Synthetic)
			assert.True(t, util.IsSyntheticID(out.ID))
			assert.Empty(t, f.state.Producers())

			ev, ok := f.rec.Last(events.ProducerError)
			require.True(t, ok)
			assert.Equal(t, tt.reason, ev.Payload.(events.ProducerFailure).Reason)
			assert.Equal(t, 1, f.rec.Count(events.Diagnostic))
		})
	}
}

func TestQueueStoppedProduceIsFlagged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send.Queue().Stop())

	out := f.producers.PublishStream(context.Background(), webrtc.NewLocalStream(webrtctest.AudioTrack("mic")))
	assert.True(t, Races(out))
	assert.True(t, f.store.Flag(recovery.FlagQueueStoppedRecently))
}

func TestEndedTrackIsReported(t *testing.T) {
	f := newFixture(t)
	track := webrtctest.VideoTrack("cam")
	out := f.producers.Produce(context.Background(), track)
	require.False(t, out.Synthetic)

	track.End()

	assert.Empty(t, f.state.Producers())
	assert.True(t, f.send.Producers()[0].Closed())
	notices := f.signal.notifications(protocol.OpProducerClosed)
	require.Len(t, notices, 1)
	notice := notices[0].(protocol.ProducerClosedNotice)
	assert.Equal(t, out.ID, notice.ProducerID)
	assert.Equal(t, "room-1", notice.RoomID)
}

func TestTransportCloseDropsProducers(t *testing.T) {
	f := newFixture(t)
	f.producers.Produce(context.Background(), webrtctest.AudioTrack("mic"))
	require.Len(t, f.state.Producers(), 1)

	require.NoError(t, f.send.Close())
	assert.Empty(t, f.state.Producers())
	assert.Empty(t, f.signal.notifications(protocol.OpProducerClosed))
}

func TestPublishStream(t *testing.T) {
	f := newFixture(t)
	ls := webrtc.NewLocalStream(webrtctest.AudioTrack("mic"), webrtctest.VideoTrack("cam"))

	out := f.producers.PublishStream(context.Background(), ls)
	assert.Len(t, out, 2)
	assert.False(t, Races(out))
	assert.Len(t, f.state.Producers(), 2)
	assert.Nil(t, f.producers.PublishStream(context.Background(), nil))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.producers.Pause(protocol.KindAudio), ErrNoProducer)

	f.producers.Produce(context.Background(), webrtctest.AudioTrack("mic"))
	prod := f.state.Producer(protocol.KindAudio)

	require.NoError(t, f.producers.Pause(protocol.KindAudio))
	assert.True(t, prod.Paused())
	require.NoError(t, f.producers.Resume(protocol.KindAudio))
	assert.False(t, prod.Paused())

	f.producers.Close(protocol.KindAudio)
	assert.True(t, prod.Closed())
	assert.ErrorIs(t, f.producers.Resume(protocol.KindAudio), ErrNoProducer)
}

// ---------------------------------------------------------------------------
// Consumers
// ---------------------------------------------------------------------------

func TestConsumeSurfacesStream(t *testing.T) {
	f := newFixture(t)

	out := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	require.True(t, out.OK())
	assert.Equal(t, "consumer-1", out.ConsumerID)

	consumers := f.state.Consumers()
	streams := f.state.RemoteStreams()
	require.Len(t, consumers, 1)
	require.Len(t, streams, 1)
	assert.Contains(t, consumers, out.ConsumerID)
	assert.Contains(t, streams, out.ConsumerID)
	assert.False(t, consumers[out.ConsumerID].Paused())

	ev, ok := f.rec.Last(events.NewStream)
	require.True(t, ok)
	added := ev.Payload.(events.StreamAdded)
	assert.Equal(t, protocol.KindAudio, added.Kind)
	assert.Equal(t, "p1", added.ProducerID)
	assert.Equal(t, 1, f.rec.Count(events.RemoteStreamAdded))

	resumes := f.signal.notifications(protocol.OpResumeConsumer)
	require.Len(t, resumes, 1)
	assert.Equal(t, out.ConsumerID, resumes[0].(protocol.ResumeConsumerRequest).ConsumerID)
}

func TestConsumeOncePerProducer(t *testing.T) {
	f := newFixture(t)
	first := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	second := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)

	assert.Equal(t, first.ConsumerID, second.ConsumerID)
	assert.Len(t, f.state.Consumers(), 1)
	assert.Equal(t, 1, f.rec.Count(events.NewStream))
}

func TestConcurrentConsumeSubscribesOnce(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	answer := f.signal.consumeFn
	f.signal.consumeFn = func(req protocol.ConsumeRequest) (interface{}, error) {
		close(started)
		<-release
		return answer(req)
	}

	first := make(chan Subscribed, 1)
	go func() { first <- f.consumers.Consume(context.Background(), "p1", protocol.KindAudio) }()
	<-started

	second := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	assert.False(t, second.OK())
	assert.Equal(t, ReasonPending, second.Reason)
	assert.NoError(t, second.Err)

	close(release)
	out := <-first
	require.True(t, out.OK())

	assert.Len(t, f.state.Consumers(), 1)
	assert.Len(t, f.recv.Consumers(), 1)
	assert.Equal(t, 1, f.rec.Count(events.NewStream))

	again := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	assert.Equal(t, out.ConsumerID, again.ConsumerID)
}

func TestConsumeAfterResetIsDiscarded(t *testing.T) {
	f := newFixture(t)

	answer := f.signal.consumeFn
	f.signal.consumeFn = func(req protocol.ConsumeRequest) (interface{}, error) {
		f.state.Reset()
		return answer(req)
	}

	out := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	assert.False(t, out.OK())
	assert.Equal(t, ReasonCleanup, out.Reason)
	assert.ErrorIs(t, out.Err, ErrSessionReset)

	assert.Empty(t, f.state.Consumers())
	assert.Empty(t, f.state.RemoteStreams())
	built := f.recv.Consumers()
	require.Len(t, built, 1)
	assert.True(t, built[0].Closed())
	assert.Zero(t, f.rec.Count(events.NewStream))
}

func TestConsumeQueueStoppedRace(t *testing.T) {
	f := newFixture(t)
	kept := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	require.True(t, kept.OK())
	f.producers.Produce(context.Background(), webrtctest.AudioTrack("mic"))

	require.NoError(t, f.recv.Queue().Stop())
	out := f.consumers.Consume(context.Background(), "p2", protocol.KindVideo)

	assert.False(t, out.OK())
	assert.Equal(t, ReasonQueueStopped, out.Reason)
	ev, ok := f.rec.Last(events.ConsumerError)
	require.True(t, ok)
	assert.True(t, ev.Payload.(events.ConsumerFailure).Recovery)
	assert.True(t, f.store.Flag(recovery.FlagQueueStoppedRecently))

	assert.Len(t, f.state.Consumers(), 1)
	assert.Len(t, f.state.RemoteStreams(), 1)
	assert.Len(t, f.state.Producers(), 1)
}

func TestConsumeRebuildsDevice(t *testing.T) {
	f := newFixture(t)
	f.state.SetDevice(nil)

	out := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	assert.True(t, out.OK())
	assert.NotNil(t, f.state.Device())
}

func TestConsumeWithoutDevice(t *testing.T) {
	store := recovery.New(0)
	state := session.New(store)
	bus := events.NewBus()
	rec := events.NewRecorder(bus)
	state.SetTransport(webrtctest.NewTransport("recv-1", protocol.DirectionRecv))
	devices := device.NewManager(state, store, webrtctest.NewDevice().Factory())

	c := NewConsumers(0, state, newFakeSignal(), devices, store, bus)
	out := c.Consume(context.Background(), "p1", protocol.KindAudio)

	assert.False(t, out.OK())
	assert.Equal(t, ReasonNoDevice, out.Reason)
	assert.Equal(t, 1, rec.Count(events.Diagnostic))
	assert.Zero(t, rec.Count(events.ConsumerError))
}

func TestConsumeAbsorbsErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		reason string
	}{
		{
			name: "producer unknown",
			setup: func(_ *testing.T, f *fixture) {
				f.signal.consumeFn = func(protocol.ConsumeRequest) (interface{}, error) {
					return nil, signalingtest.Error(protocol.CodeNotFound, "producer not found")
				}
			},
			reason: ReasonUnknown,
		},
		{
			name: "invalid reply",
			setup: func(_ *testing.T, f *fixture) {
				f.signal.consumeFn = func(protocol.ConsumeRequest) (interface{}, error) {
					return map[string]string{"id": ""}, nil
				}
			},
			reason: ReasonUnknown,
		},
		{
			name:   "no transport",
			setup:  func(_ *testing.T, f *fixture) { f.state.ClearTransport(protocol.DirectionRecv) },
			reason: ReasonNoTransport,
		},
		{
			name:   "no signaling",
			setup:  func(_ *testing.T, f *fixture) { f.signal.connected = false },
			reason: ReasonNoSignal,
		},
		{
			name: "timeout",
			setup: func(_ *testing.T, f *fixture) {
				f.consumers.timeout = 20 * time.Millisecond
				f.recv.Delay(time.Second)
			},
			reason: ReasonTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			out := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
			assert.False(t, out.OK())
			assert.Equal(t, tt.reason, out.Reason)
			assert.Empty(t, f.state.Consumers())
			assert.Empty(t, f.state.RemoteStreams())

			ev, ok := f.rec.Last(events.ConsumerError)
			require.True(t, ok)
			assert.False(t, ev.Payload.(events.ConsumerFailure).Recovery)
		})
	}
}

func TestTransportCloseRemovesStreams(t *testing.T) {
	f := newFixture(t)
	f.consumers.ConsumeAll(context.Background(), []protocol.ProducerInfo{
		{ProducerID: "p1", Kind: protocol.KindAudio},
		{ProducerID: "p2", Kind: protocol.KindVideo},
	})
	require.Len(t, f.state.Consumers(), 2)

	require.NoError(t, f.recv.Close())
	assert.Empty(t, f.state.Consumers())
	assert.Empty(t, f.state.RemoteStreams())
	assert.Equal(t, 2, f.rec.Count(events.StreamRemoved))
	assert.Equal(t, 2, f.rec.Count(events.RemoteStreamRemoved))
}

func TestRemoveByProducer(t *testing.T) {
	f := newFixture(t)
	out := f.consumers.Consume(context.Background(), "p1", protocol.KindAudio)
	require.True(t, out.OK())
	cons, _ := f.state.Consumer(out.ConsumerID)

	assert.True(t, f.consumers.RemoveByProducer("p1"))
	assert.False(t, f.consumers.RemoveByProducer("p1"))
	assert.True(t, cons.Closed())
	assert.Empty(t, f.state.RemoteStreams())

	ev, ok := f.rec.Last(events.StreamRemoved)
	require.True(t, ok)
	assert.Equal(t, out.ConsumerID, ev.Payload.(events.StreamGone).ConsumerID)
}
