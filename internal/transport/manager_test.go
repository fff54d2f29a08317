package transport

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/signaling/signalingtest"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
	"github.com/1ureka/rtcall/internal/webrtc/webrtctest"
)

type replyFunc func(ctx context.Context, params interface{}) (interface{}, error)

// fakeSignal answers requests in-process.
type fakeSignal struct {
	mu        sync.Mutex
	connected bool
	connects  int
	replies   map[protocol.Op]replyFunc
	calls     map[protocol.Op]int
}

func newFakeSignal() *fakeSignal {
	s := &fakeSignal{
		connected: true,
		replies:   make(map[protocol.Op]replyFunc),
		calls:     make(map[protocol.Op]int),
	}
	s.reply(protocol.OpCreateTransport, func(_ context.Context, params interface{}) (interface{}, error) {
		req := params.(protocol.CreateTransportRequest)
		s.mu.Lock()
		n := s.calls[protocol.OpCreateTransport]
		s.mu.Unlock()
		return signalingtest.TransportParams(string(req.Direction) + "-" + string(rune('0'+n))), nil
	})
	s.reply(protocol.OpProduce, func(_ context.Context, params interface{}) (interface{}, error) {
		req := params.(protocol.ProduceRequest)
		return protocol.ProduceResponse{ID: "server-" + string(req.Kind)}, nil
	})
	return s
}

func (s *fakeSignal) reply(op protocol.Op, fn replyFunc) {
	s.mu.Lock()
	s.replies[op] = fn
	s.mu.Unlock()
}

func (s *fakeSignal) count(op protocol.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeSignal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignal) Connect(context.Context) (*signaling.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	s.connected = true
	return nil, nil
}

func (s *fakeSignal) Request(ctx context.Context, op protocol.Op, params, result interface{}) error {
	s.mu.Lock()
	s.calls[op]++
	fn := s.replies[op]
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	v, err := fn(ctx, params)
	if err != nil {
		return err
	}
	if result != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

type fixture struct {
	mgr    *Manager
	state  *session.State
	signal *fakeSignal
	dev    *webrtctest.Device
	store  *recovery.Store
	rec    *events.Recorder
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()

	opts := DefaultOptions()
	opts.CloseSettle = 0
	opts.RecreateDelay = 10 * time.Millisecond
	opts.CreateTimeout = time.Second
	for _, fn := range tweak {
		fn(&opts)
	}

	store := recovery.New(0)
	state := session.New(store)
	bus := events.NewBus()
	dev := webrtctest.NewDevice()
	devices := device.NewManager(state, store, dev.Factory())
	_, err := devices.Load(webrtctest.RouterCapabilities)
	require.NoError(t, err)

	signal := newFakeSignal()
	mgr := NewManager(opts, state, signal, devices, store, bus)
	t.Cleanup(mgr.Reset)

	return &fixture{mgr: mgr, state: state, signal: signal, dev: dev, store: store, rec: events.NewRecorder(bus)}
}

func TestCreateBothDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	send, err := f.mgr.CreateSend(ctx, "room-1")
	require.NoError(t, err)
	recv, err := f.mgr.CreateRecv(ctx, "room-1")
	require.NoError(t, err)

	assert.Equal(t, protocol.DirectionSend, send.Direction())
	assert.Equal(t, protocol.DirectionRecv, recv.Direction())
	assert.Same(t, send, f.state.Transport(protocol.DirectionSend))
	assert.Same(t, recv, f.state.Transport(protocol.DirectionRecv))
	assert.Equal(t, PhaseReady, f.mgr.Phase(protocol.DirectionSend))
	assert.Equal(t, PhaseReady, f.mgr.Phase(protocol.DirectionRecv))
}

func TestConcurrentCreateReusesResult(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	base := f.signal.replies[protocol.OpCreateTransport]
	f.signal.reply(protocol.OpCreateTransport, func(ctx context.Context, params interface{}) (interface{}, error) {
		<-release
		return base(ctx, params)
	})

	results := make(chan webrtc.Transport, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tr, err := f.mgr.CreateSend(context.Background(), "room-1")
			assert.NoError(t, err)
			results <- tr
		}()
	}

	assert.Eventually(t, func() bool { return f.mgr.Phase(protocol.DirectionSend) == PhaseCreating }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	assert.Same(t, a, b)
	assert.Equal(t, 1, f.signal.count(protocol.OpCreateTransport))
}

func TestCreateReplacesPreviousTransport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.CreateSend(ctx, "room-1")
	require.NoError(t, err)
	second, err := f.mgr.CreateSend(ctx, "room-1")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, first.Closed())
	assert.True(t, first.Queue().Stopped())
	assert.Same(t, second, f.state.Transport(protocol.DirectionSend))
}

func TestCreateRejectsOnTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CreateTimeout = 30 * time.Millisecond })
	f.signal.reply(protocol.OpCreateTransport, func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.mgr.CreateRecv(context.Background(), "room-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PhaseIdle, f.mgr.Phase(protocol.DirectionRecv))
	assert.Nil(t, f.state.Transport(protocol.DirectionRecv))
}

func TestRequirementsAreRecovered(t *testing.T) {
	f := newFixture(t)
	f.signal.connected = false
	f.state.SetDevice(nil)

	_, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.signal.connects)
	assert.NotNil(t, f.state.Device(), "device rebuilt from cached capabilities")
}

func TestMissingRequirements(t *testing.T) {
	store := recovery.New(0)
	state := session.New(store)
	devices := device.NewManager(state, store, webrtctest.NewDevice().Factory())
	mgr := NewManager(DefaultOptions(), state, newFakeSignal(), devices, store, events.NewBus())

	_, err := mgr.CreateSend(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrMissingRequirements)
	assert.ErrorIs(t, err, device.ErrNoCapabilities)
}

func TestConnectRetriesThenProceeds(t *testing.T) {
	f := newFixture(t)
	f.signal.reply(protocol.OpConnectTransport, func(context.Context, interface{}) (interface{}, error) {
		return nil, errors.New("dtls rejected")
	})

	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)

	p, err := send.Produce(context.Background(), webrtc.ProducerOptions{Track: webrtctest.AudioTrack("mic")})
	require.NoError(t, err)
	assert.Equal(t, "server-audio", p.ID())
	assert.Equal(t, 3, f.signal.count(protocol.OpConnectTransport))
	assert.Equal(t, 1, f.rec.Count(events.TransportError))
}

func TestProduceFallsBackToSyntheticID(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ProduceTimeout = 20 * time.Millisecond })
	f.signal.reply(protocol.OpProduce, func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)

	p, err := send.Produce(context.Background(), webrtc.ProducerOptions{Track: webrtctest.VideoTrack("cam")})
	require.NoError(t, err)
	assert.True(t, util.IsSyntheticID(p.ID()))

	ev, ok := f.rec.Last(events.ProducerError)
	require.True(t, ok)
	assert.Equal(t, protocol.KindVideo, ev.Payload.(events.ProducerFailure).Kind)
}

func TestSafeCloseTolerance(t *testing.T) {
	f := newFixture(t)
	tr := webrtctest.NewTransport("t", protocol.DirectionSend)

	require.NoError(t, tr.Queue().Stop())
	assert.NoError(t, f.mgr.SafeClose(tr))
	assert.NoError(t, f.mgr.SafeClose(tr))
	assert.Equal(t, 2, tr.CloseCalls())
	assert.NoError(t, f.mgr.SafeClose(nil))

	broken := webrtctest.NewTransport("b", protocol.DirectionRecv)
	broken.FailClose(errors.New("socket gone"))
	assert.Error(t, f.mgr.SafeClose(broken))
}

func TestStopQueuesFailsPendingWork(t *testing.T) {
	f := newFixture(t)
	recv, err := f.mgr.CreateRecv(context.Background(), "room-1")
	require.NoError(t, err)
	f.dev.Transport(protocol.DirectionRecv).Delay(time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := recv.Consume(context.Background(), webrtc.ConsumerOptions{ID: "c", ProducerID: "p", Kind: protocol.KindAudio})
		errCh <- err
	}()
	assert.Eventually(t, func() bool { return recv.Queue().Pending() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, f.mgr.StopQueues(10*time.Millisecond))
	assert.ErrorIs(t, <-errCh, webrtc.ErrQueueStopped)
	assert.NoError(t, f.mgr.StopQueues(0), "stopping again is tolerated")
}

func TestStopQueuesOfDetachedTransports(t *testing.T) {
	f := newFixture(t)
	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)
	f.state.Reset()

	require.NoError(t, f.mgr.StopQueues(0, send, nil))
	assert.True(t, send.Queue().Stopped())
}

func TestCloseMovesThroughPhases(t *testing.T) {
	f := newFixture(t)
	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Close(protocol.DirectionSend))
	assert.True(t, send.Closed())
	assert.Nil(t, f.state.Transport(protocol.DirectionSend))
	assert.Equal(t, PhaseClosed, f.mgr.Phase(protocol.DirectionSend))

	f.mgr.Reset()
	assert.Equal(t, PhaseIdle, f.mgr.Phase(protocol.DirectionSend))
}

func TestFailedTransportIsRecreated(t *testing.T) {
	f := newFixture(t)
	recreated := make(chan webrtc.Transport, 1)
	f.mgr.OnSendRecreated(func(_ context.Context, tr webrtc.Transport) { recreated <- tr })

	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)
	f.dev.Transport(protocol.DirectionSend).SetConnectionState(webrtc.StateFailed)

	select {
	case tr := <-recreated:
		assert.NotSame(t, send, tr)
		assert.True(t, send.Closed())
		assert.Same(t, tr, f.state.Transport(protocol.DirectionSend))
	case <-time.After(2 * time.Second):
		t.Fatal("send transport was not recreated")
	}
	assert.Len(t, f.store.Entries(), 1)
}

func TestNoRecreationDuringCleanup(t *testing.T) {
	f := newFixture(t)
	send, err := f.mgr.CreateSend(context.Background(), "room-1")
	require.NoError(t, err)

	f.store.SetFlag(recovery.FlagCleanupInProgress)
	f.dev.Transport(protocol.DirectionSend).SetConnectionState(webrtc.StateFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Same(t, send, f.state.Transport(protocol.DirectionSend))
	assert.Equal(t, 1, f.signal.count(protocol.OpCreateTransport))
}
