package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/app"
	"github.com/1ureka/rtcall/internal/auth"
	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/signaling/signalingtest"
	"github.com/1ureka/rtcall/internal/webrtc"
	"github.com/1ureka/rtcall/internal/webrtc/webrtctest"
)

const wait = 2 * time.Second

type creds struct {
	refreshes atomic.Int32
}

func (c *creds) Identity(context.Context) (auth.Identity, error) {
	return auth.Identity{Token: "tok", UserID: "u1"}, nil
}

func (c *creds) Refresh() { c.refreshes.Add(1) }

type capturer struct {
	tracks []webrtc.LocalTrack
	err    error
}

func (c *capturer) Acquire(context.Context, bool) (*webrtc.LocalStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return webrtc.NewLocalStream(c.tracks...), nil
}

type fixture struct {
	srv    *signalingtest.Server
	room   *signalingtest.Room
	dev    *webrtctest.Device
	store  *recovery.Store
	client *signaling.Client
	creds  *creds
	rec    *events.Recorder
	call   *app.Call

	audio *webrtc.MediaTrack
	video *webrtc.MediaTrack
}

func newFixture(t *testing.T, tweak ...func(*app.Options, *app.Deps)) *fixture {
	t.Helper()

	f := &fixture{
		srv:   signalingtest.NewServer(),
		dev:   webrtctest.NewDevice(),
		store: recovery.New(0),
		audio: webrtctest.AudioTrack("mic"),
		video: webrtctest.VideoTrack("cam"),
	}
	t.Cleanup(f.srv.Close)
	f.room = signalingtest.InstallRoom(f.srv, webrtctest.RouterCapabilities)

	sopts := signaling.DefaultOptions(f.srv.URL())
	sopts.HeartbeatInterval = 0
	sopts.DisconnectGrace = 10 * time.Millisecond
	sopts.Reconnect = signaling.ReconnectOptions{MaxAttempts: 1, InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
	sopts.RateLimit = signaling.LimitOptions{}

	bus := events.NewBus()
	f.rec = events.NewRecorder(bus)
	f.creds = &creds{}
	f.client = signaling.New(sopts, f.creds, f.store, bus)

	opts := app.DefaultOptions()
	opts.UserID = "u1"
	opts.QueueDrain = 10 * time.Millisecond
	opts.CleanupSettle = 0
	opts.RaceSettle = 10 * time.Millisecond
	opts.MediaTimeout = time.Second
	opts.Transport.CloseSettle = 0
	opts.Transport.RecreateDelay = 10 * time.Millisecond
	opts.Transport.CreateTimeout = time.Second

	deps := app.Deps{
		Signal:   f.client,
		Creds:    f.creds,
		Store:    f.store,
		Bus:      bus,
		Devices:  f.dev.Factory(),
		Capturer: &capturer{tracks: []webrtc.LocalTrack{f.audio, f.video}},
	}
	for _, fn := range tweak {
		fn(&opts, &deps)
	}

	f.call = app.New(opts, deps)
	t.Cleanup(func() { _ = f.call.Cleanup(context.Background()) })
	return f
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.call.Initialize(context.Background(), "room-1", true))
}

func (f *fixture) producer(kind protocol.Kind) *webrtctest.Producer {
	send := f.dev.Transport(protocol.DirectionSend)
	if send == nil {
		return nil
	}
	for _, p := range send.Producers() {
		if p.Kind() == kind && !p.Closed() {
			return p
		}
	}
	return nil
}

func TestInitializeJoinsRoom(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	ev, ok := f.rec.Last(events.WebRTCInitialized)
	require.True(t, ok)
	assert.False(t, ev.Payload.(events.Initialized).Degraded)

	ev, ok = f.rec.Last(events.CallConnected)
	require.True(t, ok)
	assert.False(t, ev.Payload.(events.Connected).Recovered)
	assert.Equal(t, 1, f.rec.Count(events.CallJoined))

	snap := f.call.Snapshot()
	assert.Equal(t, "room-1", snap.RoomID)
	assert.True(t, snap.HasDevice)
	assert.True(t, snap.HasSend)
	assert.True(t, snap.HasRecv)
	assert.ElementsMatch(t, []protocol.Kind{protocol.KindAudio, protocol.KindVideo}, snap.Producers)
	assert.Equal(t, app.PhaseJoined, f.call.Phase())

	assert.True(t, f.srv.WaitCalls(protocol.OpFinishJoining, 1, wait))
	assert.Equal(t, 2, f.srv.CallCount(protocol.OpProduce))
}

func TestVideoIsPublishedWithSimulcast(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	for _, raw := range f.srv.Calls(protocol.OpProduce) {
		var req protocol.ProduceRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		switch req.Kind {
		case protocol.KindVideo:
			assert.Len(t, req.RtpParameters.Encodings, 3)
		case protocol.KindAudio:
			assert.Empty(t, req.RtpParameters.Encodings)
		}
	}
}

func TestInitializeConsumesExistingProducers(t *testing.T) {
	f := newFixture(t)
	f.room.AddProducer(protocol.ProducerInfo{ProducerID: "remote-audio", Kind: protocol.KindAudio})
	f.initialize(t)

	assert.Equal(t, 1, f.rec.Count(events.RemoteStreamAdded))
	snap := f.call.Snapshot()
	assert.Len(t, snap.Consumers, 1)
	assert.Len(t, snap.RemoteStreams, 1)
	assert.True(t, f.srv.WaitCalls(protocol.OpResumeConsumer, 1, wait))
}

func TestPushedProducersComeAndGo(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	f.room.AddProducer(protocol.ProducerInfo{ProducerID: "remote-video", Kind: protocol.KindVideo})
	require.NoError(t, f.srv.Push(protocol.EventNewProducer, protocol.NewProducerEvent{ProducerID: "remote-video", Kind: protocol.KindVideo}))

	ev, ok := f.rec.Wait(events.RemoteStreamAdded, wait)
	require.True(t, ok)
	assert.Equal(t, "remote-video", ev.Payload.(events.StreamAdded).ProducerID)

	require.NoError(t, f.srv.Push(protocol.EventProducerClosed, protocol.ProducerClosedNotice{ProducerID: "remote-video"}))
	_, ok = f.rec.Wait(events.RemoteStreamRemoved, wait)
	require.True(t, ok)
	assert.Empty(t, f.call.Snapshot().Consumers)
}

func TestParticipantPushesAreForwarded(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.srv.Push(protocol.EventParticipantJoined, protocol.ParticipantEvent{RoomID: "room-1", UserID: "u2"}))
	ev, ok := f.rec.Wait(events.ParticipantJoined, wait)
	require.True(t, ok)
	assert.Equal(t, events.Participant{RoomID: "room-1", UserID: "u2"}, ev.Payload)
}

func TestQueueStoppedRaceRecovers(t *testing.T) {
	f := newFixture(t)
	f.dev.OnTransport(func(tr *webrtctest.Transport) {
		if tr.Direction() == protocol.DirectionSend {
			tr.FailProduce(webrtc.ErrQueueStopped)
		}
	})
	f.initialize(t)

	ev, ok := f.rec.Last(events.CallConnected)
	require.True(t, ok)
	assert.True(t, ev.Payload.(events.Connected).Recovered)
	assert.Zero(t, f.rec.Count(events.ConnectionFailed))

	snap := f.call.Snapshot()
	assert.Equal(t, "room-1", snap.RoomID)
	assert.True(t, snap.HasConn)
	assert.False(t, snap.HasSend)
	assert.True(t, f.store.Flag(recovery.FlagRaceRecovered))
	assert.True(t, f.client.Connected())
}

func TestRepeatedRaceIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.dev.OnTransport(func(tr *webrtctest.Transport) {
		if tr.Direction() == protocol.DirectionSend {
			tr.FailProduce(webrtc.ErrQueueStopped)
		}
	})
	f.initialize(t)
	require.Equal(t, 1, f.rec.Count(events.CallConnected))

	f.initialize(t)

	assert.Equal(t, 1, f.rec.Count(events.CallConnected), "second race must not recover again")
	assert.Equal(t, 1, countDiag(f.rec, "recovery", "throttled"))
	ev, ok := f.rec.Last(events.WebRTCInitialized)
	require.True(t, ok)
	assert.True(t, ev.Payload.(events.Initialized).Degraded)
	assert.True(t, f.call.Snapshot().HasSend, "a throttled race leaves the session standing")
}

func countDiag(rec *events.Recorder, scope, message string) int {
	n := 0
	for _, ev := range rec.Events(events.Diagnostic) {
		if d := ev.Payload.(events.Diag); d.Scope == scope && d.Message == message {
			n++
		}
	}
	return n
}

func TestAuthErrorRefreshesCredentials(t *testing.T) {
	tests := []struct {
		name     string
		nilCreds bool
	}{
		{name: "with credentials"},
		{name: "without credentials", nilCreds: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *app.Options, d *app.Deps) {
				o.JoinAttempts = 2
				o.JoinBackoff = 10 * time.Millisecond
				if tt.nilCreds {
					d.Creds = nil
				}
			})

			var joins atomic.Int32
			f.srv.Handle(protocol.OpJoinRoom, func(json.RawMessage) (interface{}, error) {
				if joins.Add(1) == 1 {
					return nil, signalingtest.Error(protocol.CodeUnauthorized, "token expired")
				}
				return protocol.JoinRoomResponse{RtpCapabilities: webrtctest.RouterCapabilities}, nil
			})

			f.initialize(t)

			assert.Equal(t, app.PhaseJoined, f.call.Phase())
			assert.Equal(t, 2, f.srv.CallCount(protocol.OpJoinRoom))
			want := int32(1)
			if tt.nilCreds {
				want = 0
			}
			assert.Equal(t, want, f.creds.refreshes.Load())
		})
	}
}

func TestCleanupEmptiesFullSession(t *testing.T) {
	f := newFixture(t)
	f.room.AddProducer(protocol.ProducerInfo{ProducerID: "remote-audio", Kind: protocol.KindAudio})
	f.initialize(t)

	send := f.dev.Transport(protocol.DirectionSend)
	recv := f.dev.Transport(protocol.DirectionRecv)
	producers := send.Producers()
	consumers := recv.Consumers()
	require.Len(t, producers, 2)
	require.Len(t, consumers, 1)

	require.NoError(t, f.call.Cleanup(context.Background()))

	assert.True(t, f.call.Snapshot().Empty())
	assert.Equal(t, app.PhaseIdle, f.call.Phase())
	assert.False(t, f.client.Connected())
	assert.False(t, f.store.Flag(recovery.FlagCleanupInProgress))
	assert.Empty(t, f.store.RoomID())

	assert.True(t, send.Closed())
	assert.True(t, recv.Closed())
	for _, p := range producers {
		assert.True(t, p.Closed())
	}
	assert.True(t, consumers[0].Closed())
	assert.True(t, f.audio.Stopped())
	assert.True(t, f.video.Stopped())
}

func TestCleanupToleratesFailures(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	send := f.dev.Transport(protocol.DirectionSend)
	send.FailClose(errors.New("stuck"))
	f.producer(protocol.KindAudio).FailClose(errors.New("stuck"))

	err := f.call.Cleanup(context.Background())
	assert.Error(t, err)
	assert.True(t, f.call.Snapshot().Empty())
	assert.False(t, f.store.Flag(recovery.FlagCleanupInProgress))
}

func TestConcurrentCleanup(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	send := f.dev.Transport(protocol.DirectionSend)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.call.Cleanup(context.Background())
		}()
	}
	wg.Wait()

	assert.True(t, f.call.Snapshot().Empty())
	assert.Equal(t, 1, send.CloseCalls())
}

func TestCleanupOnEmptySession(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.call.Cleanup(context.Background()))
	require.NoError(t, f.call.Cleanup(context.Background()))
	assert.True(t, f.call.Snapshot().Empty())
}

func TestInitializeTwiceStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	first := f.dev.Transport(protocol.DirectionSend)

	f.initialize(t)

	assert.True(t, first.Closed())
	assert.Len(t, f.dev.Transports(), 4)
	assert.Len(t, f.call.Snapshot().Producers, 2)
	assert.Equal(t, 2, f.rec.Count(events.WebRTCInitialized))
}

func TestToggleMuteRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	audio := f.producer(protocol.KindAudio)
	require.NotNil(t, audio)

	assert.True(t, f.call.ToggleMute())
	assert.False(t, f.audio.Enabled())
	assert.True(t, audio.Paused())

	assert.False(t, f.call.ToggleMute())
	assert.True(t, f.audio.Enabled())
	assert.False(t, audio.Paused())

	require.Equal(t, 2, f.rec.Count(events.MuteChanged))
	ev, _ := f.rec.Last(events.MuteChanged)
	assert.Equal(t, events.Toggle{Kind: protocol.KindAudio, On: false}, ev.Payload)
}

func TestToggleCamera(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)
	video := f.producer(protocol.KindVideo)
	require.NotNil(t, video)

	assert.False(t, f.call.ToggleCamera())
	assert.True(t, video.Paused())
	assert.True(t, f.call.ToggleCamera())
	assert.False(t, video.Paused())
}

func TestToggleCameraWithoutVideo(t *testing.T) {
	f := newFixture(t, func(_ *app.Options, d *app.Deps) {
		d.Capturer = &capturer{tracks: []webrtc.LocalTrack{webrtctest.AudioTrack("mic")}}
	})
	f.initialize(t)
	require.Equal(t, 1, f.rec.Count(events.NoVideoAvailable))

	assert.False(t, f.call.ToggleCamera())
	assert.Equal(t, 2, f.rec.Count(events.NoVideoAvailable))
	assert.Zero(t, f.rec.Count(events.CameraChanged))
}

func TestMediaFailureJoinsReceiveOnly(t *testing.T) {
	f := newFixture(t, func(_ *app.Options, d *app.Deps) {
		d.Capturer = &capturer{err: errors.New("no devices")}
	})
	f.initialize(t)

	assert.Equal(t, 1, f.rec.Count(events.MediaError))
	assert.Zero(t, f.srv.CallCount(protocol.OpProduce))
	assert.Equal(t, app.PhaseJoined, f.call.Phase())
}

func TestExhaustedJoinIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(protocol.OpCreateTransport, func(json.RawMessage) (interface{}, error) {
		return nil, signalingtest.Error(500, "no worker")
	})

	require.NoError(t, f.call.Initialize(context.Background(), "room-1", true))

	ev, ok := f.rec.Last(events.ConnectionFailed)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Payload.(events.ConnectionFailure).Attempts)

	ev, ok = f.rec.Last(events.WebRTCInitialized)
	require.True(t, ok)
	assert.True(t, ev.Payload.(events.Initialized).Degraded)
	assert.Zero(t, f.rec.Count(events.CallError))
}

func TestMissingRoomIsRecreated(t *testing.T) {
	f := newFixture(t)

	var joins atomic.Int32
	f.srv.Handle(protocol.OpJoinRoom, func(json.RawMessage) (interface{}, error) {
		if joins.Add(1) == 1 {
			return nil, signalingtest.Error(protocol.CodeNotFound, "room not found")
		}
		return protocol.JoinRoomResponse{RtpCapabilities: webrtctest.RouterCapabilities}, nil
	})
	f.srv.Handle(protocol.OpGetActiveCall, func(json.RawMessage) (interface{}, error) {
		return protocol.ActiveCallResponse{Active: false}, nil
	})
	f.srv.Handle(protocol.OpCreateRoom, func(json.RawMessage) (interface{}, error) {
		return map[string]string{"roomId": "room-1"}, nil
	})

	f.initialize(t)

	assert.Equal(t, 1, f.srv.CallCount(protocol.OpCreateRoom))
	assert.Equal(t, 2, f.srv.CallCount(protocol.OpJoinRoom))
	assert.Equal(t, app.PhaseJoined, f.call.Phase())
}

func TestPermissionDeniedJoinsCallFirst(t *testing.T) {
	f := newFixture(t, func(o *app.Options, _ *app.Deps) { o.CallID = "call-7" })

	var joins atomic.Int32
	f.srv.Handle(protocol.OpJoinRoom, func(json.RawMessage) (interface{}, error) {
		if joins.Add(1) == 1 {
			return nil, signalingtest.Error(protocol.CodeForbidden, "not a participant")
		}
		return protocol.JoinRoomResponse{RtpCapabilities: webrtctest.RouterCapabilities}, nil
	})
	f.srv.Handle(protocol.OpJoinCall, func(json.RawMessage) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	})

	f.initialize(t)

	calls := f.srv.Calls(protocol.OpJoinCall)
	require.Len(t, calls, 1)
	var req protocol.JoinCallRequest
	require.NoError(t, json.Unmarshal(calls[0], &req))
	assert.Equal(t, "call-7", req.CallID)
	assert.Equal(t, app.PhaseJoined, f.call.Phase())
}

func TestUnusableDeviceFailsInitialize(t *testing.T) {
	f := newFixture(t, func(_ *app.Options, d *app.Deps) {
		d.Devices = func() (webrtc.Device, error) { return nil, errors.New("no webrtc stack") }
	})

	err := f.call.Initialize(context.Background(), "room-1", true)
	require.ErrorIs(t, err, failure.ErrDeviceUnavailable)

	ev, ok := f.rec.Last(events.CallError)
	require.True(t, ok)
	assert.Equal(t, string(failure.CodeDeviceUnavailable), ev.Payload.(events.Failure).Code)
	assert.True(t, f.call.Snapshot().Empty())
}

func TestUnreachableServerFailsInitialize(t *testing.T) {
	f := newFixture(t)
	f.srv.Reject(500)

	err := f.call.Initialize(context.Background(), "room-1", true)
	require.Error(t, err)
	assert.Equal(t, 1, f.rec.Count(events.CallError))
	assert.True(t, f.call.Snapshot().Empty())
	assert.True(t, f.audio.Stopped())
}

func TestInitializeRequiresRoom(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.call.Initialize(context.Background(), "", false), app.ErrNoRoom)
}

func TestServerEndedCall(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.srv.Push(protocol.EventCallEnded, protocol.CallEvent{Reason: "hangup"}))

	ev, ok := f.rec.Wait(events.CallEnded, wait)
	require.True(t, ok)
	assert.Equal(t, events.Ended{RoomID: "room-1", Reason: "hangup"}, ev.Payload)
	assert.True(t, f.call.Snapshot().Empty())
}

func TestServerEndedReasonIsPerPush(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.srv.Push(protocol.EventCallEnded, protocol.CallEvent{Reason: "hangup"}))
	_, ok := f.rec.Wait(events.CallEnded, wait)
	require.True(t, ok)

	f.initialize(t)
	// The connection closed by the first teardown may report an error.
	_ = f.srv.Push(protocol.EventCallEnded, nil)

	require.Eventually(t, func() bool { return f.rec.Count(events.CallEnded) == 2 }, wait, 10*time.Millisecond)
	ev, _ := f.rec.Last(events.CallEnded)
	assert.Equal(t, events.Ended{RoomID: "room-1", Reason: "ended"}, ev.Payload)
}

func TestEndDuringJoinReleasesEverything(t *testing.T) {
	held := func(op protocol.Op) func(f *fixture, entered func(), release <-chan struct{}) {
		return func(f *fixture, entered func(), release <-chan struct{}) {
			f.srv.Handle(op, func(raw json.RawMessage) (interface{}, error) {
				entered()
				<-release
				if op == protocol.OpProduce {
					return protocol.ProduceResponse{ID: "late-producer"}, nil
				}
				var req protocol.CreateTransportRequest
				if err := json.Unmarshal(raw, &req); err != nil {
					return nil, err
				}
				return signalingtest.TransportParams(string(req.Direction) + "-transport"), nil
			})
		}
	}

	tests := []struct {
		name string
		hold func(f *fixture, entered func(), release <-chan struct{})
	}{
		{"while creating transports", held(protocol.OpCreateTransport)},
		{"while producing", held(protocol.OpProduce)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			started := make(chan struct{})
			var startOnce sync.Once
			release := make(chan struct{})
			var releaseOnce sync.Once
			unblock := func() { releaseOnce.Do(func() { close(release) }) }
			t.Cleanup(unblock)
			tt.hold(f, func() { startOnce.Do(func() { close(started) }) }, release)

			errc := make(chan error, 1)
			go func() { errc <- f.call.Initialize(context.Background(), "room-1", true) }()

			select {
			case <-started:
			case <-time.After(wait):
				t.Fatal("join never reached the held request")
			}
			require.NoError(t, f.call.End(context.Background()))
			unblock()

			select {
			case err := <-errc:
				require.ErrorIs(t, err, app.ErrJoinAborted)
			case <-time.After(wait):
				t.Fatal("Initialize did not return after End")
			}

			assert.True(t, f.call.Snapshot().Empty())
			assert.Equal(t, app.PhaseIdle, f.call.Phase())
			assert.False(t, f.client.Connected())
			assert.True(t, f.audio.Stopped())
			for _, tr := range f.dev.Transports() {
				assert.True(t, tr.Closed(), "transport %s left open", tr.ID())
				for _, p := range tr.Producers() {
					assert.True(t, p.Closed(), "producer %s left open", p.ID())
				}
			}

			assert.Equal(t, 1, f.rec.Count(events.CallEnded))
			assert.Zero(t, f.rec.Count(events.CallConnected))
			assert.Zero(t, f.rec.Count(events.CallJoined))
			assert.Zero(t, f.rec.Count(events.WebRTCInitialized))
			assert.Zero(t, f.rec.Count(events.CallError))
		})
	}
}

func TestEndLeavesRoom(t *testing.T) {
	f := newFixture(t)
	f.initialize(t)

	require.NoError(t, f.call.End(context.Background()))

	assert.True(t, f.srv.WaitCalls(protocol.OpLeaveRoom, 1, wait))
	ev, ok := f.rec.Last(events.CallEnded)
	require.True(t, ok)
	assert.Equal(t, "local", ev.Payload.(events.Ended).Reason)
	assert.True(t, f.call.Snapshot().Empty())
}
