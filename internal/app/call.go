// Package app is the call engine facade: it takes a room id to a fully
// negotiated call, tears it down again, and exposes the mute and camera
// toggles the UI drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/1ureka/rtcall/internal/device"
	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/media"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/transport"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var (
	// ErrNoRoom is returned by Initialize without a room id.
	ErrNoRoom = errors.New("room id required")
	// ErrJoinAborted is returned by Initialize when the call was torn down
	// before the join finished.
	ErrJoinAborted = errors.New("join aborted by teardown")
)

var log = util.Scoped("call")

// Phase is the progress of the room join.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseCapabilitiesReceived
	PhaseDeviceReady
	PhaseTransportsReady
	PhaseMediaPublished
	PhaseProducersConsumed
	PhaseJoined
)

var phaseNames = [...]string{
	"idle", "connected", "capabilities-received", "device-ready",
	"transports-ready", "media-published", "producers-consumed", "joined",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Credentials can be asked for a fresh token out of band.
type Credentials interface {
	Refresh()
}

type noRefresh struct{}

func (noRefresh) Refresh() {}

// Capturer acquires local media.
type Capturer interface {
	Acquire(ctx context.Context, video bool) (*webrtc.LocalStream, error)
}

// Options tunes the call engine.
type Options struct {
	UserID string
	// CallID and TargetID are sent with joinRoom as permission context.
	CallID   string
	TargetID string

	JoinAttempts        int
	JoinBackoff         time.Duration
	GetProducersTimeout time.Duration

	QueueDrain    time.Duration
	CleanupSettle time.Duration

	RaceThrottle time.Duration
	RaceSettle   time.Duration

	MediaTimeout time.Duration
	Transport    transport.Options
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		JoinAttempts:        1,
		JoinBackoff:         time.Second,
		GetProducersTimeout: 5 * time.Second,
		QueueDrain:          500 * time.Millisecond,
		CleanupSettle:       800 * time.Millisecond,
		RaceThrottle:        3 * time.Second,
		RaceSettle:          time.Second,
		MediaTimeout:        media.DefaultTimeout,
		Transport:           transport.DefaultOptions(),
	}
}

// Deps are the collaborators of a Call.
type Deps struct {
	Signal *signaling.Client
	// Creds may be nil when tokens never need refreshing.
	Creds   Credentials
	Store   *recovery.Store
	Bus     *events.Bus
	Devices webrtc.DeviceFactory
	// Capturer may be nil for receive-only calls.
	Capturer Capturer
}

// Call drives one call session at a time.
type Call struct {
	opts     Options
	signal   *signaling.Client
	creds    Credentials
	store    *recovery.Store
	bus      *events.Bus
	capturer Capturer

	state      *session.State
	devices    *device.Manager
	transports *transport.Manager
	producers  *media.Producers
	consumers  *media.Consumers

	cleanups singleflight.Group
	joins    sync.Mutex // held by a running Initialize

	mu         sync.Mutex
	phase      Phase
	cancelJoin context.CancelFunc
}

// New wires a call engine and registers its server push handlers.
func New(opts Options, deps Deps) *Call {
	state := session.New(deps.Store)
	devices := device.NewManager(state, deps.Store, deps.Devices)

	creds := deps.Creds
	if creds == nil {
		creds = noRefresh{}
	}

	c := &Call{
		opts:       opts,
		signal:     deps.Signal,
		creds:      creds,
		store:      deps.Store,
		bus:        deps.Bus,
		capturer:   deps.Capturer,
		state:      state,
		devices:    devices,
		transports: transport.NewManager(opts.Transport, state, deps.Signal, devices, deps.Store, deps.Bus),
		producers:  media.NewProducers(opts.MediaTimeout, state, deps.Signal, deps.Store, deps.Bus),
		consumers:  media.NewConsumers(opts.MediaTimeout, state, deps.Signal, devices, deps.Store, deps.Bus),
	}

	c.transports.OnSendRecreated(func(ctx context.Context, _ webrtc.Transport) {
		if ls := c.state.LocalStream(); ls != nil {
			log.Info("republishing local media on the new send transport")
			c.producers.PublishStream(ctx, ls)
		}
	})
	c.registerPushHandlers()
	return c
}

// Bus is where the call publishes its notifications.
func (c *Call) Bus() *events.Bus { return c.bus }

// Snapshot summarizes the session state.
func (c *Call) Snapshot() session.Snapshot { return c.state.Snapshot() }

// Phase returns the join progress.
func (c *Call) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Call) setPhase(p Phase) {
	c.mu.Lock()
	prev := c.phase
	c.phase = p
	c.mu.Unlock()

	if prev != p {
		log.Debug("%s -> %s", prev, p)
		c.bus.Emit(events.Diagnostic, events.Diag{Scope: "join", Message: "phase " + p.String(), Fields: map[string]any{"from": prev.String()}})
	}
}

// Initialize joins roomID, capturing the microphone and, when video is set,
// the camera. It always starts from an empty session and supersedes a join
// still in progress. An error means the call could not start at all; a join
// that gave up part way still returns nil and the call proceeds degraded. A
// Cleanup or End arriving meanwhile aborts the join with ErrJoinAborted.
func (c *Call) Initialize(ctx context.Context, roomID string, video bool) error {
	if roomID == "" {
		return ErrNoRoom
	}
	scope := log.With(roomID)

	c.abortJoin()
	c.joins.Lock()
	defer c.joins.Unlock()

	jctx, done := c.beginJoin(ctx)
	defer done()

	if err := c.teardown(ctx); err != nil {
		scope.Debug("previous session: %v", err)
	}

	// ── 1. Local media ─────────────────────────────────────────────────
	c.state.SetRoomID(roomID)
	c.store.Record(recovery.EntryJoin, "initializing %s", roomID)
	c.acquireMedia(jctx, video)

	// ── 2. Room join ───────────────────────────────────────────────────
	joined, err := c.join(jctx, roomID)
	if jctx.Err() != nil {
		return c.abandon(ctx, roomID)
	}
	if err != nil {
		return c.fail(ctx, err)
	}

	c.bus.Emit(events.WebRTCInitialized, events.Initialized{RoomID: roomID, Degraded: !joined})
	if joined {
		scope.Success("call ready")
	} else {
		scope.Warn("call started degraded")
	}
	return nil
}

// beginJoin derives the context a join runs under; Cleanup cancels it.
func (c *Call) beginJoin(ctx context.Context) (context.Context, func()) {
	jctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelJoin = cancel
	c.mu.Unlock()

	return jctx, func() {
		c.mu.Lock()
		c.cancelJoin = nil
		c.mu.Unlock()
		cancel()
	}
}

// abortJoin cancels the running join, if any, and reports whether there was
// one.
func (c *Call) abortJoin() bool {
	c.mu.Lock()
	cancel := c.cancelJoin
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// abandon releases what an aborted join built after the teardown that
// stopped it.
func (c *Call) abandon(ctx context.Context, roomID string) error {
	log.With(roomID).Warn("join aborted, releasing what it built")
	if err := c.teardown(ctx); err != nil {
		log.Debug("cleanup after abort: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrJoinAborted
}

func (c *Call) acquireMedia(ctx context.Context, video bool) {
	if c.capturer == nil {
		return
	}

	ls, err := c.capturer.Acquire(ctx, video)
	if err != nil {
		log.Warn("no local media, joining receive-only: %v", err)
		c.bus.Emit(events.MediaError, events.MediaFailure{Video: video, Err: err})
		return
	}
	c.state.SetLocalStream(ls)
	if video && ls.Track(protocol.KindVideo) == nil {
		c.bus.Emit(events.NoVideoAvailable, nil)
	}
}

// fail is the last line of Initialize: tear down, then tell the user.
func (c *Call) fail(ctx context.Context, err error) error {
	code := failure.CodeFor(err)
	log.Error("initialize failed (%s): %v", code, err)

	if cerr := c.teardown(ctx); cerr != nil {
		log.Debug("cleanup after failure: %v", cerr)
	}
	c.store.Record(recovery.EntryError, "initialize: %v", err)
	c.bus.Emit(events.CallError, events.Failure{Code: string(code), Message: code.Message(), Err: err})
	return err
}

// End leaves the room and tears the session down.
func (c *Call) End(ctx context.Context) error {
	roomID := c.state.RoomID()
	if roomID != "" && c.signal.Connected() {
		if err := c.signal.Notify(ctx, protocol.OpLeaveRoom, protocol.RoomRef{RoomID: roomID}); err != nil {
			log.Debug("leaveRoom: %v", err)
		}
	}

	err := c.Cleanup(ctx)
	c.bus.Emit(events.CallEnded, events.Ended{RoomID: roomID, Reason: "local"})
	log.Info("call ended")
	return err
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Call) ToggleMute() bool {
	tracks := c.localTracks(protocol.KindAudio)
	if len(tracks) == 0 {
		log.Debug("no audio track to mute")
		return false
	}

	muted := tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(!muted)
	}
	c.setProducerPaused(protocol.KindAudio, muted)

	c.bus.Emit(events.MuteChanged, events.Toggle{Kind: protocol.KindAudio, On: muted})
	return muted
}

// ToggleCamera flips the camera and reports whether it is now on.
func (c *Call) ToggleCamera() bool {
	tracks := c.localTracks(protocol.KindVideo)
	if len(tracks) == 0 {
		c.bus.Emit(events.NoVideoAvailable, nil)
		return false
	}

	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	c.setProducerPaused(protocol.KindVideo, !enabled)

	c.bus.Emit(events.CameraChanged, events.Toggle{Kind: protocol.KindVideo, On: enabled})
	return enabled
}

func (c *Call) localTracks(kind protocol.Kind) []webrtc.LocalTrack {
	if ls := c.state.LocalStream(); ls != nil {
		if tracks := ls.TracksOf(kind); len(tracks) > 0 {
			return tracks
		}
	}
	if p := c.state.Producer(kind); p != nil && p.Track() != nil {
		return []webrtc.LocalTrack{p.Track()}
	}
	return nil
}

func (c *Call) setProducerPaused(kind protocol.Kind, paused bool) {
	var err error
	if paused {
		err = c.producers.Pause(kind)
	} else {
		err = c.producers.Resume(kind)
	}
	if err != nil && !errors.Is(err, media.ErrNoProducer) {
		log.Warn("%s producer: %v", kind, err)
	}
}
