// Package transport creates and maintains the send and receive transports
// of the call: requesting parameters from the server, building the local
// transport on the device, forwarding its connect and produce events, and
// recreating it when it fails.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

var (
	// ErrCreateInProgress is returned to a caller that waited for another
	// creation of the same direction and got nothing usable.
	ErrCreateInProgress = errors.New("transport creation already in progress")

	// ErrMissingRequirements is returned when the signaling channel or the
	// device cannot be recovered.
	ErrMissingRequirements = errors.New("transport requirements unavailable")
)

var log = util.Scoped("transport")

// Signal is the part of the signaling client the manager needs.
type Signal interface {
	Connected() bool
	Connect(ctx context.Context) (*signaling.Channel, error)
	Request(ctx context.Context, op protocol.Op, params, result interface{}) error
}

// Devices yields a loaded device, rebuilding it if needed.
type Devices interface {
	EnsureLoaded() (webrtc.Device, error)
}

// Options tunes the manager.
type Options struct {
	// CreateTimeout bounds the whole creation. Missing it is an error.
	CreateTimeout time.Duration
	// ConnectAttempts is how many times a connect request is tried before
	// the transport proceeds without the server's acknowledgement.
	ConnectAttempts int
	ProduceTimeout  time.Duration
	// CloseSettle separates stopping the task queue from closing.
	CloseSettle   time.Duration
	RecreateDelay time.Duration
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		CreateTimeout:   10 * time.Second,
		ConnectAttempts: 3,
		ProduceTimeout:  5 * time.Second,
		CloseSettle:     100 * time.Millisecond,
		RecreateDelay:   time.Second,
	}
}

// Manager owns both transports of the session.
type Manager struct {
	opts    Options
	state   *session.State
	signal  Signal
	devices Devices
	store   *recovery.Store
	bus     *events.Bus

	mu              sync.Mutex
	slots           map[protocol.Direction]*slot
	stop            chan struct{}
	onSendRecreated func(ctx context.Context, t webrtc.Transport)
}

// NewManager returns a manager with both directions idle.
func NewManager(opts Options, state *session.State, signal Signal, devices Devices, store *recovery.Store, bus *events.Bus) *Manager {
	return &Manager{
		opts:    opts,
		state:   state,
		signal:  signal,
		devices: devices,
		store:   store,
		bus:     bus,
		slots: map[protocol.Direction]*slot{
			protocol.DirectionSend: {dir: protocol.DirectionSend},
			protocol.DirectionRecv: {dir: protocol.DirectionRecv},
		},
		stop: make(chan struct{}),
	}
}

// OnSendRecreated registers fn to run after a failed send transport was
// replaced, so local tracks can be published again.
func (m *Manager) OnSendRecreated(fn func(ctx context.Context, t webrtc.Transport)) {
	m.mu.Lock()
	m.onSendRecreated = fn
	m.mu.Unlock()
}

// Phase returns the lifecycle phase of dir.
func (m *Manager) Phase(dir protocol.Direction) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[dir].phase
}

// CreateSend creates the send transport for roomID.
func (m *Manager) CreateSend(ctx context.Context, roomID string) (webrtc.Transport, error) {
	return m.Create(ctx, protocol.DirectionSend, roomID)
}

// CreateRecv creates the receive transport for roomID.
func (m *Manager) CreateRecv(ctx context.Context, roomID string) (webrtc.Transport, error) {
	return m.Create(ctx, protocol.DirectionRecv, roomID)
}

// Create builds a fresh transport for dir, closing the previous one. A caller
// arriving while the same direction is being created waits for that creation
// and reuses its transport.
func (m *Manager) Create(ctx context.Context, dir protocol.Direction, roomID string) (webrtc.Transport, error) {
	m.mu.Lock()
	sl := m.slots[dir]
	if sl.phase == PhaseCreating {
		done := sl.done
		m.mu.Unlock()
		return m.await(ctx, dir, done)
	}
	if !sl.can(PhaseCreating) {
		phase := sl.phase
		m.mu.Unlock()
		return nil, fmt.Errorf("%s transport is %s", dir, phase)
	}
	sl.phase = PhaseCreating
	sl.done = make(chan struct{})
	sl.err = nil
	m.mu.Unlock()

	t, err := m.create(ctx, dir, roomID)

	m.mu.Lock()
	if err != nil {
		sl.phase = PhaseIdle
	} else {
		sl.phase = PhaseReady
	}
	sl.err = err
	close(sl.done)
	m.mu.Unlock()

	return t, err
}

func (m *Manager) await(ctx context.Context, dir protocol.Direction, done <-chan struct{}) (webrtc.Transport, error) {
	log.Debug("%s transport creation in progress, waiting", dir)

	select {
	case <-done:
	case <-time.After(m.opts.CreateTimeout):
		return nil, fmt.Errorf("%s: %w", dir, ErrCreateInProgress)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if t := m.state.OpenTransport(dir); t != nil {
		return t, nil
	}

	m.mu.Lock()
	err := m.slots[dir].err
	m.mu.Unlock()
	if err == nil {
		err = ErrCreateInProgress
	}
	return nil, fmt.Errorf("%s: %w", dir, err)
}

func (m *Manager) create(ctx context.Context, dir protocol.Direction, roomID string) (webrtc.Transport, error) {
	scope := log.With(string(dir))

	ctx, cancel := context.WithTimeout(ctx, m.opts.CreateTimeout)
	defer cancel()

	dev, err := m.requirements(ctx)
	if err != nil {
		return nil, err
	}

	if old := m.state.ClearTransport(dir); old != nil {
		scope.Debug("discarding previous transport %s", old.ID())
		if err := m.SafeClose(old); err != nil {
			scope.Warn("close previous transport: %v", err)
		}
	}

	var raw json.RawMessage
	req := protocol.CreateTransportRequest{RoomID: roomID, Direction: dir}
	if err := m.signal.Request(ctx, protocol.OpCreateTransport, req, &raw); err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	params, err := protocol.Decode[protocol.TransportParams](raw)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}

	var t webrtc.Transport
	if dir == protocol.DirectionSend {
		t, err = dev.CreateSendTransport(params)
	} else {
		t, err = dev.CreateRecvTransport(params)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", dir, err)
	}

	t.OnConnect(m.connectHandler(t, roomID))
	if dir == protocol.DirectionSend {
		t.OnProduce(m.produceHandler(t, roomID))
	}
	t.OnConnectionStateChange(m.stateHandler(t, roomID))

	if err := ctx.Err(); err != nil {
		_ = m.SafeClose(t)
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}

	m.state.SetTransport(t)
	scope.Success("created %s", t.ID())
	return t, nil
}

// requirements makes sure a signaling channel and a loaded device exist,
// reconnecting and rebuilding them once if needed.
func (m *Manager) requirements(ctx context.Context) (webrtc.Device, error) {
	if !m.signal.Connected() {
		log.Info("signaling channel missing, reconnecting")
		ch, err := m.signal.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: signaling: %w", ErrMissingRequirements, err)
		}
		m.state.SetConn(ch)
	}

	dev, err := m.devices.EnsureLoaded()
	if err != nil {
		return nil, fmt.Errorf("%w: device: %w", ErrMissingRequirements, err)
	}
	return dev, nil
}

// SafeClose stops the transport's task queue, waits for in-flight tasks to
// observe it, then closes the transport. Already stopped queues and already
// closed transports are not errors.
func (m *Manager) SafeClose(t webrtc.Transport) error {
	if t == nil {
		return nil
	}

	if err := t.Queue().Stop(); err != nil && !errors.Is(err, webrtc.ErrQueueAlreadyStopped) {
		log.Warn("stop %s queue: %v", t.Direction(), err)
	}

	if m.opts.CloseSettle > 0 {
		time.Sleep(m.opts.CloseSettle)
	}

	if err := t.Close(); err != nil && !errors.Is(err, webrtc.ErrTransportClosed) {
		return fmt.Errorf("close %s transport %s: %w", t.Direction(), t.ID(), err)
	}
	return nil
}

// StopQueues waits up to drain for pending tasks of ts, then stops their
// queues. Without ts the transports held by the session are used.
func (m *Manager) StopQueues(drain time.Duration, ts ...webrtc.Transport) error {
	if len(ts) == 0 {
		ts = []webrtc.Transport{m.state.Transport(protocol.DirectionSend), m.state.Transport(protocol.DirectionRecv)}
	}

	var errs []error
	for _, t := range ts {
		if t == nil {
			continue
		}
		dir := t.Direction()

		q := t.Queue()
		if pending := q.Pending(); pending > 0 && drain > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), drain)
			if err := q.Drain(ctx); err != nil {
				log.Debug("%s queue still has %d tasks, forcing stop", dir, q.Pending())
			}
			cancel()
		}

		if err := q.Stop(); err != nil && !errors.Is(err, webrtc.ErrQueueAlreadyStopped) {
			errs = append(errs, fmt.Errorf("stop %s queue: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the transport of dir and forgets it.
func (m *Manager) Close(dir protocol.Direction) error {
	m.mu.Lock()
	sl := m.slots[dir]
	if sl.can(PhaseClosing) {
		sl.phase = PhaseClosing
	}
	m.mu.Unlock()

	t := m.state.ClearTransport(dir)
	err := m.SafeClose(t)

	m.mu.Lock()
	if sl.phase == PhaseClosing {
		sl.phase = PhaseClosed
	}
	m.mu.Unlock()
	return err
}

// Reset abandons scheduled recreations and returns both directions to idle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	close(m.stop)
	m.stop = make(chan struct{})
	for _, sl := range m.slots {
		if sl.phase != PhaseCreating {
			sl.phase = PhaseIdle
		}
	}
}

func (m *Manager) stopped() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop
}
