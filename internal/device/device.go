// Package device manages the negotiation device of the current call: it is
// loaded once with router capabilities, replaced when it stops answering,
// and can be rebuilt from the capabilities cached in the recovery store.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/util"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// ErrNoCapabilities is returned by EnsureLoaded when nothing is cached.
var ErrNoCapabilities = errors.New("no cached router capabilities")

var log = util.Scoped("device")

// Manager owns device creation and loading.
type Manager struct {
	state   *session.State
	store   *recovery.Store
	factory webrtc.DeviceFactory

	mu sync.Mutex // serializes Load
}

// NewManager returns a manager creating devices with factory.
func NewManager(state *session.State, store *recovery.Store, factory webrtc.DeviceFactory) *Manager {
	return &Manager{state: state, store: store, factory: factory}
}

// Load makes sure the session holds a working device loaded with caps.
// Loading an already loaded device is a no-op. Device creation errors are
// returned as is.
func (m *Manager) Load(caps protocol.RtpCapabilities) (webrtc.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev := m.state.Device()
	if dev != nil && !usable(dev) {
		log.Warn("device is not usable, replacing it")
		dev = nil
	}

	if dev == nil {
		var err error
		dev, err = m.factory()
		if err != nil {
			return nil, fmt.Errorf("create device: %w", err)
		}
		m.state.SetDevice(dev)
	}

	if dev.Loaded() {
		log.Debug("device already loaded")
		m.store.SetRouterCapabilities(caps)
		return dev, nil
	}

	if err := dev.Load(caps); err != nil {
		if !errors.Is(err, webrtc.ErrAlreadyLoaded) {
			return nil, fmt.Errorf("load device: %w", err)
		}
		log.Debug("device reported already loaded, continuing")
	}

	m.store.SetRouterCapabilities(caps)
	log.Success("device loaded (audio=%t video=%t)", caps.HasKind(protocol.KindAudio), caps.HasKind(protocol.KindVideo))
	return dev, nil
}

// EnsureLoaded returns a loaded device, rebuilding it from the cached router
// capabilities when the session lost it.
func (m *Manager) EnsureLoaded() (webrtc.Device, error) {
	if dev := m.state.Device(); dev != nil && dev.Loaded() && usable(dev) {
		return dev, nil
	}

	caps, ok := m.store.RouterCapabilities()
	if !ok {
		return nil, ErrNoCapabilities
	}
	log.Info("recreating device from cached capabilities")
	return m.Load(caps)
}

// usable probes dev with a trivial capability query. An unloaded device is
// usable; a loaded one must answer.
func usable(dev webrtc.Device) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if !dev.Loaded() {
		return true
	}
	_, err := dev.RtpCapabilities()
	return err == nil
}
