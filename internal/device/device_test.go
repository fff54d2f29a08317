package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/webrtc"
	"github.com/1ureka/rtcall/internal/webrtc/webrtctest"
)

func newManager(factory webrtc.DeviceFactory) (*Manager, *session.State, *recovery.Store) {
	store := recovery.New(0)
	state := session.New(store)
	return NewManager(state, store, factory), state, store
}

func TestLoadTwiceIsNoOp(t *testing.T) {
	fake := webrtctest.NewDevice()
	m, state, store := newManager(fake.Factory())

	first, err := m.Load(webrtctest.RouterCapabilities)
	require.NoError(t, err)
	second, err := m.Load(webrtctest.RouterCapabilities)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fake.LoadCalls())
	assert.NotNil(t, state.Device())

	caps, ok := store.RouterCapabilities()
	require.True(t, ok)
	assert.Equal(t, webrtctest.RouterCapabilities, caps)
}

// loadedLiar reports unloaded but refuses a second load.
type loadedLiar struct {
	*webrtctest.Device
}

func (d loadedLiar) Loaded() bool { return false }

func TestAlreadyLoadedErrorIsTolerated(t *testing.T) {
	inner := webrtctest.NewDevice()
	require.NoError(t, inner.Load(webrtctest.RouterCapabilities))

	m, _, _ := newManager(func() (webrtc.Device, error) { return loadedLiar{inner}, nil })
	_, err := m.Load(webrtctest.RouterCapabilities)
	assert.NoError(t, err)
}

func TestBrokenDeviceIsReplaced(t *testing.T) {
	broken := webrtctest.NewDevice()
	require.NoError(t, broken.Load(webrtctest.RouterCapabilities))
	broken.Break()

	fresh := webrtctest.NewDevice()
	m, state, _ := newManager(fresh.Factory())
	state.SetDevice(broken)

	dev, err := m.Load(webrtctest.RouterCapabilities)
	require.NoError(t, err)
	assert.Same(t, fresh, dev)
	assert.Equal(t, 1, fresh.LoadCalls())
}

func TestCreationErrorPropagates(t *testing.T) {
	boom := errors.New("no media engine")
	m, state, _ := newManager(func() (webrtc.Device, error) { return nil, boom })

	_, err := m.Load(webrtctest.RouterCapabilities)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, state.Device())
}

func TestEnsureLoadedFromCache(t *testing.T) {
	fake := webrtctest.NewDevice()
	m, state, store := newManager(fake.Factory())

	_, err := m.EnsureLoaded()
	assert.ErrorIs(t, err, ErrNoCapabilities)

	store.SetRouterCapabilities(webrtctest.RouterCapabilities)
	dev, err := m.EnsureLoaded()
	require.NoError(t, err)
	assert.True(t, dev.Loaded())
	assert.Same(t, fake, state.Device())

	ok, err := dev.CanProduce(protocol.KindVideo)
	require.NoError(t, err)
	assert.True(t, ok)
}
