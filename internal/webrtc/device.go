package webrtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// DefaultICEServers is used when no ICE server is configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

var log = util.Scoped("webrtc")

// PionDevice is a Device backed by a pion API whose media engine is built
// from the router capabilities at Load time.
type PionDevice struct {
	iceServers []webrtc.ICEServer

	mu     sync.Mutex
	api    *webrtc.API
	caps   protocol.RtpCapabilities
	loaded bool
}

// NewDevice creates an unloaded device. An empty iceServers selects
// DefaultICEServers.
func NewDevice(iceServers []webrtc.ICEServer) *PionDevice {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &PionDevice{iceServers: iceServers}
}

// NewDeviceFactory returns a DeviceFactory producing PionDevices.
func NewDeviceFactory(iceServers []webrtc.ICEServer) DeviceFactory {
	return func() (Device, error) {
		return NewDevice(iceServers), nil
	}
}

func (d *PionDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Load registers every router codec pion understands and builds the API.
func (d *PionDevice) Load(caps protocol.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return ErrAlreadyLoaded
	}

	me := &webrtc.MediaEngine{}
	var supported []protocol.RtpCodec
	for _, codec := range caps.Codecs {
		if !codec.Kind.Valid() {
			continue
		}
		if err := me.RegisterCodec(toPionCodec(codec), codecType(codec.Kind)); err != nil {
			log.Debug("skip codec %s: %v", codec.MimeType, err)
			continue
		}
		supported = append(supported, codec)
	}
	if len(supported) == 0 {
		return fmt.Errorf("load device: no supported codec in router capabilities")
	}

	for _, ext := range caps.HeaderExtensions {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind)); err != nil {
			log.Debug("skip header extension %s: %v", ext.URI, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	d.caps = protocol.RtpCapabilities{Codecs: supported, HeaderExtensions: caps.HeaderExtensions}
	d.loaded = true
	return nil
}

func (d *PionDevice) RtpCapabilities() (protocol.RtpCapabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return protocol.RtpCapabilities{}, ErrNotLoaded
	}
	return d.caps, nil
}

func (d *PionDevice) CanProduce(kind protocol.Kind) (bool, error) {
	caps, err := d.RtpCapabilities()
	if err != nil {
		return false, err
	}
	return caps.HasKind(kind), nil
}

func (d *PionDevice) CreateSendTransport(params protocol.TransportParams) (Transport, error) {
	return d.createTransport(protocol.DirectionSend, params)
}

func (d *PionDevice) CreateRecvTransport(params protocol.TransportParams) (Transport, error) {
	return d.createTransport(protocol.DirectionRecv, params)
}

func (d *PionDevice) createTransport(dir protocol.Direction, params protocol.TransportParams) (Transport, error) {
	d.mu.Lock()
	api, loaded := d.api, d.loaded
	d.mu.Unlock()

	if !loaded {
		return nil, ErrNotLoaded
	}
	return newPionTransport(api, d.iceServers, dir, params)
}
