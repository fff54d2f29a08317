// Package session holds the mutable state of the current call: the device,
// the signaling channel, local media, both transports, and the producer and
// consumer collections. Every mutation goes through the State's mutex.
package session

import (
	"sync"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/webrtc"
)

// Conn is the view of a signaling channel the state keeps.
type Conn interface {
	ID() string
	Connected() bool
}

// State is the single-writer call state. The zero value is not usable; use
// New.
type State struct {
	mu sync.Mutex

	device    webrtc.Device
	conn      Conn
	local     *webrtc.LocalStream
	send      webrtc.Transport
	recv      webrtc.Transport
	producers map[protocol.Kind]webrtc.Producer
	consumers map[string]webrtc.Consumer
	streams   map[string]*webrtc.RemoteStream
	pending   map[string]struct{} // producer ids with a consume in flight
	roomID    string

	store *recovery.Store
}

// New returns an empty state mirroring the room id into store.
func New(store *recovery.Store) *State {
	return &State{
		producers: make(map[protocol.Kind]webrtc.Producer),
		consumers: make(map[string]webrtc.Consumer),
		streams:   make(map[string]*webrtc.RemoteStream),
		pending:   make(map[string]struct{}),
		store:     store,
	}
}

// ---------------------------------------------------------------------------
// Device, connection, local media
// ---------------------------------------------------------------------------

func (s *State) Device() webrtc.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *State) SetDevice(d webrtc.Device) {
	s.mu.Lock()
	s.device = d
	s.mu.Unlock()
}

func (s *State) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *State) SetConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *State) LocalStream() *webrtc.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *State) SetLocalStream(ls *webrtc.LocalStream) {
	s.mu.Lock()
	s.local = ls
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Room
// ---------------------------------------------------------------------------

func (s *State) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoomID records the current room, also in the recovery store.
func (s *State) SetRoomID(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
	if s.store != nil {
		s.store.SetRoomID(roomID)
	}
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

// Transport returns the transport of dir, or nil.
func (s *State) Transport(dir protocol.Direction) webrtc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportLocked(dir)
}

func (s *State) transportLocked(dir protocol.Direction) webrtc.Transport {
	if dir == protocol.DirectionSend {
		return s.send
	}
	return s.recv
}

// OpenTransport returns the transport of dir if present and not closed.
func (s *State) OpenTransport(dir protocol.Direction) webrtc.Transport {
	t := s.Transport(dir)
	if t == nil || t.Closed() {
		return nil
	}
	return t
}

// SetTransport stores t for its direction.
func (s *State) SetTransport(t webrtc.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Direction() == protocol.DirectionSend {
		s.send = t
	} else {
		s.recv = t
	}
}

// ClearTransport forgets the transport of dir and returns it.
func (s *State) ClearTransport(dir protocol.Direction) webrtc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transportLocked(dir)
	if dir == protocol.DirectionSend {
		s.send = nil
	} else {
		s.recv = nil
	}
	return t
}

// ClearTransportIf forgets t only if it is still the transport of its
// direction.
func (s *State) ClearTransportIf(t webrtc.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.send == t && t != nil:
		s.send = nil
	case s.recv == t && t != nil:
		s.recv = nil
	default:
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Producers
// ---------------------------------------------------------------------------

func (s *State) Producer(kind protocol.Kind) webrtc.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[kind]
}

// SetProducer stores p for its kind and returns the producer it replaced.
func (s *State) SetProducer(p webrtc.Producer) (previous webrtc.Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.producers[p.Kind()]
	s.producers[p.Kind()] = p
	return previous
}

// TakeProducer removes and returns the producer of kind.
func (s *State) TakeProducer(kind protocol.Kind) webrtc.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.producers[kind]
	delete(s.producers, kind)
	return p
}

// RemoveProducerIf removes p only if it is still the producer of its kind.
func (s *State) RemoveProducerIf(p webrtc.Producer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.producers[p.Kind()]; ok && cur == p {
		delete(s.producers, p.Kind())
		return true
	}
	return false
}

// Producers returns a copy of the producer map.
func (s *State) Producers() map[protocol.Kind]webrtc.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.Kind]webrtc.Producer, len(s.producers))
	for k, p := range s.producers {
		out[k] = p
	}
	return out
}

// ---------------------------------------------------------------------------
// Consumers and remote streams, kept in lockstep
// ---------------------------------------------------------------------------

// AddConsumer stores c together with its playable stream.
func (s *State) AddConsumer(c webrtc.Consumer, stream *webrtc.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[c.ID()] = c
	s.streams[c.ID()] = stream
}

// ReserveProducer claims producerID for a consume about to be requested.
// It fails when a consumer for it already exists, which is then returned, or
// when another consume holds the claim.
func (s *State) ReserveProducer(producerID string) (webrtc.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.consumers {
		if c.ProducerID() == producerID {
			return c, false
		}
	}
	if _, busy := s.pending[producerID]; busy {
		return nil, false
	}
	s.pending[producerID] = struct{}{}
	return nil, true
}

// ReleaseProducer drops the claim on producerID without storing anything.
func (s *State) ReleaseProducer(producerID string) {
	s.mu.Lock()
	delete(s.pending, producerID)
	s.mu.Unlock()
}

// CommitConsumer stores c under the claim taken on its producer. It stores
// nothing and reports false when a Reset dropped the claim meanwhile.
func (s *State) CommitConsumer(c webrtc.Consumer, stream *webrtc.RemoteStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[c.ProducerID()]; !ok {
		return false
	}
	delete(s.pending, c.ProducerID())
	s.consumers[c.ID()] = c
	s.streams[c.ID()] = stream
	return true
}

// RemoveConsumer removes the consumer and its stream together.
func (s *State) RemoveConsumer(id string) (webrtc.Consumer, *webrtc.RemoteStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	stream := s.streams[id]
	delete(s.consumers, id)
	delete(s.streams, id)
	return c, stream, ok
}

// ConsumerByProducer finds the consumer receiving producerID.
func (s *State) ConsumerByProducer(producerID string) (webrtc.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.consumers {
		if c.ProducerID() == producerID {
			return c, true
		}
	}
	return nil, false
}

func (s *State) Consumer(id string) (webrtc.Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	return c, ok
}

// Consumers returns a copy of the consumer map.
func (s *State) Consumers() map[string]webrtc.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]webrtc.Consumer, len(s.consumers))
	for id, c := range s.consumers {
		out[id] = c
	}
	return out
}

// RemoteStreams returns a copy of the remote stream map.
func (s *State) RemoteStreams() map[string]*webrtc.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*webrtc.RemoteStream, len(s.streams))
	for id, rs := range s.streams {
		out[id] = rs
	}
	return out
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

// Resources is everything a Reset detached from the state, for the caller
// to release.
type Resources struct {
	Device    webrtc.Device
	Conn      Conn
	Local     *webrtc.LocalStream
	Send      webrtc.Transport
	Recv      webrtc.Transport
	Producers []webrtc.Producer
	Consumers []webrtc.Consumer
}

// Empty reports whether nothing was held.
func (r Resources) Empty() bool {
	return r.Device == nil && r.Conn == nil && r.Local == nil &&
		r.Send == nil && r.Recv == nil &&
		len(r.Producers) == 0 && len(r.Consumers) == 0
}

func (s *State) resourcesLocked() Resources {
	r := Resources{
		Device: s.device,
		Conn:   s.conn,
		Local:  s.local,
		Send:   s.send,
		Recv:   s.recv,
	}
	for _, p := range s.producers {
		r.Producers = append(r.Producers, p)
	}
	for _, c := range s.consumers {
		r.Consumers = append(r.Consumers, c)
	}
	return r
}

// Reset empties every field, clears the room id, and returns what was held.
func (s *State) Reset() Resources {
	s.mu.Lock()
	r := s.resourcesLocked()
	s.device = nil
	s.conn = nil
	s.local = nil
	s.send = nil
	s.recv = nil
	clear(s.producers)
	clear(s.consumers)
	clear(s.streams)
	clear(s.pending)
	s.roomID = ""
	s.mu.Unlock()

	if s.store != nil {
		s.store.ClearRoom()
	}
	return r
}

// Snapshot is a read-only summary of the state.
type Snapshot struct {
	RoomID        string
	HasDevice     bool
	HasConn       bool
	HasLocal      bool
	HasSend       bool
	HasRecv       bool
	Producers     []protocol.Kind
	Consumers     []string
	RemoteStreams []string
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RoomID:    s.roomID,
		HasDevice: s.device != nil,
		HasConn:   s.conn != nil,
		HasLocal:  s.local != nil,
		HasSend:   s.send != nil,
		HasRecv:   s.recv != nil,
	}
	for k := range s.producers {
		snap.Producers = append(snap.Producers, k)
	}
	for id := range s.consumers {
		snap.Consumers = append(snap.Consumers, id)
	}
	for id := range s.streams {
		snap.RemoteStreams = append(snap.RemoteStreams, id)
	}
	return snap
}

// Empty reports whether the snapshot holds nothing.
func (sn Snapshot) Empty() bool {
	return sn.RoomID == "" && !sn.HasDevice && !sn.HasConn && !sn.HasLocal &&
		!sn.HasSend && !sn.HasRecv &&
		len(sn.Producers) == 0 && len(sn.Consumers) == 0 && len(sn.RemoteStreams) == 0
}
