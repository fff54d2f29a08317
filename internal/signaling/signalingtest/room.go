package signalingtest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/1ureka/rtcall/internal/protocol"
)

// Room scripts the handlers of a cooperative SFU room.
type Room struct {
	Capabilities protocol.RtpCapabilities

	mu        sync.Mutex
	producers []protocol.ProducerInfo
	produced  int
	consumed  int
}

// InstallRoom registers joinRoom, createWebRtcTransport,
// connectWebRtcTransport, produce, consume and getProducers on s.
// existing lists the producers reported by getProducers.
func InstallRoom(s *Server, caps protocol.RtpCapabilities, existing ...protocol.ProducerInfo) *Room {
	r := &Room{Capabilities: caps, producers: existing}

	s.Handle(protocol.OpJoinRoom, func(json.RawMessage) (interface{}, error) {
		return protocol.JoinRoomResponse{RtpCapabilities: r.Capabilities}, nil
	})
	s.Handle(protocol.OpCreateTransport, func(raw json.RawMessage) (interface{}, error) {
		var req protocol.CreateTransportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return TransportParams(string(req.Direction) + "-transport"), nil
	})
	s.Handle(protocol.OpConnectTransport, func(json.RawMessage) (interface{}, error) {
		return map[string]bool{"connected": true}, nil
	})
	s.Handle(protocol.OpProduce, func(raw json.RawMessage) (interface{}, error) {
		var req protocol.ProduceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.produced++
		id := fmt.Sprintf("producer-%s-%d", req.Kind, r.produced)
		r.mu.Unlock()
		return protocol.ProduceResponse{ID: id}, nil
	})
	s.Handle(protocol.OpConsume, func(raw json.RawMessage) (interface{}, error) {
		var req protocol.ConsumeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		kind, ok := r.kindOf(req.ProducerID)
		if !ok {
			return nil, Error(protocol.CodeNotFound, "producer not found")
		}
		r.mu.Lock()
		r.consumed++
		id := fmt.Sprintf("consumer-%d", r.consumed)
		r.mu.Unlock()
		return protocol.ConsumeResponse{
			ID:         id,
			ProducerID: req.ProducerID,
			Kind:       kind,
			RtpParameters: protocol.RtpParameters{
				Codecs:    []protocol.RtpCodecParameters{{MimeType: mimeFor(kind), PayloadType: 100, ClockRate: 48000}},
				Encodings: []protocol.RtpEncoding{{SSRC: uint32(1000 + r.consumed)}},
			},
		}, nil
	})
	s.Handle(protocol.OpGetProducers, func(json.RawMessage) (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return protocol.GetProducersResponse{Producers: append([]protocol.ProducerInfo{}, r.producers...)}, nil
	})
	return r
}

// AddProducer makes p consumable, as if a remote participant published it.
func (r *Room) AddProducer(p protocol.ProducerInfo) {
	r.mu.Lock()
	r.producers = append(r.producers, p)
	r.mu.Unlock()
}

func (r *Room) kindOf(producerID string) (protocol.Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.producers {
		if p.ProducerID == producerID {
			return p.Kind, true
		}
	}
	return "", false
}

// TransportParams returns plausible server transport parameters.
func TransportParams(id string) protocol.TransportParams {
	return protocol.TransportParams{
		ID: id,
		ICEParameters: protocol.ICEParameters{
			UsernameFragment: "ufrag",
			Password:         "password-password",
			ICELite:          true,
		},
		ICECandidates: []protocol.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DTLSParameters: protocol.DTLSParameters{
			Role:         "auto",
			Fingerprints: []protocol.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
		},
	}
}

func mimeFor(kind protocol.Kind) string {
	if kind == protocol.KindVideo {
		return "video/VP8"
	}
	return "audio/opus"
}
