package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcall/internal/protocol"
)

func codecType(kind protocol.Kind) webrtc.RTPCodecType {
	if kind == protocol.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func toPionCodec(c protocol.RtpCodec) webrtc.RTPCodecParameters {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, fb := range c.RTCPFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  c.SDPFmtpLine,
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func toPionICEParameters(p protocol.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func toPionCandidates(in []protocol.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(strings.ToLower(c.Protocol))
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out, nil
}

func toPionDTLS(p protocol.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}

func fromPionDTLS(p webrtc.DTLSParameters) protocol.DTLSParameters {
	out := protocol.DTLSParameters{Role: "auto"}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = "client"
	case webrtc.DTLSRoleServer:
		out.Role = "server"
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return out
}

func fromICEState(s webrtc.ICETransportState) ConnectionState {
	switch s {
	case webrtc.ICETransportStateChecking:
		return StateConnecting
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		return StateConnected
	case webrtc.ICETransportStateDisconnected:
		return StateDisconnected
	case webrtc.ICETransportStateFailed:
		return StateFailed
	case webrtc.ICETransportStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
