package transport

import "github.com/1ureka/rtcall/internal/protocol"

// Phase is the lifecycle position of one direction's transport.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCreating
	PhaseReady
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCreating:
		return "creating"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// slot tracks one direction. done is closed when the creation that set
// PhaseCreating finishes; err is its outcome.
type slot struct {
	dir   protocol.Direction
	phase Phase
	done  chan struct{}
	err   error
}

// transitions lists the legal phase changes.
var transitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseCreating, PhaseClosing},
	PhaseCreating: {PhaseReady, PhaseIdle},
	PhaseReady:    {PhaseCreating, PhaseClosing},
	PhaseClosing:  {PhaseClosed},
	PhaseClosed:   {PhaseCreating, PhaseIdle},
}

func (s *slot) can(next Phase) bool {
	for _, p := range transitions[s.phase] {
		if p == next {
			return true
		}
	}
	return false
}
