package signaling

import "sync/atomic"

// SeqGen numbers heartbeats. It is shared by every channel of a client, so
// the sequence keeps growing across reconnects.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Last returns the most recently issued number, or 0.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}
