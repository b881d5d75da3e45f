package client

import "sync/atomic"

// StartingRequestID is where request id allocation begins on every
// connection. Order ids start wherever the gateway's NEXT_VALID_ID message
// says they do.
const StartingRequestID = 9000

// Sequence is a lock-free monotonic id counter, safe under unbounded
// concurrent callers. No two Next calls ever return the same value.
type Sequence struct {
	n int32
}

func NewSequence(start int32) *Sequence {
	s := &Sequence{}
	atomic.StoreInt32(&s.n, start)
	return s
}

// Next returns the current value and advances the counter.
func (s *Sequence) Next() int32 {
	return atomic.AddInt32(&s.n, 1) - 1
}

// Current reads the next value to be handed out, without mutating.
func (s *Sequence) Current() int32 {
	return atomic.LoadInt32(&s.n)
}

// Set re-seeds the counter. A Set racing concurrent Next calls resolves as
// last store wins, which is fine for the one caller (absorbing the
// gateway's fresh next-valid-order-id) because ids are opaque and only need
// to stay unique going forward.
func (s *Sequence) Set(v int32) {
	atomic.StoreInt32(&s.n, v)
}
