package events

// Sequencer issues the per-run strictly increasing sequence numbers carried by
// every event. The step-loop driver owns exactly one Sequencer per in-flight
// run and is its sole writer, so no synchronization is needed.
type Sequencer struct {
	n uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	s.n++
	return s.n
}

// Last returns the most recently issued sequence number, or 0 when none has
// been issued yet.
func (s *Sequencer) Last() uint64 { return s.n }
