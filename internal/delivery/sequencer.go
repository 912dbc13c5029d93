package delivery

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// Sequencer hands out strictly increasing sequence numbers. It is only
// consulted when a message is inserted for the first time.
type Sequencer struct {
	last atomic.Int64
}

// Seed raises the counter to at least n. It never lowers it.
func (s *Sequencer) Seed(n int64) {
	for {
		cur := s.last.Load()
		if n <= cur || s.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}

// Current returns the last number handed out.
func (s *Sequencer) Current() int64 {
	return s.last.Load()
}

// RandomDrop drops a configurable fraction of submissions. The rate can be
// changed while the server runs.
type RandomDrop struct {
	rate atomic.Uint64
}

// NewRandomDrop returns a policy dropping the given fraction, clamped to [0, 1].
func NewRandomDrop(rate float64) *RandomDrop {
	d := &RandomDrop{}
	d.SetRate(rate)
	return d
}

// SetRate changes the drop fraction.
func (d *RandomDrop) SetRate(rate float64) {
	if math.IsNaN(rate) || rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	d.rate.Store(math.Float64bits(rate))
}

// Rate returns the current drop fraction.
func (d *RandomDrop) Rate() float64 {
	return math.Float64frombits(d.rate.Load())
}

func (d *RandomDrop) Drop() bool {
	rate := d.Rate()
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return rand.Float64() < rate
}
