package server

import "github.com/jroosing/acnetd/internal/helpers"

// StatCounter is a saturating 32-bit packet counter. The core is single
// threaded, so plain arithmetic suffices.
type StatCounter uint32

// Inc bumps the counter, sticking at the maximum instead of wrapping.
func (c *StatCounter) Inc() {
	if *c < ^StatCounter(0) {
		*c++
	}
}

// Add accumulates another counter, saturating.
func (c *StatCounter) Add(o StatCounter) {
	*c = StatCounter(helpers.SatAddUint32(uint32(*c), uint32(o)))
}

// Reset zeroes the counter.
func (c *StatCounter) Reset() { *c = 0 }

// Val16 reports the counter clamped into a 16-bit wire field.
func (c StatCounter) Val16() uint16 { return helpers.ClampUint32ToUint16(uint32(c)) }

// Val32 reports the raw counter.
func (c StatCounter) Val32() uint32 { return uint32(c) }

// StatSet is the packet counter bundle kept per task and per task pool.
type StatSet struct {
	UsmRcv StatCounter
	ReqRcv StatCounter
	RpyRcv StatCounter
	UsmXmt StatCounter
	ReqXmt StatCounter
	RpyXmt StatCounter
}

// Reset zeroes every counter in the set.
func (s *StatSet) Reset() {
	s.UsmRcv.Reset()
	s.ReqRcv.Reset()
	s.RpyRcv.Reset()
	s.UsmXmt.Reset()
	s.ReqXmt.Reset()
	s.RpyXmt.Reset()
}

// Total sums the set with saturation.
func (s *StatSet) Total() StatCounter {
	var sum StatCounter
	sum.Add(s.UsmRcv)
	sum.Add(s.ReqRcv)
	sum.Add(s.RpyRcv)
	sum.Add(s.UsmXmt)
	sum.Add(s.ReqXmt)
	sum.Add(s.RpyXmt)
	return sum
}
