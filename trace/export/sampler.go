package export

import (
	"hash/fnv"

	"github.com/agenttrace/agenttrace/trace"
)

// Sampler makes a head-based, per-trace sampling decision. The decision is
// a pure function of trace_id, so every span of a trace shares it.
type Sampler struct {
	rate float64
}

// NewSampler creates a sampler with rate in [0,1]. Values are clamped.
func NewSampler(rate float64) *Sampler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Sampler{rate: rate}
}

// Sample reports whether the span's trace is kept.
func (s *Sampler) Sample(span *trace.Span) bool {
	return s.SampleTrace(span.TraceID)
}

// SampleTrace reports whether the given trace is kept.
func (s *Sampler) SampleTrace(traceID string) bool {
	if s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}

	h := fnv.New64a()
	h.Write([]byte(traceID))
	// FNV-1a leaves the high bits poorly spread for IDs that differ only in
	// their last bytes; a splitmix64 finalizer mixes them first.
	x := h.Sum64()
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	// Map the top 53 bits onto [0,1) and compare against the rate.
	return float64(x>>11)/float64(uint64(1)<<53) < s.rate
}
