package ingest

import (
	"math"
	"math/rand"
	"sync"
)

// Sampler decides whether a point of metric is kept at the given rate (0, 1]
type Sampler interface {
	Keep(metric string, rate float64) bool
}

// SeededSampler draws from a seeded source and rejects when the draw exceeds the rate.
// The same seed and call order always produce the same decisions.
type SeededSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSeededSampler(seed int64) *SeededSampler {
	return &SeededSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *SeededSampler) Keep(_ string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()
	return r <= rate
}

// CounterSampler keeps every k-th point per metric, k = round(1/rate)
type CounterSampler struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewCounterSampler() *CounterSampler {
	return &CounterSampler{counts: make(map[string]uint64)}
}

func (s *CounterSampler) Keep(metric string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	k := uint64(math.Round(1 / rate))
	if k < 1 {
		k = 1
	}

	s.mu.Lock()
	n := s.counts[metric]
	s.counts[metric] = n + 1
	s.mu.Unlock()

	return n%k == 0
}

// NewSampler builds the sampler named in configuration ("seeded" or "counter")
func NewSampler(kind string, seed int64) Sampler {
	if kind == "counter" {
		return NewCounterSampler()
	}
	return NewSeededSampler(seed)
}
