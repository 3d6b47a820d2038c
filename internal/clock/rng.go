package clock

import (
	"math/rand"
	"sync"
)

// RNG is a goroutine-safe wrapper around math/rand.Rand so venue
// simulators can share one seeded source instead of racing on the
// global generator.
type RNG struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewRNG builds an RNG from an explicit seed. Pass a fixed seed (e.g.
// from the MOCK_SEED env var) for reproducible test runs; pass a
// time-derived seed in production.
func NewRNG(seed int64) *RNG {
	return &RNG{src: rand.New(rand.NewSource(seed))}
}

// Float64 returns a pseudo-random number in [0.0, 1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

// Intn returns a pseudo-random number in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Intn(n)
}
