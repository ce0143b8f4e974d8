package diffusion

import (
	"math/rand/v2"
	"sync"
)

// Generator is a seedable random source shared across every sampling call in
// a batch. Successive calls to Next advance a single stream, so a batch seeded
// with the same value replays the same sequence of per-call seeds.
type Generator struct {
	mu   sync.Mutex
	seed int64
	rng  *rand.Rand
}

// NewGenerator creates a generator. If seed is nil, a random seed is drawn;
// Seed reports it so that the run can be reproduced.
func NewGenerator(seed *int64) *Generator {
	var s int64
	if seed != nil {
		s = *seed
	} else {
		s = int64(rand.Uint32())
	}
	return &Generator{
		seed: s,
		rng:  rand.New(rand.NewPCG(uint64(s), uint64(s)^0x9e3779b97f4a7c15)),
	}
}

// Seed returns the seed the generator was created with.
func (g *Generator) Seed() int64 {
	return g.seed
}

// Next draws the next per-call seed. Values fit in an unsigned 32-bit integer,
// which every backend accepts.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(g.rng.Uint32())
}
