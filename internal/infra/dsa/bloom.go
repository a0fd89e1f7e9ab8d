// Package dsa holds small data structures shared by the infra layer.
package dsa

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// ─── Bloom Filter ───────────────────────────────────────────────────────────
// Probabilistic set membership over idempotency keys. Answers "has this
// (user, request) key been recorded?" with:
//   - No  → definitely not: the caller can skip the replay lookup entirely
//   - Yes → probably: the caller verifies against the store
//
// The filter is an optimization only. It starts empty on every process
// start, so a "no" after a restart can be wrong for keys recorded by a
// previous run — callers MUST keep a durable uniqueness check behind it.

// BloomConfig configures a Bloom filter.
type BloomConfig struct {
	ExpectedItems int     // Expected number of keys
	FPRate        float64 // Desired false positive rate (e.g. 0.01 = 1%)
}

// DefaultBloomConfig sizes the filter for a day of idempotency keys at a
// 1% false positive rate (~120 KB for 100k keys).
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{
		ExpectedItems: 100_000,
		FPRate:        0.01,
	}
}

// BloomFilter is a space-efficient probabilistic set.
type BloomFilter struct {
	mu      sync.RWMutex
	bits    []uint64 // bit array stored as uint64 words
	numBits uint     // total bits
	numHash uint     // number of hash functions
	count   int      // elements added
}

// NewBloomFilter creates a Bloom filter sized to achieve the target FP rate.
// Optimal sizing formulas:
//
//	m = -(n * ln(p)) / (ln(2)^2)   — total bits
//	k = (m/n) * ln(2)              — hash functions
func NewBloomFilter(cfg BloomConfig) *BloomFilter {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = DefaultBloomConfig().ExpectedItems
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = DefaultBloomConfig().FPRate
	}

	n := float64(cfg.ExpectedItems)
	p := cfg.FPRate

	m := uint(math.Ceil(-(n * math.Log(p)) / (math.Log(2) * math.Log(2))))
	k := uint(math.Ceil(float64(m) / n * math.Log(2)))

	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}

	// Round up to next uint64 boundary
	words := (m + 63) / 64

	return &BloomFilter{
		bits:    make([]uint64, words),
		numBits: m,
		numHash: k,
	}
}

// Add inserts a key into the filter.
func (bf *BloomFilter) Add(key string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	h1, h2 := baseHashes(key)
	for i := uint(0); i < bf.numHash; i++ {
		pos := bf.nthHash(h1, h2, i)
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

// Contains tests whether a key might be in the filter.
// False means definitely not present. True means probably present.
func (bf *BloomFilter) Contains(key string) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	h1, h2 := baseHashes(key)
	for i := uint(0); i < bf.numHash; i++ {
		pos := bf.nthHash(h1, h2, i)
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false // Definitely not present
		}
	}
	return true // Probably present
}

// Count returns the number of keys added.
func (bf *BloomFilter) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.count
}

// Reset clears the filter.
func (bf *BloomFilter) Reset() {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	for i := range bf.bits {
		bf.bits[i] = 0
	}
	bf.count = 0
}

// baseHashes computes two independent 32-bit hashes using SHA-256.
// Double hashing (Kirsch-Mitzenmacker) derives k positions from just two
// base hashes: h_i(x) = h1(x) + i*h2(x).
func baseHashes(key string) (uint32, uint32) {
	sum := sha256.Sum256([]byte(key))
	h1 := binary.BigEndian.Uint32(sum[0:4])
	h2 := binary.BigEndian.Uint32(sum[4:8])
	return h1, h2
}

func (bf *BloomFilter) nthHash(h1, h2 uint32, i uint) uint {
	return uint((uint64(h1) + uint64(i)*uint64(h2)) % uint64(bf.numBits))
}
