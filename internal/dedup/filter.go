// Package dedup provides a probabilistic seen-identity filter used as a
// negative-lookup fast path in front of the applied-identity ledger.
package dedup

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// IdentityFilter tracks record identities that may already have been
// applied. Seen never returns false for a marked identity, so a false
// answer lets the caller skip the ledger read entirely; a true answer must
// still be confirmed against the ledger because of false positives.
type IdentityFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// NewIdentityFilter creates a filter sized for the expected number of
// identities and target false positive rate.
func NewIdentityFilter(expectedItems int, targetFPR float64) *IdentityFilter {
	numBits, numHashes := optimalParameters(expectedItems, targetFPR)

	numWords := (numBits + 63) / 64
	return &IdentityFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// optimalParameters derives bit and hash counts from the standard bloom
// filter formulas: m = -n·ln(p)/ln(2)², k = (m/n)·ln(2).
func optimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Mark records an identity as applied.
func (f *IdentityFilter) Mark(identity string) {
	h1, h2 := hash128(identity)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Seen reports whether the identity might have been marked. False means
// definitely not marked.
func (f *IdentityFilter) Seen(identity string) bool {
	h1, h2 := hash128(identity)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of identities marked.
func (f *IdentityFilter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

func hash128(identity string) (uint64, uint64) {
	h := murmur3.New128()
	h.Write([]byte(identity))
	return h.Sum128()
}
