// Package randx holds the bounded random helpers every routine draws from.
// A Source is safe for concurrent use; tests seed it for repeatable runs.
package randx

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

type Source struct {
	mu sync.Mutex
	r  *rand.Rand
}

func New(seed int64) *Source {
	return &Source{r: rand.New(rand.NewSource(seed))}
}

// NewTime seeds from the wall clock.
func NewTime() *Source { return New(time.Now().UnixNano()) }

// Int returns a uniform integer in [min, max]. Swapped bounds are tolerated.
func (s *Source) Int(min, max int) int {
	if max < min {
		min, max = max, min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + s.r.Intn(max-min+1)
}

// Float returns a uniform float in [min, max).
func (s *Source) Float(min, max float64) float64 {
	if max < min {
		min, max = max, min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + s.r.Float64()*(max-min)
}

// Delay returns a uniform duration in [min, max].
func (s *Source) Delay(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.r.Int63n(int64(max-min)+1))
}

// Chance reports true with probability p.
func (s *Source) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64() < p
}

// Index returns a uniform index into a collection of length n, or -1 when n is 0.
func (s *Source) Index(n int) int {
	if n <= 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Intn(n)
}

// Shuffle permutes n elements through swap.
func (s *Source) Shuffle(n int, swap func(i, j int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.Shuffle(n, swap)
}

// Choice picks a uniform element; ok is false for an empty slice.
func Choice[T any](s *Source, items []T) (T, bool) {
	var zero T
	i := s.Index(len(items))
	if i < 0 {
		return zero, false
	}
	return items[i], true
}

// Weight is one named entry of a selection table.
type Weight struct {
	Name   string
	Weight float64
}

// Weighted picks one name with probability proportional to its weight.
// Non-positive weights never win. ok is false when no weight is positive.
func (s *Source) Weighted(table []Weight) (string, bool) {
	total := 0.0
	for _, w := range table {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total <= 0 {
		return "", false
	}
	roll := s.Float(0, total)
	last := ""
	for _, w := range table {
		if w.Weight <= 0 {
			continue
		}
		last = w.Name
		if roll < w.Weight {
			return w.Name, true
		}
		roll -= w.Weight
	}
	// Float rounding can leave roll marginally above the final bucket.
	return last, true
}

// Annulus returns a planar offset whose length lies in [minR, maxR].
func (s *Source) Annulus(minR, maxR float64) (dx, dz float64) {
	angle := s.Float(0, 2*math.Pi)
	r := s.Float(minR, maxR)
	return r * math.Cos(angle), r * math.Sin(angle)
}
