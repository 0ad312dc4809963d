// Package stats implements a fixed-bucket streaming histogram over CPU
// timings. Histograms are exactly differencable: a Stats built from a prefix
// of another's observation stream can be subtracted from it, which is what
// makes snapshot-differencing time-range queries possible.
package stats

import "math"

// Stats accumulates observations into cumulative bucket counts.
// Measurements[i] counts observations strictly below the i'th boundary, so
// the slice is monotone non-decreasing and Measurements[last] <= Count
// (observations at or above the top boundary only land in the scalars).
type Stats struct {
	Measurements []int64 `json:"measurements"`
	Count        int64   `json:"count"`
	Sum          float64 `json:"sum"`
	SumSq        float64 `json:"sum_sq"`
}

func New() *Stats {
	return &Stats{
		Measurements: make([]int64, NumBuckets),
	}
}

// Observe records a single value.
func (s *Stats) Observe(x float64) {
	s.Count++
	s.Sum += x
	s.SumSq += x * x
	for i := len(timingBuckets) - 1; i >= 0; i-- {
		if x >= timingBuckets[i] {
			break
		}
		s.Measurements[i]++
	}
}

func (s *Stats) Mean() float64 {
	if s.Count == 0 {
		return math.NaN()
	}
	return s.Sum / float64(s.Count)
}

func (s *Stats) Stddev() float64 {
	if s.Count == 0 {
		return math.NaN()
	}
	n := float64(s.Count)
	variance := s.SumSq/n - (s.Sum/n)*(s.Sum/n)
	if variance < 0 {
		// subtraction can push this slightly negative through float error
		variance = 0
	}
	return math.Sqrt(variance)
}

func (s *Stats) Median() float64 {
	return s.Quantile(0.5)
}

// Quantile interpolates the q'th quantile from the cumulative counts.
// Undefined when Count is zero; callers check Count first.
func (s *Stats) Quantile(q float64) float64 {
	c := q * float64(s.Count)
	for i, observations := range s.Measurements {
		obs := float64(observations)
		if obs > c || (q == 1.0 && obs == c) {
			// the c'th observation fell in this bucket
			if i == 0 {
				return timingBuckets[0]
			}
			prev := float64(s.Measurements[i-1])
			x := (c - prev) / (obs - prev)
			return x*timingBuckets[i] + (1-x)*timingBuckets[i-1]
		}
	}
	return timingBuckets[len(timingBuckets)-1]
}

// Add returns a new Stats holding the componentwise sum.
func (s *Stats) Add(o *Stats) *Stats {
	result := New()
	for i := range result.Measurements {
		result.Measurements[i] = s.Measurements[i] + o.Measurements[i]
	}
	result.Count = s.Count + o.Count
	result.Sum = s.Sum + o.Sum
	result.SumSq = s.SumSq + o.SumSq
	return result
}

// Sub returns a new Stats holding the componentwise difference. The
// subtrahend must be a prefix of the receiver's observation stream; negative
// results indicate a caller bug, not a recoverable condition.
func (s *Stats) Sub(o *Stats) *Stats {
	result := New()
	for i := range result.Measurements {
		result.Measurements[i] = s.Measurements[i] - o.Measurements[i]
	}
	result.Count = s.Count - o.Count
	result.Sum = s.Sum - o.Sum
	result.SumSq = s.SumSq - o.SumSq
	return result
}

// Clone returns a deep copy.
func (s *Stats) Clone() *Stats {
	c := New()
	copy(c.Measurements, s.Measurements)
	c.Count = s.Count
	c.Sum = s.Sum
	c.SumSq = s.SumSq
	return c
}
