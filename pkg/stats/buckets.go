package stats

// The bucket boundaries are laid out on a Renard R20 progression covering
// 100us to 500ms. R20 steps by roughly 10^(1/20) and snaps each value to the
// preferred-numbers series, which gives a log-like grid with round boundaries.
//
// The boundary count is baked into every persisted snapshot. Changing this
// table invalidates existing databases, so don't.

// r20 holds one decade of the R20 preferred-numbers series.
var r20 = []float64{
	1.00, 1.12, 1.25, 1.40, 1.60, 1.80, 2.00, 2.24, 2.50, 2.80,
	3.15, 3.55, 4.00, 4.50, 5.00, 5.60, 6.30, 7.10, 8.00, 9.00,
}

const (
	bucketMin = 100
	bucketMax = 500000
)

var timingBuckets = buildBuckets()

// NumBuckets is the number of histogram boundaries. Persisted snapshots
// record it and refuse to load under a different build.
var NumBuckets = len(timingBuckets)

func buildBuckets() []float64 {
	buckets := make([]float64, 0, 80)
	for scale := float64(bucketMin); ; scale *= 10 {
		for _, m := range r20 {
			v := m * scale
			if v > bucketMax {
				return buckets
			}
			buckets = append(buckets, v)
		}
	}
}

// Buckets returns a copy of the boundary table, for callers that need to
// render or validate it.
func Buckets() []float64 {
	b := make([]float64, len(timingBuckets))
	copy(b, timingBuckets)
	return b
}
