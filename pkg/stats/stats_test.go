package stats

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuckets(t *testing.T) {
	buckets := Buckets()
	require.Equal(t, NumBuckets, len(buckets))
	require.Equal(t, 75, len(buckets))
	assert.Equal(t, float64(100), buckets[0])
	assert.Equal(t, float64(500000), buckets[len(buckets)-1])
	for i := 1; i < len(buckets); i++ {
		assert.Greater(t, buckets[i], buckets[i-1])
	}
}

func TestStatsUniform(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	instance := New()
	for i := 0; i < 20000; i++ {
		instance.Observe(100 + 900*rnd.Float64())
	}

	assert.InDelta(t, 550.0, instance.Mean(), 5.0)
	assert.InDelta(t, 900/math.Sqrt(12), instance.Stddev(), 5.0)
	assert.InDelta(t, 550.0, instance.Median(), 5.0)
	assert.InDelta(t, 109.0, instance.Quantile(0.01), 5.0)
	assert.InDelta(t, 991.0, instance.Quantile(0.99), 5.0)
}

func TestStatsSubtraction(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	instance := New()
	for i := 0; i < 20000; i++ {
		instance.Observe(100 + 900*rnd.Float64())
	}

	instance2 := instance.Clone()
	for i := 0; i < 20000; i++ {
		instance2.Observe(1000 + 9000*rnd.Float64())
	}

	diff := instance2.Sub(instance)
	assert.InDelta(t, 5500.0, diff.Mean(), 50.0)
	assert.InDelta(t, 9000/math.Sqrt(12), diff.Stddev(), 50.0)
	assert.InDelta(t, 5500.0, diff.Median(), 50.0)
	assert.InDelta(t, 1090.0, diff.Quantile(0.01), 50.0)
	assert.InDelta(t, 9910.0, diff.Quantile(0.99), 50.0)

	// a prefix-difference is non-negative componentwise
	assert.GreaterOrEqual(t, diff.Count, int64(0))
	assert.GreaterOrEqual(t, diff.Sum, 0.0)
	for _, m := range diff.Measurements {
		assert.GreaterOrEqual(t, m, int64(0))
	}
}

func TestQuantileMonotonic(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	instance := New()
	for i := 0; i < 5000; i++ {
		instance.Observe(100 + 499900*rnd.Float64())
	}

	low := instance.Quantile(0)
	high := instance.Quantile(1)
	prev := low
	for q := 0.0; q <= 1.0; q += 0.01 {
		v := instance.Quantile(q)
		assert.GreaterOrEqual(t, v, prev, "quantile not monotonic at q=%f", q)
		assert.GreaterOrEqual(t, v, low)
		assert.LessOrEqual(t, v, high)
		prev = v
	}
}

func TestQuantileEdges(t *testing.T) {
	instance := New()
	instance.Observe(50) // below the bottom boundary
	assert.Equal(t, float64(100), instance.Quantile(0.5))

	above := New()
	above.Observe(1e7) // above the top boundary
	assert.Equal(t, float64(500000), above.Quantile(0.5))

	empty := New()
	assert.True(t, math.IsNaN(empty.Mean()))
	assert.True(t, math.IsNaN(empty.Stddev()))
}

func TestAdd(t *testing.T) {
	a := New()
	b := New()
	for i := 0; i < 100; i++ {
		a.Observe(200)
		b.Observe(400)
	}

	sum := a.Add(b)
	assert.Equal(t, int64(200), sum.Count)
	assert.InDelta(t, 300.0, sum.Mean(), 0.001)
}
