// Package quantile computes order statistics over self times.
package quantile

import (
	"math"
	"sort"
)

// Quantile is a collection of data points.
type Quantile struct {
	// Xs is the slice of sample values.
	Xs []float64

	// Sorted indicates that Xs is sorted in ascending order.
	Sorted bool
}

// Bounds returns the minimum and maximum values of xs.
func Bounds(xs []float64) (min float64, max float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	min, max = xs[0], xs[0]
	for _, x := range xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return
}

// Bounds returns the minimum and maximum values of the Quantile.
//
// This is constant time if q.Sorted.
func (q Quantile) Bounds() (min float64, max float64) {
	if len(q.Xs) == 0 || !q.Sorted {
		return Bounds(q.Xs)
	}
	return q.Xs[0], q.Xs[len(q.Xs)-1]
}

// Percentile returns the pctileth value from the Quantile. This uses
// interpolation method R8 from Hyndman and Fan (1996).
//
// pctile will be capped to the range [0, 1]. It returns 0 when the
// Quantile is empty.
//
// Percentile(0.5) is the median. Percentile(0.25) and
// Percentile(0.75) are the first and third quartiles, respectively.
//
// This is constant time if q.Sorted.
func (q Quantile) Percentile(pctile float64) float64 {
	if len(q.Xs) == 0 {
		return 0
	} else if pctile <= 0 {
		min, _ := q.Bounds()
		return min
	} else if pctile >= 1 {
		_, max := q.Bounds()
		return max
	}

	if !q.Sorted {
		q = *q.Copy().Sort()
	}

	N := float64(len(q.Xs))
	n := 1/3.0 + pctile*(N+1/3.0) // R8
	kf, frac := math.Modf(n)
	k := int(kf)
	if k <= 0 {
		return q.Xs[0]
	} else if k >= len(q.Xs) {
		return q.Xs[len(q.Xs)-1]
	}
	return q.Xs[k-1] + frac*(q.Xs[k]-q.Xs[k-1])
}

// Sort sorts the samples in place in q and returns q.
func (q *Quantile) Sort() *Quantile {
	if !q.Sorted {
		sort.Float64s(q.Xs)
		q.Sorted = true
	}
	return q
}

// Copy returns a copy of the Quantile sharing no data with the original.
func (q Quantile) Copy() *Quantile {
	xs := make([]float64, len(q.Xs))
	copy(xs, q.Xs)
	return &Quantile{Xs: xs, Sorted: q.Sorted}
}

// Summary holds the order statistics reported for a set of values.
type Summary struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

// Summarize computes the usual percentiles of q. Unsorted values are sorted
// once on a copy, leaving q.Xs untouched.
func (q Quantile) Summarize() Summary {
	if !q.Sorted {
		q = *q.Copy().Sort()
	}
	_, max := q.Bounds()
	return Summary{
		P50: q.Percentile(0.5),
		P75: q.Percentile(0.75),
		P95: q.Percentile(0.95),
		P99: q.Percentile(0.99),
		Max: max,
	}
}
