package strategy

import (
	"math"
	"sort"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	// madScale converts a MAD into a normal-consistent standard deviation.
	madScale = 0.6745

	// madEpsilon replaces a zero MAD in the z-score denominator.
	madEpsilon = 1e-9
)

// RollingStats maintains the last windowSize prices and derives the robust
// median, MAD and z-score of each new price against that window.
//
// Prices are held twice: a ring in insertion order (for FIFO eviction) and a
// sorted slice (for order statistics). Insert and remove locate their slot by
// binary search and shift the tail, which is exact and cheap at the window
// sizes the engine runs with.
type RollingStats struct {
	windowSize int
	ring       []float64
	head       int
	count      int
	sorted     []float64
	devs       []float64
}

// NewRollingStats creates a RollingStats for the given window size. Sizes
// below one are treated as one.
func NewRollingStats(windowSize int) *RollingStats {
	if windowSize < 1 {
		windowSize = 1
	}
	return &RollingStats{
		windowSize: windowSize,
		ring:       make([]float64, windowSize),
		sorted:     make([]float64, 0, windowSize),
		devs:       make([]float64, 0, windowSize),
	}
}

// Update adds price to the window, evicting the oldest price when the window
// is full, and returns the statistics of the current window evaluated at
// price. Non-finite prices are not added.
func (rs *RollingStats) Update(price float64) domain.Stats {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return rs.statsAt(rs.Median())
	}

	if rs.count == rs.windowSize {
		oldest := rs.ring[rs.head]
		rs.removeSorted(oldest)
		rs.ring[rs.head] = price
		rs.head = (rs.head + 1) % rs.windowSize
	} else {
		rs.ring[(rs.head+rs.count)%rs.windowSize] = price
		rs.count++
	}
	rs.insertSorted(price)

	return rs.statsAt(price)
}

// Len returns the number of prices currently in the window.
func (rs *RollingStats) Len() int { return rs.count }

// WindowSize returns the configured window size.
func (rs *RollingStats) WindowSize() int { return rs.windowSize }

// Full reports whether the window holds windowSize prices.
func (rs *RollingStats) Full() bool { return rs.count == rs.windowSize }

// Median returns the median of the window, or zero when it is empty.
func (rs *RollingStats) Median() float64 {
	return medianOfSorted(rs.sorted)
}

// MAD returns the median absolute deviation of the window around its median.
func (rs *RollingStats) MAD() float64 {
	if len(rs.sorted) == 0 {
		return 0
	}
	med := rs.Median()
	rs.devs = rs.devs[:0]
	for _, p := range rs.sorted {
		rs.devs = append(rs.devs, math.Abs(p-med))
	}
	sort.Float64s(rs.devs)
	return medianOfSorted(rs.devs)
}

// Window returns the windowed prices oldest first.
func (rs *RollingStats) Window() []float64 {
	out := make([]float64, rs.count)
	for i := 0; i < rs.count; i++ {
		out[i] = rs.ring[(rs.head+i)%rs.windowSize]
	}
	return out
}

func (rs *RollingStats) statsAt(price float64) domain.Stats {
	if rs.count == 0 {
		return domain.Stats{}
	}
	med := rs.Median()
	mad := rs.MAD()
	return domain.Stats{
		Median: med,
		MAD:    mad,
		ZScore: madScale * (price - med) / math.Max(mad, madEpsilon),
	}
}

func (rs *RollingStats) insertSorted(v float64) {
	i := sort.SearchFloat64s(rs.sorted, v)
	rs.sorted = append(rs.sorted, 0)
	copy(rs.sorted[i+1:], rs.sorted[i:])
	rs.sorted[i] = v
}

func (rs *RollingStats) removeSorted(v float64) {
	i := sort.SearchFloat64s(rs.sorted, v)
	if i >= len(rs.sorted) || rs.sorted[i] != v {
		return
	}
	copy(rs.sorted[i:], rs.sorted[i+1:])
	rs.sorted = rs.sorted[:len(rs.sorted)-1]
}

func medianOfSorted(s []float64) float64 {
	n := len(s)
	switch {
	case n == 0:
		return 0
	case n%2 == 1:
		return s[n/2]
	default:
		return (s[n/2-1] + s[n/2]) / 2
	}
}
