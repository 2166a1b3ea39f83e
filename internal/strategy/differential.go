package strategy

import (
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	maxDiffSamples = 10
	minDiffSamples = 3

	// minDiffStepMs floors the time step so duplicate timestamps do not blow
	// up the derivatives.
	minDiffStepMs = 1.0
)

type diffSample struct {
	price float64
	at    time.Time
}

// DifferentialTracker derives price velocity and acceleration from the most
// recent trades. Units are price per millisecond and price per millisecond
// squared.
type DifferentialTracker struct {
	samples []diffSample
}

// NewDifferentialTracker creates an empty tracker.
func NewDifferentialTracker() *DifferentialTracker {
	return &DifferentialTracker{samples: make([]diffSample, 0, maxDiffSamples)}
}

// Observe records a trade and returns the current derivatives. Both are zero
// until three samples have been seen.
func (d *DifferentialTracker) Observe(price float64, at time.Time) domain.DifferentialState {
	if len(d.samples) == maxDiffSamples {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:maxDiffSamples-1]
	}
	d.samples = append(d.samples, diffSample{price: price, at: at})

	n := len(d.samples)
	if n < minDiffSamples {
		return domain.DifferentialState{}
	}

	a, b, c := d.samples[n-3], d.samples[n-2], d.samples[n-1]
	dtPrev := stepMs(a.at, b.at)
	dtLast := stepMs(b.at, c.at)

	vPrev := (b.price - a.price) / dtPrev
	vLast := (c.price - b.price) / dtLast

	return domain.DifferentialState{
		Velocity:     vLast,
		Acceleration: (vLast - vPrev) / dtLast,
	}
}

// Len returns the number of retained samples.
func (d *DifferentialTracker) Len() int { return len(d.samples) }

func stepMs(from, to time.Time) float64 {
	dt := float64(to.Sub(from)) / float64(time.Millisecond)
	if dt < minDiffStepMs {
		return minDiffStepMs
	}
	return dt
}
