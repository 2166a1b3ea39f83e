package strategy

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// pruneEvery is how many updates pass between sweeps of fully faded bins.
const pruneEvery = 1024

// fadedVolume is the decayed volume below which a bin is dropped on a sweep.
const fadedVolume = 1e-12

type heatBin struct {
	volume     float64
	lastUpdate time.Time
}

// Heatmap accumulates traded volume per price bucket with exponential decay.
// Decay is applied lazily on read and on the next write to a bucket. It is
// safe for concurrent use.
type Heatmap struct {
	mu        sync.Mutex
	binSize   float64
	decayRate float64 // per second
	bins      map[int64]*heatBin
	updates   int
}

// NewHeatmap creates a Heatmap bucketing prices by binSize and decaying
// volume at decayRate per second.
func NewHeatmap(binSize, decayRate float64) *Heatmap {
	if binSize <= 0 {
		binSize = 1
	}
	if decayRate < 0 {
		decayRate = 0
	}
	return &Heatmap{
		binSize:   binSize,
		decayRate: decayRate,
		bins:      make(map[int64]*heatBin),
	}
}

// Update adds size to the bucket of price at time at.
func (h *Heatmap) Update(price, size float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.bucket(price)
	bin, ok := h.bins[key]
	if !ok {
		h.bins[key] = &heatBin{volume: size, lastUpdate: at}
	} else {
		bin.volume = h.decayed(bin, at) + size
		if at.After(bin.lastUpdate) {
			bin.lastUpdate = at
		}
	}

	h.updates++
	if h.updates%pruneEvery == 0 {
		h.prune(at)
	}
}

// Density returns the decayed volume of the bucket containing price at now.
func (h *Heatmap) Density(price float64, now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	bin, ok := h.bins[h.bucket(price)]
	if !ok {
		return 0
	}
	return h.decayed(bin, now)
}

// Snapshot returns up to levels populated buckets centred on price, in
// ascending price order, with volumes decayed to now.
func (h *Heatmap) Snapshot(price float64, now time.Time, levels int) []domain.HeatmapLevel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if levels <= 0 || len(h.bins) == 0 {
		return []domain.HeatmapLevel{}
	}

	center := h.bucket(price)
	half := int64(levels / 2)
	out := make([]domain.HeatmapLevel, 0, levels)
	for key, bin := range h.bins {
		if key < center-half || key > center+half {
			continue
		}
		out = append(out, domain.HeatmapLevel{
			Price:  float64(key) * h.binSize,
			Volume: h.decayed(bin, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	if len(out) > levels {
		out = out[:levels]
	}
	return out
}

// Len returns the number of tracked buckets.
func (h *Heatmap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bins)
}

func (h *Heatmap) bucket(price float64) int64 {
	return int64(math.Floor(price / h.binSize))
}

// decayed evaluates a bin at now. Negative elapsed time (clock skew) is
// treated as zero. Caller must hold h.mu.
func (h *Heatmap) decayed(bin *heatBin, now time.Time) float64 {
	dt := now.Sub(bin.lastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}
	return bin.volume * math.Exp(-h.decayRate*dt)
}

func (h *Heatmap) prune(now time.Time) {
	for key, bin := range h.bins {
		if h.decayed(bin, now) < fadedVolume {
			delete(h.bins, key)
		}
	}
}
