// Package aggregate summarises measurement channels: running count, sum,
// extremes and DDSketch quantiles.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of the quantile sketch.
const DefaultAccuracy = 0.01

// Summary is the result of an aggregation.
type Summary struct {
	Channel string  `json:"channel"`
	Count   int64   `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	P50     float64 `json:"p50"`
	P90     float64 `json:"p90"`
	P99     float64 `json:"p99"`

	// Skipped counts NaN and infinite samples, which are left out.
	Skipped int64 `json:"skipped,omitempty"`
}

// Aggregate maintains running statistics for one channel.
type Aggregate struct {
	mu sync.Mutex

	channel string
	count   int64
	skipped int64
	sum     float64
	min     float64
	max     float64

	// nil if the sketch could not be created
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates an aggregate for channel with the default sketch accuracy.
func New(channel string) *Aggregate {
	return NewWithAccuracy(channel, DefaultAccuracy)
}

// NewWithAccuracy creates an aggregate with a custom quantile accuracy.
func NewWithAccuracy(channel string, accuracy float64) *Aggregate {
	a := &Aggregate{channel: channel, accuracy: accuracy}
	a.reset()
	return a
}

func (a *Aggregate) reset() {
	a.count = 0
	a.skipped = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64

	// DDSketch has no Clear; a fresh sketch is created instead.
	sketch, err := ddsketch.NewDefaultDDSketch(a.accuracy)
	if err != nil {
		sketch = nil
	}
	a.sketch = sketch
}

// Add adds a value. NaN and infinities are counted as skipped.
func (a *Aggregate) Add(value float32) {
	v := float64(value)

	a.mu.Lock()
	defer a.mu.Unlock()

	if math.IsNaN(v) || math.IsInf(v, 0) {
		a.skipped++
		return
	}

	a.count++
	a.sum += v
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)

	if a.sketch != nil {
		// Values outside the sketch's indexable range only miss the quantiles.
		_ = a.sketch.Add(v)
	}
}

// AddAll adds every value of a channel slice.
func (a *Aggregate) AddAll(values []float32) {
	for _, v := range values {
		a.Add(v)
	}
}

// Count returns the number of values added.
func (a *Aggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Summary returns the aggregation result. An empty aggregate reports zeros.
func (a *Aggregate) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{Channel: a.channel, Count: a.count, Skipped: a.skipped}
	if a.count == 0 {
		return s
	}

	s.Min = a.min
	s.Max = a.max
	s.Mean = a.sum / float64(a.count)

	if a.sketch != nil && !a.sketch.IsEmpty() {
		s.P50, _ = a.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = a.sketch.GetValueAtQuantile(0.90)
		s.P99, _ = a.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// Reset empties the aggregate.
func (a *Aggregate) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Merge combines other into a.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 && other.skipped == 0 {
		return
	}

	a.count += other.count
	a.skipped += other.skipped
	a.sum += other.sum
	a.min = math.Min(a.min, other.min)
	a.max = math.Max(a.max, other.max)

	if a.sketch != nil && other.sketch != nil {
		if err := a.sketch.MergeWith(other.sketch); err != nil {
			a.sketch = nil
		}
	}
}
