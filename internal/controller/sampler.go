package controller

import (
	"context"
	"sync"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/schedule"
	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
	"github.com/kilnworks/dehydrator/internal/storage/keylog"
)

// SamplerStats counts sampler activity.
type SamplerStats struct {
	Samples        int64
	SkippedTicks   int64
	Batches        int64
	AppendFailures int64
	DroppedBatches int64
	Pending        bool
}

// Sampler is the measurement actor. Each tick it reads every sensor once and
// appends the sample to the open batch. A full batch is stamped, compressed
// and appended to the log.
type Sampler struct {
	inside, outside hw.Climate
	pair            *calib.Pair
	cell            *schedule.Cell
	log             *keylog.Log
	now             func() time.Time

	// Only the actor goroutine touches batch and pending.
	batch   *codec.Batch
	pending []byte

	mu    sync.Mutex
	stats SamplerStats
}

// NewSampler creates a sampler. now defaults to time.Now.
func NewSampler(inside, outside hw.Climate, pair *calib.Pair, cell *schedule.Cell, l *keylog.Log, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		inside:  inside,
		outside: outside,
		pair:    pair,
		cell:    cell,
		log:     l,
		now:     now,
		batch:   codec.NewBatch(),
	}
}

// Run samples until ctx ends. The period is re-read from the configuration
// after every tick.
func (s *Sampler) Run(ctx context.Context) error {
	log.Info("sampler started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sampler stopped", "buffered", s.batch.Len())
			return nil
		case <-timer.C:
		}

		// Errors are logged inside Tick; the next tick retries.
		_ = s.Tick()
		timer.Reset(s.period())
	}
}

func (s *Sampler) period() time.Duration {
	return max(s.cell.Snapshot().MeasurementPeriod(), config.MinMeasurementPeriod)
}

// Tick takes one sample. A hardware error skips the sample. When the sample
// completes a batch, the batch is appended; if that fails it is kept as
// pending and retried at the start of the next tick.
func (s *Sampler) Tick() error {
	s.retryPending()

	inside, err := s.inside.ReadClimate()
	if err != nil {
		return s.skip("inside", err)
	}
	outside, err := s.outside.ReadClimate()
	if err != nil {
		return s.skip("outside", err)
	}
	amps, grams, err := s.pair.Read()
	if err != nil {
		return s.skip("calibrated", err)
	}

	b := s.batch
	b.Channels[codec.InsideTemp] = append(b.Channels[codec.InsideTemp], inside.Temperature)
	b.Channels[codec.InsideRH] = append(b.Channels[codec.InsideRH], inside.Humidity)
	b.Channels[codec.OutsideTemp] = append(b.Channels[codec.OutsideTemp], outside.Temperature)
	b.Channels[codec.OutsideRH] = append(b.Channels[codec.OutsideRH], outside.Humidity)
	b.Channels[codec.Amps] = append(b.Channels[codec.Amps], amps)
	b.Channels[codec.Grams] = append(b.Channels[codec.Grams], grams)

	cfg := s.cell.Snapshot()
	if AbsHumidity(inside.Temperature, inside.Humidity) < cfg.WCut {
		b.Cutoffs++
	}

	s.mu.Lock()
	s.stats.Samples++
	s.mu.Unlock()

	if !b.Full() {
		return nil
	}
	return s.flush()
}

func (s *Sampler) skip(source string, err error) error {
	s.mu.Lock()
	s.stats.SkippedTicks++
	s.mu.Unlock()
	log.Warn("sample skipped", "source", source, "error", err)
	return err
}

func (s *Sampler) flush() error {
	s.batch.Time = s.now().Unix()
	blob, err := codec.Encode(s.batch)
	cutoffs := s.batch.Cutoffs
	s.batch.Reset()
	if err != nil {
		log.Error("batch dropped, encode failed", "error", err)
		return err
	}

	k, err := s.log.AppendEncoded(blob)
	if err != nil {
		s.mu.Lock()
		s.stats.AppendFailures++
		if s.pending != nil {
			s.stats.DroppedBatches++
			log.Warn("older pending batch dropped")
		}
		s.stats.Pending = true
		s.mu.Unlock()

		s.pending = blob
		log.Error("batch append failed, holding for retry", "error", err)
		return err
	}

	s.recordBatch(k, cutoffs)
	return nil
}

func (s *Sampler) retryPending() {
	if s.pending == nil {
		return
	}
	k, err := s.log.AppendEncoded(s.pending)
	if err != nil {
		s.mu.Lock()
		s.stats.AppendFailures++
		s.mu.Unlock()
		log.Debug("pending batch retry failed", "error", err)
		return
	}
	s.pending = nil
	s.mu.Lock()
	s.stats.Pending = false
	s.mu.Unlock()
	s.recordBatch(k, -1)
}

func (s *Sampler) recordBatch(k key.Key, cutoffs int32) {
	s.mu.Lock()
	s.stats.Batches++
	s.mu.Unlock()
	if cutoffs >= 0 {
		log.Info("batch stored", "key", k.String(), "cutoffs", cutoffs)
	} else {
		log.Info("pending batch stored", "key", k.String())
	}
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() SamplerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
