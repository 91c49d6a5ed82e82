// Package schedule implements the damper position profile, the progress
// index that tracks how much of it has been applied and the rule that decides
// whether a profile update restarts the clock.
//
// A profile is piecewise constant: StepFracs[j] is the damper position from
// StepTimes[j] seconds after LastModified. The actuation actor evaluates
// Step once per tick and moves the damper only when the decision says so.
package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/errors"
)

// Steps is the fixed profile capacity.
const Steps = config.ScheduleSteps

// Config is the controller configuration shared with the web client. The JSON
// field names are part of the wire contract.
type Config struct {
	// StepTimes are offsets in seconds from LastModified. The first is 0.
	StepTimes [Steps]int64 `json:"step_times"`

	// StepFracs are damper positions as a fraction of the homed range.
	StepFracs [Steps]float32 `json:"step_fracs"`

	// MeasurementPeriodMs is the delay between samples.
	MeasurementPeriodMs uint32 `json:"measurement_period_ms"`

	// NWavelets is the smoothing parameter used by the web client.
	NWavelets uint16 `json:"n_wavelets"`

	// WCut is the absolute humidity threshold in g/m³ below which a sample
	// counts as a cutoff.
	WCut float32 `json:"w_cut"`

	// LastModified is the Unix time the profile clock started.
	LastModified int64 `json:"last_modified"`
}

// Default returns the boot configuration.
func Default(now time.Time) Config {
	return Config{
		MeasurementPeriodMs: config.DefaultMeasurementPeriodMs,
		NWavelets:           config.DefaultNWavelets,
		WCut:                config.DefaultWCut,
		LastModified:        now.Unix(),
	}
}

// MeasurementPeriod returns the sample period as a duration.
func (c Config) MeasurementPeriod() time.Duration {
	return time.Duration(c.MeasurementPeriodMs) * time.Millisecond
}

// ActiveSteps returns the length of the profile without its trailing zero
// padding. It is at least 1.
func (c Config) ActiveSteps() int {
	n := 1
	for j := Steps - 1; j > 0; j-- {
		if c.StepTimes[j] != 0 {
			n = j + 1
			break
		}
	}
	return n
}

// Validate checks a configuration received from the control plane.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.StepTimes[0] != 0 {
		errs.AddField("step_times[0]", fmt.Sprintf("must be 0, got %d", c.StepTimes[0]))
	}

	n := c.ActiveSteps()
	for j := 1; j < Steps; j++ {
		t := c.StepTimes[j]
		switch {
		case t < 0:
			errs.AddField(fmt.Sprintf("step_times[%d]", j), fmt.Sprintf("negative offset %d", t))
		case j < n && t < c.StepTimes[j-1]:
			errs.AddField(fmt.Sprintf("step_times[%d]", j),
				fmt.Sprintf("offset %d before previous %d", t, c.StepTimes[j-1]))
		}
	}

	for j, f := range c.StepFracs {
		if !(f >= 0 && f <= 1) {
			errs.AddField(fmt.Sprintf("step_fracs[%d]", j), fmt.Sprintf("%v not in [0,1]", f))
		}
	}

	if c.MeasurementPeriodMs == 0 {
		errs.AddField("measurement_period_ms", "must be positive")
	}
	if math.IsNaN(float64(c.WCut)) || math.IsInf(float64(c.WCut), 0) {
		errs.AddField("w_cut", "must be finite")
	}

	return errs.Err()
}

// Decision is the outcome of one schedule evaluation.
type Decision struct {
	// Apply is set when the damper must move to Fraction.
	Apply    bool
	Fraction float32

	// Step is the profile index being applied.
	Step int

	// Next is the progress index after the move.
	Next int
}

// Step evaluates the profile for progress index i at time now.
//
// With i == 0 the first fraction is applied unconditionally and progress
// becomes 1. Otherwise the smallest j >= i whose offset lies beyond the
// elapsed time is applied and progress becomes min(j+1, Steps). When no such
// j exists nothing moves.
func Step(cfg Config, i int, now time.Time) Decision {
	if i <= 0 {
		return Decision{Apply: true, Fraction: cfg.StepFracs[0], Step: 0, Next: 1}
	}

	elapsed := now.Unix() - cfg.LastModified
	for j := i; j < Steps; j++ {
		if cfg.StepTimes[j] > elapsed {
			return Decision{Apply: true, Fraction: cfg.StepFracs[j], Step: j, Next: min(j+1, Steps)}
		}
	}
	return Decision{Next: min(i, Steps)}
}

// Continuous reports whether next keeps the first i steps of old unchanged,
// both offsets and fractions.
func Continuous(old, next Config, i int) bool {
	i = max(0, min(i, Steps))
	for j := 0; j < i; j++ {
		if old.StepTimes[j] != next.StepTimes[j] || old.StepFracs[j] != next.StepFracs[j] {
			return false
		}
	}
	return true
}
