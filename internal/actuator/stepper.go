// Package actuator drives the damper stepper: homing against three proximity
// sensors of untrusted polarity, then absolute moves within the homed range.
package actuator

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/logging"
)

var log = logging.Component("actuator")

// Options configures stepping and homing.
type Options struct {
	// StepDelay is the pause before every half-step.
	// Default: 20ms
	StepDelay time.Duration

	// MaxSteps bounds each homing sweep.
	// Default: 4096
	MaxSteps int
}

// DefaultOptions returns the stepper defaults.
func DefaultOptions() Options {
	return Options{
		StepDelay: config.DefaultStepDelay,
		MaxSteps:  config.DefaultHomingMaxSteps,
	}
}

// Stepper is a homed stepper. Positions are half-steps from the power-up
// position. min and max are the positions where the min and max sensors
// tripped; min may be numerically greater than max when the motor is
// mounted the other way round.
type Stepper struct {
	mu       sync.Mutex
	motor    hw.Motor
	min, max int
	pos      int
	delay    time.Duration
}

// NewStepper returns a stepper with known bounds, for callers that skip homing.
func NewStepper(motor hw.Motor, min, max, pos int, delay time.Duration) *Stepper {
	return &Stepper{motor: motor, min: min, max: max, pos: pos, delay: delay}
}

// Bounds returns the min and max sensor positions.
func (s *Stepper) Bounds() (min, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min, s.max
}

// Position returns the current position.
func (s *Stepper) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// SetFraction moves to min + f*(max-min). f must lie in [0,1].
func (s *Stepper) SetFraction(f float32) error {
	if !(f >= 0 && f <= 1) {
		return fmt.Errorf("fraction %v: %w", f, errors.ErrOutOfRange)
	}
	s.mu.Lock()
	target := s.min + int(f*float32(s.max-s.min))
	s.mu.Unlock()
	return s.SetPos(target)
}

// SetPos moves to an absolute position within the homed range and releases
// the coils. Out-of-range targets fail with ErrOutOfRange without moving.
func (s *Stepper) SetPos(target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := min(s.min, s.max), max(s.min, s.max)
	if target < lo || target > hi {
		return fmt.Errorf("position %d outside [%d, %d]: %w", target, lo, hi, errors.ErrOutOfRange)
	}

	for s.pos != target {
		dir := hw.Forward
		if target < s.pos {
			dir = hw.Backward
		}
		if err := s.step(dir); err != nil {
			return err
		}
	}
	return s.motor.Off()
}

// step moves one half-step and tracks the position. Caller holds mu.
func (s *Stepper) step(dir hw.Direction) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err := s.motor.Step(dir); err != nil {
		return fmt.Errorf("step %s at %d: %w", dir, s.pos, err)
	}
	s.pos += int(dir)
	return nil
}
