// Package calib implements two-point linear calibration of raw sensors and
// its dedup-aware persistence.
package calib

import (
	"fmt"
	"math"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/nvs"
)

var log = logging.Component("calib")

// LinearCalibration maps raw readings through the line defined by
// (X0, Y0) and (X1, Y1). X0 never equals X1: the default uses 0 and 1, and a
// tare only ever moves one of the two points.
type LinearCalibration struct {
	X0 float32 `json:"x0"`
	X1 float32 `json:"x1"`
	Y0 float32 `json:"y0"`
	Y1 float32 `json:"y1"`
}

// Default returns the identity calibration.
func Default() LinearCalibration {
	return LinearCalibration{X0: 0, X1: 1, Y0: 0, Y1: 1}
}

// Predict converts a raw reading: y0 + (x-x0)(y1-y0)/(x1-x0).
// It is evaluated as a weighted sum so both calibration points map back
// exactly to their outputs.
func (c LinearCalibration) Predict(x float32) float32 {
	t := (x - c.X0) / (c.X1 - c.X0)
	return c.Y0*(1-t) + c.Y1*t
}

// Field numbers of the persisted calibration.
const (
	fieldX0 protowire.Number = 1
	fieldX1 protowire.Number = 2
	fieldY0 protowire.Number = 3
	fieldY1 protowire.Number = 4
)

// MarshalBinary encodes c as four fixed32 protobuf fields.
func (c LinearCalibration) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 20)
	for _, f := range []struct {
		num protowire.Number
		v   float32
	}{{fieldX0, c.X0}, {fieldX1, c.X1}, {fieldY0, c.Y0}, {fieldY1, c.Y1}} {
		buf = protowire.AppendTag(buf, f.num, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(f.v))
	}
	return buf, nil
}

// UnmarshalBinary decodes a blob written by MarshalBinary. All four points
// must be present.
func (c *LinearCalibration) UnmarshalBinary(data []byte) error {
	var out LinearCalibration
	var seen int

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("calibration: %v: %w", protowire.ParseError(n), errors.ErrCorruptBlob)
		}
		data = data[n:]

		if typ != protowire.Fixed32Type || num < fieldX0 || num > fieldY1 {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("calibration: %v: %w", protowire.ParseError(n), errors.ErrCorruptBlob)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return fmt.Errorf("calibration: %v: %w", protowire.ParseError(n), errors.ErrCorruptBlob)
		}
		data = data[n:]

		f := math.Float32frombits(v)
		switch num {
		case fieldX0:
			out.X0 = f
		case fieldX1:
			out.X1 = f
		case fieldY0:
			out.Y0 = f
		case fieldY1:
			out.Y1 = f
		}
		seen |= 1 << (num - fieldX0)
	}

	if seen != 0xf {
		return fmt.Errorf("calibration missing points: %w", errors.ErrCorruptBlob)
	}
	*c = out
	return nil
}

// =============================================================================
// Store
// =============================================================================

// Store persists calibrations by sensor name in its own namespace, apart
// from the measurement log.
type Store struct {
	ns nvs.Namespace
}

// NewStore wraps a calibration namespace.
func NewStore(ns nvs.Namespace) *Store {
	return &Store{ns: ns}
}

// Load returns the calibration saved for name. When nothing is saved the
// error wraps errors.ErrCalibrationNotFound.
func (s *Store) Load(name string) (LinearCalibration, error) {
	var c LinearCalibration
	blob, err := s.ns.Get([]byte(name))
	if errors.IsNotFound(err) {
		return c, fmt.Errorf("%s: %w", name, errors.ErrCalibrationNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("load calibration %s: %w", name, err)
	}
	if err := c.UnmarshalBinary(blob); err != nil {
		return c, fmt.Errorf("load calibration %s: %w", name, err)
	}
	return c, nil
}

// Save writes c under name unconditionally.
func (s *Store) Save(name string, c LinearCalibration) error {
	blob, _ := c.MarshalBinary()
	if err := s.ns.Set([]byte(name), blob); err != nil {
		return fmt.Errorf("save calibration %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// Sensor
// =============================================================================

// Sensor is a raw reader with an in-memory calibration. It is not safe for
// concurrent use; Pair guards the calibration and leaves raw reads unlocked.
type Sensor struct {
	name  string
	raw   hw.RawReader
	cal   LinearCalibration
	store *Store
}

// NewSensor returns a sensor with the default calibration.
func NewSensor(name string, raw hw.RawReader, store *Store) *Sensor {
	return &Sensor{name: name, raw: raw, cal: Default(), store: store}
}

// Name returns the sensor name, which is also its storage key.
func (s *Sensor) Name() string { return s.name }

// Calibration returns the in-memory calibration.
func (s *Sensor) Calibration() LinearCalibration { return s.cal }

// Read returns one calibrated reading.
func (s *Sensor) Read() (float32, error) {
	x, err := s.readRaw()
	if err != nil {
		return 0, err
	}
	return s.cal.Predict(x), nil
}

func (s *Sensor) readRaw() (float32, error) {
	x, err := s.raw.ReadRaw()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.name, err)
	}
	return x, nil
}

// TareMeasurement pins one calibration point to the current raw reading.
// y == 0 sets the zero point, any other y the span point.
func (s *Sensor) TareMeasurement(y float32) error {
	x, err := s.readRaw()
	if err != nil {
		return fmt.Errorf("tare: %w", err)
	}
	s.setPoint(x, y)
	return nil
}

func (s *Sensor) setPoint(x, y float32) {
	if y == 0 {
		s.cal.X0, s.cal.Y0 = x, 0
	} else {
		s.cal.X1, s.cal.Y1 = x, y
	}
	log.Info("tared", "sensor", s.name, "x", x, "y", y)
}

// SaveCalibration persists the in-memory calibration unless an equal value
// is already stored. It reports whether a write happened.
func (s *Sensor) SaveCalibration() (bool, error) {
	saved, err := s.store.Load(s.name)
	switch {
	case err == nil && saved == s.cal:
		log.Debug("calibration unchanged, skipping write", "sensor", s.name)
		return false, nil
	case err != nil && !errors.IsNotFound(err):
		log.Warn("stored calibration unreadable, overwriting", "sensor", s.name, "error", err)
	}

	if err := s.store.Save(s.name, s.cal); err != nil {
		return false, err
	}
	log.Info("calibration saved", "sensor", s.name)
	return true, nil
}

// LoadCalibration installs the stored calibration. When none is stored it
// installs the default and returns false; other errors leave the in-memory
// value untouched.
func (s *Sensor) LoadCalibration() (bool, error) {
	c, err := s.store.Load(s.name)
	if errors.IsNotFound(err) {
		s.cal = Default()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.cal = c
	return true, nil
}

// =============================================================================
// Pair
// =============================================================================

// Index of each sensor in a Pair and in the control-plane arrays.
const (
	Current = 0
	Mass    = 1
)

// Request is the control-plane calibration request. For each sensor, Y
// tares a point when present and Save persists afterwards.
type Request struct {
	Save [2]bool     `json:"save"`
	Y    [2]*float32 `json:"y"`
}

// Pair guards the calibrations of the current and mass sensors with one lock.
// The lock covers calibration updates and the store; raw sensor reads happen
// outside it, so a slow ADC never blocks the control plane.
type Pair struct {
	mu      sync.Mutex
	sensors [2]*Sensor
}

// NewPair groups the two calibrated sensors.
func NewPair(current, mass *Sensor) *Pair {
	return &Pair{sensors: [2]*Sensor{current, mass}}
}

// Load loads both calibrations, falling back to defaults.
func (p *Pair) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sensors {
		found, err := s.LoadCalibration()
		if err != nil {
			return err
		}
		if !found {
			log.Info("no stored calibration, using default", "sensor", s.name)
		}
	}
	return nil
}

// Read returns calibrated current and mass readings.
func (p *Pair) Read() (amps, grams float32, err error) {
	xa, err := p.sensors[Current].readRaw()
	if err != nil {
		return 0, 0, err
	}
	xg, err := p.sensors[Mass].readRaw()
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensors[Current].cal.Predict(xa), p.sensors[Mass].cal.Predict(xg), nil
}

// Calibrations returns a snapshot of both calibrations.
func (p *Pair) Calibrations() [2]LinearCalibration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return [2]LinearCalibration{p.sensors[0].cal, p.sensors[1].cal}
}

// Apply runs a calibration request sensor by sensor. It stops at the first
// failure; work already done on earlier steps is kept.
func (p *Pair) Apply(req Request) error {
	for i, s := range p.sensors {
		if err := p.apply(s, req.Y[i], req.Save[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pair) apply(s *Sensor, y *float32, save bool) error {
	var x float32
	if y != nil {
		var err error
		if x, err = s.readRaw(); err != nil {
			return fmt.Errorf("tare: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if y != nil {
		s.setPoint(x, *y)
	}
	if save {
		if _, err := s.SaveCalibration(); err != nil {
			return err
		}
	}
	return nil
}
