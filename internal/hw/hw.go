// Package hw defines the hardware capabilities the controller core depends on
// and provides simulated and real implementations of them.
//
// The core never talks to a bus directly. It sees:
//   - RawReader: one uncalibrated numeric sample (load cell, current sensor)
//   - Climate: one temperature/humidity reading
//   - Motor: one half-step in either direction
//   - Proximity: one binary position sensor
//   - Signal: a one-shot output pulse (the shutdown trigger)
//
// Every method may block on I/O and returns an error wrapping
// errors.ErrHardware on failure.
package hw

import "fmt"

// RawReader reads one raw sample from an analog front end.
type RawReader interface {
	ReadRaw() (float32, error)
}

// ClimateSample is one temperature/humidity reading.
type ClimateSample struct {
	// Temperature in degrees Celsius.
	Temperature float32
	// Humidity is relative humidity in percent.
	Humidity float32
}

// Climate reads a combined temperature/humidity sensor.
type Climate interface {
	ReadClimate() (ClimateSample, error)
}

// Direction is a motor step direction.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// String returns "forward" or "backward".
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Motor drives a stepper one half-step at a time.
type Motor interface {
	Step(dir Direction) error
	// Off de-energises the coils.
	Off() error
}

// Proximity is a binary position sensor. Its polarity is not trusted.
type Proximity interface {
	Active() (bool, error)
}

// Signal fires a one-shot output.
type Signal interface {
	Fire() error
}
