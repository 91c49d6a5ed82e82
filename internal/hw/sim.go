package hw

import (
	"math"
	"sync"
	"time"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// =============================================================================
// Raw sensor
// =============================================================================

// SimRaw is a simulated raw sensor. It returns a fixed value or, when a
// generator is set, the generator's value for the current time.
type SimRaw struct {
	mu    sync.Mutex
	name  string
	value float32
	gen   func(t time.Time) float32
	err   error
	reads int
}

// NewSimRaw returns a simulated raw sensor reading value.
func NewSimRaw(name string, value float32) *SimRaw {
	return &SimRaw{name: name, value: value}
}

// ReadRaw implements RawReader.
func (s *SimRaw) ReadRaw() (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.err != nil {
		return 0, errors.Hardware(s.name, s.err)
	}
	if s.gen != nil {
		return s.gen(time.Now()), nil
	}
	return s.value, nil
}

// Set changes the value returned by ReadRaw.
func (s *SimRaw) Set(v float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.gen = nil
}

// Generate makes ReadRaw return gen(now).
func (s *SimRaw) Generate(gen func(t time.Time) float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
}

// Fail makes ReadRaw fail with err until cleared with nil.
func (s *SimRaw) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Reads returns the number of ReadRaw calls.
func (s *SimRaw) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// =============================================================================
// Climate sensor
// =============================================================================

// SimClimate is a simulated temperature/humidity sensor.
type SimClimate struct {
	mu     sync.Mutex
	name   string
	sample ClimateSample
	gen    func(t time.Time) ClimateSample
	err    error
}

// NewSimClimate returns a simulated climate sensor with a fixed reading.
func NewSimClimate(name string, temperature, humidity float32) *SimClimate {
	return &SimClimate{name: name, sample: ClimateSample{Temperature: temperature, Humidity: humidity}}
}

// ReadClimate implements Climate.
func (s *SimClimate) ReadClimate() (ClimateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return ClimateSample{}, errors.Hardware(s.name, s.err)
	}
	if s.gen != nil {
		return s.gen(time.Now()), nil
	}
	return s.sample, nil
}

// Set changes the fixed reading.
func (s *SimClimate) Set(temperature, humidity float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = ClimateSample{Temperature: temperature, Humidity: humidity}
	s.gen = nil
}

// Generate makes ReadClimate return gen(now).
func (s *SimClimate) Generate(gen func(t time.Time) ClimateSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
}

// Fail makes ReadClimate fail with err until cleared with nil.
func (s *SimClimate) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// DryingCurve returns a generator for an inside sensor whose humidity decays
// from startRH towards endRH with time constant tau.
func DryingCurve(start time.Time, temperature, startRH, endRH float32, tau time.Duration) func(time.Time) ClimateSample {
	return func(t time.Time) ClimateSample {
		x := t.Sub(start).Seconds() / tau.Seconds()
		rh := endRH + (startRH-endRH)*float32(math.Exp(-x))
		return ClimateSample{Temperature: temperature, Humidity: rh}
	}
}

// =============================================================================
// Damper rig: motor and proximity sensors on one shaft
// =============================================================================

// Zone is an inclusive position interval in which a proximity sensor is active.
type Zone struct {
	From, To int
}

func (z Zone) contains(pos int) bool {
	return pos >= z.From && pos <= z.To
}

// SimRig simulates a stepper-driven damper with three proximity sensors.
// Positions are in half-steps relative to where the shaft was at power-up.
type SimRig struct {
	mu        sync.Mutex
	pos       int
	zones     [3]Zone
	inverted  [3]bool
	steps     int
	energised bool
	stepErr   error
	readErr   error
}

// NewSimRig returns a rig with sensors active in the given min, mid and max zones.
func NewSimRig(lo, mid, hi Zone) *SimRig {
	return &SimRig{zones: [3]Zone{lo, mid, hi}}
}

// Invert flips the wiring polarity of sensor i (0 min, 1 mid, 2 max).
func (r *SimRig) Invert(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inverted[i] = !r.inverted[i]
}

// Position returns the shaft position.
func (r *SimRig) Position() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// Steps returns the number of half-steps taken.
func (r *SimRig) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps
}

// Energised reports whether the coils are driven.
func (r *SimRig) Energised() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.energised
}

// FailSteps makes every Step fail with err until cleared with nil.
func (r *SimRig) FailSteps(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepErr = err
}

// FailReads makes every sensor read fail with err until cleared with nil.
func (r *SimRig) FailReads(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readErr = err
}

// Motor returns the rig's motor.
func (r *SimRig) Motor() Motor {
	return rigMotor{r}
}

// Sensors returns the min, mid and max proximity sensors.
func (r *SimRig) Sensors() [3]Proximity {
	return [3]Proximity{rigSensor{r, 0}, rigSensor{r, 1}, rigSensor{r, 2}}
}

type rigMotor struct{ r *SimRig }

func (m rigMotor) Step(dir Direction) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()

	if m.r.stepErr != nil {
		return errors.Hardware("sim motor", m.r.stepErr)
	}
	m.r.pos += int(dir)
	m.r.steps++
	m.r.energised = true
	return nil
}

func (m rigMotor) Off() error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.energised = false
	return nil
}

type rigSensor struct {
	r *SimRig
	i int
}

func (s rigSensor) Active() (bool, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()

	if s.r.readErr != nil {
		return false, errors.Hardware("sim proximity", s.r.readErr)
	}
	return s.r.zones[s.i].contains(s.r.pos) != s.r.inverted[s.i], nil
}

// =============================================================================
// Signal
// =============================================================================

// SimSignal counts fired pulses.
type SimSignal struct {
	mu    sync.Mutex
	fired int
	err   error
}

// Fire implements Signal.
func (s *SimSignal) Fire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return errors.Hardware("sim signal", s.err)
	}
	s.fired++
	return nil
}

// Fired returns how many times Fire succeeded.
func (s *SimSignal) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Fail makes Fire fail with err until cleared with nil.
func (s *SimSignal) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
