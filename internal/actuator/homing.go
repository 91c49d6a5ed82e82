package actuator

import (
	"fmt"

	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/hw"
)

// Sensor positions in a homing sensor set.
const (
	SensorMin = 0
	SensorMid = 1
	SensorMax = 2
)

var sensorNames = [3]string{"min", "mid", "max"}

// polarity decides what an active reading looks like. The level seen on at
// least two of three sensors at power-up is the resting level; a sensor
// whose own resting level disagrees is treated as wired the opposite way.
type polarity struct {
	majority bool
	inverted [3]bool
}

func newPolarity(baseline [3]bool) polarity {
	n := 0
	for _, b := range baseline {
		if b {
			n++
		}
	}
	p := polarity{majority: n >= 2}
	for i, b := range baseline {
		p.inverted[i] = b != p.majority
	}
	return p
}

// active corrects a raw reading of sensor i.
func (p polarity) active(i int, raw bool) bool {
	return raw != p.majority != p.inverted[i]
}

// Home finds the physical range of the damper and returns a stepper bounded
// by it. From the power-up position it sweeps forward until the min or max
// sensor trips, then backward until the other one trips. Boundaries come
// from sensor agreement only; no absolute polarity is assumed.
func Home(motor hw.Motor, sensors [3]hw.Proximity, opts Options) (*Stepper, error) {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}

	var baseline [3]bool
	for i, s := range sensors {
		v, err := s.Active()
		if err != nil {
			return nil, fmt.Errorf("read %s sensor: %w", sensorNames[i], err)
		}
		baseline[i] = v
	}
	pol := newPolarity(baseline)
	for i, inv := range pol.inverted {
		if inv {
			log.Warn("sensor polarity disagrees with majority, treating as inverted", "sensor", sensorNames[i])
		}
	}

	s := &Stepper{motor: motor, delay: opts.StepDelay}

	found, err := sweep(s, sensors, pol, hw.Forward, []int{SensorMax, SensorMin}, opts.MaxSteps)
	if err != nil {
		return nil, err
	}
	first := s.pos

	other := SensorMin
	if found == SensorMin {
		other = SensorMax
	}
	if _, err := sweep(s, sensors, pol, hw.Backward, []int{other}, opts.MaxSteps); err != nil {
		return nil, err
	}

	if found == SensorMax {
		s.max, s.min = first, s.pos
	} else {
		s.min, s.max = first, s.pos
	}

	if err := motor.Off(); err != nil {
		return nil, err
	}
	log.Info("homed", "min", s.min, "max", s.max, "pos", s.pos)
	return s, nil
}

// sweep steps in dir until one of the watched sensors reports active and
// returns which. The sweep ends with an error once the position is MaxSteps
// from the power-up origin.
func sweep(s *Stepper, sensors [3]hw.Proximity, pol polarity, dir hw.Direction, watch []int, maxSteps int) (int, error) {
	for {
		if s.pos*int(dir) >= maxSteps {
			return 0, fmt.Errorf("no boundary within %d steps %s: %w", maxSteps, dir, errors.ErrHomingFailed)
		}
		if err := s.step(dir); err != nil {
			return 0, err
		}
		for _, i := range watch {
			raw, err := sensors[i].Active()
			if err != nil {
				return 0, fmt.Errorf("read %s sensor: %w", sensorNames[i], err)
			}
			if pol.active(i, raw) {
				return i, nil
			}
		}
	}
}
