package hw

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// =============================================================================
// Host
// =============================================================================

var (
	hostOnce sync.Once
	hostErr  error
)

// InitHost loads the periph host drivers once.
func InitHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return errors.Hardware("periph host", hostErr)
	}
	return nil
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q: %w", name, errors.ErrNotFound)
	}
	return p, nil
}

// =============================================================================
// SHT3x climate sensor over I²C
// =============================================================================

const (
	// SHT3xAddress is the default SHT3x address (ADDR pin low).
	SHT3xAddress uint16 = 0x44

	sht3xMeasureHigh = 0x2400 // single shot, high repeatability, no clock stretching
	sht3xMeasureTime = 16 * time.Millisecond
)

// SHT3x reads a Sensirion SHT3x in single-shot mode.
type SHT3x struct {
	mu  sync.Mutex
	dev *i2c.Dev
	// name identifies the sensor in errors.
	name string
}

// NewSHT3x returns a driver for the sensor at addr on bus.
func NewSHT3x(bus i2c.Bus, addr uint16, name string) *SHT3x {
	return &SHT3x{dev: &i2c.Dev{Bus: bus, Addr: addr}, name: name}
}

// ReadClimate implements Climate.
func (s *SHT3x) ReadClimate() (ClimateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := []byte{sht3xMeasureHigh >> 8, sht3xMeasureHigh & 0xff}
	if err := s.dev.Tx(cmd, nil); err != nil {
		return ClimateSample{}, errors.Hardware(s.name, err)
	}
	time.Sleep(sht3xMeasureTime)

	var r [6]byte
	if err := s.dev.Tx(nil, r[:]); err != nil {
		return ClimateSample{}, errors.Hardware(s.name, err)
	}
	if crc8(r[0:2]) != r[2] || crc8(r[3:5]) != r[5] {
		return ClimateSample{}, fmt.Errorf("%s: crc mismatch: %w", s.name, errors.ErrSensorRead)
	}

	rawT := uint16(r[0])<<8 | uint16(r[1])
	rawRH := uint16(r[3])<<8 | uint16(r[4])
	return ClimateSample{
		Temperature: -45 + 175*float32(rawT)/65535,
		Humidity:    100 * float32(rawRH) / 65535,
	}, nil
}

// crc8 is the Sensirion checksum: polynomial 0x31, init 0xff.
func crc8(data []byte) byte {
	crc := byte(0xff)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// =============================================================================
// Half-step unipolar stepper (28BYJ-48 on a ULN2003)
// =============================================================================

// halfStepPattern is the coil sequence; adjacent entries differ in one coil.
var halfStepPattern = [8]byte{0x9, 0x8, 0xc, 0x4, 0x6, 0x2, 0x3, 0x1}

// HalfStepMotor drives four coil pins through the half-step sequence.
type HalfStepMotor struct {
	mu    sync.Mutex
	pins  [4]gpio.PinIO
	phase int
}

// NewHalfStepMotor opens the four coil pins by name.
func NewHalfStepMotor(names [4]string) (*HalfStepMotor, error) {
	m := &HalfStepMotor{}
	for i, name := range names {
		p, err := pinByName(name)
		if err != nil {
			return nil, err
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, errors.Hardware("coil "+name, err)
		}
		m.pins[i] = p
	}
	return m, nil
}

// Step implements Motor.
func (m *HalfStepMotor) Step(dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = ((m.phase+int(dir))%8 + 8) % 8
	return m.drive(halfStepPattern[m.phase])
}

// Off implements Motor.
func (m *HalfStepMotor) Off() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drive(0)
}

func (m *HalfStepMotor) drive(pattern byte) error {
	for j, p := range m.pins {
		level := gpio.Level(pattern>>j&1 == 1)
		if err := p.Out(level); err != nil {
			return errors.Hardware("coil "+p.Name(), err)
		}
	}
	return nil
}

// =============================================================================
// Hall-effect proximity sensor
// =============================================================================

// HallSensor reads a digital hall sensor input.
type HallSensor struct {
	pin gpio.PinIO
}

// NewHallSensor configures the named pin as a pulled-up input.
func NewHallSensor(name string) (*HallSensor, error) {
	p, err := pinByName(name)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Hardware("hall "+name, err)
	}
	return &HallSensor{pin: p}, nil
}

// Active implements Proximity. The raw level is returned; homing decides
// which level means active.
func (h *HallSensor) Active() (bool, error) {
	return bool(h.pin.Read()), nil
}

// =============================================================================
// One-shot pulse output
// =============================================================================

// Pulse drives a pin high for a fixed time when fired.
type Pulse struct {
	mu     sync.Mutex
	pin    gpio.PinIO
	length time.Duration
}

// NewPulse configures the named pin as a low output.
func NewPulse(name string, length time.Duration) (*Pulse, error) {
	p, err := pinByName(name)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, errors.Hardware("pulse "+name, err)
	}
	return &Pulse{pin: p, length: length}, nil
}

// Fire implements Signal.
func (p *Pulse) Fire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pin.Out(gpio.High); err != nil {
		return errors.Hardware("pulse "+p.pin.Name(), err)
	}
	time.Sleep(p.length)
	if err := p.pin.Out(gpio.Low); err != nil {
		return errors.Hardware("pulse "+p.pin.Name(), err)
	}
	return nil
}

// =============================================================================
// Bus helpers
// =============================================================================

// OpenI2C opens an I²C bus by name; "" selects the first available bus.
func OpenI2C(name string) (i2c.BusCloser, error) {
	if err := InitHost(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Hardware("i2c "+name, err)
	}
	return bus, nil
}
