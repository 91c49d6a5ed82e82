package hw

import (
	stderrors "errors"
	"io"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/logging"
)

var log = logging.Component("hw")

// Devices is the full set of peripherals the controller runs with.
type Devices struct {
	Inside, Outside Climate
	Current, Mass   RawReader
	Motor           Motor
	Proximity       [3]Proximity
	Shutdown        Signal

	closers []io.Closer
}

// Close releases buses and ports.
func (d *Devices) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return stderrors.Join(errs...)
}

// SimRigSetup is the simulated hardware with handles for tests and the
// simulator mode to drive it.
type SimRigSetup struct {
	Devices *Devices

	InsideSim  *SimClimate
	OutsideSim *SimClimate
	CurrentSim *SimRaw
	MassSim    *SimRaw
	Rig        *SimRig
	Signal     *SimSignal
}

// OpenSim builds simulated peripherals: a drying load inside, steady room air
// outside, a heater drawing current and a load cell losing water mass.
func OpenSim(now time.Time) *SimRigSetup {
	inside := NewSimClimate("inside", 55, 60)
	inside.Generate(DryingCurve(now, 55, 60, 8, 3*time.Hour))
	outside := NewSimClimate("outside", 21, 45)

	current := NewSimRaw(config.SensorCurrent, 2048)
	mass := NewSimRaw(config.SensorMass, 0)
	mass.Generate(func(t time.Time) float32 {
		h := float32(t.Sub(now).Hours())
		return 8_400_000 - 20_000*min(h, 6)
	})

	rig := NewSimRig(Zone{From: -1000, To: -300}, Zone{From: -10, To: 10}, Zone{From: 300, To: 1000})
	signal := &SimSignal{}

	log.Info("using simulated hardware")
	return &SimRigSetup{
		Devices: &Devices{
			Inside:    inside,
			Outside:   outside,
			Current:   current,
			Mass:      mass,
			Motor:     rig.Motor(),
			Proximity: rig.Sensors(),
			Shutdown:  signal,
		},
		InsideSim:  inside,
		OutsideSim: outside,
		CurrentSim: current,
		MassSim:    mass,
		Rig:        rig,
		Signal:     signal,
	}
}

// PeriphConfig names the pins, buses and ports of the real board.
type PeriphConfig struct {
	I2CBus        string
	InsideAddr    uint16
	OutsideAddr   uint16
	MotorPins     [4]string
	HallPins      [3]string
	ShutdownPin   string
	ShutdownPulse time.Duration
	SerialPort    string
	SerialBaud    int
	SerialTimeout time.Duration
}

// OpenPeriph opens the real peripherals. On failure everything opened so
// far is closed again.
func OpenPeriph(cfg PeriphConfig) (d *Devices, err error) {
	if err := InitHost(); err != nil {
		return nil, err
	}

	d = &Devices{}
	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	bus, err := OpenI2C(cfg.I2CBus)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, bus)
	d.Inside = NewSHT3x(bus, cfg.InsideAddr, "sht3x inside")
	d.Outside = NewSHT3x(bus, cfg.OutsideAddr, "sht3x outside")

	motor, err := NewHalfStepMotor(cfg.MotorPins)
	if err != nil {
		return nil, err
	}
	d.Motor = motor

	for i, name := range cfg.HallPins {
		h, err := NewHallSensor(name)
		if err != nil {
			return nil, err
		}
		d.Proximity[i] = h
	}

	pulse, err := NewPulse(cfg.ShutdownPin, cfg.ShutdownPulse)
	if err != nil {
		return nil, err
	}
	d.Shutdown = pulse

	bridge, err := OpenSerialBridge(cfg.SerialPort, cfg.SerialBaud, cfg.SerialTimeout)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, bridge)
	d.Current = bridge.Channel(BridgeCurrent)
	d.Mass = bridge.Channel(BridgeMass)

	log.Info("peripherals opened", "i2c", cfg.I2CBus, "serial", cfg.SerialPort)
	return d, nil
}
