package hw

import (
	"testing"
	"time"

	"github.com/kilnworks/dehydrator/internal/errors"
)

func TestCRC8(t *testing.T) {
	// Example from the Sensirion SHT3x datasheet.
	if got := crc8([]byte{0xbe, 0xef}); got != 0x92 {
		t.Errorf("crc8(0xbeef) = %#x, want 0x92", got)
	}
}

func TestHalfStepPatternSingleCoilChange(t *testing.T) {
	for i := range halfStepPattern {
		a, b := halfStepPattern[i], halfStepPattern[(i+1)%8]
		diff := a ^ b
		if diff == 0 || diff&(diff-1) != 0 {
			t.Errorf("phases %d and %d differ in more than one coil: %04b %04b", i, (i+1)%8, a, b)
		}
	}
}

func TestSimRig(t *testing.T) {
	rig := NewSimRig(Zone{From: -5, To: -3}, Zone{From: 0, To: 0}, Zone{From: 3, To: 5})
	m := rig.Motor()
	s := rig.Sensors()

	if v, _ := s[1].Active(); !v {
		t.Error("mid sensor inactive at origin")
	}
	for i := 0; i < 3; i++ {
		m.Step(Forward)
	}
	if v, _ := s[2].Active(); !v {
		t.Error("max sensor inactive at 3")
	}

	rig.Invert(2)
	if v, _ := s[2].Active(); v {
		t.Error("inverted max sensor reads active in its zone")
	}

	rig.FailSteps(errors.New("stall"))
	if err := m.Step(Backward); !errors.IsHardware(err) {
		t.Errorf("Step error = %v, want hardware error", err)
	}
	if rig.Position() != 3 {
		t.Errorf("failed step moved the shaft to %d", rig.Position())
	}
}

func TestDryingCurve(t *testing.T) {
	start := time.Unix(0, 0)
	gen := DryingCurve(start, 50, 80, 10, time.Hour)

	if got := gen(start).Humidity; got != 80 {
		t.Errorf("humidity at start = %v, want 80", got)
	}
	late := gen(start.Add(48 * time.Hour)).Humidity
	if late < 10 || late > 10.01 {
		t.Errorf("humidity after 48h = %v, want about 10", late)
	}
}

func TestOpenSim(t *testing.T) {
	setup := OpenSim(time.Now())
	d := setup.Devices

	if _, err := d.Inside.ReadClimate(); err != nil {
		t.Errorf("inside: %v", err)
	}
	if _, err := d.Mass.ReadRaw(); err != nil {
		t.Errorf("mass: %v", err)
	}
	if err := d.Shutdown.Fire(); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if setup.Signal.Fired() != 1 {
		t.Errorf("Fired = %d, want 1", setup.Signal.Fired())
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
