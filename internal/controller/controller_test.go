package controller

import (
	"context"
	"testing"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/actuator"
	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/nvs"
	"github.com/kilnworks/dehydrator/internal/schedule"
	"github.com/kilnworks/dehydrator/internal/storage/codec"
	"github.com/kilnworks/dehydrator/internal/storage/key"
	"github.com/kilnworks/dehydrator/internal/storage/keylog"
	dtesting "github.com/kilnworks/dehydrator/internal/testing"
)

type fixture struct {
	clock   *dtesting.Clock
	mem     *nvs.Mem
	inside  *hw.SimClimate
	outside *hw.SimClimate
	current *hw.SimRaw
	mass    *hw.SimRaw
	rig     *hw.SimRig
	signal  *hw.SimSignal
	log     *keylog.Log
	ctrl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:   dtesting.NewClock(time.Unix(1_700_000_000, 0)),
		mem:     nvs.NewMem(),
		inside:  hw.NewSimClimate("inside", 20, 50),
		outside: hw.NewSimClimate("outside", 15, 70),
		current: hw.NewSimRaw(config.SensorCurrent, 2.5),
		mass:    hw.NewSimRaw(config.SensorMass, 640),
		rig:     hw.NewSimRig(hw.Zone{From: -300, To: -100}, hw.Zone{From: -5, To: 5}, hw.Zone{From: 100, To: 300}),
		signal:  &hw.SimSignal{},
	}

	data, err := f.mem.Namespace(config.NamespaceComp)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	meta, err := f.mem.Namespace(config.NamespaceCompMeta)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	calNS, err := f.mem.Namespace(config.NamespaceCalib)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}

	f.log, err = keylog.Open(data, meta)
	if err != nil {
		t.Fatalf("keylog.Open: %v", err)
	}

	store := calib.NewStore(calNS)
	pair := calib.NewPair(
		calib.NewSensor(config.SensorCurrent, f.current, store),
		calib.NewSensor(config.SensorMass, f.mass, store),
	)
	if err := pair.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	stepper := actuator.NewStepper(f.rig.Motor(), -100, 100, 0, 0)

	f.ctrl = New(Deps{
		Inside:      f.inside,
		Outside:     f.outside,
		Calibration: pair,
		Log:         f.log,
		Damper:      stepper,
		Shutdown:    f.signal,
	}, Options{ActuationTick: 5 * time.Millisecond, Now: f.clock.Now})
	return f
}

func (f *fixture) ticks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.clock.Advance(2 * time.Second)
		if err := f.ctrl.Sampler().Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
}

// =============================================================================
// Absolute humidity
// =============================================================================

func TestAbsHumidity(t *testing.T) {
	tests := []struct {
		temp, rh float32
		want     float32
	}{
		{20, 100, 17.3},
		{30, 100, 30.4},
		{20, 50, 8.65},
		{0, 100, 4.85},
	}
	for _, tt := range tests {
		got := AbsHumidity(tt.temp, tt.rh)
		if d := got - tt.want; d < -0.3 || d > 0.3 {
			t.Errorf("AbsHumidity(%v, %v) = %v, want about %v", tt.temp, tt.rh, got, tt.want)
		}
	}

	if got := AbsHumidity(25, 0); got != 0 {
		t.Errorf("AbsHumidity at 0%% RH = %v, want 0", got)
	}
	if AbsHumidity(40, 60) <= AbsHumidity(30, 60) {
		t.Error("absolute humidity must grow with temperature at fixed RH")
	}
}

// =============================================================================
// Sampler
// =============================================================================

func TestSampler_StoresFullBatch(t *testing.T) {
	f := newFixture(t)

	f.ticks(t, codec.N-1)
	if f.log.Len() != 0 {
		t.Fatalf("log holds %d batches before the window closed", f.log.Len())
	}
	f.ticks(t, 1)
	if f.log.Len() != 1 {
		t.Fatalf("log holds %d batches, want 1", f.log.Len())
	}

	b, err := f.log.Get(key.Zero)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Time != f.clock.Now().Unix() {
		t.Errorf("batch time = %d, want %d", b.Time, f.clock.Now().Unix())
	}
	// 20 °C at 50 % is about 8.7 g/m³, below the default threshold.
	if b.Cutoffs != codec.N {
		t.Errorf("cutoffs = %d, want %d", b.Cutoffs, codec.N)
	}
	if b.Len() != codec.N {
		t.Errorf("batch len = %d, want %d", b.Len(), codec.N)
	}
	want := map[codec.Channel]float32{
		codec.InsideTemp:  20,
		codec.InsideRH:    50,
		codec.OutsideTemp: 15,
		codec.OutsideRH:   70,
		codec.Amps:        2.5,
		codec.Grams:       640,
	}
	for ch, v := range want {
		if got := b.Channels[ch][codec.N-1]; got != v {
			t.Errorf("%s = %v, want %v", ch, got, v)
		}
	}
}

func TestSampler_NoCutoffsAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.inside.Set(30, 90)

	f.ticks(t, codec.N)
	b, err := f.log.Get(key.Zero)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Cutoffs != 0 {
		t.Errorf("cutoffs = %d, want 0", b.Cutoffs)
	}
}

func TestSampler_HardwareErrorSkipsTick(t *testing.T) {
	f := newFixture(t)

	f.ticks(t, 10)
	f.mass.Fail(errors.New("timeout"))
	if err := f.ctrl.Sampler().Tick(); !errors.IsHardware(err) {
		t.Fatalf("Tick error = %v, want hardware error", err)
	}
	f.inside.Fail(errors.New("nack"))
	if err := f.ctrl.Sampler().Tick(); !errors.IsHardware(err) {
		t.Fatalf("Tick error = %v, want hardware error", err)
	}
	f.mass.Fail(nil)
	f.inside.Fail(nil)

	st := f.ctrl.SamplerStats()
	if st.SkippedTicks != 2 || st.Samples != 10 {
		t.Errorf("stats = %+v, want 2 skipped and 10 samples", st)
	}

	f.ticks(t, codec.N-10)
	if f.log.Len() != 1 {
		t.Errorf("log holds %d batches, want 1", f.log.Len())
	}
}

func TestSampler_PendingRetried(t *testing.T) {
	f := newFixture(t)

	f.mem.FailSets(errors.New("flash worn"))
	f.ticks(t, codec.N-1)
	if err := f.ctrl.Sampler().Tick(); err == nil {
		t.Fatal("Tick succeeded with failing storage")
	}
	if !f.ctrl.SamplerStats().Pending {
		t.Fatal("batch not held as pending")
	}

	f.mem.FailSets(nil)
	f.ticks(t, 1)
	if f.log.Len() != 1 {
		t.Fatalf("log holds %d batches after retry, want 1", f.log.Len())
	}
	st := f.ctrl.SamplerStats()
	if st.Pending || st.Batches != 1 || st.DroppedBatches != 0 {
		t.Errorf("stats = %+v", st)
	}
	if first, _, _ := f.log.Bounds(); first != key.Zero {
		t.Errorf("first key = %s, want zero", first)
	}
}

func TestSampler_OlderPendingDropped(t *testing.T) {
	f := newFixture(t)

	f.mem.FailSets(errors.New("flash worn"))
	for i := 0; i < 2*codec.N; i++ {
		f.clock.Advance(2 * time.Second)
		_ = f.ctrl.Sampler().Tick()
	}
	if st := f.ctrl.SamplerStats(); st.DroppedBatches != 1 {
		t.Fatalf("dropped = %d, want 1", st.DroppedBatches)
	}
	last := f.clock.Now().Unix()

	f.mem.FailSets(nil)
	f.ticks(t, 1)
	if f.log.Len() != 1 {
		t.Fatalf("log holds %d batches, want 1", f.log.Len())
	}
	b, err := f.log.Get(key.Zero)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Time != last {
		t.Errorf("stored batch time %d, want the newer batch at %d", b.Time, last)
	}
}

// =============================================================================
// Actuation
// =============================================================================

func profile() schedule.Config {
	cfg := schedule.Default(time.Unix(0, 0))
	cfg.StepTimes[1], cfg.StepTimes[2] = 60, 120
	cfg.StepFracs[0], cfg.StepFracs[1], cfg.StepFracs[2] = 0.25, 0.75, 1
	return cfg
}

func TestActuation_AppliesProfile(t *testing.T) {
	f := newFixture(t)

	restarted, err := f.ctrl.SetConfig(profile())
	if err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if !restarted {
		t.Fatal("first profile must restart the clock")
	}
	if got := f.ctrl.Config().LastModified; got != f.clock.Now().Unix() {
		t.Errorf("last_modified = %d, want %d", got, f.clock.Now().Unix())
	}

	wantPos := []int{-50, 50, 100}
	for i, want := range wantPos {
		if err := f.ctrl.Actuation().Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if f.rig.Position() != want {
			t.Errorf("tick %d: damper at %d, want %d", i, f.rig.Position(), want)
		}
		if f.ctrl.Progress() != i+1 {
			t.Errorf("tick %d: progress %d, want %d", i, f.ctrl.Progress(), i+1)
		}
	}

	steps := f.rig.Steps()
	if err := f.ctrl.Actuation().Tick(); err != nil {
		t.Fatalf("idle tick: %v", err)
	}
	if f.rig.Steps() != steps {
		t.Error("damper moved after the profile was exhausted")
	}
}

func TestActuation_FailedMoveRetried(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.SetConfig(profile()); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	f.rig.FailSteps(errors.New("stall"))
	if err := f.ctrl.Actuation().Tick(); !errors.IsHardware(err) {
		t.Fatalf("Tick error = %v, want hardware error", err)
	}
	if f.ctrl.Progress() != 0 {
		t.Fatalf("progress = %d after failed move, want 0", f.ctrl.Progress())
	}

	f.rig.FailSteps(nil)
	if err := f.ctrl.Actuation().Tick(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.rig.Position() != -50 || f.ctrl.Progress() != 1 {
		t.Errorf("after retry damper at %d progress %d, want -50 and 1", f.rig.Position(), f.ctrl.Progress())
	}
}

func TestController_Restart(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.SetConfig(profile()); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.ctrl.Actuation().Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	f.ctrl.Restart()
	if f.ctrl.Progress() != 0 {
		t.Fatalf("progress = %d after restart", f.ctrl.Progress())
	}
	if err := f.ctrl.Actuation().Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.rig.Position() != -50 {
		t.Errorf("damper at %d, want the first step at -50", f.rig.Position())
	}
}

func TestController_DiscontinuousConfigKeepsClock(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.SetConfig(profile()); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	start := f.ctrl.Config().LastModified
	if err := f.ctrl.Actuation().Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	f.clock.Advance(time.Hour)
	next := profile()
	next.StepFracs[0] = 0.1
	restarted, err := f.ctrl.SetConfig(next)
	if err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if restarted {
		t.Error("changing an applied step must not restart the clock")
	}
	if got := f.ctrl.Config(); got.LastModified != start || got.StepFracs[0] != 0.1 {
		t.Errorf("config = %+v, want new fractions with last_modified %d", got, start)
	}
	if f.ctrl.Progress() != 1 {
		t.Errorf("progress = %d, want 1", f.ctrl.Progress())
	}
}

func TestController_Shutdown(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.signal.Fired() != 1 {
		t.Errorf("fired %d times, want 1", f.signal.Fired())
	}

	f.signal.Fail(errors.New("gpio"))
	if err := f.ctrl.Shutdown(); !errors.IsHardware(err) {
		t.Errorf("Shutdown error = %v, want hardware error", err)
	}
}

func TestController_Calibrate(t *testing.T) {
	f := newFixture(t)
	y := float32(1000)
	req := calib.Request{Y: [2]*float32{nil, &y}, Save: [2]bool{false, true}}
	if err := f.ctrl.Calibrate(req); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	cal := f.ctrl.Calibrations()[calib.Mass]
	if got := cal.Predict(640); got != 1000 {
		t.Errorf("calibrated mass = %v, want 1000", got)
	}
	if f.mem.Writes(config.NamespaceCalib) != 1 {
		t.Errorf("calibration writes = %d, want 1", f.mem.Writes(config.NamespaceCalib))
	}
}

func TestController_Run(t *testing.T) {
	f := newFixture(t)
	gt := dtesting.NewGoroutineTestWithTimeout(t, 10*time.Second)
	gt.GoWithContext(func(ctx context.Context) error {
		return f.ctrl.Run(ctx)
	})

	// The default profile parks the damper at fraction 0.
	err := dtesting.Eventually(5*time.Second, 5*time.Millisecond, func() bool {
		return f.rig.Position() == -100 && f.ctrl.SamplerStats().Samples >= 1
	})
	gt.Cancel()
	gt.Wait()
	if err != nil {
		t.Fatal(err)
	}
}

func TestNew_BootConfig(t *testing.T) {
	clock := dtesting.NewClock(time.Unix(1_700_000_000, 0))
	deps := Deps{Damper: actuator.NewStepper(hw.NewSimRig(hw.Zone{From: -3, To: -1}, hw.Zone{}, hw.Zone{From: 1, To: 3}).Motor(), 0, 10, 0, 0)}

	boot := schedule.Default(time.Unix(0, 0))
	boot.MeasurementPeriodMs = 500
	boot.WCut = 9
	c := New(deps, Options{Now: clock.Now, Boot: &boot})
	got := c.Config()
	if got.MeasurementPeriodMs != 500 || got.WCut != 9 {
		t.Errorf("boot config not applied: %+v", got)
	}
	if got.LastModified != clock.Now().Unix() {
		t.Errorf("LastModified = %d, want the boot time", got.LastModified)
	}

	bad := boot
	bad.MeasurementPeriodMs = 0
	c = New(deps, Options{Now: clock.Now, Boot: &bad})
	if c.Config().MeasurementPeriodMs != config.DefaultMeasurementPeriodMs {
		t.Errorf("invalid boot config applied: %+v", c.Config())
	}
}
