package schedule

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kilnworks/dehydrator/internal/errors"
)

var t0 = time.Unix(1_700_000_000, 0)

func profile(times []int64, fracs []float32) Config {
	cfg := Default(t0)
	copy(cfg.StepTimes[:], times)
	copy(cfg.StepFracs[:], fracs)
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default(t0)
	if cfg.MeasurementPeriodMs != 2000 || cfg.NWavelets != 40 || cfg.WCut != 12.0 {
		t.Errorf("Default = %+v", cfg)
	}
	if cfg.LastModified != t0.Unix() {
		t.Errorf("LastModified = %d, want %d", cfg.LastModified, t0.Unix())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Default(t0))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, name := range []string{"step_times", "step_fracs", "measurement_period_ms", "n_wavelets", "w_cut", "last_modified"} {
		if _, ok := m[name]; !ok {
			t.Errorf("missing JSON field %q", name)
		}
	}
	if len(m) != 6 {
		t.Errorf("got %d JSON fields, want 6", len(m))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"padded profile", func(c *Config) { copy(c.StepTimes[:], []int64{0, 60, 120}) }, false},
		{"repeated offsets", func(c *Config) { copy(c.StepTimes[:], []int64{0, 60, 60, 90}) }, false},
		{"full profile", func(c *Config) {
			for j := range c.StepTimes {
				c.StepTimes[j] = int64(j * 10)
			}
		}, false},
		{"first offset", func(c *Config) { c.StepTimes[0] = 5 }, true},
		{"decreasing", func(c *Config) { copy(c.StepTimes[:], []int64{0, 60, 30}) }, true},
		{"zero inside profile", func(c *Config) { copy(c.StepTimes[:], []int64{0, 60, 0, 90}) }, true},
		{"negative", func(c *Config) { c.StepTimes[19] = -1 }, true},
		{"fraction above one", func(c *Config) { c.StepFracs[3] = 1.5 }, true},
		{"negative fraction", func(c *Config) { c.StepFracs[0] = -0.1 }, true},
		{"NaN fraction", func(c *Config) { c.StepFracs[0] = float32(math.NaN()) }, true},
		{"zero period", func(c *Config) { c.MeasurementPeriodMs = 0 }, true},
		{"infinite cutoff", func(c *Config) { c.WCut = float32(math.Inf(1)) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t0)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Errorf("Validate = %v, want validation error", err)
				}
			} else if err != nil {
				t.Errorf("Validate = %v, want nil", err)
			}
		})
	}
}

func TestStep(t *testing.T) {
	cfg := profile([]int64{0, 10, 20}, []float32{0.1, 0.5, 0.9})

	tests := []struct {
		name    string
		i       int
		elapsed int64
		want    Decision
	}{
		{"first tick forces step 0", 0, 0, Decision{Apply: true, Fraction: 0.1, Step: 0, Next: 1}},
		{"first tick ignores time", 0, 1000, Decision{Apply: true, Fraction: 0.1, Step: 0, Next: 1}},
		{"next boundary ahead", 1, 5, Decision{Apply: true, Fraction: 0.5, Step: 1, Next: 2}},
		{"skips passed boundary", 1, 15, Decision{Apply: true, Fraction: 0.9, Step: 2, Next: 3}},
		{"profile exhausted", 3, 25, Decision{Next: 3}},
		{"all offsets passed", 1, 25, Decision{Next: 1}},
		{"progress at end", Steps, 0, Decision{Next: Steps}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := t0.Add(time.Duration(tt.elapsed) * time.Second)
			if got := Step(cfg, tt.i, now); got != tt.want {
				t.Errorf("Step(i=%d, elapsed=%d) = %+v, want %+v", tt.i, tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestStepClampsToCapacity(t *testing.T) {
	cfg := Default(t0)
	for j := range cfg.StepTimes {
		cfg.StepTimes[j] = int64(j * 10)
	}
	d := Step(cfg, Steps-1, t0)
	if !d.Apply || d.Step != Steps-1 || d.Next != Steps {
		t.Errorf("Step at last index = %+v", d)
	}
}

func TestContinuous(t *testing.T) {
	old := profile([]int64{0, 10, 20}, []float32{0.1, 0.2, 0.3})

	if !Continuous(old, profile([]int64{0, 99}, []float32{0.7}), 0) {
		t.Error("empty prefix must be continuous")
	}
	if !Continuous(old, profile([]int64{0, 10, 25}, []float32{0.1, 0.2, 0.9}), 2) {
		t.Error("identical prefix reported discontinuous")
	}
	if Continuous(old, profile([]int64{0, 10, 20}, []float32{0.1, 0.25, 0.3}), 2) {
		t.Error("fraction change inside prefix reported continuous")
	}
	if !Continuous(old, old, Steps+5) {
		t.Error("progress beyond capacity must clamp")
	}
}

// Scenario A: the applied prefix is untouched, so the clock restarts.
func TestReplace_ContinuousResets(t *testing.T) {
	old := profile([]int64{0, 10, 20, 30}, []float32{0, 0.2, 0.4, 0.6})
	cell := NewCell(old)
	progress := &Progress{index: 2}

	next := profile([]int64{0, 10, 20, 40}, []float32{0, 0.2, 0.5, 0.8})
	next.LastModified = 42 // ignored

	now := t0.Add(time.Hour)
	restarted, err := Replace(cell, progress, next, now)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !restarted {
		t.Error("continuous update did not restart")
	}
	if progress.Index() != 0 {
		t.Errorf("progress = %d, want 0", progress.Index())
	}
	got := cell.Snapshot()
	if got.LastModified != now.Unix() {
		t.Errorf("LastModified = %d, want %d", got.LastModified, now.Unix())
	}
	if got.StepTimes[3] != 40 {
		t.Errorf("new profile not installed")
	}
}

// Scenario B: a step already applied changed, so history is left alone.
func TestReplace_DiscontinuousKeeps(t *testing.T) {
	old := profile([]int64{0, 10, 20}, []float32{0, 0.2, 0.4})
	cell := NewCell(old)
	progress := &Progress{index: 2}

	next := profile([]int64{0, 11, 20}, []float32{0, 0.2, 0.4})
	next.LastModified = 42

	restarted, err := Replace(cell, progress, next, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if restarted {
		t.Error("discontinuous update restarted")
	}
	if progress.Index() != 2 {
		t.Errorf("progress = %d, want 2", progress.Index())
	}
	got := cell.Snapshot()
	if got.LastModified != old.LastModified {
		t.Errorf("LastModified = %d, want %d", got.LastModified, old.LastModified)
	}
	if got.StepTimes[1] != 11 {
		t.Errorf("new profile not installed")
	}
}

func TestReplace_RejectsInvalid(t *testing.T) {
	old := profile([]int64{0, 10}, []float32{0, 1})
	cell := NewCell(old)
	progress := &Progress{index: 1}

	bad := old
	bad.StepFracs[0] = 2
	if _, err := Replace(cell, progress, bad, t0); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("Replace error = %v, want ErrInvalidConfig", err)
	}
	if cell.Snapshot() != old || progress.Index() != 1 {
		t.Error("rejected config changed state")
	}
}

func TestAdvanceRollback(t *testing.T) {
	cell := NewCell(profile([]int64{0, 10}, []float32{0.3, 0.6}))
	progress := &Progress{}

	d, ticket := Advance(cell, progress, t0)
	if !d.Apply || d.Fraction != 0.3 {
		t.Fatalf("Advance = %+v", d)
	}
	if progress.Index() != 1 {
		t.Fatalf("tentative progress = %d, want 1", progress.Index())
	}

	// The move failed: progress goes back.
	if !progress.Rollback(ticket) {
		t.Error("Rollback refused without a concurrent reset")
	}
	if progress.Index() != 0 {
		t.Errorf("progress after rollback = %d, want 0", progress.Index())
	}
}

func TestRollbackLosesToRestart(t *testing.T) {
	cell := NewCell(profile([]int64{0, 10}, []float32{0.3, 0.6}))
	progress := &Progress{}

	Advance(cell, progress, t0)
	_, ticket := Advance(cell, progress, t0.Add(time.Second))
	if progress.Index() != 2 {
		t.Fatalf("progress = %d, want 2", progress.Index())
	}

	progress.Restart()

	if progress.Rollback(ticket) {
		t.Error("Rollback overrode a restart")
	}
	if progress.Index() != 0 {
		t.Errorf("progress = %d, want 0", progress.Index())
	}
}

func TestAdvanceNoMove(t *testing.T) {
	cell := NewCell(profile([]int64{0}, []float32{0.5}))
	progress := &Progress{index: 1}

	d, _ := Advance(cell, progress, t0.Add(time.Minute))
	if d.Apply {
		t.Errorf("Advance moved with exhausted profile: %+v", d)
	}
	if progress.Index() != 1 {
		t.Errorf("progress = %d, want 1", progress.Index())
	}
}

// Replace runs between Advance and the end of the move, so it judges
// continuity against a step that is not applied yet.
func TestReplaceSeesTentativeProgress(t *testing.T) {
	old := profile([]int64{0, 10}, []float32{0.3, 0.6})

	t.Run("discontinuous then rollback", func(t *testing.T) {
		cell := NewCell(old)
		progress := &Progress{}
		_, ticket := Advance(cell, progress, t0)

		next := profile([]int64{0, 10}, []float32{0.4, 0.6})
		restarted, err := Replace(cell, progress, next, t0.Add(time.Second))
		if err != nil {
			t.Fatalf("Replace: %v", err)
		}
		if restarted {
			t.Error("change to the in-flight step was treated as continuous")
		}
		if progress.Index() != 1 {
			t.Fatalf("progress = %d, want tentative 1", progress.Index())
		}

		// The move fails: the step was never applied and is retried.
		if !progress.Rollback(ticket) || progress.Index() != 0 {
			t.Errorf("rollback left progress at %d", progress.Index())
		}
		if d, _ := Advance(cell, progress, t0.Add(2*time.Second)); !d.Apply || d.Fraction != 0.4 {
			t.Errorf("retry = %+v, want the replaced fraction", d)
		}
	})

	t.Run("continuous then rollback", func(t *testing.T) {
		cell := NewCell(old)
		progress := &Progress{}
		_, ticket := Advance(cell, progress, t0)

		next := profile([]int64{0, 20}, []float32{0.3, 0.9})
		restarted, err := Replace(cell, progress, next, t0.Add(time.Second))
		if err != nil {
			t.Fatalf("Replace: %v", err)
		}
		if !restarted || progress.Index() != 0 {
			t.Fatalf("restarted = %v, progress = %d", restarted, progress.Index())
		}
		if progress.Rollback(ticket) {
			t.Error("rollback overrode the reset")
		}
		if progress.Index() != 0 {
			t.Errorf("progress = %d, want 0", progress.Index())
		}
	})
}
