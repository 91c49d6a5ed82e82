package controller

import (
	"context"
	"time"

	"github.com/kilnworks/dehydrator/config"
	"github.com/kilnworks/dehydrator/internal/schedule"
)

// Positioner moves the damper to a fraction of its homed range.
type Positioner interface {
	SetFraction(f float32) error
}

// Actuation is the damper actor. Each tick it evaluates the profile and,
// when a step is due, moves the damper without holding any lock.
type Actuation struct {
	cell     *schedule.Cell
	progress *schedule.Progress
	damper   Positioner
	now      func() time.Time
	tick     time.Duration
}

// NewActuation creates the actor. tick defaults to one second and now to
// time.Now.
func NewActuation(cell *schedule.Cell, progress *schedule.Progress, damper Positioner, tick time.Duration, now func() time.Time) *Actuation {
	if tick <= 0 {
		tick = config.DefaultActuationTick
	}
	if now == nil {
		now = time.Now
	}
	return &Actuation{cell: cell, progress: progress, damper: damper, now: now, tick: tick}
}

// Run ticks until ctx ends.
func (a *Actuation) Run(ctx context.Context) error {
	log.Info("actuation started", "tick", a.tick)
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("actuation stopped")
			return nil
		case <-ticker.C:
			_ = a.Tick()
		}
	}
}

// Tick applies the due profile step, if any. A failed move restores the
// previous progress so the step is retried on the next tick, unless a
// restart or a continuous configuration change reset progress meanwhile.
func (a *Actuation) Tick() error {
	d, ticket := schedule.Advance(a.cell, a.progress, a.now())
	if !d.Apply {
		return nil
	}

	if err := a.damper.SetFraction(d.Fraction); err != nil {
		restored := a.progress.Rollback(ticket)
		log.Error("damper move failed", "step", d.Step, "fraction", d.Fraction,
			"rolled_back", restored, "error", err)
		return err
	}

	log.Info("damper moved", "step", d.Step, "fraction", d.Fraction, "progress", d.Next)
	return nil
}
