// Package controller runs the dehydrator: a sampler that fills and stores
// measurement batches and an actuation loop that drives the damper along the
// configured profile.
package controller

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/dehydrator/internal/calib"
	"github.com/kilnworks/dehydrator/internal/errors"
	"github.com/kilnworks/dehydrator/internal/hw"
	"github.com/kilnworks/dehydrator/internal/logging"
	"github.com/kilnworks/dehydrator/internal/schedule"
	"github.com/kilnworks/dehydrator/internal/storage/keylog"
)

var log = logging.Component("controller")

// Deps are the devices and stores the controller is built from.
type Deps struct {
	Inside, Outside hw.Climate
	Calibration     *calib.Pair
	Log             *keylog.Log
	Damper          Positioner
	Shutdown        hw.Signal
}

// Options configures the controller.
type Options struct {
	// ActuationTick is the period of the actuation loop.
	// Default: 1s
	ActuationTick time.Duration

	// Now is the clock. Default: time.Now
	Now func() time.Time

	// Boot is the starting configuration. Its LastModified is replaced by
	// the current time. Default: schedule.Default
	Boot *schedule.Config
}

// Controller owns the shared state and hands each actor and the control
// plane its handles.
type Controller struct {
	cell     *schedule.Cell
	progress *schedule.Progress
	calib    *calib.Pair
	log      *keylog.Log
	shutdown hw.Signal
	now      func() time.Time

	sampler   *Sampler
	actuation *Actuation
}

// New creates a controller. An invalid Boot configuration is ignored in
// favour of the default.
func New(deps Deps, opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	boot := schedule.Default(now())
	if opts.Boot != nil {
		if err := opts.Boot.Validate(); err != nil {
			log.Warn("boot configuration rejected, using defaults", "error", err)
		} else {
			boot = *opts.Boot
			boot.LastModified = now().Unix()
		}
	}

	cell := schedule.NewCell(boot)
	progress := &schedule.Progress{}

	return &Controller{
		cell:      cell,
		progress:  progress,
		calib:     deps.Calibration,
		log:       deps.Log,
		shutdown:  deps.Shutdown,
		now:       now,
		sampler:   NewSampler(deps.Inside, deps.Outside, deps.Calibration, cell, deps.Log, now),
		actuation: NewActuation(cell, progress, deps.Damper, opts.ActuationTick, now),
	}
}

// Run runs both actors until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sampler.Run(ctx) })
	g.Go(func() error { return c.actuation.Run(ctx) })
	return g.Wait()
}

// =============================================================================
// Control plane operations
// =============================================================================

// Config returns the current configuration.
func (c *Controller) Config() schedule.Config {
	return c.cell.Snapshot()
}

// SetConfig validates and installs a configuration. It reports whether the
// profile clock restarted.
func (c *Controller) SetConfig(next schedule.Config) (bool, error) {
	return schedule.Replace(c.cell, c.progress, next, c.now())
}

// Calibrations returns the current and mass calibrations.
func (c *Controller) Calibrations() [2]calib.LinearCalibration {
	return c.calib.Calibrations()
}

// Calibrate applies a tare/save request.
func (c *Controller) Calibrate(req calib.Request) error {
	return c.calib.Apply(req)
}

// Restart re-applies the profile from its first step on the next tick.
func (c *Controller) Restart() {
	c.progress.Restart()
	log.Info("profile restarted")
}

// Progress returns the furthest applied profile step.
func (c *Controller) Progress() int {
	return c.progress.Index()
}

// Shutdown fires the shutdown signal.
func (c *Controller) Shutdown() error {
	if c.shutdown == nil {
		return errors.Wrap(errors.ErrNotFound, "shutdown signal")
	}
	if err := c.shutdown.Fire(); err != nil {
		return err
	}
	log.Warn("shutdown signal fired")
	return nil
}

// Log returns the measurement log.
func (c *Controller) Log() *keylog.Log {
	return c.log
}

// SamplerStats returns the sampler counters.
func (c *Controller) SamplerStats() SamplerStats {
	return c.sampler.Stats()
}

// Sampler returns the sampler actor.
func (c *Controller) Sampler() *Sampler {
	return c.sampler
}

// Actuation returns the actuation actor.
func (c *Controller) Actuation() *Actuation {
	return c.actuation
}
