package schedule

import (
	"sync"
	"time"

	"github.com/kilnworks/dehydrator/internal/logging"
)

var log = logging.Component("schedule")

// Cell holds the current configuration. The control plane replaces it; the
// actuation actor and the sampler read it.
type Cell struct {
	mu  sync.Mutex
	cfg Config
}

// NewCell returns a cell holding cfg.
func NewCell(cfg Config) *Cell {
	return &Cell{cfg: cfg}
}

// Snapshot returns a copy of the configuration.
func (c *Cell) Snapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Progress is the furthest profile step applied. Only the actuation actor
// advances it. Advance records the new index before the damper moves, so
// Index and the continuity check in Replace can see a step whose move is
// still running or is about to be rolled back. Every reset bumps the
// generation so an in-flight move can tell that its tentative progress was
// superseded, and Rollback leaves such progress alone.
type Progress struct {
	mu    sync.Mutex
	index int
	gen   uint64
}

// Index returns the progress index.
func (p *Progress) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Restart resets progress to 0 so the next tick re-applies the profile from
// the first step.
func (p *Progress) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *Progress) reset() {
	p.index = 0
	p.gen++
}

// Lock order: Cell before Progress.

// Replace installs next as the configuration. When next is continuous with
// the current configuration over the applied prefix, progress resets to 0 and
// the profile clock restarts at now. Otherwise progress and the clock are
// kept and next only affects future ticks. The LastModified sent by the
// client is never used. It reports whether the clock restarted.
func Replace(cell *Cell, progress *Progress, next Config, now time.Time) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	progress.mu.Lock()
	defer progress.mu.Unlock()

	old := cell.cfg
	i := progress.index
	restarted := Continuous(old, next, i)
	if restarted {
		progress.reset()
		next.LastModified = now.Unix()
	} else {
		next.LastModified = old.LastModified
	}
	cell.cfg = next

	log.Info("configuration replaced",
		"progress", i, "restarted", restarted, "last_modified", next.LastModified)
	return restarted, nil
}

// Ticket identifies a tentative progress advance so a failed move can be
// undone.
type Ticket struct {
	gen  uint64
	prev int
}

// Advance evaluates the profile under both locks and, when the damper must
// move, records the new progress tentatively. The caller performs the move
// without holding any lock and calls Rollback if it fails.
func Advance(cell *Cell, progress *Progress, now time.Time) (Decision, Ticket) {
	cell.mu.Lock()
	defer cell.mu.Unlock()
	progress.mu.Lock()
	defer progress.mu.Unlock()

	d := Step(cell.cfg, progress.index, now)
	t := Ticket{gen: progress.gen, prev: progress.index}
	if d.Apply {
		progress.index = d.Next
	}
	return d, t
}

// Rollback restores the progress recorded in t unless a reset happened since
// Advance. It reports whether progress was restored.
func (p *Progress) Rollback(t Ticket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen != t.gen {
		return false
	}
	p.index = t.prev
	return true
}
