// Package adaptive implements the Adaptive Controller (spec.md §4.8): a
// periodic budget adjustment loop measuring throughput against a QPS
// target, grounded on the teacher's internal/perf.BackpressureController
// (moving rate, cooldown-gated multiplicative adjustment) but driven by
// the spec's exact thresholds instead of a generic backpressure config.
package adaptive

import (
	"time"

	"github.com/spider-crawler/spider/internal/config"
	"github.com/spider-crawler/spider/internal/task"
)

// Config controls one task's adaptive behavior.
type Config struct {
	// QPSTarget is the configured target rate. nil means uncapped: the
	// budget is pinned to ThreadNum and only stall-termination applies.
	QPSTarget *float64
	ThreadNum int
}

// Controller tracks a moving average of successful-fetch throughput and
// adjusts RuntimeContext.Budget toward Config.QPSTarget every tick.
type Controller struct {
	cfg Config
	rc  *task.RuntimeContext

	samples    []float64
	lastChange time.Time
	lastTotal  int64
	stallCount int
	stallLimit int
}

// New creates a Controller. rc's Budget field is mutated on each Tick.
func New(cfg Config, rc *task.RuntimeContext) *Controller {
	stallLimit := config.StallWindowsAdaptive
	if cfg.QPSTarget == nil {
		stallLimit = config.StallWindowsSimple
	}
	if cfg.QPSTarget == nil {
		rc.Budget.Store(float64(cfg.ThreadNum))
	}
	return &Controller{
		cfg:        cfg,
		rc:         rc,
		lastChange: time.Now(),
		stallLimit: stallLimit,
	}
}

// Tick runs one adjustment cycle given the total successes observed so
// far and the interval elapsed since the previous tick. It returns the
// instantaneous rate, the moving average, and whether the controller has
// now observed enough consecutive stalled windows to signal terminate.
func (c *Controller) Tick(totalSuccess int64, elapsed time.Duration, now time.Time) (instantRate, avgRate float64, shouldTerminate bool) {
	delta := totalSuccess - c.lastTotal
	c.lastTotal = totalSuccess

	if elapsed <= 0 {
		elapsed = config.AdaptiveInterval
	}
	instantRate = float64(delta) / elapsed.Seconds()

	c.samples = append(c.samples, instantRate)
	if len(c.samples) > config.AdaptiveAccumSteps {
		c.samples = c.samples[len(c.samples)-config.AdaptiveAccumSteps:]
	}
	avgRate = average(c.samples)

	if c.cfg.QPSTarget == nil {
		c.rc.Budget.Store(float64(c.cfg.ThreadNum))
	} else if now.Sub(c.lastChange) >= config.AdaptiveFreezeSecs {
		target := *c.cfg.QPSTarget
		current := c.rc.Budget.Load()
		switch {
		case avgRate > target+config.AdaptiveBandwidth:
			next := current * 0.9
			if next < config.MinActiveWorkers {
				next = config.MinActiveWorkers
			}
			c.rc.Budget.Store(next)
			c.lastChange = now
		case avgRate < target-config.AdaptiveBandwidth:
			next := current * 1.1
			if next > float64(c.cfg.ThreadNum) {
				next = float64(c.cfg.ThreadNum)
			}
			c.rc.Budget.Store(next)
			c.lastChange = now
		}
	}

	if delta == 0 {
		c.stallCount++
	} else {
		c.stallCount = 0
	}

	if c.stallCount >= c.stallLimit {
		c.rc.Terminate.Store(true)
		shouldTerminate = true
	}

	return instantRate, avgRate, shouldTerminate
}

// Budget returns the current active-worker budget.
func (c *Controller) Budget() float64 { return c.rc.Budget.Load() }

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
