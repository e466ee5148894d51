package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/spider-crawler/spider/internal/task"
)

// Collector drains the bounded results channel and invokes the user's
// CollectResults hook exactly once per record (spec.md §4.6). Because
// there is exactly one Collector goroutine per task, the user's hook
// never needs to synchronize.
type Collector struct {
	ch    <-chan any
	store *Store
	caps  task.Capabilities
	uctx  *task.UserContext
	log   zerolog.Logger

	processed atomic.Int64
}

// New creates a Collector. store may be nil to skip durable persistence
// (tests, or a user who only wants the in-process hook).
func New(ch <-chan any, store *Store, caps task.Capabilities, uctx *task.UserContext, log zerolog.Logger) *Collector {
	return &Collector{ch: ch, store: store, caps: caps, uctx: uctx, log: log}
}

// Run drains the channel until it is closed or ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case record, ok := <-c.ch:
			if !ok {
				return nil
			}
			c.handle(record)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Collector) handle(record any) {
	if c.store != nil {
		if err := c.store.Insert(record, time.Now()); err != nil {
			c.log.Error().Err(err).Msg("persist result")
		}
	}

	if c.caps.CollectResults == nil {
		c.processed.Add(1)
		return
	}

	if err := c.invokeUserHook(record); err != nil {
		c.log.Error().Err(err).Msg("user collect_results failed")
	}
	c.processed.Add(1)
}

// invokeUserHook recovers from a panicking user hook so one bad record
// never takes down the single collector goroutine.
func (c *Collector) invokeUserHook(record any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collect_results panic: %v", r)
		}
	}()
	return c.caps.CollectResults(c.uctx, record)
}

// Processed returns how many records have been handled.
func (c *Collector) Processed() int64 { return c.processed.Load() }
