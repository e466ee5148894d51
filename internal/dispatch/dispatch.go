// Package dispatch implements the Parse Dispatcher (spec.md §4.5): it
// drains fetch outcomes, reconciles the Work Queue, and hands successful
// responses to the user-supplied parser. The HTML parser itself is an
// external collaborator per spec.md §1 — this package only owns the
// handoff, never the parsing of tag semantics.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/spider-crawler/spider/internal/fetchworker"
	"github.com/spider-crawler/spider/internal/queue"
	"github.com/spider-crawler/spider/internal/task"
)

// Counters are the dispatcher's contribution to the Stats Aggregator.
type Counters struct {
	Success int64
	Error   int64
}

// Dispatcher reconciles one fetch outcome at a time against the Work
// Queue and the user's capability record. Handle is not safe for
// concurrent use: each Dispatcher has a single consumer. The Supervisor
// runs one Dispatcher per WorkerGroup, so the user's Parse hook can run
// concurrently across groups; CollectResults is never called here (the
// Result Collector calls it).
type Dispatcher struct {
	wq    *queue.WorkQueue
	caps  task.Capabilities
	rc    *task.RuntimeContext
	uctx  *task.UserContext
	log   zerolog.Logger
	results chan<- any

	successCount counterVal
	errorCount   counterVal
}

// counterVal is atomic because Counters is read from another goroutine
// (the Supervisor's stats loop) while Handle runs.
type counterVal struct{ n atomic.Int64 }

func (c *counterVal) add() { c.n.Add(1) }
func (c *counterVal) load() int64 { return c.n.Load() }

// New creates a Dispatcher. results is the bounded channel the Result
// Collector (C6) drains.
func New(wq *queue.WorkQueue, caps task.Capabilities, rc *task.RuntimeContext, uctx *task.UserContext, log zerolog.Logger, results chan<- any) *Dispatcher {
	return &Dispatcher{wq: wq, caps: caps, rc: rc, uctx: uctx, log: log, results: results}
}

// Handle processes one fetch outcome, per spec.md §4.5.
func (d *Dispatcher) Handle(ctx context.Context, outcome fetchworker.Outcome) error {
	job := outcome.Job

	if outcome.Body == nil {
		if err := d.wq.FailRecoverable(ctx, job.URL, job.Retry); err != nil {
			return fmt.Errorf("dispatch: fail_recoverable %s: %w", job.URL, err)
		}
		d.errorCount.add()
		return nil
	}

	if err := d.wq.Finish(ctx, job.URL); err != nil {
		return fmt.Errorf("dispatch: finish %s: %w", job.URL, err)
	}

	doc, err := html.Parse(bytes.NewReader(outcome.Body))
	if err != nil {
		d.log.Error().Err(err).Str("url", job.URL).Msg("parse html")
		d.errorCount.add()
		return nil
	}

	if err := d.invokeParser(ctx, doc, job.URL); err != nil {
		d.log.Error().Err(err).Str("url", job.URL).Msg("user parser failed")
		d.errorCount.add()
		return nil
	}

	d.successCount.add()
	return nil
}

// invokeParser calls the user's Parse hook with panic recovery, since a
// user parser exception must never bring down the dispatcher: the URL is
// already in done and must not be reprocessed (spec.md §7).
func (d *Dispatcher) invokeParser(ctx context.Context, doc *html.Node, url string) (err error) {
	if d.caps.Parse == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: parser panic: %v", r)
		}
	}()

	push := func(discovered string, retry int, front bool) error {
		return d.wq.Push(ctx, discovered, retry, front)
	}
	emit := func(record any) error {
		select {
		case d.results <- record:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return d.caps.Parse(d.rc, doc, url, push, emit)
}

// Counters returns a snapshot of this dispatcher's stat contribution.
func (d *Dispatcher) Counters() Counters {
	return Counters{Success: d.successCount.load(), Error: d.errorCount.load()}
}
