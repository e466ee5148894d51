package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spider-crawler/spider/internal/dispatch"
	"github.com/spider-crawler/spider/internal/fetchworker"
	"github.com/spider-crawler/spider/internal/queue"
	"github.com/spider-crawler/spider/internal/task"
)

// budgetPollInterval is how often pullLoop rechecks RuntimeContext.Budget
// while waiting for headroom to open up.
const budgetPollInterval = 20 * time.Millisecond

// WorkerGroup is the "worker process" of spec.md §4.9/§5, collapsed to a
// goroutine group (see DESIGN.md's process-vs-goroutine Open Question
// decision): it owns nothing but borrowed handles — the Work Queue, a
// Fetch Worker — plus its own local job/response channels and its own
// Parse Dispatcher, and coordinates with every other WorkerGroup purely
// through the shared store, exactly as §5 requires of independent OS
// processes. The Dispatcher is the group's alone, never shared with
// another group: dispatch.Dispatcher's Handle is documented as
// single-consumer, so two groups sharing one instance would call it
// concurrently. Nothing here prevents
// running several of these inside one binary (today) or one per OS
// process against the same Redis instance (a deployment that needs hard
// CPU isolation).
type WorkerGroup struct {
	rank       int
	wq         *queue.WorkQueue
	fetcher    *fetchworker.Worker
	dispatcher *dispatch.Dispatcher
	rc         *task.RuntimeContext
	threadNum  int
	log        zerolog.Logger
	fatal      chan<- error
}

// NewWorkerGroup builds a group that will spawn up to threadNum
// fetch-worker goroutines plus one queue-puller goroutine, per spec.md
// §4.9 step 5. fatal receives store-layer errors the group cannot
// recover from on its own (spec.md §7: "Store unavailable | any |
// fatal; surfaces to supervisor, terminates task") so the Supervisor can
// tear the whole task down instead of the group looping forever.
func NewWorkerGroup(rank int, wq *queue.WorkQueue, fetcher *fetchworker.Worker, dispatcher *dispatch.Dispatcher, rc *task.RuntimeContext, threadNum int, log zerolog.Logger, fatal chan<- error) *WorkerGroup {
	if threadNum <= 0 {
		threadNum = 1
	}
	return &WorkerGroup{rank: rank, wq: wq, fetcher: fetcher, dispatcher: dispatcher, rc: rc, threadNum: threadNum, log: log.With().Int("worker_group", rank).Logger(), fatal: fatal}
}

// reportFatal logs err and forwards it to the Supervisor's fatal channel
// without blocking; the channel is sized generously and only the first
// report matters, since it triggers task-wide termination.
func (g *WorkerGroup) reportFatal(err error) {
	g.log.Error().Err(err).Msg("fatal store error, terminating task")
	g.rc.Terminate.Store(true)
	select {
	case g.fatal <- err:
	default:
	}
}

// Run spawns the group's queue-puller and fetch-worker threads, draining
// their outcomes through the Parse Dispatcher on the calling goroutine
// (the group's "main thread" per spec.md §4.9 step 5), until ctx is done
// or the shared terminate flag is set. Run blocks until every spawned
// goroutine has exited.
func (g *WorkerGroup) Run(ctx context.Context) {
	localJobs := make(chan queue.Record, g.threadNum)
	localResponse := make(chan fetchworker.Outcome, 1_000_000)

	var workers sync.WaitGroup
	workers.Add(1)
	go g.pullLoop(ctx, localJobs, &workers)

	for i := 0; i < g.threadNum; i++ {
		workers.Add(1)
		go g.fetchLoop(ctx, localJobs, localResponse, &workers)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(localResponse)
		close(drained)
	}()

	for {
		select {
		case outcome, ok := <-localResponse:
			if !ok {
				return
			}
			if err := g.dispatcher.Handle(ctx, outcome); err != nil {
				g.log.Error().Err(err).Str("url", outcome.Job.URL).Msg("dispatch handle")
			}
		case <-drained:
			return
		}
	}
}

// pullLoop is the per-group queue-puller thread: it moves entries from
// the shared Work Queue into the group's bounded local_jobs channel,
// rechecking terminate between pops (spec.md §5's cancellation point a).
func (g *WorkerGroup) pullLoop(ctx context.Context, localJobs chan<- queue.Record, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(localJobs)

	for {
		if ctx.Err() != nil || g.rc.Terminate.Load() {
			return
		}

		if !g.waitForBudget(ctx) {
			return
		}

		rec, err := g.wq.Pop(ctx)
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			g.reportFatal(fmt.Errorf("worker group %d: queue pop: %w", g.rank, err))
			return
		}

		select {
		case localJobs <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// waitForBudget blocks until RuntimeContext.WorkingCnt has headroom under
// the Adaptive Controller's current Budget (spec.md §4.8's
// active_worker_budget), or ctx is done / terminate is set. It returns
// false when the group should stop pulling entirely.
func (g *WorkerGroup) waitForBudget(ctx context.Context) bool {
	ticker := time.NewTicker(budgetPollInterval)
	defer ticker.Stop()

	for {
		if float64(g.rc.WorkingCnt.Load()) < g.rc.Budget.Load() {
			return true
		}
		select {
		case <-ticker.C:
			if ctx.Err() != nil || g.rc.Terminate.Load() {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// fetchLoop is one fetch-worker thread: it runs the §4.4 state machine
// for each job it reads off local_jobs and writes the outcome to
// local_response for the dispatcher to reconcile.
func (g *WorkerGroup) fetchLoop(ctx context.Context, localJobs <-chan queue.Record, localResponse chan<- fetchworker.Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	for rec := range localJobs {
		g.rc.WorkingCnt.Add(1)
		outcome := g.fetcher.Fetch(ctx, fetchworker.Job{URL: rec.URL, Retry: rec.Retry}, g.rc.Terminate.Load)
		g.rc.WorkingCnt.Add(-1)

		if outcome.Err != nil {
			g.reportFatal(fmt.Errorf("worker group %d: %w", g.rank, outcome.Err))
			return
		}

		select {
		case localResponse <- outcome:
		case <-ctx.Done():
			return
		}
	}
}
