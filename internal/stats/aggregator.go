// Package stats implements the Stats Aggregator (spec.md §4.7): a
// not-durable accumulator of counters fed from the Work Queue's and the
// Parse Dispatchers' own counters, read by the Adaptive Controller and
// mirrored onto Prometheus for external observability.
package stats

import "sync/atomic"

// Counters is the spec.md §3 "Stats" block: pushed_urls, success, error,
// discarded_jobs are monotonic; everything else is user-supplied.
type Counters struct {
	PushedURLs    int64
	Success       int64
	Error         int64
	DiscardedJobs int64
}

// Aggregator accumulates the monotonic counters named in spec.md §3.
type Aggregator struct {
	pushedURLs    atomic.Int64
	success       atomic.Int64
	errorCount    atomic.Int64
	discardedJobs atomic.Int64
}

// New returns a zeroed Aggregator.
func New() *Aggregator { return &Aggregator{} }

func (a *Aggregator) AddPushedURLs(n int64)    { a.pushedURLs.Add(n) }
func (a *Aggregator) AddSuccess(n int64)       { a.success.Add(n) }
func (a *Aggregator) AddError(n int64)         { a.errorCount.Add(n) }
func (a *Aggregator) AddDiscardedJobs(n int64) { a.discardedJobs.Add(n) }

// Snapshot returns the current counter values.
func (a *Aggregator) Snapshot() Counters {
	return Counters{
		PushedURLs:    a.pushedURLs.Load(),
		Success:       a.success.Load(),
		Error:         a.errorCount.Load(),
		DiscardedJobs: a.discardedJobs.Load(),
	}
}
