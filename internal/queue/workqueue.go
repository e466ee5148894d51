// Package queue implements the distributed Work Queue (spec.md §3, §4.2):
// a shared todo/doing/done discipline built on Redis so every fetch-worker
// process, regardless of which OS process or machine it runs in, agrees on
// which URLs are outstanding, claimed, or finished.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spider-crawler/spider/internal/config"
)

// SeenCache is the advisory, per-process membership cache described in
// spec.md §3 ("correctness relies on todo ∪ doing ∪ done membership, not
// on it"). TestAndSet reports whether url is new.
type SeenCache interface {
	TestAndSet(url string) bool
}

// Counters are the Work Queue's contribution to the Stats Aggregator
// (spec.md §3: pushed_urls, discarded_jobs).
type Counters struct {
	PushedURLs     int64
	DiscardedJobs  int64
}

// WorkQueue is the per-task todo/doing/done discipline described in
// spec.md §4.2, backed by three Redis keys.
type WorkQueue struct {
	rdb      *redis.Client
	task     string
	seen     SeenCache
	counters struct {
		pushed    counter
		discarded counter
	}
}

type counter struct{ n atomic.Int64 }

func (c *counter) add(d int64) { c.n.Add(d) }
func (c *counter) load() int64 { return c.n.Load() }

// New returns a WorkQueue for task, backed by rdb. seen may be nil, in
// which case every push consults the store directly (correct, just
// slower under heavy duplicate pressure).
func New(rdb *redis.Client, taskName string, seen SeenCache) *WorkQueue {
	return &WorkQueue{rdb: rdb, task: taskName, seen: seen}
}

func (q *WorkQueue) todoKey() string  { return q.task + "_todo" }
func (q *WorkQueue) doingKey() string { return q.task + "_doing" }
func (q *WorkQueue) doneKey() string  { return q.task + "_done" }

// Push adds url with the given retry count onto the todo list, provided
// it is not already seen, done, or in flight. front=true prepends it (the
// "urgent seeds first" bias from spec.md §4.2); front=false appends.
func (q *WorkQueue) Push(ctx context.Context, url string, retry int, front bool) error {
	if q.seen != nil && !q.seen.TestAndSet(url) {
		return nil
	}
	return q.pushChecked(ctx, url, retry, front, true)
}

// requeue re-enters url into todo without consulting the seen-cache. The
// seen-cache is a bounded bloom filter (internal/seencache) and cannot
// support deletion, so spec.md §4.2's "drop from seen-cache" step on
// fail_recoverable is implemented by routing requeues around the cache
// entirely instead of attempting a removal it cannot perform; correctness
// still rests on the doing/done membership check per spec.md §3, not on
// the cache. See DESIGN.md.
func (q *WorkQueue) requeue(ctx context.Context, url string, retry int, front bool) error {
	return q.pushChecked(ctx, url, retry, front, false)
}

func (q *WorkQueue) pushChecked(ctx context.Context, url string, retry int, front, checkDoing bool) error {
	isDone, err := q.rdb.SIsMember(ctx, q.doneKey(), url).Result()
	if err != nil {
		return fmt.Errorf("queue: check done: %w", err)
	}
	if isDone {
		return nil
	}
	if checkDoing {
		isDoing, err := q.rdb.SIsMember(ctx, q.doingKey(), url).Result()
		if err != nil {
			return fmt.Errorf("queue: check doing: %w", err)
		}
		if isDoing {
			return nil
		}
	}

	rec := Record{URL: url, Retry: retry}
	serialized, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}

	if front {
		err = q.rdb.RPush(ctx, q.todoKey(), serialized).Err()
	} else {
		err = q.rdb.LPush(ctx, q.todoKey(), serialized).Err()
	}
	if err != nil {
		return fmt.Errorf("queue: push: %w", err)
	}

	q.counters.pushed.add(1)
	return nil
}

// ErrEmpty is returned by Pop when the todo list stayed empty for the
// full timeout window.
var ErrEmpty = errors.New("queue: empty")

// Pop blocks (up to spec.md's 10s timeout) for the next todo entry,
// atomically marking it as doing before returning it.
func (q *WorkQueue) Pop(ctx context.Context) (Record, error) {
	result, err := q.rdb.BRPop(ctx, config.QueuePopTimeout, q.todoKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrEmpty
	}
	if err != nil {
		return Record{}, fmt.Errorf("queue: pop: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return Record{}, fmt.Errorf("queue: pop: unexpected reply %v", result)
	}

	rec, err := UnmarshalRecord(result[1])
	if err != nil {
		return Record{}, fmt.Errorf("queue: pop: decode: %w", err)
	}

	if err := q.rdb.SAdd(ctx, q.doingKey(), rec.URL).Err(); err != nil {
		return Record{}, fmt.Errorf("queue: pop: mark doing: %w", err)
	}

	return rec, nil
}

// Finish moves url from doing to done on fetch+parse success.
func (q *WorkQueue) Finish(ctx context.Context, url string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, q.doneKey(), url)
	pipe.SRem(ctx, q.doingKey(), url)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: finish: %w", err)
	}
	return nil
}

// FailRecoverable removes url from doing and, if it has not exhausted its
// retries (spec.md's bounded-retries invariant: at most 3 requeues),
// re-pushes it with retry+1. Past the limit the job is discarded and
// DiscardedJobs is bumped.
func (q *WorkQueue) FailRecoverable(ctx context.Context, url string, retry int) error {
	if err := q.rdb.SRem(ctx, q.doingKey(), url).Err(); err != nil {
		return fmt.Errorf("queue: fail_recoverable: %w", err)
	}

	next := retry + 1
	if next > config.MaxRetries {
		q.counters.discarded.add(1)
		return nil
	}
	return q.requeue(ctx, url, next, false)
}

// Rollback is invoked once by rank-0 at startup (spec.md §3, §8 invariant
// 2): every URL still marked doing from a prior run is moved back to
// todo, then doing is cleared, guaranteeing at-least-once processing
// across crashes.
func (q *WorkQueue) Rollback(ctx context.Context) error {
	stuck, err := q.rdb.SMembers(ctx, q.doingKey()).Result()
	if err != nil {
		return fmt.Errorf("queue: rollback: list doing: %w", err)
	}

	for _, url := range stuck {
		rec := Record{URL: url, Retry: 0}
		serialized, err := rec.Marshal()
		if err != nil {
			return fmt.Errorf("queue: rollback: marshal: %w", err)
		}
		if err := q.rdb.LPush(ctx, q.todoKey(), serialized).Err(); err != nil {
			return fmt.Errorf("queue: rollback: requeue %s: %w", url, err)
		}
	}

	if len(stuck) > 0 {
		if err := q.rdb.Del(ctx, q.doingKey()).Err(); err != nil {
			return fmt.Errorf("queue: rollback: clear doing: %w", err)
		}
	}
	return nil
}

// Reset deletes todo, doing, and done entirely (used when a task starts
// with restart=true).
func (q *WorkQueue) Reset(ctx context.Context) error {
	return q.rdb.Del(ctx, q.todoKey(), q.doingKey(), q.doneKey()).Err()
}

// Sizes reports the current size of each collection, used by the
// Adaptive Controller's stats line (spec.md §4.8: todo_queue_size).
type Sizes struct {
	Todo  int64
	Doing int64
	Done  int64
}

// Sizes returns the current collection cardinalities.
func (q *WorkQueue) Sizes(ctx context.Context) (Sizes, error) {
	pipe := q.rdb.Pipeline()
	todoCmd := pipe.LLen(ctx, q.todoKey())
	doingCmd := pipe.SCard(ctx, q.doingKey())
	doneCmd := pipe.SCard(ctx, q.doneKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Sizes{}, fmt.Errorf("queue: sizes: %w", err)
	}
	return Sizes{Todo: todoCmd.Val(), Doing: doingCmd.Val(), Done: doneCmd.Val()}, nil
}

// Counters returns a snapshot of the queue's own stat counters.
func (q *WorkQueue) Counters() Counters {
	return Counters{
		PushedURLs:    q.counters.pushed.load(),
		DiscardedJobs: q.counters.discarded.load(),
	}
}

// waitForRedis is the small helper behind Ping: it fails fast if the
// store is unreachable within timeout (spec.md §7: "Store unavailable:
// fatal; surfaces to supervisor, terminates task").
func waitForRedis(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

// Ping verifies the backing store is reachable.
func Ping(ctx context.Context, rdb *redis.Client) error {
	return waitForRedis(ctx, rdb, 5*time.Second)
}
