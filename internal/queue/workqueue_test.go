package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*WorkQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test", nil), rdb
}

func TestPushThenPopReturnsSameURLAndRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatalf("Push: %v", err)
	}

	rec, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if rec.URL != "/a" || rec.Retry != 0 {
		t.Fatalf("got %+v, want {/a 0}", rec)
	}
}

func TestPushSkipsDuplicatesAlreadyDoneOrDoing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	// /a is now "doing"; pushing again must be a no-op.
	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	sizes, err := q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Todo != 0 {
		t.Fatalf("todo size = %d, want 0 (push while doing must be skipped)", sizes.Todo)
	}

	if err := q.Finish(ctx, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	sizes, err = q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Todo != 0 {
		t.Fatalf("todo size = %d, want 0 (push of a done URL must be skipped)", sizes.Todo)
	}
}

func TestFinishMovesDoingToDone(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Finish(ctx, "/a"); err != nil {
		t.Fatal(err)
	}

	sizes, err := q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Doing != 0 || sizes.Done != 1 {
		t.Fatalf("got %+v, want doing=0 done=1", sizes)
	}
}

func TestFailRecoverableRequeuesUntilRetryLimit(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/x", 0, false); err != nil {
		t.Fatal(err)
	}

	retry := 0
	attempts := 0
	for {
		rec, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		attempts++
		retry = rec.Retry
		if err := q.FailRecoverable(ctx, rec.URL, rec.Retry); err != nil {
			t.Fatalf("FailRecoverable: %v", err)
		}

		sizes, err := q.Sizes(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sizes.Todo == 0 {
			break
		}
	}

	// Initial attempt (retry 0) plus 3 requeues (retry 1,2,3) = 4 attempts
	// total before discard, per spec's bounded-retries invariant.
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if retry != 3 {
		t.Fatalf("final retry = %d, want 3", retry)
	}

	counters := q.Counters()
	if counters.DiscardedJobs != 1 {
		t.Fatalf("discarded = %d, want 1", counters.DiscardedJobs)
	}
}

func TestRollbackRequeuesStuckDoingEntries(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/p", 0, false); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, "/q", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}

	sizes, err := q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Doing != 2 || sizes.Todo != 0 {
		t.Fatalf("precondition failed: %+v", sizes)
	}

	if err := q.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	sizes, err = q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Doing != 0 || sizes.Todo != 2 {
		t.Fatalf("after rollback: %+v, want doing=0 todo=2", sizes)
	}
}

func TestResetClearsAllThreeCollections(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Finish(ctx, "/a"); err != nil {
		t.Fatal(err)
	}

	if err := q.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	sizes, err := q.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes != (Sizes{}) {
		t.Fatalf("after reset: %+v, want zero value", sizes)
	}
}
