package dispatch

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/spider-crawler/spider/internal/fetchworker"
	"github.com/spider-crawler/spider/internal/queue"
	"github.com/spider-crawler/spider/internal/task"
)

func newTestDispatcher(t *testing.T, caps task.Capabilities, results chan any) (*Dispatcher, *queue.WorkQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	wq := queue.New(rdb, "test", nil)
	rc := task.NewRuntimeContext(4)
	uctx := task.NewUserContext()
	log := zerolog.New(io.Discard)
	return New(wq, caps, rc, uctx, log, results), wq
}

func TestHandleGiveUpRequeuesAndBumpsError(t *testing.T) {
	ctx := context.Background()
	results := make(chan any, 10)
	caps := task.Capabilities{}
	d, wq := newTestDispatcher(t, caps, results)

	if err := wq.Push(ctx, "/x", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := wq.Pop(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.Handle(ctx, fetchworker.Outcome{Job: fetchworker.Job{URL: "/x", Retry: 0}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sizes, err := wq.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Todo != 1 {
		t.Fatalf("todo size = %d, want 1 (requeued)", sizes.Todo)
	}
	if d.Counters().Error != 1 {
		t.Fatalf("error count = %d, want 1", d.Counters().Error)
	}
}

func TestHandleSuccessFinishesAndInvokesParser(t *testing.T) {
	ctx := context.Background()
	results := make(chan any, 10)

	var gotURL string
	var pushedChild bool
	caps := task.Capabilities{
		Parse: func(rc *task.RuntimeContext, doc *html.Node, url string, push task.PushFunc, emit task.EmitFunc) error {
			gotURL = url
			if err := push("/child", 0, false); err != nil {
				return err
			}
			pushedChild = true
			return emit(map[string]string{"url": url})
		},
	}
	d, wq := newTestDispatcher(t, caps, results)

	if err := wq.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := wq.Pop(ctx); err != nil {
		t.Fatal(err)
	}

	body := []byte("<html><body>hi</body></html>")
	if err := d.Handle(ctx, fetchworker.Outcome{Job: fetchworker.Job{URL: "/a"}, Body: body, StatusCode: 200}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if gotURL != "/a" {
		t.Fatalf("parser received url %q, want /a", gotURL)
	}
	if !pushedChild {
		t.Fatal("expected parser's push to have run")
	}
	if d.Counters().Success != 1 {
		t.Fatalf("success count = %d, want 1", d.Counters().Success)
	}

	select {
	case rec := <-results:
		m := rec.(map[string]string)
		if m["url"] != "/a" {
			t.Fatalf("emitted record = %v, want url=/a", rec)
		}
	default:
		t.Fatal("expected emitted record on results channel")
	}

	sizes, err := wq.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Done != 1 {
		t.Fatalf("done size = %d, want 1", sizes.Done)
	}
	if sizes.Todo != 1 {
		t.Fatalf("todo size = %d, want 1 (the pushed child)", sizes.Todo)
	}
}

func TestHandleParserPanicIsRecoveredAndCountedAsError(t *testing.T) {
	ctx := context.Background()
	results := make(chan any, 10)
	caps := task.Capabilities{
		Parse: func(rc *task.RuntimeContext, doc *html.Node, url string, push task.PushFunc, emit task.EmitFunc) error {
			panic("boom")
		},
	}
	d, wq := newTestDispatcher(t, caps, results)

	if err := wq.Push(ctx, "/a", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := wq.Pop(ctx); err != nil {
		t.Fatal(err)
	}

	body := []byte("<html></html>")
	if err := d.Handle(ctx, fetchworker.Outcome{Job: fetchworker.Job{URL: "/a"}, Body: body, StatusCode: 200}); err != nil {
		t.Fatalf("Handle should recover from panic, got error: %v", err)
	}
	if d.Counters().Error != 1 {
		t.Fatalf("error count = %d, want 1", d.Counters().Error)
	}

	sizes, err := wq.Sizes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sizes.Done != 1 {
		t.Fatalf("done size = %d, want 1 (URL stays done despite parser panic)", sizes.Done)
	}
}
