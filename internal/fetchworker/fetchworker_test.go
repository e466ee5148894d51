package fetchworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spider-crawler/spider/internal/proxypool"
	"github.com/spider-crawler/spider/internal/useragent"
)

func newFakePool(t *testing.T) *proxypool.Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return proxypool.New(rdb, "test", proxypool.NewFake(), 1)
}

func TestFetchReturnsBodyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	w := New(srv.URL, newFakePool(t), useragent.NewFromSlice([]string{"test-agent"}), nil)
	outcome := w.Fetch(context.Background(), Job{URL: "/page", Retry: 0}, nil)

	if outcome.Body == nil {
		t.Fatal("expected a body on 200, got GIVE_UP")
	}
	if string(outcome.Body) != "hello" {
		t.Fatalf("body = %q, want %q", outcome.Body, "hello")
	}
	if outcome.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", outcome.StatusCode)
	}
}

func TestFetchGivesUpAfterAttemptBudgetOn503(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := New(srv.URL, newFakePool(t), useragent.NewFromSlice([]string{"test-agent"}), nil)
	outcome := w.Fetch(context.Background(), Job{URL: "/x", Retry: 0}, nil)

	if outcome.Body != nil {
		t.Fatalf("expected GIVE_UP, got body %q", outcome.Body)
	}
	if hits != 10 {
		t.Fatalf("hits = %d, want 10 (default handle_error costs 1 attempt each)", hits)
	}
}

func TestFetchStopsEarlyWhenTerminateSignaled(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := New(srv.URL, newFakePool(t), useragent.NewFromSlice([]string{"test-agent"}), nil)
	outcome := w.Fetch(context.Background(), Job{URL: "/x", Retry: 0}, func() bool { return true })

	if outcome.Body != nil {
		t.Fatal("expected GIVE_UP when terminate is already signaled")
	}
	if hits != 0 {
		t.Fatalf("hits = %d, want 0 (terminate must short-circuit before any request)", hits)
	}
}

func TestHandleErrorHookCanChargeMultipleAttempts(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	costly := func(statusCode int) int { return 5 }
	w := New(srv.URL, newFakePool(t), useragent.NewFromSlice([]string{"test-agent"}), costly)
	w.Fetch(context.Background(), Job{URL: "/x", Retry: 0}, nil)

	if hits != 2 {
		t.Fatalf("hits = %d, want 2 (10 attempts / 5 per hit)", hits)
	}
}
