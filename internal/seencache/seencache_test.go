package seencache

import "testing"

func TestTestAndSetReportsNewThenSeen(t *testing.T) {
	c, err := New(Config{ExpectedItems: 1000, FalsePositiveRate: 0.001, SyncEvery: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if !c.TestAndSet("/a") {
		t.Fatal("expected /a to be reported new on first sight")
	}
	if c.TestAndSet("/a") {
		t.Fatal("expected /a to be reported seen on second sight")
	}
}

func TestTestAndSetDistinguishesDistinctURLs(t *testing.T) {
	c, err := New(Config{ExpectedItems: 1000, FalsePositiveRate: 0.001, SyncEvery: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if !c.TestAndSet("/a") {
		t.Fatal("want /a new")
	}
	if !c.TestAndSet("/b") {
		t.Fatal("want /b new")
	}
}

func TestCloseIsIdempotentSafe(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.TestAndSet("/x")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
