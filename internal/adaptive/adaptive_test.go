package adaptive

import (
	"testing"
	"time"

	"github.com/spider-crawler/spider/internal/task"
)

func TestUncappedTargetPinsBudgetToThreadNum(t *testing.T) {
	rc := task.NewRuntimeContext(8)
	c := New(Config{QPSTarget: nil, ThreadNum: 8}, rc)

	c.Tick(10, 5*time.Second, time.Now())

	if rc.Budget.Load() != 8 {
		t.Fatalf("budget = %v, want 8 (pinned to thread_num)", rc.Budget.Load())
	}
}

func TestBudgetDecreasesWhenAboveTargetAfterCooldown(t *testing.T) {
	target := 50.0
	rc := task.NewRuntimeContext(100)
	rc.Budget.Store(100)
	c := New(Config{QPSTarget: &target, ThreadNum: 100}, rc)
	c.lastChange = time.Now().Add(-time.Hour) // force past cooldown

	now := time.Now()
	// avg rate needs 5 samples to fill the window; feed a high rate
	// repeatedly so the moving average also reads high.
	var totalSuccess int64
	for i := 0; i < 5; i++ {
		totalSuccess += 400 // 400/5s = 80 qps, well above target+15
		c.Tick(totalSuccess, 5*time.Second, now)
		now = now.Add(5 * time.Second)
	}

	if rc.Budget.Load() >= 100 {
		t.Fatalf("budget = %v, want it decreased below 100", rc.Budget.Load())
	}
}

func TestBudgetIncreasesWhenBelowTargetAfterCooldown(t *testing.T) {
	target := 50.0
	rc := task.NewRuntimeContext(100)
	rc.Budget.Store(20)
	c := New(Config{QPSTarget: &target, ThreadNum: 100}, rc)
	c.lastChange = time.Now().Add(-time.Hour)

	now := time.Now()
	var totalSuccess int64
	for i := 0; i < 5; i++ {
		totalSuccess += 50 // 10 qps, well below target-15
		c.Tick(totalSuccess, 5*time.Second, now)
		now = now.Add(5 * time.Second)
	}

	if rc.Budget.Load() <= 20 {
		t.Fatalf("budget = %v, want it increased above 20", rc.Budget.Load())
	}
}

func TestBudgetNeverChangesWithinCooldown(t *testing.T) {
	target := 50.0
	rc := task.NewRuntimeContext(100)
	rc.Budget.Store(100)
	c := New(Config{QPSTarget: &target, ThreadNum: 100}, rc)
	// lastChange defaults to "now" from New(), so we're inside the
	// 30s freeze window for every tick below.
	now := time.Now()
	for i := 0; i < 5; i++ {
		c.Tick(int64(i)*400, 5*time.Second, now)
		now = now.Add(5 * time.Second)
	}

	if rc.Budget.Load() != 100 {
		t.Fatalf("budget = %v, want unchanged at 100 within cooldown", rc.Budget.Load())
	}
}

func TestStallTerminatesAfterConsecutiveZeroWindows(t *testing.T) {
	rc := task.NewRuntimeContext(4)
	c := New(Config{QPSTarget: nil, ThreadNum: 4}, rc)

	now := time.Now()
	var terminated bool
	for i := 0; i < 30; i++ {
		_, _, terminated = c.Tick(0, 5*time.Second, now)
		now = now.Add(5 * time.Second)
		if terminated {
			break
		}
	}

	if !terminated {
		t.Fatal("expected terminate after stallLimit consecutive empty windows")
	}
	if !rc.Terminate.Load() {
		t.Fatal("expected RuntimeContext.Terminate to be set")
	}
}
