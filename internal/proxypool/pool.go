// Package proxypool implements the Proxy Pool (spec.md §4.3): adapter-driven
// acquisition of proxy endpoints, health feedback, and durable quarantine of
// bad proxies shared across every fetch worker for a task.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/spider-crawler/spider/internal/config"
)

const queueCapacity = 100000

// Pool serves proxy endpoints to fetch workers and records their health.
type Pool struct {
	rdb     *redis.Client
	task    string
	adapter Adapter
	repeat  int

	queue chan string
	sf    singleflight.Group

	mu         sync.Mutex
	failCounts map[string]int
}

// New creates a Pool for task backed by adapter. repeat controls how many
// times each live endpoint is enqueued per shuffle (spec.md §4.3: default
// 1, 3 for the adaptive variant to increase reuse).
func New(rdb *redis.Client, taskName string, adapter Adapter, repeat int) *Pool {
	if repeat <= 0 {
		repeat = 1
	}
	return &Pool{
		rdb:        rdb,
		task:       taskName,
		adapter:    adapter,
		repeat:     repeat,
		queue:      make(chan string, queueCapacity),
		failCounts: make(map[string]int),
	}
}

func (p *Pool) bannedKey() string { return p.task + "@bad_proxy" }

// IsFake reports whether this pool is the distinguished no-op adapter,
// which always yields a direct connection.
func (p *Pool) IsFake() bool { return p.adapter.Name() == "fake" }

// Collect populates the internal live list from the adapter. Re-entrant
// calls while a collect is already in flight short-circuit onto the one
// in-flight result, per spec.md §4.3 ("idempotent and re-entrant").
func (p *Pool) Collect(ctx context.Context) ([]string, error) {
	v, err, _ := p.sf.Do("collect", func() (any, error) {
		return p.adapter.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("proxypool: collect via %s: %w", p.adapter.Name(), err)
	}
	return v.([]string), nil
}

// Shuffle randomly permutes live and enqueues each entry Repeat times.
func (p *Pool) Shuffle(live []string) {
	if len(live) == 0 {
		return
	}
	shuffled := make([]string, len(live))
	copy(shuffled, live)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	for i := 0; i < p.repeat; i++ {
		for _, endpoint := range shuffled {
			select {
			case p.queue <- endpoint:
			default:
				// Queue is at its 100k capacity; drop rather than block,
				// a future Get-triggered refill will pick up the rest.
			}
		}
	}
}

// CollectAndShuffle is the combined refill operation the pool performs at
// startup and whenever the circulating queue drains.
func (p *Pool) CollectAndShuffle(ctx context.Context) error {
	live, err := p.Collect(ctx)
	if err != nil {
		return err
	}
	p.Shuffle(live)
	return nil
}

// Get dequeues the next live endpoint, skipping anything banned or over
// its local soft-fail threshold. The fake pool always returns "" (direct
// connection, no proxy), and so does any pool that stays empty for 3s.
// Errors come only from the banned-set lookup or from ctx.
func (p *Pool) Get(ctx context.Context) (string, error) {
	if p.IsFake() {
		return "", nil
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		select {
		case endpoint := <-p.queue:
			ok, err := p.acceptable(ctx, endpoint)
			if err != nil {
				return "", err
			}
			if ok {
				return endpoint, nil
			}
			// banned or over threshold: drop it and keep looking.
			continue
		default:
			if time.Now().After(deadline) {
				return "", nil
			}
			// An adapter failure leaves the queue empty for this round;
			// it is not an error for the caller.
			_ = p.CollectAndShuffle(ctx)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (p *Pool) acceptable(ctx context.Context, endpoint string) (bool, error) {
	banned, err := p.rdb.SIsMember(ctx, p.bannedKey(), endpoint).Result()
	if err != nil {
		return false, fmt.Errorf("proxypool: check banned: %w", err)
	}
	if banned {
		return false, nil
	}

	p.mu.Lock()
	fails := p.failCounts[endpoint]
	p.mu.Unlock()
	return fails <= config.ProxySoftFailLimit, nil
}

// Feedback records the outcome of using endpoint, per the three levels in
// spec.md §4.3.
func (p *Pool) Feedback(ctx context.Context, endpoint string, level int) error {
	if endpoint == "" {
		return nil // fake pool; nothing to record.
	}

	switch level {
	case 0:
		p.mu.Lock()
		delete(p.failCounts, endpoint)
		p.mu.Unlock()
		p.requeue(endpoint)
		return nil
	case 1:
		return p.bumpAndMaybeBan(ctx, endpoint, config.ProxyBanThresholdSoft)
	case 2:
		return p.bumpAndMaybeBan(ctx, endpoint, config.ProxyBanThresholdHard)
	default:
		return fmt.Errorf("proxypool: invalid feedback level %d", level)
	}
}

func (p *Pool) bumpAndMaybeBan(ctx context.Context, endpoint string, threshold int) error {
	p.mu.Lock()
	p.failCounts[endpoint]++
	fails := p.failCounts[endpoint]
	p.mu.Unlock()

	if fails > threshold {
		if err := p.rdb.SAdd(ctx, p.bannedKey(), endpoint).Err(); err != nil {
			return fmt.Errorf("proxypool: ban %s: %w", endpoint, err)
		}
		return nil
	}
	p.requeue(endpoint)
	return nil
}

func (p *Pool) requeue(endpoint string) {
	select {
	case p.queue <- endpoint:
	default:
	}
}

// Reset clears the durable banned set (used when the task restarts with
// restart=true).
func (p *Pool) Reset(ctx context.Context) error {
	return p.rdb.Del(ctx, p.bannedKey()).Err()
}

// QueueLen reports how many endpoints currently circulate, used by the
// Adaptive Controller's stats line (proxies_queue_size).
func (p *Pool) QueueLen() int { return len(p.queue) }

// BannedCount reports the current size of the durable banned set
// (bad_proxies in the stats line).
func (p *Pool) BannedCount(ctx context.Context) (int64, error) {
	return p.rdb.SCard(ctx, p.bannedKey()).Result()
}
