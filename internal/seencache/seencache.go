// Package seencache is the per-process advisory "already seen" cache
// described in spec.md §3: a disk-backed bloom filter with constant memory
// footprint regardless of crawl size. It never produces false negatives, so
// a URL it reports as new really is new; it can produce false positives,
// which is why correctness rests on the Work Queue's todo/doing/done
// membership, never on this cache alone.
package seencache

import (
	"fmt"
	"os"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/edsrzf/mmap-go"
)

// Cache implements queue.SeenCache.
type Cache struct {
	mu        sync.Mutex
	filter    *bloom.BloomFilter
	file      *os.File
	mmap      mmap.MMap
	path      string
	count     uint64
	syncEvery uint64
	lastErr   error
}

// Config controls the cache's expected scale and false-positive budget.
type Config struct {
	ExpectedItems   uint
	FalsePositiveRate float64
	SyncEvery       uint64
}

// DefaultConfig sizes the filter for 100k URLs at a 0.1% false-positive
// rate, matching the crawl scale named in spec.md's implementation budget.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     100000,
		FalsePositiveRate: 0.001,
		SyncEvery:         1000,
	}
}

// New creates a cache backed by a memory-mapped temp file so its resident
// memory stays flat regardless of how large the crawl grows.
func New(cfg Config) (*Cache, error) {
	if cfg.ExpectedItems == 0 {
		cfg = DefaultConfig()
	}
	filter := bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate)

	tmpFile, err := os.CreateTemp("", "spider-seen-*.bloom")
	if err != nil {
		return nil, fmt.Errorf("seencache: create temp file: %w", err)
	}
	path := tmpFile.Name()

	size := filter.Cap()
	if err := tmpFile.Truncate(int64(size)); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("seencache: truncate: %w", err)
	}

	mapped, err := mmap.MapRegion(tmpFile, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("seencache: mmap: %w", err)
	}

	data, err := filter.MarshalBinary()
	if err != nil {
		_ = mapped.Unmap()
		_ = tmpFile.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("seencache: marshal: %w", err)
	}
	if len(data) > len(mapped) {
		_ = mapped.Unmap()
		_ = tmpFile.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("seencache: filter data (%d) exceeds mapped size (%d)", len(data), len(mapped))
	}
	copy(mapped, data)

	syncEvery := cfg.SyncEvery
	if syncEvery == 0 {
		syncEvery = DefaultConfig().SyncEvery
	}

	return &Cache{
		filter:    filter,
		file:      tmpFile,
		mmap:      mapped,
		path:      path,
		syncEvery: syncEvery,
	}, nil
}

// TestAndSet reports whether url is new, marking it seen either way. Per
// spec.md §3 this is advisory only: fail_recoverable's requeue path
// deliberately bypasses it (see internal/queue's requeue), since a bloom
// filter cannot support deletion.
func (c *Cache) TestAndSet(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filter.TestString(url) {
		return false
	}
	c.filter.AddString(url)
	c.count++

	if c.count >= c.syncEvery {
		if err := c.syncLocked(); err != nil {
			c.lastErr = err
		}
	}
	return true
}

func (c *Cache) syncLocked() error {
	data, err := c.filter.MarshalBinary()
	if err != nil {
		return fmt.Errorf("seencache: marshal: %w", err)
	}
	if len(data) <= len(c.mmap) {
		copy(c.mmap, data)
	}
	if err := c.mmap.Flush(); err != nil {
		return fmt.Errorf("seencache: flush: %w", err)
	}
	c.count = 0
	return nil
}

// LastSyncError returns the most recent failure of the periodic sync that
// TestAndSet runs every SyncEvery new entries, if any.
func (c *Cache) LastSyncError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close flushes and releases the backing file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.mmap != nil {
		if c.count > 0 {
			if syncErr := c.syncLocked(); syncErr != nil {
				err = syncErr
			}
		}
		if unmapErr := c.mmap.Unmap(); unmapErr != nil && err == nil {
			err = unmapErr
		}
		c.mmap = nil
	}
	if c.file != nil {
		if closeErr := c.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		c.file = nil
	}
	if c.path != "" {
		if rmErr := os.Remove(c.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
		c.path = ""
	}
	return err
}
