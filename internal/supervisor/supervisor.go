package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spider-crawler/spider/internal/adaptive"
	"github.com/spider-crawler/spider/internal/collector"
	"github.com/spider-crawler/spider/internal/config"
	"github.com/spider-crawler/spider/internal/dispatch"
	"github.com/spider-crawler/spider/internal/fetchworker"
	"github.com/spider-crawler/spider/internal/proxypool"
	"github.com/spider-crawler/spider/internal/queue"
	"github.com/spider-crawler/spider/internal/seencache"
	"github.com/spider-crawler/spider/internal/stats"
	"github.com/spider-crawler/spider/internal/task"
	"github.com/spider-crawler/spider/internal/useragent"
)

// maxWorkerGroups bounds how many WorkerGroups a single process spawns,
// mirroring spec.md §4.9 step 4's "P = min(cpu_count, bound)".
const maxWorkerGroups = 4

// Supervisor wires every component together and runs the startup/shutdown
// sequence from spec.md §4.9. It is the single owner of the Work Queue,
// the Proxy Pool, and every bounded channel; workers only ever hold
// borrowed handles onto them (spec.md §3's Lifecycle note).
type Supervisor struct {
	cfg  config.TaskConfig
	caps task.Capabilities
	rdb  *redis.Client

	rc   *task.RuntimeContext
	uctx *task.UserContext

	wq      *queue.WorkQueue
	seen    *seencache.Cache
	agents  *useragent.List
	pool    *proxypool.Pool
	fetcher *fetchworker.Worker

	results   chan any
	store     *collector.Store
	collector *collector.Collector
	// dispatchers holds one Dispatcher per WorkerGroup (built in
	// spawnWorkerGroups). dispatch.Dispatcher's Handle is documented
	// single-consumer, so every group gets its own instance; only its
	// atomic counters are read from here, by mergedCounters.
	dispatchers []*dispatch.Dispatcher

	aggregator   *stats.Aggregator
	lastQueue    queue.Counters
	lastDispatch dispatch.Counters
	registry     *prometheus.Registry
	metrics      *stats.Metrics
	adaptiveCtl  *adaptive.Controller

	log       zerolog.Logger
	logFile   *os.File
	startedAt time.Time

	metricsSrv *http.Server

	// fatal carries store-layer errors a WorkerGroup cannot recover from
	// (spec.md §7: "Store unavailable | any | fatal; surfaces to
	// supervisor, terminates task"). fatalErr latches the first one
	// under fatalMu so Run can return it after shutdown completes.
	fatal    chan error
	fatalMu  sync.Mutex
	fatalErr error
}

// New assembles a Supervisor from a task configuration and its user
// capability record. It opens every ambient resource (log file, seen
// cache, result store) but starts nothing yet; call Run to execute the
// startup sequence.
func New(cfg config.TaskConfig, caps task.Capabilities, rdb *redis.Client) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	log, logFile, err := OpenLogFile(cfg.TaskName, now)
	if err != nil {
		return nil, err
	}

	seen, err := seencache.New(seencache.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("supervisor: seen cache: %w", err)
	}

	agents, err := useragent.Load("resources/agents_list.txt")
	if err != nil {
		log.Warn().Err(err).Msg("load user agents, falling back to default")
		agents = useragent.NewFromSlice(nil)
	}

	adapter, err := proxypool.BuildAdapter(cfg.ProxyPool)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build proxy adapter: %w", err)
	}
	pool := proxypool.New(rdb, cfg.TaskName, adapter, 1)

	wq := queue.New(rdb, cfg.TaskName, seen)
	rc := task.NewRuntimeContext(cfg.ThreadNum)
	uctx := task.NewUserContext()

	fetcher := fetchworker.New(cfg.BaseURL, pool, agents, caps.HandleError)

	results := make(chan any, cfg.ThreadNum*2)

	store, err := collector.OpenStore(cfg.TaskName+".db", cfg.TaskName)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open result store: %w", err)
	}

	resultCollector := collector.New(results, store, caps, uctx, log)

	aggregator := stats.New()
	registry := prometheus.NewRegistry()
	metrics := stats.NewMetrics(registry, cfg.TaskName)

	var qpsTarget *float64
	if cfg.QPS > 0 {
		q := float64(cfg.QPS)
		qpsTarget = &q
	}
	adaptiveCtl := adaptive.New(adaptive.Config{QPSTarget: qpsTarget, ThreadNum: cfg.ThreadNum}, rc)

	return &Supervisor{
		cfg:         cfg,
		caps:        caps,
		rdb:         rdb,
		rc:          rc,
		uctx:        uctx,
		wq:          wq,
		seen:        seen,
		agents:      agents,
		pool:        pool,
		fetcher:     fetcher,
		results:     results,
		store:       store,
		collector:   resultCollector,
		aggregator:  aggregator,
		registry:    registry,
		metrics:     metrics,
		adaptiveCtl: adaptiveCtl,
		log:         log,
		logFile:     logFile,
		startedAt:   now,
		fatal:       make(chan error, maxWorkerGroups*2),
	}, nil
}

// Run executes the full startup sequence (spec.md §4.9), blocks running
// the crawl until the adaptive controller signals a stall termination or
// ctx is cancelled, then runs the shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return err
	}

	groupCtx, cancelGroups := context.WithCancel(ctx)
	defer cancelGroups()

	groups := s.spawnWorkerGroups(groupCtx)

	collectorDone := make(chan error, 1)
	go func() { collectorDone <- s.collector.Run(groupCtx) }()

	go func() {
		select {
		case err := <-s.fatal:
			s.fatalMu.Lock()
			s.fatalErr = err
			s.fatalMu.Unlock()
			cancelGroups()
		case <-groupCtx.Done():
		}
	}()

	s.runHelperLoops(ctx, cancelGroups)

	for _, done := range groups {
		<-done
	}
	close(s.results)
	<-collectorDone

	shutdownErr := s.shutdown()

	s.fatalMu.Lock()
	fatalErr := s.fatalErr
	s.fatalMu.Unlock()

	if fatalErr != nil {
		if shutdownErr != nil {
			s.log.Error().Err(shutdownErr).Msg("shutdown error during fatal termination")
		}
		return fatalErr
	}
	return shutdownErr
}

// startup runs spec.md §4.9 steps 1-3: user prepare, proxy collect, and
// rollback-or-reset depending on cfg.Restart.
func (s *Supervisor) startup(ctx context.Context) error {
	if s.cfg.Restart {
		if err := s.wq.Reset(ctx); err != nil {
			return fmt.Errorf("supervisor: reset work queue: %w", err)
		}
		if err := s.pool.Reset(ctx); err != nil {
			return fmt.Errorf("supervisor: reset proxy pool: %w", err)
		}
	} else {
		if err := s.wq.Rollback(ctx); err != nil {
			return fmt.Errorf("supervisor: rollback work queue: %w", err)
		}
	}

	if s.caps.Prepare != nil {
		seeds, err := s.caps.Prepare(s.uctx, s.rc, s.cfg.Extra)
		if err != nil {
			return fmt.Errorf("supervisor: prepare: %w", err)
		}
		for _, seed := range seeds {
			if err := s.wq.Push(ctx, seed, 0, true); err != nil {
				return fmt.Errorf("supervisor: push seed %s: %w", seed, err)
			}
		}
	}

	if err := s.pool.CollectAndShuffle(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial proxy collect failed, continuing with an empty pool")
	}

	if s.cfg.MetricsAddr != "" {
		s.startMetricsServer()
	}

	return nil
}

// spawnWorkerGroups starts P = min(cpu_count, maxWorkerGroups) WorkerGroups
// (spec.md §4.9 step 4), each running independently against the shared
// Work Queue, and returns one completion channel per group.
func (s *Supervisor) spawnWorkerGroups(ctx context.Context) []<-chan struct{} {
	p := runtime.NumCPU()
	if p > maxWorkerGroups {
		p = maxWorkerGroups
	}
	if p < 1 {
		p = 1
	}

	done := make([]<-chan struct{}, 0, p)
	for rank := 0; rank < p; rank++ {
		dispatcher := dispatch.New(s.wq, s.caps, s.rc, s.uctx, s.log, s.results)
		s.dispatchers = append(s.dispatchers, dispatcher)

		group := NewWorkerGroup(rank, s.wq, s.fetcher, dispatcher, s.rc, s.cfg.ThreadNum, s.log, s.fatal)
		ch := make(chan struct{})
		go func() {
			defer close(ch)
			group.Run(ctx)
		}()
		done = append(done, ch)
	}
	return done
}

// runHelperLoops ticks the Adaptive Controller and emits the JSON stats
// line (spec.md §4.7/§4.8) every AdaptiveInterval until the controller
// signals a stall termination or ctx is cancelled, then calls cancel to
// tear down the worker groups.
func (s *Supervisor) runHelperLoops(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(config.AdaptiveInterval)
	defer ticker.Stop()

	last := s.startedAt
	for {
		select {
		case <-ctx.Done():
			s.rc.Terminate.Store(true)
			cancel()
			return
		case now := <-ticker.C:
			counters := s.mergedCounters()
			elapsed := now.Sub(last)
			last = now

			instant, _, shouldTerminate := s.adaptiveCtl.Tick(counters.Success, elapsed, now)

			badProxies, err := s.pool.BannedCount(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("read banned proxy count")
			}
			sizes, err := s.wq.Sizes(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("read queue sizes")
			}

			var monitor map[string]any
			if s.caps.Monitor != nil {
				monitor = s.caps.Monitor()
			}

			line := stats.Build(s.startedAt, instant, sizes.Todo, badProxies, int64(s.pool.QueueLen()),
				s.rc.WorkingCnt.Load(), float64(s.cfg.ThreadNum), s.adaptiveCtl.Budget(), counters, monitor)

			if payload, err := line.Marshal(); err == nil {
				s.log.Info().RawJSON("stats", payload).Msg("stats")
			}
			s.metrics.Observe(line)

			if shouldTerminate {
				s.log.Info().Msg("adaptive controller signalled stall termination")
				cancel()
				return
			}
		}
	}
}

// mergedCounters folds the Work Queue's and every WorkerGroup's Parse
// Dispatcher counters into the Stats Aggregator's canonical snapshot
// (spec.md §3: pushed_urls, success, error, discarded_jobs). Both source
// counters are cumulative since process start, so each tick adds only
// the delta against the last observed value.
func (s *Supervisor) mergedCounters() stats.Counters {
	qc := s.wq.Counters()

	var dc dispatch.Counters
	for _, d := range s.dispatchers {
		c := d.Counters()
		dc.Success += c.Success
		dc.Error += c.Error
	}

	s.aggregator.AddPushedURLs(qc.PushedURLs - s.lastQueue.PushedURLs)
	s.aggregator.AddDiscardedJobs(qc.DiscardedJobs - s.lastQueue.DiscardedJobs)
	s.aggregator.AddSuccess(dc.Success - s.lastDispatch.Success)
	s.aggregator.AddError(dc.Error - s.lastDispatch.Error)

	s.lastQueue = qc
	s.lastDispatch = dc
	return s.aggregator.Snapshot()
}

func (s *Supervisor) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server")
		}
	}()
}

// shutdown runs spec.md §4.9's shutdown sequence: flush the exporter,
// close the result store, the seen cache, and the log file.
func (s *Supervisor) shutdown() error {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(ctx)
	}

	if s.cfg.ExportFormat != "" && s.cfg.ExportPath != "" {
		exporter := collector.NewExporter(s.store)
		if err := exporter.Export(collector.Format(s.cfg.ExportFormat), s.cfg.ExportPath); err != nil {
			s.log.Error().Err(err).Msg("export results")
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Error().Err(err).Msg("close result store")
		}
	}
	if s.seen != nil {
		if err := s.seen.Close(); err != nil {
			s.log.Error().Err(err).Msg("close seen cache")
		}
	}

	s.log.Info().Msg("shutdown complete")
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}
