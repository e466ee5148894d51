package stats

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the JSON stats line (the canonical record per
// SPEC_FULL.md) onto Prometheus gauges/counters so the crawl can be
// scraped the same way the rest of the pack's services are.
type Metrics struct {
	pushedURLs     prometheus.Counter
	success        prometheus.Counter
	errorTotal     prometheus.Counter
	discardedJobs  prometheus.Counter
	activeBudget   prometheus.Gauge
	working        prometheus.Gauge
	todoQueueSize  prometheus.Gauge
	badProxies     prometheus.Gauge
	proxyQueueSize prometheus.Gauge

	lastPushed, lastSuccess, lastError, lastDiscarded int64
}

// NewMetrics registers the crawler's Prometheus series on reg.
func NewMetrics(reg prometheus.Registerer, task string) *Metrics {
	labels := prometheus.Labels{"task": task}
	m := &Metrics{
		pushedURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pushed_urls_total", Help: "URLs pushed onto the work queue.", ConstLabels: labels,
		}),
		success: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_success_total", Help: "URLs successfully fetched and parsed.", ConstLabels: labels,
		}),
		errorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_error_total", Help: "Fetch or parse errors.", ConstLabels: labels,
		}),
		discardedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_discarded_jobs_total", Help: "Jobs discarded after exhausting retries.", ConstLabels: labels,
		}),
		activeBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_worker_budget", Help: "Current adaptive active-worker budget.", ConstLabels: labels,
		}),
		working: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_working", Help: "In-flight fetch jobs.", ConstLabels: labels,
		}),
		todoQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_todo_queue_size", Help: "Size of the todo list.", ConstLabels: labels,
		}),
		badProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_bad_proxies", Help: "Size of the durable banned-proxy set.", ConstLabels: labels,
		}),
		proxyQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_proxies_queue_size", Help: "Size of the circulating proxy queue.", ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.pushedURLs, m.success, m.errorTotal, m.discardedJobs,
		m.activeBudget, m.working, m.todoQueueSize, m.badProxies, m.proxyQueueSize)
	return m
}

// Observe mirrors one stats-line snapshot onto the registered series.
// Counters only move forward, so deltas against the last observed value
// are added rather than set.
func (m *Metrics) Observe(line Line) {
	m.pushedURLs.Add(float64(delta(&m.lastPushed, line.Counters.PushedURLs)))
	m.success.Add(float64(delta(&m.lastSuccess, line.Counters.Success)))
	m.errorTotal.Add(float64(delta(&m.lastError, line.Counters.Error)))
	m.discardedJobs.Add(float64(delta(&m.lastDiscarded, line.Counters.DiscardedJobs)))

	m.activeBudget.Set(line.ActiveWorkerBudget)
	m.working.Set(float64(line.Working))
	m.todoQueueSize.Set(float64(line.TodoQueueSize))
	m.badProxies.Set(float64(line.BadProxies))
	m.proxyQueueSize.Set(float64(line.ProxiesQueueSize))
}

func delta(last *int64, current int64) int64 {
	d := current - *last
	if d < 0 {
		d = 0
	}
	*last = current
	return d
}
