// Package metrics exposes prometheus counters and gauges for the
// storage core: cache hit/miss, freelist sanitize counts, checkpoint
// attempts/failures, and recovery skip counts. Every collaborator
// takes a *Pager (or *Recovery) by pointer and is nil-safe, so
// instrumentation is opt-in.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pager holds the counters and gauges a storage.Pager updates as it
// serves page reads and maintains its freelist.
type Pager struct {
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	freelistDup     prometheus.Counter
	freelistOutOfRange prometheus.Counter
	cacheSize       prometheus.Gauge
}

// NewPager registers a fresh set of Pager metrics against reg, each
// carrying a constant "db" label set to dbName so multiple open
// databases in one process don't collide.
func NewPager(reg prometheus.Registerer, dbName string) *Pager {
	labels := prometheus.Labels{"db": dbName}
	p := &Pager{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "pager",
			Name:        "cache_hits_total",
			Help:        "Page cache hits.",
			ConstLabels: labels,
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "pager",
			Name:        "cache_misses_total",
			Help:        "Page cache misses.",
			ConstLabels: labels,
		}),
		freelistDup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "pager",
			Name:        "freelist_duplicates_removed_total",
			Help:        "Duplicate freelist entries removed during sanitize.",
			ConstLabels: labels,
		}),
		freelistOutOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "pager",
			Name:        "freelist_out_of_range_removed_total",
			Help:        "Out-of-range freelist entries removed during sanitize.",
			ConstLabels: labels,
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "murodb",
			Subsystem:   "pager",
			Name:        "cache_size_pages",
			Help:        "Current number of pages held in the LRU cache.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(p.cacheHits, p.cacheMisses, p.freelistDup, p.freelistOutOfRange, p.cacheSize)
	}
	return p
}

func (p *Pager) CacheHit()  { p.cacheHits.Inc() }
func (p *Pager) CacheMiss() { p.cacheMisses.Inc() }

func (p *Pager) FreelistSanitized(duplicates, outOfRange int) {
	p.freelistDup.Add(float64(duplicates))
	p.freelistOutOfRange.Add(float64(outOfRange))
}

func (p *Pager) SetCacheSize(n int) { p.cacheSize.Set(float64(n)) }

// Recovery holds counters a recovery pass updates as it replays and
// validates a WAL.
type Recovery struct {
	committed prometheus.Counter
	skipped   *prometheus.CounterVec
}

// NewRecovery registers a fresh set of Recovery metrics against reg.
func NewRecovery(reg prometheus.Registerer, dbName string) *Recovery {
	labels := prometheus.Labels{"db": dbName}
	r := &Recovery{
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "recovery",
			Name:        "transactions_committed_total",
			Help:        "Transactions replayed as committed during WAL recovery.",
			ConstLabels: labels,
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "recovery",
			Name:        "transactions_skipped_total",
			Help:        "Transactions skipped during permissive-mode WAL recovery, by skip code.",
			ConstLabels: labels,
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(r.committed, r.skipped)
	}
	return r
}

func (r *Recovery) Committed(n int) { r.committed.Add(float64(n)) }
func (r *Recovery) Skipped(code string) { r.skipped.WithLabelValues(code).Inc() }

// Checkpoint holds counters a session's checkpoint policy updates.
type Checkpoint struct {
	attempts prometheus.Counter
	failures prometheus.Counter
}

// NewCheckpoint registers a fresh set of Checkpoint metrics against reg.
func NewCheckpoint(reg prometheus.Registerer, dbName string) *Checkpoint {
	labels := prometheus.Labels{"db": dbName}
	c := &Checkpoint{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "checkpoint",
			Name:        "attempts_total",
			Help:        "Checkpoint attempts.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "murodb",
			Subsystem:   "checkpoint",
			Name:        "failures_total",
			Help:        "Checkpoint attempts that failed. A checkpoint failure never fails the commit that triggered it.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.attempts, c.failures)
	}
	return c
}

func (c *Checkpoint) Attempt() { c.attempts.Inc() }
func (c *Checkpoint) Failure() { c.failures.Inc() }
