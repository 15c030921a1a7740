// Package metrics holds the Prometheus collectors an Engine updates as
// it flushes, compacts, and serves reads. Nothing in this package
// starts an HTTP exporter; a caller that wants the standard
// /metrics handler registers these against its own registry and
// serves it from whatever mux it already runs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the engine updates. A nil
// *Collectors is valid everywhere it's used (see the engine's metrics
// field): every method on it is a no-op, so instrumentation never
// becomes a required dependency.
type Collectors struct {
	FlushTotal      prometheus.Counter
	CompactionTotal prometheus.Counter
	WALBytesWritten prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	MemtableBytes   prometheus.Gauge
}

// New builds a fresh set of collectors and registers them against reg.
// Passing prometheus.NewRegistry() keeps them isolated from the global
// default registry, which matters for tests that open more than one
// engine in the same process.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		FlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinylsm",
			Name:      "flush_total",
			Help:      "Number of memtable generations flushed to SST.",
		}),
		CompactionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinylsm",
			Name:      "compaction_total",
			Help:      "Number of compaction passes run.",
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinylsm",
			Name:      "wal_bytes_written_total",
			Help:      "Bytes appended to WAL segments.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinylsm",
			Name:      "block_cache_hits_total",
			Help:      "Block cache lookups served without a disk read.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinylsm",
			Name:      "block_cache_misses_total",
			Help:      "Block cache lookups that required a disk read.",
		}),
		MemtableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinylsm",
			Name:      "memtable_bytes",
			Help:      "Approximate size of the current memtable generation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.FlushTotal, c.CompactionTotal, c.WALBytesWritten, c.CacheHits, c.CacheMisses, c.MemtableBytes)
	}
	return c
}

func (c *Collectors) flush() {
	if c != nil {
		c.FlushTotal.Inc()
	}
}

func (c *Collectors) compaction() {
	if c != nil {
		c.CompactionTotal.Inc()
	}
}

func (c *Collectors) walBytes(n int) {
	if c != nil {
		c.WALBytesWritten.Add(float64(n))
	}
}

func (c *Collectors) cacheHit() {
	if c != nil {
		c.CacheHits.Inc()
	}
}

func (c *Collectors) cacheMiss() {
	if c != nil {
		c.CacheMisses.Inc()
	}
}

func (c *Collectors) setMemtableBytes(n int64) {
	if c != nil {
		c.MemtableBytes.Set(float64(n))
	}
}

// Flush records one completed flush.
func (c *Collectors) Flush() { c.flush() }

// Compaction records one completed compaction pass.
func (c *Collectors) Compaction() { c.compaction() }

// WALBytes records n bytes appended to the WAL.
func (c *Collectors) WALBytes(n int) { c.walBytes(n) }

// CacheHit records one block cache hit.
func (c *Collectors) CacheHit() { c.cacheHit() }

// CacheMiss records one block cache miss.
func (c *Collectors) CacheMiss() { c.cacheMiss() }

// SetMemtableBytes records the current memtable generation's size.
func (c *Collectors) SetMemtableBytes(n int64) { c.setMemtableBytes(n) }
