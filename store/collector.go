package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
	get  func(m *pebble.Metrics) float64
}

// Collector exports the compaction, memtable and WAL figures of the
// baseline database.
type Collector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func metric(name, help string, kind prometheus.ValueType, get func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc: prometheus.NewDesc("fabric_store_"+name, help, nil, nil),
		kind: kind,
		get:  get,
	}
}

func NewCollector(db *pebble.DB) *Collector {
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &Collector{db: db, metrics: []pebbleMetric{
		metric("compaction_count_total", "Compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
		metric("compaction_default_count_total", "Default compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.DefaultCount) }),
		metric("compaction_elision_only_total", "Elision-only compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.ElisionOnlyCount) }),
		metric("compaction_move_total", "Move compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }),
		metric("compaction_read_total", "Read compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.ReadCount) }),
		metric("compaction_rewrite_total", "Rewrite compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.RewriteCount) }),
		metric("compaction_multilevel_total", "Multi-level compactions performed", counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.MultiLevelCount) }),
		metric("compaction_estimated_debt_bytes", "Estimated bytes still to compact", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
		metric("compaction_in_progress_bytes", "Bytes in running compactions", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
		metric("memtable_size_bytes", "Memtable bytes allocated", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
		metric("memtable_count", "Memtables in use", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
		metric("wal_files", "Live WAL files", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
		metric("wal_size_bytes", "Live WAL data", gauge,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
		metric("wal_bytes_in_total", "Logical bytes written to the WAL", counter,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }),
		metric("wal_bytes_written_total", "Physical bytes written to the WAL", counter,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
	}}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.get(stats))
	}
}
