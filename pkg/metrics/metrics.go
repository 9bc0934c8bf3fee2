// Package metrics exposes Prometheus collectors for RayDB internals.
//
// Each open store owns a Metrics value backed by its own registry, so tests
// and multi-store processes never collide on collector registration. Embedders
// that want the metrics scraped pass the registry to their HTTP handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors for one open store.
type Metrics struct {
	registry *prometheus.Registry

	Commits         prometheus.Counter
	Aborts          prometheus.Counter
	Conflicts       prometheus.Counter
	VersionsPruned  prometheus.Counter
	Compactions     prometheus.Counter
	WALBytesWritten prometheus.Counter
	WALSyncs        prometheus.Counter
	VectorSearches  prometheus.Counter
	VectorInserts   prometheus.Counter

	ActiveTxns prometheus.Gauge
	DeltaOps   prometheus.Gauge
}

// New creates a Metrics set registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_commits_total",
			Help: "Committed transactions.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_aborts_total",
			Help: "Aborted or rolled back transactions.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_write_conflicts_total",
			Help: "Commits rejected by first-writer-wins conflict detection.",
		}),
		VersionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_versions_pruned_total",
			Help: "Version records dropped by MVCC garbage collection.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_compactions_total",
			Help: "Snapshot rebuilds performed by the compactor.",
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_wal_bytes_written_total",
			Help: "Bytes appended to the write-ahead log.",
		}),
		WALSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_wal_syncs_total",
			Help: "fsync calls issued by the write-ahead log.",
		}),
		VectorSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_vector_searches_total",
			Help: "IVF vector searches served.",
		}),
		VectorInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raydb_vector_inserts_total",
			Help: "Vectors inserted into fragment storage.",
		}),
		ActiveTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raydb_active_transactions",
			Help: "Currently active MVCC transactions.",
		}),
		DeltaOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raydb_delta_ops",
			Help: "Operations accumulated in the delta since the last compaction.",
		}),
	}

	reg.MustRegister(
		m.Commits, m.Aborts, m.Conflicts, m.VersionsPruned, m.Compactions,
		m.WALBytesWritten, m.WALSyncs, m.VectorSearches, m.VectorInserts,
		m.ActiveTxns, m.DeltaOps,
	)
	return m
}

// Registry returns the registry backing this metrics set.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
