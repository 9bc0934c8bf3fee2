// Package raydb provides the main API for embedded RayDB usage.
//
// RayDB is an embedded graph database with optional vector search. Its core
// is a hybrid of a read-optimized on-disk snapshot (CSR adjacency,
// memory-mapped, zero-copy) and a write-optimized in-memory delta, made
// durable by a segmented write-ahead log and periodically folded together by
// a compactor. Transactions get snapshot isolation through MVCC version
// chains with first-writer-wins conflict detection.
//
// Example Usage:
//
//	db, err := raydb.Open("./data", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Define schema ids (idempotent).
//	knows, _ := db.DefineEtype("KNOWS")
//	name, _ := db.DefinePropKey("name")
//
//	// Write atomically.
//	tx, _ := db.Begin()
//	alice, _ := tx.CreateNode("alice", nil, map[raydb.PropKeyID]raydb.PropValue{
//		name: raydb.StringValue("Alice"),
//	})
//	bob, _ := tx.CreateNode("bob", nil, nil)
//	tx.AddEdge(alice, knows, bob)
//	if _, err := tx.Commit(); err != nil {
//		log.Fatal(err)
//	}
//
//	// Read at the latest committed state.
//	it := db.NeighborsOut(alice, &knows)
//	for {
//		n, ok := it.Next()
//		if !ok {
//			break
//		}
//		fmt.Println("alice knows node", n.Node)
//	}
//
// Vector search:
//
//	emb, _ := db.DefinePropKey("embedding")
//	tx, _ = db.Begin()
//	tx.AddVector(alice, emb, embedding)
//	tx.Commit()
//
//	db.BuildVectorIndex(emb, raydb.VectorIndexOptions{NClusters: 32, NProbe: 4})
//	hits, _ := db.SearchVectors(emb, query, raydb.SearchOptions{K: 10})
//
// Concurrency: one writer goroutine at a time is the intended model;
// readers are unrestricted. Cross-process access is rejected with
// ErrResourceBusy via an exclusive lock on the data directory.
package raydb

import (
	"github.com/raydb/raydb/pkg/config"
	"github.com/raydb/raydb/pkg/metrics"
	"github.com/raydb/raydb/pkg/storage"
)

// Core identifier and value types, re-exported so embedders need only this
// package.
type (
	NodeID    = storage.NodeID
	ETypeID   = storage.ETypeID
	LabelID   = storage.LabelID
	PropKeyID = storage.PropKeyID
	PropValue = storage.PropValue
	Neighbor  = storage.Neighbor

	Tx           = storage.Tx
	TxInfo       = storage.TxInfo
	NeighborIter = storage.NeighborIter

	DbStats     = storage.DbStats
	CheckResult = storage.CheckResult

	VectorResult       = storage.VectorResult
	VectorIndexOptions = storage.VectorIndexOptions
	SearchOptions      = storage.SearchOptions

	Config = config.Config
)

// PropValue constructors.
var (
	Null        = storage.Null
	BoolValue   = storage.BoolValue
	IntValue    = storage.IntValue
	FloatValue  = storage.FloatValue
	StringValue = storage.StringValue
	VectorValue = storage.VectorValue
)

// Sentinel errors.
var (
	ErrNotFound     = storage.ErrNotFound
	ErrClosed       = storage.ErrClosed
	ErrTxClosed     = storage.ErrTxClosed
	ErrResourceBusy = storage.ErrResourceBusy
	ErrCorrupt      = storage.ErrCorrupt
	ErrConflict     = storage.ErrConflict
	ErrInvalid      = storage.ErrInvalid
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config { return config.Default() }

// DB is one open store.
type DB struct {
	eng *storage.Engine
}

// Open opens (or creates) a store in dir. A nil config uses defaults. On
// open the snapshot is memory-mapped and the WAL is replayed; a crash
// before a commit barrier leaves that commit invisible.
func Open(dir string, cfg *Config) (*DB, error) {
	eng, err := storage.Open(dir, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// Close flushes the WAL per policy, stops background maintenance, and
// releases the directory lock.
func (db *DB) Close() error { return db.eng.Close() }

// Begin starts a transaction reading at the current commit horizon.
func (db *DB) Begin() (*Tx, error) { return db.eng.Begin() }

// DefineLabel interns a label name. Idempotent; survives rollback.
func (db *DB) DefineLabel(name string) (LabelID, error) { return db.eng.DefineLabel(name) }

// DefineEtype interns an edge-type name. Idempotent.
func (db *DB) DefineEtype(name string) (ETypeID, error) { return db.eng.DefineEtype(name) }

// DefinePropKey interns a property-key name. Idempotent.
func (db *DB) DefinePropKey(name string) (PropKeyID, error) { return db.eng.DefinePropKey(name) }

// NodeExists reports node existence at the latest committed state.
func (db *DB) NodeExists(id NodeID) bool { return db.eng.NodeExists(id) }

// GetNodeByKey resolves a unique key, or ErrNotFound.
func (db *DB) GetNodeByKey(key string) (NodeID, error) { return db.eng.GetNodeByKey(key) }

// EdgeExists reports edge existence at the latest committed state.
func (db *DB) EdgeExists(src NodeID, etype ETypeID, dst NodeID) bool {
	return db.eng.EdgeExists(src, etype, dst)
}

// NeighborsOut iterates visible outgoing neighbours.
func (db *DB) NeighborsOut(n NodeID, etype *ETypeID) *NeighborIter {
	return db.eng.NeighborsOut(n, etype)
}

// NeighborsIn iterates visible incoming neighbours.
func (db *DB) NeighborsIn(n NodeID, etype *ETypeID) *NeighborIter {
	return db.eng.NeighborsIn(n, etype)
}

// DegreeOut counts outgoing neighbours through the merged view.
func (db *DB) DegreeOut(n NodeID, etype *ETypeID) int { return db.eng.DegreeOut(n, etype) }

// DegreeIn counts incoming neighbours through the merged view.
func (db *DB) DegreeIn(n NodeID, etype *ETypeID) int { return db.eng.DegreeIn(n, etype) }

// GetNodeProp reads a node property at the latest committed state.
func (db *DB) GetNodeProp(id NodeID, key PropKeyID) (PropValue, error) {
	return db.eng.GetNodeProp(id, key)
}

// GetEdgeProp reads an edge property at the latest committed state.
func (db *DB) GetEdgeProp(src NodeID, etype ETypeID, dst NodeID, key PropKeyID) (PropValue, error) {
	return db.eng.GetEdgeProp(src, etype, dst, key)
}

// GetNodeLabels reads a node's labels.
func (db *DB) GetNodeLabels(id NodeID) ([]LabelID, error) { return db.eng.GetNodeLabels(id) }

// GetVector reads a node's live vector under the property key.
func (db *DB) GetVector(id NodeID, key PropKeyID) ([]float32, error) {
	return db.eng.GetVector(id, key)
}

// BuildVectorIndex trains the IVF index for one property key's vectors.
func (db *DB) BuildVectorIndex(key PropKeyID, opts VectorIndexOptions) error {
	return db.eng.BuildVectorIndex(key, opts)
}

// SearchVectors runs an approximate nearest-neighbour search. Results are
// sorted ascending by distance and carry a metric-appropriate similarity.
func (db *DB) SearchVectors(key PropKeyID, query []float32, opts SearchOptions) ([]VectorResult, error) {
	return db.eng.SearchVectors(key, query, opts)
}

// CompactVectorFragments rewrites heavily deleted sealed fragments.
func (db *DB) CompactVectorFragments(key PropKeyID, threshold float64) (int, error) {
	return db.eng.CompactVectorFragments(key, threshold)
}

// Optimize rebuilds the snapshot from the merged view and truncates the
// WAL. With force=false it is a no-op when the delta holds no operations;
// vector writes are not counted as delta operations.
func (db *DB) Optimize(force bool) error { return db.eng.Optimize(force) }

// Stats summarizes the open store.
func (db *DB) Stats() DbStats { return db.eng.Stats() }

// Check verifies structural invariants.
func (db *DB) Check() CheckResult { return db.eng.Check() }

// RunGC forces an MVCC garbage-collection pass.
func (db *DB) RunGC() { db.eng.RunGC() }

// EnumerateTransactions lists live transaction records.
func (db *DB) EnumerateTransactions() []TxInfo { return db.eng.EnumerateTransactions() }

// Metrics exposes the store's Prometheus collectors.
func (db *DB) Metrics() *metrics.Metrics { return db.eng.Metrics() }
