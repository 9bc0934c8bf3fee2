package storage

import (
	"github.com/raydb/raydb/pkg/vector"
)

// Vector operations on the engine. Index training and fragment compaction
// mutate vector state outside any user transaction; both are durably logged
// where replay needs them (fragment compaction changes physical layout,
// index training is memory-only and persists via the next snapshot).

// VectorResult is one search hit mapped back to graph identifiers.
type VectorResult struct {
	Node       NodeID
	Distance   float64
	Similarity float64
}

// VectorIndexOptions configures BuildVectorIndex.
type VectorIndexOptions struct {
	NClusters int
	NProbe    int
	MaxIter   int
	// Metric must match the store's configured metric when set.
	Metric string
}

// BuildVectorIndex trains an IVF index over the live vectors of one
// property key.
func (e *Engine) BuildVectorIndex(key PropKeyID, opts VectorIndexOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return &InvalidArgumentError{Reason: "no vectors stored under property key"}
	}
	if opts.Metric != "" {
		m, err := vector.ParseMetric(opts.Metric)
		if err != nil {
			return &InvalidArgumentError{Reason: err.Error()}
		}
		if m != s.Metric() {
			return &InvalidArgumentError{Reason: "metric differs from the store's configured metric"}
		}
	}
	if opts.NClusters <= 0 {
		return &InvalidArgumentError{Reason: "nClusters must be positive"}
	}
	nProbe := opts.NProbe
	if nProbe <= 0 {
		nProbe = 1
	}
	return s.BuildIndex(opts.NClusters, opts.MaxIter, nProbe)
}

// SearchOptions configures SearchVectors.
type SearchOptions struct {
	K      int
	NProbe int
	Filter func(NodeID) bool
}

// SearchVectors runs an IVF probe search under the latest committed view.
func (e *Engine) SearchVectors(key PropKeyID, query []float32, opts SearchOptions) ([]VectorResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.searchVectorsLocked(e.latestView(), key, query, opts)
}

// SearchVectors runs the search under the transaction's view.
func (tx *Tx) SearchVectors(key PropKeyID, query []float32, opts SearchOptions) ([]VectorResult, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.searchVectorsLocked(tx.view(), key, query, opts)
}

func (e *Engine) searchVectorsLocked(v view, key PropKeyID, query []float32, opts SearchOptions) ([]VectorResult, error) {
	if len(query) == 0 {
		return nil, &InvalidArgumentError{Reason: "empty query vector"}
	}
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return nil, &InvalidArgumentError{Reason: "no vectors stored under property key"}
	}
	filter := func(node uint32) bool {
		if !e.nodeVisibleLocked(v, NodeID(node)) {
			return false
		}
		if opts.Filter != nil && !opts.Filter(NodeID(node)) {
			return false
		}
		return true
	}
	hits, err := s.Search(query, opts.K, opts.NProbe, filter)
	if err != nil {
		return nil, err
	}
	e.met.VectorSearches.Inc()
	out := make([]VectorResult, len(hits))
	for i, h := range hits {
		out[i] = VectorResult{Node: NodeID(h.Node), Distance: h.Distance, Similarity: h.Similarity}
	}
	return out, nil
}

// VectorIndexTrained reports whether a key's store has a trained index.
func (e *Engine) VectorIndexTrained(key PropKeyID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.vec.Get(uint32(key))
	return ok && s.IndexTrained()
}

// VectorFragments describes a key's fragment chronology.
func (e *Engine) VectorFragments(key PropKeyID) []VectorFragmentInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return nil
	}
	var out []VectorFragmentInfo
	for _, fid := range s.Fragments() {
		state, _ := s.FragmentState(fid)
		out = append(out, VectorFragmentInfo{ID: fid, State: state.String()})
	}
	return out
}

// VectorFragmentInfo is one fragment's id and lifecycle state.
type VectorFragmentInfo struct {
	ID    uint64
	State string
}

// SealVectorFragment seals the active fragment of a key's store early and
// logs the seal so replay reproduces the layout.
func (e *Engine) SealVectorFragment(key PropKeyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return &InvalidArgumentError{Reason: "no vectors stored under property key"}
	}
	if s.SealActive() == 0 {
		return nil
	}
	return e.logMaintenance(RecSealFragment, encodePropKeyOnly(key))
}

// CompactVectorFragments rewrites sealed fragments whose deletion ratio
// meets the threshold, logging the explicit source set for replay.
func (e *Engine) CompactVectorFragments(key PropKeyID, threshold float64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return 0, &InvalidArgumentError{Reason: "no vectors stored under property key"}
	}
	ids := s.SelectCompactable(threshold)
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := s.CompactFragments(ids); err != nil {
		return 0, err
	}
	if err := e.logMaintenance(RecCompactFragments, encodeCompactFragments(key, ids)); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// logMaintenance durably logs a single maintenance record behind its own
// commit barrier.
func (e *Engine) logMaintenance(typ RecordType, payload []byte) error {
	ts := e.txm.nextCommitTs
	if err := e.wal.AppendBatch([]walRecord{{typ: typ, payload: payload}}, ts); err != nil {
		return err
	}
	e.txm.nextCommitTs = ts + 1
	return nil
}
