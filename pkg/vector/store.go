package vector

import (
	"container/heap"
	"sort"
	"sync"
)

// Config fixes a store's global parameters. Dimensions are set once, at
// store creation, by the first vector inserted under the owning property
// key.
type Config struct {
	Dimensions         int
	Metric             Metric
	RowGroupSize       int
	FragmentTargetSize int
	Normalize          bool
	Seed               int64
}

// Location addresses a vector inside fragment storage.
type Location struct {
	Fragment uint64
	Local    int
}

// Result is one search hit, sorted ascending by distance.
type Result struct {
	Node       uint32
	VectorID   uint64
	Distance   float64
	Similarity float64
}

// Store is the manifest plus fragment storage for one vector-tagged
// property key: global configuration, the fragment list, the active
// fragment, vector-id allocation, the NodeID↔VectorID maps, and the
// optional IVF index.
//
// Deletion is tombstone-only: the fragment bitmap flips and the
// NodeID→VectorID entry is removed, while VectorID→Location survives so
// traversals can distinguish "deleted" from "never existed". Fragment
// compaction drops the VectorID entries of the tombstones in the fragments
// it rewrites; those ids then read as never existed.
type Store struct {
	mu sync.RWMutex

	cfg Config

	fragments map[uint64]*Fragment
	order     []uint64 // fragment ids, chronological
	active    *Fragment

	nextFragmentID uint64
	nextVectorID   uint64

	totalVectors   uint64
	deletedVectors uint64

	nodeToVector map[uint32]uint64
	vectorLoc    map[uint64]Location
	vectorNode   map[uint64]uint32

	index       *Index
	indexNProbe int
}

// NewStore creates an empty store. Dimensions must be positive.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, ErrDimensionsUnset
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = 1024
	}
	if cfg.FragmentTargetSize < cfg.RowGroupSize {
		cfg.FragmentTargetSize = cfg.RowGroupSize
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return &Store{
		cfg:            cfg,
		fragments:      make(map[uint64]*Fragment),
		nextFragmentID: 1,
		nextVectorID:   1,
		nodeToVector:   make(map[uint32]uint64),
		vectorLoc:      make(map[uint64]Location),
		vectorNode:     make(map[uint64]uint32),
	}, nil
}

// Dimensions returns the configured dimensionality.
func (s *Store) Dimensions() int { return s.cfg.Dimensions }

// Metric returns the configured metric.
func (s *Store) Metric() Metric { return s.cfg.Metric }

// Count returns the number of live vectors.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalVectors - s.deletedVectors
}

// DeletedCount returns the number of tombstoned vectors.
func (s *Store) DeletedCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deletedVectors
}

// Fragments returns fragment ids in chronological order.
func (s *Store) Fragments() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint64(nil), s.order...)
}

// FragmentState reports one fragment's lifecycle state.
func (s *Store) FragmentState(id uint64) (FragmentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[id]
	if !ok {
		return 0, false
	}
	return f.state, true
}

func (s *Store) ensureActive() *Fragment {
	if s.active == nil {
		f := newFragment(s.nextFragmentID, s.cfg.Dimensions, s.cfg.RowGroupSize, s.cfg.FragmentTargetSize)
		s.nextFragmentID++
		s.fragments[f.id] = f
		s.order = append(s.order, f.id)
		s.active = f
	}
	return s.active
}

// Insert stores a vector for the node and returns the assigned vector id.
// A node's existing vector is tombstoned first; dimensionality is checked
// against the store configuration.
func (s *Store) Insert(node uint32, vec []float32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(node, vec)
}

func (s *Store) insertLocked(node uint32, vec []float32) (uint64, error) {
	if len(vec) != s.cfg.Dimensions {
		return 0, &DimensionMismatchError{Expected: s.cfg.Dimensions, Got: len(vec)}
	}
	if old, ok := s.nodeToVector[node]; ok {
		s.deleteVectorLocked(old)
	}

	frag := s.ensureActive()
	local := frag.Append(vec, s.cfg.Normalize)

	vid := s.nextVectorID
	s.nextVectorID++
	s.nodeToVector[node] = vid
	s.vectorLoc[vid] = Location{Fragment: frag.id, Local: local}
	s.vectorNode[vid] = node
	s.totalVectors++

	if s.index != nil && s.index.Trained() {
		stored, _ := frag.VectorAt(local)
		_ = s.index.Insert(vid, stored)
	}

	if frag.total >= s.cfg.FragmentTargetSize {
		frag.Seal()
		s.active = nil
	}
	return vid, nil
}

// Delete tombstones the node's vector. Returns false when the node has
// none.
func (s *Store) Delete(node uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vid, ok := s.nodeToVector[node]
	if !ok {
		return false
	}
	s.deleteVectorLocked(vid)
	delete(s.nodeToVector, node)
	return true
}

func (s *Store) deleteVectorLocked(vid uint64) {
	loc, ok := s.vectorLoc[vid]
	if !ok {
		return
	}
	frag := s.fragments[loc.Fragment]
	if frag == nil {
		return
	}
	if s.index != nil && s.index.Trained() {
		if v, ok := frag.VectorAt(loc.Local); ok {
			_ = s.index.Delete(vid, v)
		}
	}
	if frag.Delete(loc.Local) {
		s.deletedVectors++
	}
	// vectorLoc and vectorNode entries stay: readers must be able to
	// tell "deleted" apart from "never existed".
}

// Get returns a copy of the node's live vector.
func (s *Store) Get(node uint32) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vid, ok := s.nodeToVector[node]
	if !ok {
		return nil, false
	}
	v, err := s.vectorByIDLocked(vid)
	if err != nil {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

// VectorByID returns a view of the vector for a vector id, failing with
// ErrVectorDeleted for tombstoned ids and ErrNotFound for unknown ones.
func (s *Store) VectorByID(vid uint64) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorByIDLocked(vid)
}

func (s *Store) vectorByIDLocked(vid uint64) ([]float32, error) {
	loc, ok := s.vectorLoc[vid]
	if !ok {
		return nil, ErrNotFound
	}
	frag := s.fragments[loc.Fragment]
	if frag == nil {
		return nil, ErrNotFound
	}
	if frag.IsDeleted(loc.Local) {
		return nil, ErrVectorDeleted
	}
	v, ok := frag.VectorAt(loc.Local)
	if !ok {
		return nil, ErrVectorDeleted
	}
	return v, nil
}

// BuildIndex trains a fresh IVF index over all live vectors and assigns
// every live vector id to its inverted list.
func (s *Store) BuildIndex(nClusters, maxIter, nProbe int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix := NewIndex(s.cfg.Dimensions, nClusters, s.cfg.Metric, s.cfg.Seed)
	live := 0
	s.forEachLive(func(vid uint64, v []float32) {
		ix.AddTraining(v, 1)
		live++
	})
	if err := ix.Train(maxIter); err != nil {
		return err
	}
	s.forEachLive(func(vid uint64, v []float32) {
		_ = ix.Insert(vid, v)
	})
	s.index = ix
	if nProbe <= 0 {
		nProbe = 1
	}
	s.indexNProbe = nProbe
	return nil
}

// IndexTrained reports whether an IVF index is available.
func (s *Store) IndexTrained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index != nil && s.index.Trained()
}

// forEachLive visits live vectors in chronological fragment order.
func (s *Store) forEachLive(fn func(vid uint64, v []float32)) {
	byLoc := make(map[Location]uint64, len(s.vectorLoc))
	for vid, loc := range s.vectorLoc {
		byLoc[loc] = vid
	}
	for _, fid := range s.order {
		frag := s.fragments[fid]
		if frag.state == FragRetired {
			continue
		}
		for local := 0; local < frag.total; local++ {
			if frag.IsDeleted(local) {
				continue
			}
			vid, ok := byLoc[Location{Fragment: fid, Local: local}]
			if !ok {
				continue
			}
			v, ok := frag.VectorAt(local)
			if ok {
				fn(vid, v)
			}
		}
	}
}

// resultHeap is a max-heap by distance so the worst candidate is evicted
// first while collecting top-k.
type resultHeap []Result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search probes the nProbe nearest clusters and returns up to k hits
// sorted ascending by distance. The optional filter rejects candidates by
// node id before distance computation.
func (s *Store) Search(query []float32, k, nProbe int, filter func(node uint32) bool) ([]Result, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(query) != s.cfg.Dimensions {
		return nil, &DimensionMismatchError{Expected: s.cfg.Dimensions, Got: len(query)}
	}
	if s.index == nil || !s.index.Trained() {
		return nil, ErrIndexNotTrained
	}
	if k <= 0 {
		return nil, ErrEmptyQuery
	}
	if nProbe <= 0 {
		nProbe = s.indexNProbe
	}

	q := query
	if s.cfg.Metric == Cosine {
		q = Normalize(query)
	}

	h := make(resultHeap, 0, k)
	for _, c := range s.index.Probe(q, nProbe) {
		for _, vid := range s.index.List(c) {
			loc, ok := s.vectorLoc[vid]
			if !ok {
				continue
			}
			frag := s.fragments[loc.Fragment]
			if frag == nil || frag.IsDeleted(loc.Local) {
				continue
			}
			node := s.vectorNode[vid]
			if filter != nil && !filter(node) {
				continue
			}
			v, ok := frag.VectorAt(loc.Local)
			if !ok {
				continue
			}
			d := Distance(s.cfg.Metric, q, v)
			if len(h) < k {
				heap.Push(&h, Result{Node: node, VectorID: vid, Distance: d})
			} else if d < h[0].Distance {
				h[0] = Result{Node: node, VectorID: vid, Distance: d}
				heap.Fix(&h, 0)
			}
		}
	}

	out := []Result(h)
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	for i := range out {
		out[i].Similarity = DistanceToSimilarity(out[i].Distance, s.cfg.Metric)
	}
	return out, nil
}

// SealActive seals the active fragment regardless of fill. Used by replay
// to reproduce explicit seals.
func (s *Store) SealActive() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	id := s.active.id
	s.active.Seal()
	s.active = nil
	return id
}

// SelectCompactable returns sealed fragments whose deletion ratio meets the
// threshold.
func (s *Store) SelectCompactable(threshold float64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for _, fid := range s.order {
		f := s.fragments[fid]
		if f.state == FragSealed && f.DeletionRatio() >= threshold {
			out = append(out, fid)
		}
	}
	return out
}

// CompactFragments rewrites the selected sealed fragments into one new
// sealed fragment holding only live vectors. Locations are rewritten, the
// sources retire (data released, ids retained), and the IVF inverted lists
// are rebuilt. Returns the new fragment's id, even when no live vector
// moved, or 0 when none of the ids names a sealed fragment.
func (s *Store) CompactFragments(ids []uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []*Fragment
	for _, id := range ids {
		f, ok := s.fragments[id]
		if !ok || f.state != FragSealed {
			continue
		}
		f.markDraining()
		sources = append(sources, f)
	}
	if len(sources) == 0 {
		return 0, nil
	}

	byLoc := make(map[Location]uint64, len(s.vectorLoc))
	for vid, loc := range s.vectorLoc {
		byLoc[loc] = vid
	}

	dst := newFragment(s.nextFragmentID, s.cfg.Dimensions, s.cfg.RowGroupSize, s.cfg.FragmentTargetSize)
	s.nextFragmentID++

	for _, src := range sources {
		for local := 0; local < src.total; local++ {
			vid, ok := byLoc[Location{Fragment: src.id, Local: local}]
			if !ok {
				continue
			}
			if src.IsDeleted(local) {
				// The tombstone dies with the source fragment.
				delete(s.vectorLoc, vid)
				delete(s.vectorNode, vid)
				s.deletedVectors--
				s.totalVectors--
				continue
			}
			v, _ := src.VectorAt(local)
			newLocal := dst.Append(v, false) // already normalized on first write
			s.vectorLoc[vid] = Location{Fragment: dst.id, Local: newLocal}
		}
	}
	dst.Seal()
	s.fragments[dst.id] = dst
	s.order = append(s.order, dst.id)

	for _, src := range sources {
		src.retire()
	}

	if s.index != nil && s.index.Trained() {
		s.index.Reset()
		s.forEachLive(func(vid uint64, v []float32) {
			_ = s.index.Insert(vid, v)
		})
	}
	return dst.id, nil
}
