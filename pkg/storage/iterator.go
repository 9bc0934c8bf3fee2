package storage

import "sort"

// Merged neighbour iteration: the snapshot CSR range, minus entries whose
// edge or far node is not visible, plus delta (and overlay) additions, with
// a small dedup set engaged only when additions exist. The iterator is a
// lazy pull sequence; each Next briefly takes the shared lock, never
// holding it across yields, so consumers may interleave reads and writes.
type NeighborIter struct {
	e         *Engine
	v         view
	src       NodeID
	out       bool
	etype     ETypeID
	hasFilter bool

	snap    *Snapshot // pinned: compaction retires but never unmaps it mid-iteration
	r       csrRange
	snapIdx int

	adds   []EdgePatch
	addIdx int
	seen   map[EdgePatch]struct{}

	done bool
}

// NeighborsOut iterates the visible outgoing neighbours of n, optionally
// restricted to one etype.
func (e *Engine) NeighborsOut(n NodeID, etype *ETypeID) *NeighborIter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.neighborsLocked(e.latestView(), n, etype, true)
}

// NeighborsIn iterates the visible incoming neighbours of n.
func (e *Engine) NeighborsIn(n NodeID, etype *ETypeID) *NeighborIter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.neighborsLocked(e.latestView(), n, etype, false)
}

// NeighborsOut iterates under the transaction view.
func (tx *Tx) NeighborsOut(n NodeID, etype *ETypeID) *NeighborIter {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.neighborsLocked(tx.view(), n, etype, true)
}

// NeighborsIn iterates under the transaction view.
func (tx *Tx) NeighborsIn(n NodeID, etype *ETypeID) *NeighborIter {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.neighborsLocked(tx.view(), n, etype, false)
}

func (e *Engine) neighborsLocked(v view, n NodeID, etype *ETypeID, out bool) *NeighborIter {
	it := &NeighborIter{e: e, v: v, src: n, out: out, snap: e.snap}
	if etype != nil {
		it.etype = *etype
		it.hasFilter = true
	}
	if !e.nodeVisibleLocked(v, n) {
		it.done = true
		return it
	}

	phys := e.snap.PhysOf(n)
	if phys != PhysNone {
		if out {
			it.r = e.snap.outRange(phys)
		} else {
			it.r = e.snap.inRange(phys)
		}
	}

	// Capture delta and overlay additions; both are small.
	var patches []EdgePatch
	if out {
		patches = append(patches, e.delta.outAdd[n]...)
	} else {
		patches = append(patches, e.delta.inAdd[n]...)
	}
	if v.overlay != nil {
		for k := range v.overlay.edgeAdd {
			if out && k.Src == n {
				patches = append(patches, EdgePatch{Etype: k.Etype, Other: k.Dst})
			}
			if !out && k.Dst == n {
				patches = append(patches, EdgePatch{Etype: k.Etype, Other: k.Src})
			}
		}
	}
	sort.Slice(patches, func(i, j int) bool {
		if patches[i].Etype != patches[j].Etype {
			return patches[i].Etype < patches[j].Etype
		}
		return patches[i].Other < patches[j].Other
	})
	it.adds = patches
	if len(patches) > 0 {
		it.seen = make(map[EdgePatch]struct{}, len(patches))
	}
	return it
}

func (it *NeighborIter) edgeKeyFor(etype ETypeID, other NodeID) EdgeKey {
	if it.out {
		return EdgeKey{Src: it.src, Etype: etype, Dst: other}
	}
	return EdgeKey{Src: other, Etype: etype, Dst: it.src}
}

// Next yields the next visible neighbour. The second return is false at the
// end of the sequence. No duplicates are yielded.
func (it *NeighborIter) Next() (Neighbor, bool) {
	if it.done {
		return Neighbor{}, false
	}
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()

	for it.snapIdx < it.r.len() {
		etype, otherPhys := it.r.at(it.snapIdx)
		it.snapIdx++
		if it.hasFilter && etype != it.etype {
			continue
		}
		other := it.snap.NodeIDOf(otherPhys)
		if it.seen != nil {
			if _, dup := it.seen[EdgePatch{Etype: etype, Other: other}]; dup {
				continue
			}
			it.seen[EdgePatch{Etype: etype, Other: other}] = struct{}{}
		}
		if !it.e.edgeExistsLocked(it.v, it.edgeKeyFor(etype, other)) {
			continue
		}
		return Neighbor{Etype: etype, Node: other}, true
	}

	for it.addIdx < len(it.adds) {
		p := it.adds[it.addIdx]
		it.addIdx++
		if it.hasFilter && p.Etype != it.etype {
			continue
		}
		if it.seen != nil {
			if _, dup := it.seen[p]; dup {
				continue
			}
			it.seen[p] = struct{}{}
		}
		if !it.e.edgeExistsLocked(it.v, it.edgeKeyFor(p.Etype, p.Other)) {
			continue
		}
		return Neighbor{Etype: p.Etype, Node: p.Other}, true
	}

	it.done = true
	return Neighbor{}, false
}

// Collect drains the iterator into a slice.
func (it *NeighborIter) Collect() []Neighbor {
	var out []Neighbor
	for {
		n, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

// Degree consumes a fresh iterator; raw snapshot counts are never used for
// degrees because the delta may shadow or extend them.
func (e *Engine) DegreeOut(n NodeID, etype *ETypeID) int {
	count := 0
	it := e.NeighborsOut(n, etype)
	for {
		if _, ok := it.Next(); !ok {
			return count
		}
		count++
	}
}

// DegreeIn consumes a fresh incoming iterator.
func (e *Engine) DegreeIn(n NodeID, etype *ETypeID) int {
	count := 0
	it := e.NeighborsIn(n, etype)
	for {
		if _, ok := it.Next(); !ok {
			return count
		}
		count++
	}
}

// forEachNodeLocked enumerates visible nodes in deterministic order:
// snapshot phys order, then delta-created nodes ascending by id. Caller
// holds e.mu.
func (e *Engine) forEachNodeLocked(v view, fn func(id NodeID) bool) {
	for phys := 0; phys < e.snap.NumNodes(); phys++ {
		id := e.snap.NodeIDOf(PhysNode(phys))
		if e.nodeVisibleLocked(v, id) {
			if !fn(id) {
				return
			}
		}
	}
	newIDs := make([]NodeID, 0, len(e.delta.newNodes))
	for id := range e.delta.newNodes {
		newIDs = append(newIDs, id)
	}
	sort.Slice(newIDs, func(i, j int) bool { return newIDs[i] < newIDs[j] })
	for _, id := range newIDs {
		if e.nodeVisibleLocked(v, id) {
			if !fn(id) {
				return
			}
		}
	}
	if v.overlay != nil {
		ovIDs := make([]NodeID, 0, len(v.overlay.createdNodes))
		for id := range v.overlay.createdNodes {
			ovIDs = append(ovIDs, id)
		}
		sort.Slice(ovIDs, func(i, j int) bool { return ovIDs[i] < ovIDs[j] })
		for _, id := range ovIDs {
			if !fn(id) {
				return
			}
		}
	}
}

// ScanNodes enumerates all visible nodes at the latest committed state.
func (e *Engine) ScanNodes(fn func(id NodeID) bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.forEachNodeLocked(e.latestView(), fn)
}
