package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// The compactor materializes the merged view as a new snapshot generation,
// swaps it in, resets the delta, and truncates the WAL. It runs under the
// full writer lock from the start of the rebuild through the swap, so
// readers block for the whole compaction.
//
// Determinism contract: given the same snapshot and delta, the produced
// file is byte-identical (generation aside). Node order is snapshot phys
// order followed by delta-created nodes ascending by id; property records
// are sorted; string-arena interning follows a fixed traversal order.
// Labels, etypes, and propkeys that were defined but never referenced are
// kept, so id spaces stay dense and stats stay stable.

// Optimize forces a compaction. Without force, it is a no-op when the
// delta is empty.
func (e *Engine) Optimize(force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !force && e.delta.Ops() == 0 {
		return nil
	}
	return e.compactLocked()
}

func (e *Engine) compactLocked() error {
	gen := e.snap.Generation() + 1
	model := e.buildModelLocked(gen)

	genPath := filepath.Join(e.dir, fmt.Sprintf("snapshot.%d.bin", gen))
	if err := writeSnapshot(genPath, model); err != nil {
		return err
	}

	// Point current.bin at the new generation atomically: hard link to a
	// temp name, then rename over the live file.
	currentPath := filepath.Join(e.dir, CurrentSnapshotName)
	tmpLink := currentPath + ".tmp"
	os.Remove(tmpLink)
	if err := os.Link(genPath, tmpLink); err != nil {
		return ioErr("link", genPath, err)
	}
	if err := os.Rename(tmpLink, currentPath); err != nil {
		os.Remove(tmpLink)
		return ioErr("rename", tmpLink, err)
	}
	if err := syncDir(e.dir); err != nil {
		return err
	}

	newSnap, err := OpenSnapshot(currentPath)
	if err != nil {
		return err
	}

	oldGen := e.snap.Generation()
	if e.snap.mm != nil {
		// Live iterators may still hold CSR views; keep the mapping
		// until Close.
		e.retiredSnaps = append(e.retiredSnaps, e.snap)
	}
	e.snap = newSnap
	e.delta = newDelta(newSnap)
	e.met.DeltaOps.Set(0)

	if err := e.wal.Reset(); err != nil {
		return err
	}
	if err := e.wal.Checkpoint(gen); err != nil {
		return err
	}

	// Older generation files are superseded; current.bin hard-links the
	// newest one. Retired mmaps keep deleted inodes alive as needed.
	for g := oldGen; g > 0 && g < gen; g-- {
		old := filepath.Join(e.dir, fmt.Sprintf("snapshot.%d.bin", g))
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			e.logr.Warn().Err(err).Str("path", old).Msg("could not remove old snapshot generation")
		}
	}

	e.met.Compactions.Inc()
	e.logr.Info().Uint64("generation", gen).Int("nodes", len(model.nodeIDs)).Msg("compaction complete")
	return nil
}

// buildModelLocked assembles the merged logical image at the latest
// committed state.
func (e *Engine) buildModelLocked(gen uint64) *snapshotModel {
	v := e.latestView()
	m := &snapshotModel{
		generation:   gen,
		nextNodeID:   e.nextNodeID,
		nextCommitTs: e.txm.nextCommitTs,
		strings:      newStringArena(),
	}

	// Name tables first: ids are preserved across compaction, so table
	// order is id order.
	numLabels := e.snap.NumLabels() + len(e.delta.labels.names)
	for id := 0; id < numLabels; id++ {
		m.labels = append(m.labels, m.strings.intern(e.labelNameLocked(LabelID(id))))
	}
	numEtypes := e.snap.NumEtypes() + len(e.delta.etypes.names)
	for id := 0; id < numEtypes; id++ {
		m.etypes = append(m.etypes, m.strings.intern(e.etypeNameLocked(ETypeID(id))))
	}
	numPropKeys := e.snap.NumPropKeys() + len(e.delta.propKeys.names)
	for id := 0; id < numPropKeys; id++ {
		m.propKeys = append(m.propKeys, m.strings.intern(e.propKeyNameLocked(PropKeyID(id))))
	}

	// Assign new phys ids.
	physOf := make(map[NodeID]PhysNode)
	e.forEachNodeLocked(v, func(id NodeID) bool {
		physOf[id] = PhysNode(len(m.nodeIDs))
		m.nodeIDs = append(m.nodeIDs, id)
		return true
	})

	// Per-node state.
	for _, id := range m.nodeIDs {
		key, hasKey := e.nodeKeyLocked(v, id)
		if hasKey {
			m.keySids = append(m.keySids, m.strings.intern(key))
		} else {
			m.keySids = append(m.keySids, noString)
		}
		labels, _ := e.nodeLabelsLocked(v, id)
		m.nodeLabels = append(m.nodeLabels, labels)
	}

	// Node properties, sorted by (phys, key).
	for physIdx, id := range m.nodeIDs {
		props := e.mergedNodePropsLocked(v, id)
		keys := make([]PropKeyID, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			m.nodeProps = append(m.nodeProps, nodePropRec{
				phys: PhysNode(physIdx), key: k, val: props[k]})
		}
	}

	// Out CSR, sorted by (etype, dstPhys); in CSR derived from it.
	m.out = make([][]modelEdge, len(m.nodeIDs))
	m.in = make([][]modelEdge, len(m.nodeIDs))
	type liveEdge struct {
		srcPhys PhysNode
		etype   ETypeID
		dstPhys PhysNode
		key     EdgeKey
	}
	var edges []liveEdge
	for physIdx, id := range m.nodeIDs {
		it := e.neighborsLocked(v, id, nil, true)
		for {
			n, ok := it.nextLocked()
			if !ok {
				break
			}
			dstPhys, ok := physOf[n.Node]
			if !ok {
				continue
			}
			edges = append(edges, liveEdge{
				srcPhys: PhysNode(physIdx),
				etype:   n.Etype,
				dstPhys: dstPhys,
				key:     EdgeKey{Src: id, Etype: n.Etype, Dst: n.Node},
			})
		}
	}
	for _, le := range edges {
		m.out[le.srcPhys] = append(m.out[le.srcPhys], modelEdge{etype: le.etype, other: le.dstPhys})
		m.in[le.dstPhys] = append(m.in[le.dstPhys], modelEdge{etype: le.etype, other: le.srcPhys})
	}
	for i := range m.out {
		sortModelEdges(m.out[i])
		sortModelEdges(m.in[i])
	}

	// Edge properties, sorted by (srcPhys, etype, dstPhys, key).
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.srcPhys != b.srcPhys {
			return a.srcPhys < b.srcPhys
		}
		if a.etype != b.etype {
			return a.etype < b.etype
		}
		return a.dstPhys < b.dstPhys
	})
	for _, le := range edges {
		props := e.mergedEdgePropsLocked(v, le.key)
		keys := make([]PropKeyID, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			m.edgeProps = append(m.edgeProps, edgePropRec{
				src: le.srcPhys, etype: le.etype, dst: le.dstPhys, key: k, val: props[k]})
		}
	}

	m.vectorManifest, m.vectorFragment, m.vectorIndex, m.vectorNodeMap = e.vec.EncodeSections()
	return m
}

func sortModelEdges(edges []modelEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].etype != edges[j].etype {
			return edges[i].etype < edges[j].etype
		}
		return edges[i].other < edges[j].other
	})
}

// nextLocked is Next without re-acquiring the shared lock; the compactor
// already holds the writer lock.
func (it *NeighborIter) nextLocked() (Neighbor, bool) {
	if it.done {
		return Neighbor{}, false
	}
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

// mergedNodePropsLocked folds snapshot properties with delta patches.
func (e *Engine) mergedNodePropsLocked(v view, id NodeID) map[PropKeyID]PropValue {
	out := make(map[PropKeyID]PropValue)
	if pn, ok := e.delta.NewNode(id); ok {
		for k, val := range pn.props {
			out[k] = val
		}
		return out
	}
	if phys := e.snap.PhysOf(id); phys != PhysNone {
		for k, val := range e.snap.NodePropsOf(phys) {
			out[k] = val
		}
	}
	for k, p := range e.delta.nodeProps[id] {
		if p.del {
			delete(out, k)
		} else {
			out[k] = p.val
		}
	}
	return out
}

// mergedEdgePropsLocked folds snapshot edge properties with delta patches.
func (e *Engine) mergedEdgePropsLocked(v view, k EdgeKey) map[PropKeyID]PropValue {
	out := make(map[PropKeyID]PropValue)
	srcPhys, dstPhys := e.snap.PhysOf(k.Src), e.snap.PhysOf(k.Dst)
	if srcPhys != PhysNone && dstPhys != PhysNone {
		for pk, val := range e.snap.EdgePropsOf(srcPhys, k.Etype, dstPhys) {
			out[pk] = val
		}
	}
	for pk, p := range e.delta.edgeProps[k] {
		if p.del {
			delete(out, pk)
		} else {
			out[pk] = p.val
		}
	}
	return out
}

// Name resolution across snapshot tables and delta dicts.

func (e *Engine) labelNameLocked(id LabelID) string {
	if int(id) < e.snap.NumLabels() {
		return e.snap.LabelName(id)
	}
	name, _ := e.delta.labels.nameOf(uint32(id))
	return name
}

func (e *Engine) etypeNameLocked(id ETypeID) string {
	if int(id) < e.snap.NumEtypes() {
		return e.snap.EtypeName(id)
	}
	name, _ := e.delta.etypes.nameOf(uint32(id))
	return name
}

func (e *Engine) propKeyNameLocked(id PropKeyID) string {
	if int(id) < e.snap.NumPropKeys() {
		return e.snap.PropKeyName(id)
	}
	name, _ := e.delta.propKeys.nameOf(uint32(id))
	return name
}

// LabelName resolves a label id at the latest state.
func (e *Engine) LabelName(id LabelID) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.labelNameLocked(id)
}

// EtypeName resolves an etype id at the latest state.
func (e *Engine) EtypeName(id ETypeID) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.etypeNameLocked(id)
}

// PropKeyName resolves a propkey id at the latest state.
func (e *Engine) PropKeyName(id PropKeyID) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.propKeyNameLocked(id)
}
