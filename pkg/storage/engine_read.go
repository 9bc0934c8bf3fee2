package storage

import (
	"strconv"
	"strings"
)

// view is one reader's vantage point: a snapshot timestamp plus, inside a
// transaction, the private overlay for read-your-writes.
type view struct {
	ts      uint64
	overlay *txOverlay
}

// latestView reads strictly-latest: ts is the commit horizon.
func (e *Engine) latestView() view { return view{ts: e.txm.nextCommitTs} }

// chainVerdict resolves a version-chain key at ts. decided=false means the
// key has no chain (or its history below ts was pruned, which only happens
// once no reader can be that old) and the merged view answers instead.
func (e *Engine) chainVerdict(key string, ts uint64) (*VersionedRecord, bool) {
	if !e.cfg.MVCC.Enabled {
		return nil, false
	}
	rec, hasChain := e.txm.resolve(key, ts)
	if !hasChain || rec == nil {
		return nil, false
	}
	return rec, true
}

// nodeVisibleLocked answers node existence under a view. Caller holds e.mu
// (shared or exclusive).
func (e *Engine) nodeVisibleLocked(v view, id NodeID) bool {
	if v.overlay != nil {
		if _, del := v.overlay.deletedNodes[id]; del {
			return false
		}
		if _, ok := v.overlay.createdNodes[id]; ok {
			return true
		}
	}
	if rec, ok := e.chainVerdict(nodeKey(id), v.ts); ok {
		return !rec.Deleted
	}
	if e.delta.NodeDeleted(id) {
		return false
	}
	if _, ok := e.delta.NewNode(id); ok {
		return true
	}
	return e.snap.PhysOf(id) != PhysNone
}

// nodeKeyLocked returns the unique key of a visible node.
func (e *Engine) nodeKeyLocked(v view, id NodeID) (string, bool) {
	if v.overlay != nil {
		if pn, ok := v.overlay.createdNodes[id]; ok {
			return pn.key, pn.key != ""
		}
	}
	if pn, ok := e.delta.NewNode(id); ok {
		return pn.key, pn.key != ""
	}
	phys := e.snap.PhysOf(id)
	if phys == PhysNone {
		return "", false
	}
	return e.snap.KeyOf(phys)
}

// keyLiveLocked reports whether any node visible under v owns the key.
func (e *Engine) keyLiveLocked(key string, v view) bool {
	if v.overlay != nil {
		if _, ok := v.overlay.keyIndex[key]; ok {
			return true
		}
	}
	if id, ok := e.delta.NodeByKey(key); ok && e.nodeVisibleLocked(v, id) {
		return true
	}
	if id, ok := e.snap.NodeByKey(key); ok && e.nodeVisibleLocked(v, id) {
		return true
	}
	return false
}

// nodeByKeyLocked resolves a unique key to its visible owner.
func (e *Engine) nodeByKeyLocked(v view, key string) (NodeID, error) {
	if v.overlay != nil {
		if id, ok := v.overlay.keyIndex[key]; ok {
			return id, nil
		}
	}
	if id, ok := e.delta.NodeByKey(key); ok && e.nodeVisibleLocked(v, id) {
		return id, nil
	}
	if id, ok := e.snap.NodeByKey(key); ok && e.nodeVisibleLocked(v, id) {
		return id, nil
	}
	return 0, ErrNotFound
}

// nodePropLocked reads one property under a view.
func (e *Engine) nodePropLocked(v view, id NodeID, key PropKeyID) (PropValue, error) {
	if !e.nodeVisibleLocked(v, id) {
		return PropValue{}, ErrNotFound
	}
	if v.overlay != nil {
		if pn, ok := v.overlay.createdNodes[id]; ok {
			if val, ok := pn.props[key]; ok {
				return val, nil
			}
			return PropValue{}, ErrNotFound
		}
		if p, ok := v.overlay.nodeProps[id][key]; ok {
			if p.del {
				return PropValue{}, ErrNotFound
			}
			return p.val, nil
		}
	}
	if rec, ok := e.chainVerdict(nodePropKey(id, key), v.ts); ok {
		if rec.Deleted {
			return PropValue{}, ErrNotFound
		}
		return rec.Data, nil
	}
	if p, ok := e.delta.NodePropPatch(id, key); ok {
		if p.del {
			return PropValue{}, ErrNotFound
		}
		return p.val, nil
	}
	phys := e.snap.PhysOf(id)
	if phys == PhysNone {
		return PropValue{}, ErrNotFound
	}
	if val, ok := e.snap.NodeProp(phys, key); ok {
		return val, nil
	}
	return PropValue{}, ErrNotFound
}

// edgeExistsLocked answers edge existence under a view: endpoint
// visibility, then overlay, then chain, then delta patch, then a binary
// search in the snapshot CSR.
func (e *Engine) edgeExistsLocked(v view, k EdgeKey) bool {
	if !e.nodeVisibleLocked(v, k.Src) || !e.nodeVisibleLocked(v, k.Dst) {
		return false
	}
	if v.overlay != nil {
		if _, del := v.overlay.edgeDel[k]; del {
			return false
		}
		if _, ok := v.overlay.edgeAdd[k]; ok {
			return true
		}
	}
	if rec, ok := e.chainVerdict(edgeKeyStr(k), v.ts); ok {
		return !rec.Deleted
	}
	switch e.delta.EdgeState(k.Src, k.Etype, k.Dst) {
	case edgeAdded:
		return true
	case edgeDeleted:
		return false
	}
	return e.snapshotHasEdge(k)
}

// edgePropLocked reads one edge property under a view.
func (e *Engine) edgePropLocked(v view, k EdgeKey, key PropKeyID) (PropValue, error) {
	if !e.edgeExistsLocked(v, k) {
		return PropValue{}, ErrNotFound
	}
	if v.overlay != nil {
		if p, ok := v.overlay.edgeProps[k][key]; ok {
			if p.del {
				return PropValue{}, ErrNotFound
			}
			return p.val, nil
		}
	}
	if rec, ok := e.chainVerdict(edgePropKeyStr(k, key), v.ts); ok {
		if rec.Deleted {
			return PropValue{}, ErrNotFound
		}
		return rec.Data, nil
	}
	if p, ok := e.delta.EdgePropPatch(k, key); ok {
		if p.del {
			return PropValue{}, ErrNotFound
		}
		return p.val, nil
	}
	srcPhys, dstPhys := e.snap.PhysOf(k.Src), e.snap.PhysOf(k.Dst)
	if srcPhys == PhysNone || dstPhys == PhysNone {
		return PropValue{}, ErrNotFound
	}
	if val, ok := e.snap.EdgeProp(srcPhys, k.Etype, dstPhys, key); ok {
		return val, nil
	}
	return PropValue{}, ErrNotFound
}

// nodeLabelsLocked returns a visible node's labels.
func (e *Engine) nodeLabelsLocked(v view, id NodeID) ([]LabelID, error) {
	if !e.nodeVisibleLocked(v, id) {
		return nil, ErrNotFound
	}
	if v.overlay != nil {
		if pn, ok := v.overlay.createdNodes[id]; ok {
			return append([]LabelID(nil), pn.labels...), nil
		}
	}
	if pn, ok := e.delta.NewNode(id); ok {
		return append([]LabelID(nil), pn.labels...), nil
	}
	phys := e.snap.PhysOf(id)
	if phys == PhysNone {
		return nil, ErrNotFound
	}
	return e.snap.LabelsOf(phys), nil
}

// seedFuncLocked builds the base-record seeder for a chain key: it reads
// the pre-mutation state through the merged view (the chain does not exist
// yet, so the merged view is authoritative).
func (e *Engine) seedFuncLocked(key string, base view) func() (PropValue, bool) {
	parts := strings.Split(key, ":")
	atoi := func(s string) uint64 {
		n, _ := strconv.ParseUint(s, 10, 64)
		return n
	}
	switch parts[0] {
	case "n":
		id := NodeID(atoi(parts[1]))
		return func() (PropValue, bool) {
			return Null(), e.nodeVisibleLocked(base, id)
		}
	case "e":
		k := EdgeKey{Src: NodeID(atoi(parts[1])), Etype: ETypeID(atoi(parts[2])), Dst: NodeID(atoi(parts[3]))}
		return func() (PropValue, bool) {
			return Null(), e.edgeExistsLocked(base, k)
		}
	case "np":
		id := NodeID(atoi(parts[1]))
		pk := PropKeyID(atoi(parts[2]))
		return func() (PropValue, bool) {
			val, err := e.nodePropLocked(base, id, pk)
			return val, err == nil
		}
	case "ep":
		k := EdgeKey{Src: NodeID(atoi(parts[1])), Etype: ETypeID(atoi(parts[2])), Dst: NodeID(atoi(parts[3]))}
		pk := PropKeyID(atoi(parts[4]))
		return func() (PropValue, bool) {
			val, err := e.edgePropLocked(base, k, pk)
			return val, err == nil
		}
	}
	return nil
}

// Public read surface. The db-level variants read strictly-latest; the Tx
// variants read at the transaction's start timestamp with its overlay.

// NodeExists reports node existence at the latest committed state.
func (e *Engine) NodeExists(id NodeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodeVisibleLocked(e.latestView(), id)
}

// GetNodeByKey resolves a unique key at the latest committed state.
func (e *Engine) GetNodeByKey(key string) (NodeID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodeByKeyLocked(e.latestView(), key)
}

// EdgeExists reports edge existence at the latest committed state.
func (e *Engine) EdgeExists(src NodeID, etype ETypeID, dst NodeID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.edgeExistsLocked(e.latestView(), EdgeKey{Src: src, Etype: etype, Dst: dst})
}

// GetNodeProp reads a node property at the latest committed state.
func (e *Engine) GetNodeProp(id NodeID, key PropKeyID) (PropValue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodePropLocked(e.latestView(), id, key)
}

// GetEdgeProp reads an edge property at the latest committed state.
func (e *Engine) GetEdgeProp(src NodeID, etype ETypeID, dst NodeID, key PropKeyID) (PropValue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.edgePropLocked(e.latestView(), EdgeKey{Src: src, Etype: etype, Dst: dst}, key)
}

// GetNodeLabels reads a node's labels at the latest committed state.
func (e *Engine) GetNodeLabels(id NodeID) ([]LabelID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodeLabelsLocked(e.latestView(), id)
}

// NodeExists reports node existence under the transaction view.
func (tx *Tx) NodeExists(id NodeID) bool {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.nodeVisibleLocked(tx.view(), id)
}

// GetNodeByKey resolves a unique key under the transaction view.
func (tx *Tx) GetNodeByKey(key string) (NodeID, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.nodeByKeyLocked(tx.view(), key)
}

// EdgeExists reports edge existence under the transaction view.
func (tx *Tx) EdgeExists(src NodeID, etype ETypeID, dst NodeID) bool {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.edgeExistsLocked(tx.view(), EdgeKey{Src: src, Etype: etype, Dst: dst})
}

// GetNodeProp reads a node property under the transaction view.
func (tx *Tx) GetNodeProp(id NodeID, key PropKeyID) (PropValue, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.nodePropLocked(tx.view(), id, key)
}

// GetEdgeProp reads an edge property under the transaction view.
func (tx *Tx) GetEdgeProp(src NodeID, etype ETypeID, dst NodeID, key PropKeyID) (PropValue, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.edgePropLocked(tx.view(), EdgeKey{Src: src, Etype: etype, Dst: dst}, key)
}

// GetNodeLabels reads a node's labels under the transaction view.
func (tx *Tx) GetNodeLabels(id NodeID) ([]LabelID, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	return tx.eng.nodeLabelsLocked(tx.view(), id)
}

// GetVector reads the node's vector under the transaction view,
// including uncommitted writes.
func (tx *Tx) GetVector(id NodeID, key PropKeyID) ([]float32, error) {
	tx.eng.mu.RLock()
	defer tx.eng.mu.RUnlock()
	if !tx.eng.nodeVisibleLocked(tx.view(), id) {
		return nil, ErrNotFound
	}
	if p, ok := tx.overlay.vectors[vecKey{node: id, prop: key}]; ok {
		if p.del {
			return nil, ErrNotFound
		}
		return append([]float32(nil), p.vec...), nil
	}
	return tx.eng.getVectorLocked(id, key)
}

// GetVector reads the node's live vector at the latest committed state.
func (e *Engine) GetVector(id NodeID, key PropKeyID) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.getVectorLocked(id, key)
}

func (e *Engine) getVectorLocked(id NodeID, key PropKeyID) ([]float32, error) {
	s, ok := e.vec.Get(uint32(key))
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := s.Get(uint32(id))
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}
