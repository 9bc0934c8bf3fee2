package storage

import (
	"sort"

	"github.com/raydb/raydb/pkg/vector"
)

// Tx is one MVCC transaction. Writes buffer into the transaction's private
// overlay (read-your-writes) and are durably logged, applied to the delta,
// and version-chained only at commit. A transaction is used from a single
// goroutine.
type Tx struct {
	id       uint64
	startTs  uint64
	commitTs uint64
	status   TxStatus
	eng      *Engine

	writeSet map[string]struct{}
	records  []walRecord
	chainOps []chainOp

	overlay txOverlay

	// Unique keys claimed by createNode in this transaction; re-validated
	// at commit.
	claimedKeys []string
}

// chainOp is one version-chain append scheduled for commit. Per-key, the
// last op wins.
type chainOp struct {
	key     string
	val     PropValue
	deleted bool
}

// txOverlay mirrors the delta's shape, scoped to one transaction.
type txOverlay struct {
	createdNodes map[NodeID]*pendingNode
	deletedNodes map[NodeID]struct{}
	nodeProps    map[NodeID]map[PropKeyID]propPatch
	edgeAdd      map[EdgeKey]struct{}
	edgeDel      map[EdgeKey]struct{}
	edgeProps    map[EdgeKey]map[PropKeyID]propPatch
	keyIndex     map[string]NodeID
	vectors      map[vecKey]vecPatch
}

type vecKey struct {
	node NodeID
	prop PropKeyID
}

type vecPatch struct {
	vec []float32
	del bool
}

func newOverlay() txOverlay {
	return txOverlay{
		createdNodes: make(map[NodeID]*pendingNode),
		deletedNodes: make(map[NodeID]struct{}),
		nodeProps:    make(map[NodeID]map[PropKeyID]propPatch),
		edgeAdd:      make(map[EdgeKey]struct{}),
		edgeDel:      make(map[EdgeKey]struct{}),
		edgeProps:    make(map[EdgeKey]map[PropKeyID]propPatch),
		keyIndex:     make(map[string]NodeID),
		vectors:      make(map[vecKey]vecPatch),
	}
}

// Begin starts a transaction at the current commit horizon.
func (e *Engine) Begin() (*Tx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	// A transaction reads at the last committed timestamp: commits are
	// assigned nextCommitTs and visibility is commitTs <= startTs, so a
	// commit landing after this begin is invisible to it.
	tx := &Tx{
		id:       e.txm.nextTxID,
		startTs:  e.txm.nextCommitTs - 1,
		status:   TxActive,
		eng:      e,
		writeSet: make(map[string]struct{}),
		overlay:  newOverlay(),
	}
	e.txm.nextTxID++
	e.txm.active[tx.id] = tx
	e.met.ActiveTxns.Set(float64(len(e.txm.active)))
	return tx, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() uint64 { return tx.id }

// StartTs returns the snapshot timestamp the transaction reads at.
func (tx *Tx) StartTs() uint64 { return tx.startTs }

func (tx *Tx) view() view {
	return view{ts: tx.startTs, overlay: &tx.overlay}
}

func (tx *Tx) buffer(typ RecordType, payload []byte) {
	tx.records = append(tx.records, walRecord{typ: typ, payload: payload})
}

func (tx *Tx) chain(key string, val PropValue, deleted bool) {
	tx.writeSet[key] = struct{}{}
	tx.chainOps = append(tx.chainOps, chainOp{key: key, val: val, deleted: deleted})
}

// DefineLabel interns a label name. Definitions are idempotent,
// auto-committed, and survive rollback of this transaction.
func (tx *Tx) DefineLabel(name string) (LabelID, error) {
	return tx.eng.DefineLabel(name)
}

// DefineEtype interns an edge-type name. Auto-committed.
func (tx *Tx) DefineEtype(name string) (ETypeID, error) {
	return tx.eng.DefineEtype(name)
}

// DefinePropKey interns a property-key name. Auto-committed.
func (tx *Tx) DefinePropKey(name string) (PropKeyID, error) {
	return tx.eng.DefinePropKey(name)
}

// CreateNode buffers a node creation and returns the assigned id. Unique
// keys are validated at write time against the transaction view, the
// delta, and the snapshot.
func (tx *Tx) CreateNode(key string, labels []LabelID, props map[PropKeyID]PropValue) (NodeID, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return 0, ErrTxClosed
	}

	if key != "" {
		if _, taken := tx.overlay.keyIndex[key]; taken {
			return 0, &KeyExistsError{Key: key}
		}
		if e.keyLiveLocked(key, tx.view()) {
			return 0, &KeyExistsError{Key: key}
		}
	}

	id := NodeID(e.nextNodeID)
	e.nextNodeID++

	// Deterministic property order in the WAL record.
	propOrder := make([]PropKeyID, 0, len(props))
	owned := make(map[PropKeyID]PropValue, len(props))
	for k, v := range props {
		propOrder = append(propOrder, k)
		owned[k] = v
	}
	sort.Slice(propOrder, func(i, j int) bool { return propOrder[i] < propOrder[j] })

	tx.buffer(RecCreateNode, encodeCreateNode(id, key, labels, owned, propOrder))
	tx.chain(nodeKey(id), Null(), false)
	if key != "" {
		tx.writeSet[uniqueKeyKey(key)] = struct{}{}
		tx.claimedKeys = append(tx.claimedKeys, key)
		tx.overlay.keyIndex[key] = id
	}
	for _, k := range propOrder {
		tx.chain(nodePropKey(id, k), owned[k], false)
	}

	pn := &pendingNode{key: key, labels: append([]LabelID(nil), labels...), props: owned}
	tx.overlay.createdNodes[id] = pn
	return id, nil
}

// DeleteNode buffers a node deletion. Returns false when the node is not
// visible to the transaction.
func (tx *Tx) DeleteNode(id NodeID) (bool, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return false, ErrTxClosed
	}
	if !e.nodeVisibleLocked(tx.view(), id) {
		return false, nil
	}

	tx.buffer(RecDeleteNode, encodeNodeID(id))
	tx.chain(nodeKey(id), Null(), true)
	if key, ok := e.nodeKeyLocked(tx.view(), id); ok {
		tx.writeSet[uniqueKeyKey(key)] = struct{}{}
		delete(tx.overlay.keyIndex, key)
	}

	if pn, ok := tx.overlay.createdNodes[id]; ok {
		delete(tx.overlay.createdNodes, id)
		if pn.key != "" {
			delete(tx.overlay.keyIndex, pn.key)
		}
	} else {
		tx.overlay.deletedNodes[id] = struct{}{}
	}
	delete(tx.overlay.nodeProps, id)
	for k := range tx.overlay.edgeAdd {
		if k.Src == id || k.Dst == id {
			delete(tx.overlay.edgeAdd, k)
		}
	}
	return true, nil
}

// AddEdge buffers an edge addition. Both endpoints must be visible. Adding
// an existing edge is a no-op.
func (tx *Tx) AddEdge(src NodeID, etype ETypeID, dst NodeID) error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	v := tx.view()
	if !e.nodeVisibleLocked(v, src) || !e.nodeVisibleLocked(v, dst) {
		return ErrNotFound
	}
	k := EdgeKey{Src: src, Etype: etype, Dst: dst}
	if e.edgeExistsLocked(v, k) {
		return nil
	}

	tx.buffer(RecAddEdge, encodeEdge(k))
	tx.chain(edgeKeyStr(k), Null(), false)
	delete(tx.overlay.edgeDel, k)
	tx.overlay.edgeAdd[k] = struct{}{}
	return nil
}

// DeleteEdge buffers an edge removal. Returns false when the edge is not
// visible.
func (tx *Tx) DeleteEdge(src NodeID, etype ETypeID, dst NodeID) (bool, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return false, ErrTxClosed
	}
	v := tx.view()
	k := EdgeKey{Src: src, Etype: etype, Dst: dst}
	if !e.edgeExistsLocked(v, k) {
		return false, nil
	}

	tx.buffer(RecDelEdge, encodeEdge(k))
	tx.chain(edgeKeyStr(k), Null(), true)
	delete(tx.overlay.edgeAdd, k)
	tx.overlay.edgeDel[k] = struct{}{}
	delete(tx.overlay.edgeProps, k)
	return true, nil
}

// SetNodeProp buffers a property write on a visible node. Vector-valued
// properties with a configured vector store are dimension-checked.
func (tx *Tx) SetNodeProp(id NodeID, key PropKeyID, val PropValue) error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	if !e.nodeVisibleLocked(tx.view(), id) {
		return ErrNotFound
	}
	if val.Kind == KindVector {
		if s, ok := e.vec.Get(uint32(key)); ok && len(val.Vec) != s.Dimensions() {
			return &vector.DimensionMismatchError{Expected: s.Dimensions(), Got: len(val.Vec)}
		}
	}

	tx.buffer(RecSetNodeProp, encodeNodeProp(id, key, &val))
	tx.chain(nodePropKey(id, key), val, false)
	if pn, ok := tx.overlay.createdNodes[id]; ok {
		pn.props[key] = val
	} else {
		m := tx.overlay.nodeProps[id]
		if m == nil {
			m = make(map[PropKeyID]propPatch)
			tx.overlay.nodeProps[id] = m
		}
		m[key] = propPatch{val: val}
	}
	return nil
}

// DelNodeProp buffers a property removal. Returns false when the property
// is absent under the transaction view.
func (tx *Tx) DelNodeProp(id NodeID, key PropKeyID) (bool, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return false, ErrTxClosed
	}
	v := tx.view()
	if !e.nodeVisibleLocked(v, id) {
		return false, nil
	}
	if _, err := e.nodePropLocked(v, id, key); err != nil {
		return false, nil
	}

	tx.buffer(RecDelNodeProp, encodeNodeProp(id, key, nil))
	tx.chain(nodePropKey(id, key), Null(), true)
	if pn, ok := tx.overlay.createdNodes[id]; ok {
		delete(pn.props, key)
	} else {
		m := tx.overlay.nodeProps[id]
		if m == nil {
			m = make(map[PropKeyID]propPatch)
			tx.overlay.nodeProps[id] = m
		}
		m[key] = propPatch{del: true}
	}
	return true, nil
}

// SetEdgeProp buffers an edge property write. The edge must be visible.
func (tx *Tx) SetEdgeProp(src NodeID, etype ETypeID, dst NodeID, key PropKeyID, val PropValue) error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	v := tx.view()
	k := EdgeKey{Src: src, Etype: etype, Dst: dst}
	if !e.edgeExistsLocked(v, k) {
		return ErrNotFound
	}

	tx.buffer(RecSetEdgeProp, encodeEdgeProp(k, key, &val))
	tx.chain(edgePropKeyStr(k, key), val, false)
	m := tx.overlay.edgeProps[k]
	if m == nil {
		m = make(map[PropKeyID]propPatch)
		tx.overlay.edgeProps[k] = m
	}
	m[key] = propPatch{val: val}
	return nil
}

// DelEdgeProp buffers an edge property removal.
func (tx *Tx) DelEdgeProp(src NodeID, etype ETypeID, dst NodeID, key PropKeyID) (bool, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return false, ErrTxClosed
	}
	v := tx.view()
	k := EdgeKey{Src: src, Etype: etype, Dst: dst}
	if !e.edgeExistsLocked(v, k) {
		return false, nil
	}
	if _, err := e.edgePropLocked(v, k, key); err != nil {
		return false, nil
	}

	tx.buffer(RecDelEdgeProp, encodeEdgeProp(k, key, nil))
	tx.chain(edgePropKeyStr(k, key), Null(), true)
	m := tx.overlay.edgeProps[k]
	if m == nil {
		m = make(map[PropKeyID]propPatch)
		tx.overlay.edgeProps[k] = m
	}
	m[key] = propPatch{del: true}
	return true, nil
}

// AddVector buffers a vector insert for the node under the given property
// key. The first vector for a key fixes the store's dimensionality.
func (tx *Tx) AddVector(id NodeID, key PropKeyID, vec []float32) error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	if len(vec) == 0 {
		return &InvalidArgumentError{Reason: "empty vector"}
	}
	if !e.nodeVisibleLocked(tx.view(), id) {
		return ErrNotFound
	}
	if s, ok := e.vec.Get(uint32(key)); ok && len(vec) != s.Dimensions() {
		return &vector.DimensionMismatchError{Expected: s.Dimensions(), Got: len(vec)}
	}

	tx.buffer(RecSetNodeVector, encodeNodeVector(id, key, vec))
	tx.writeSet["v:"+nodePropKey(id, key)] = struct{}{}
	tx.overlay.vectors[vecKey{node: id, prop: key}] = vecPatch{vec: append([]float32(nil), vec...)}
	return nil
}

// AddVectors buffers a bulk vector insert under one property key.
func (tx *Tx) AddVectors(key PropKeyID, nodes []NodeID, vecs [][]float32) error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	if len(nodes) != len(vecs) || len(nodes) == 0 {
		return &InvalidArgumentError{Reason: "mismatched batch lengths"}
	}
	dims := 0
	if s, ok := e.vec.Get(uint32(key)); ok {
		dims = s.Dimensions()
	} else {
		dims = len(vecs[0])
	}
	v := tx.view()
	for i, n := range nodes {
		if len(vecs[i]) != dims {
			return &vector.DimensionMismatchError{Expected: dims, Got: len(vecs[i])}
		}
		if !e.nodeVisibleLocked(v, n) {
			return ErrNotFound
		}
	}

	tx.buffer(RecBatchVectors, encodeBatchVectors(key, nodes, vecs))
	for i, n := range nodes {
		tx.writeSet["v:"+nodePropKey(n, key)] = struct{}{}
		tx.overlay.vectors[vecKey{node: n, prop: key}] = vecPatch{vec: append([]float32(nil), vecs[i]...)}
	}
	return nil
}

// DeleteVector buffers a vector tombstone. Returns false when the node has
// no vector under the key.
func (tx *Tx) DeleteVector(id NodeID, key PropKeyID) (bool, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return false, ErrTxClosed
	}
	if p, ok := tx.overlay.vectors[vecKey{node: id, prop: key}]; ok {
		if p.del {
			return false, nil
		}
	} else {
		s, ok := e.vec.Get(uint32(key))
		if !ok {
			return false, nil
		}
		if _, ok := s.Get(uint32(id)); !ok {
			return false, nil
		}
	}

	tx.buffer(RecDelNodeVector, encodeNodeVector(id, key, nil))
	tx.writeSet["v:"+nodePropKey(id, key)] = struct{}{}
	tx.overlay.vectors[vecKey{node: id, prop: key}] = vecPatch{del: true}
	return true, nil
}

// Commit runs conflict detection, durably logs the batch behind a commit
// barrier, appends version chains, and applies the batch to the delta. On
// conflict the transaction aborts and the delta is untouched.
func (tx *Tx) Commit() (uint64, error) {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return 0, ErrTxClosed
	}
	if e.closed {
		return 0, ErrClosed
	}

	if conflict := e.txm.checkConflict(tx); conflict != nil {
		tx.abortLocked()
		e.met.Conflicts.Inc()
		e.met.Aborts.Inc()
		return 0, conflict
	}

	// Unique keys claimed at write time could have been taken by a commit
	// that did not conflict on any chain key (created after this tx began
	// but validated before that commit landed is impossible — the "k:"
	// write-set entry catches it — so this re-check only guards replays
	// of the same key within the engine's latest state).
	for _, key := range tx.claimedKeys {
		if e.keyLiveLocked(key, view{ts: e.txm.nextCommitTs}) {
			tx.abortLocked()
			e.met.Aborts.Inc()
			return 0, &KeyExistsError{Key: key}
		}
	}

	if len(tx.records) == 0 {
		tx.status = TxCommitted
		e.txm.finishCommit(tx)
		e.met.ActiveTxns.Set(float64(len(e.txm.active)))
		return e.txm.nextCommitTs, nil
	}

	commitTs := e.txm.nextCommitTs
	if err := e.wal.AppendBatch(tx.records, commitTs); err != nil {
		// The batch may be partially buffered but has no barrier; it
		// will be discarded by replay. The delta was never touched.
		tx.abortLocked()
		e.met.Aborts.Inc()
		return 0, err
	}
	e.txm.nextCommitTs = commitTs + 1

	// Version chains first: base seeding reads the pre-batch state.
	// Fast path: with no overlapping transaction the delta alone is
	// authoritative and chain appends are skipped.
	if e.cfg.MVCC.Enabled && len(e.txm.active) > 1 {
		e.appendChainsLocked(tx, commitTs)
	}

	for _, rec := range tx.records {
		if err := e.applyRecord(rec); err != nil {
			// Records were validated at buffer time; failure here is
			// invariant breakage, not a user error.
			e.logr.Error().Err(err).Msg("commit apply failed")
			return 0, err
		}
	}

	tx.status = TxCommitted
	tx.commitTs = commitTs
	e.txm.indexWrites(tx, commitTs)
	e.txm.finishCommit(tx)
	e.met.Commits.Inc()
	e.met.ActiveTxns.Set(float64(len(e.txm.active)))
	e.met.DeltaOps.Set(float64(e.delta.Ops()))
	return commitTs, nil
}

// appendChainsLocked pushes one version per written key, last write wins,
// seeding base records from the pre-batch merged state.
func (e *Engine) appendChainsLocked(tx *Tx, commitTs uint64) {
	final := make(map[string]chainOp, len(tx.chainOps))
	order := make([]string, 0, len(tx.chainOps))
	for _, op := range tx.chainOps {
		if _, seen := final[op.key]; !seen {
			order = append(order, op.key)
		}
		final[op.key] = op
	}
	base := view{ts: e.txm.nextCommitTs} // latest committed state, pre-apply
	for _, key := range order {
		op := final[key]
		seed := e.seedFuncLocked(key, base)
		e.txm.appendVersion(op.key, op.val, op.deleted, tx.id, commitTs, seed)
	}
}

// Rollback discards the transaction. Aborting leaks no writes: nothing was
// applied to the delta or the WAL.
func (tx *Tx) Rollback() error {
	e := tx.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.status != TxActive {
		return ErrTxClosed
	}
	tx.abortLocked()
	e.met.Aborts.Inc()
	return nil
}

func (tx *Tx) abortLocked() {
	tx.status = TxAborted
	tx.records = nil
	tx.chainOps = nil
	tx.overlay = newOverlay()
	delete(tx.eng.txm.active, tx.id)
	tx.eng.met.ActiveTxns.Set(float64(len(tx.eng.txm.active)))
}
