package storage

// The delta overlay records every committed mutation since the last
// compaction. It is process-wide, mutated only under the engine's writer
// lock, and consulted read-only by the merged view. Nothing in the delta is
// persisted directly; durability comes from the WAL, and the compactor
// eventually folds the delta into the next snapshot generation.

// propPatch is a pending set or tombstone for one property.
type propPatch struct {
	val PropValue
	del bool
}

// EdgePatch is one pending edge addition or removal relative to a node.
type EdgePatch struct {
	Etype ETypeID
	Other NodeID
}

// pendingNode carries the full state of a node created after the snapshot.
type pendingNode struct {
	key    string
	labels []LabelID
	props  map[PropKeyID]PropValue
}

// dict assigns dense ids to names defined after the snapshot, continuing
// the snapshot's numbering. Definitions are durably logged the moment they
// are assigned, so replayed ids always arrive in dense order.
type dict struct {
	base   uint32
	byName map[string]uint32
	byID   map[uint32]string
	names  []string // in id order, for deterministic compaction
}

func newDict(base uint32) *dict {
	return &dict{
		base:   base,
		byName: make(map[string]uint32),
		byID:   make(map[uint32]string),
	}
}

// define interns a name, returning its id and whether it was new.
func (d *dict) define(name string) (uint32, bool) {
	if id, ok := d.byName[name]; ok {
		return id, false
	}
	id := d.base + uint32(len(d.names))
	d.byName[name] = id
	d.byID[id] = name
	d.names = append(d.names, name)
	return id, true
}

func (d *dict) lookup(name string) (uint32, bool) {
	id, ok := d.byName[name]
	return id, ok
}

func (d *dict) nameOf(id uint32) (string, bool) {
	name, ok := d.byID[id]
	return name, ok
}

// Delta is the in-memory overlay of post-snapshot state.
type Delta struct {
	deletedNodes map[NodeID]struct{}
	newNodes     map[NodeID]*pendingNode

	// Property patches for snapshot-resident entities. Created nodes keep
	// their properties inside pendingNode instead.
	nodeProps map[NodeID]map[PropKeyID]propPatch
	edgeProps map[EdgeKey]map[PropKeyID]propPatch

	outAdd map[NodeID][]EdgePatch
	outDel map[NodeID][]EdgePatch
	inAdd  map[NodeID][]EdgePatch
	inDel  map[NodeID][]EdgePatch

	keyIndex map[string]NodeID

	labels   *dict
	etypes   *dict
	propKeys *dict

	ops int64
}

func newDelta(snap *Snapshot) *Delta {
	return &Delta{
		deletedNodes: make(map[NodeID]struct{}),
		newNodes:     make(map[NodeID]*pendingNode),
		nodeProps:    make(map[NodeID]map[PropKeyID]propPatch),
		edgeProps:    make(map[EdgeKey]map[PropKeyID]propPatch),
		outAdd:       make(map[NodeID][]EdgePatch),
		outDel:       make(map[NodeID][]EdgePatch),
		inAdd:        make(map[NodeID][]EdgePatch),
		inDel:        make(map[NodeID][]EdgePatch),
		keyIndex:     make(map[string]NodeID),
		labels:       newDict(uint32(snap.NumLabels())),
		etypes:       newDict(uint32(snap.NumEtypes())),
		propKeys:     newDict(uint32(snap.NumPropKeys())),
	}
}

// Ops returns the number of mutations absorbed since the last compaction.
func (d *Delta) Ops() int64 { return d.ops }

func patchIndex(list []EdgePatch, etype ETypeID, other NodeID) int {
	for i, p := range list {
		if p.Etype == etype && p.Other == other {
			return i
		}
	}
	return -1
}

func removePatch(m map[NodeID][]EdgePatch, node NodeID, etype ETypeID, other NodeID) bool {
	list := m[node]
	i := patchIndex(list, etype, other)
	if i < 0 {
		return false
	}
	list[i] = list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(m, node)
	} else {
		m[node] = list
	}
	return true
}

func addPatch(m map[NodeID][]EdgePatch, node NodeID, etype ETypeID, other NodeID) {
	if patchIndex(m[node], etype, other) >= 0 {
		return
	}
	m[node] = append(m[node], EdgePatch{Etype: etype, Other: other})
}

// CreateNode records a new node. The caller has already validated key
// uniqueness against snapshot and delta.
func (d *Delta) CreateNode(id NodeID, key string, labels []LabelID, props map[PropKeyID]PropValue) {
	pn := &pendingNode{key: key, labels: labels, props: make(map[PropKeyID]PropValue, len(props))}
	for k, v := range props {
		pn.props[k] = v
	}
	d.newNodes[id] = pn
	if key != "" {
		d.keyIndex[key] = id
	}
	d.ops++
}

// DeleteNode removes a node from the merged view. A node created in the
// delta collapses to "never existed"; a snapshot node gets a tombstone that
// shadows all of its snapshot state. Pending edge patches touching the node
// are purged either way.
func (d *Delta) DeleteNode(id NodeID, inSnapshot bool, key string) {
	if pn, ok := d.newNodes[id]; ok {
		delete(d.newNodes, id)
		if pn.key != "" {
			delete(d.keyIndex, pn.key)
		}
	} else if inSnapshot {
		d.deletedNodes[id] = struct{}{}
		if key != "" {
			// Shadow the snapshot key so it can be reused.
			delete(d.keyIndex, key)
		}
	}
	d.purgeEdgePatches(id)
	delete(d.nodeProps, id)
	d.ops++
}

// purgeEdgePatches drops every pending patch that references the node on
// either side.
func (d *Delta) purgeEdgePatches(id NodeID) {
	drop := func(own, mirror map[NodeID][]EdgePatch, ownIsSrc bool) {
		for _, p := range own[id] {
			removePatch(mirror, p.Other, p.Etype, id)
			var k EdgeKey
			if ownIsSrc {
				k = EdgeKey{Src: id, Etype: p.Etype, Dst: p.Other}
			} else {
				k = EdgeKey{Src: p.Other, Etype: p.Etype, Dst: id}
			}
			delete(d.edgeProps, k)
		}
		delete(own, id)
	}
	drop(d.outAdd, d.inAdd, true)
	drop(d.outDel, d.inDel, true)
	drop(d.inAdd, d.outAdd, false)
	drop(d.inDel, d.outDel, false)
}

// NodeDeleted reports whether the id carries a delta tombstone.
func (d *Delta) NodeDeleted(id NodeID) bool {
	_, ok := d.deletedNodes[id]
	return ok
}

// NewNode returns the pending state of a delta-created node.
func (d *Delta) NewNode(id NodeID) (*pendingNode, bool) {
	pn, ok := d.newNodes[id]
	return pn, ok
}

// NodeByKey resolves a key against the delta key index.
func (d *Delta) NodeByKey(key string) (NodeID, bool) {
	id, ok := d.keyIndex[key]
	return id, ok
}

// KeyShadowed reports whether a snapshot node's key is shadowed because the
// node was deleted in the delta.
func (d *Delta) KeyShadowed(owner NodeID) bool {
	return d.NodeDeleted(owner)
}

// AddEdge records an edge addition with coalescing: re-adding a tombstoned
// snapshot edge cancels the tombstone instead of creating a patch pair.
func (d *Delta) AddEdge(src NodeID, etype ETypeID, dst NodeID, inSnapshot bool) {
	if removePatch(d.outDel, src, etype, dst) {
		removePatch(d.inDel, dst, etype, src)
		d.ops++
		return
	}
	if inSnapshot {
		// Already present and not tombstoned.
		return
	}
	addPatch(d.outAdd, src, etype, dst)
	addPatch(d.inAdd, dst, etype, src)
	d.ops++
}

// DelEdge records an edge removal. An edge added in the delta collapses to
// nothing; a snapshot edge gets a tombstone in both directions.
func (d *Delta) DelEdge(src NodeID, etype ETypeID, dst NodeID, inSnapshot bool) {
	if removePatch(d.outAdd, src, etype, dst) {
		removePatch(d.inAdd, dst, etype, src)
		delete(d.edgeProps, EdgeKey{Src: src, Etype: etype, Dst: dst})
		d.ops++
		return
	}
	if !inSnapshot {
		return
	}
	addPatch(d.outDel, src, etype, dst)
	addPatch(d.inDel, dst, etype, src)
	delete(d.edgeProps, EdgeKey{Src: src, Etype: etype, Dst: dst})
	d.ops++
}

// edgeState is the delta's verdict on one edge triple.
type edgeState uint8

const (
	edgeUnknown edgeState = iota // delta has no opinion; consult the snapshot
	edgeAdded
	edgeDeleted
)

// EdgeState reports the delta's knowledge of an edge.
func (d *Delta) EdgeState(src NodeID, etype ETypeID, dst NodeID) edgeState {
	if patchIndex(d.outAdd[src], etype, dst) >= 0 {
		return edgeAdded
	}
	if patchIndex(d.outDel[src], etype, dst) >= 0 {
		return edgeDeleted
	}
	return edgeUnknown
}

// SetNodeProp records a property write. Created nodes mutate their pending
// state directly; snapshot nodes get a patch.
func (d *Delta) SetNodeProp(id NodeID, key PropKeyID, val PropValue) {
	if pn, ok := d.newNodes[id]; ok {
		pn.props[key] = val
	} else {
		m := d.nodeProps[id]
		if m == nil {
			m = make(map[PropKeyID]propPatch)
			d.nodeProps[id] = m
		}
		m[key] = propPatch{val: val}
	}
	d.ops++
}

// DelNodeProp records a property removal.
func (d *Delta) DelNodeProp(id NodeID, key PropKeyID) {
	if pn, ok := d.newNodes[id]; ok {
		delete(pn.props, key)
	} else {
		m := d.nodeProps[id]
		if m == nil {
			m = make(map[PropKeyID]propPatch)
			d.nodeProps[id] = m
		}
		m[key] = propPatch{del: true}
	}
	d.ops++
}

// NodePropPatch returns the delta's patch for (id, key), if any.
func (d *Delta) NodePropPatch(id NodeID, key PropKeyID) (propPatch, bool) {
	if pn, ok := d.newNodes[id]; ok {
		v, ok := pn.props[key]
		if !ok {
			return propPatch{del: true}, true
		}
		return propPatch{val: v}, true
	}
	p, ok := d.nodeProps[id][key]
	return p, ok
}

// SetEdgeProp records an edge property write.
func (d *Delta) SetEdgeProp(k EdgeKey, key PropKeyID, val PropValue) {
	m := d.edgeProps[k]
	if m == nil {
		m = make(map[PropKeyID]propPatch)
		d.edgeProps[k] = m
	}
	m[key] = propPatch{val: val}
	d.ops++
}

// DelEdgeProp records an edge property removal.
func (d *Delta) DelEdgeProp(k EdgeKey, key PropKeyID) {
	m := d.edgeProps[k]
	if m == nil {
		m = make(map[PropKeyID]propPatch)
		d.edgeProps[k] = m
	}
	m[key] = propPatch{del: true}
	d.ops++
}

// EdgePropPatch returns the delta's patch for an edge property, if any.
func (d *Delta) EdgePropPatch(k EdgeKey, key PropKeyID) (propPatch, bool) {
	p, ok := d.edgeProps[k][key]
	return p, ok
}

// DefineLabel interns a label name, checking the snapshot table first.
func (d *Delta) DefineLabel(snap *Snapshot, name string) (LabelID, bool) {
	if id, ok := snap.LookupLabel(name); ok {
		return id, false
	}
	id, created := d.labels.define(name)
	if created {
		d.ops++
	}
	return LabelID(id), created
}

// DefineEtype interns an etype name.
func (d *Delta) DefineEtype(snap *Snapshot, name string) (ETypeID, bool) {
	if id, ok := snap.LookupEtype(name); ok {
		return id, false
	}
	id, created := d.etypes.define(name)
	if created {
		d.ops++
	}
	return ETypeID(id), created
}

// DefinePropKey interns a property-key name.
func (d *Delta) DefinePropKey(snap *Snapshot, name string) (PropKeyID, bool) {
	if id, ok := snap.LookupPropKey(name); ok {
		return id, false
	}
	id, created := d.propKeys.define(name)
	if created {
		d.ops++
	}
	return PropKeyID(id), created
}
