package storage

import (
	"fmt"
)

// WAL payload encoding and the shared apply path. A transaction buffers
// encoded records; commit writes them to the WAL and then applies them
// through the same applyRecord used by replay. One code path means the
// state produced by replaying a committed prefix is the state the commits
// produced directly.

func encodeDefine(id uint32, name string) []byte {
	var e encoder
	e.U32(id)
	e.Str(name)
	return e.buf
}

func encodeCreateNode(id NodeID, key string, labels []LabelID, props map[PropKeyID]PropValue, propOrder []PropKeyID) []byte {
	var e encoder
	e.U32(uint32(id))
	e.Str(key)
	e.U16(uint16(len(labels)))
	for _, l := range labels {
		e.U32(uint32(l))
	}
	e.U16(uint16(len(propOrder)))
	for _, k := range propOrder {
		e.U32(uint32(k))
		e.Value(props[k])
	}
	return e.buf
}

func encodeNodeID(id NodeID) []byte {
	var e encoder
	e.U32(uint32(id))
	return e.buf
}

func encodeNodeProp(id NodeID, key PropKeyID, val *PropValue) []byte {
	var e encoder
	e.U32(uint32(id))
	e.U32(uint32(key))
	if val != nil {
		e.Value(*val)
	}
	return e.buf
}

func encodeEdge(k EdgeKey) []byte {
	var e encoder
	e.U32(uint32(k.Src))
	e.U32(uint32(k.Etype))
	e.U32(uint32(k.Dst))
	return e.buf
}

func encodeEdgeProp(k EdgeKey, key PropKeyID, val *PropValue) []byte {
	var e encoder
	e.U32(uint32(k.Src))
	e.U32(uint32(k.Etype))
	e.U32(uint32(k.Dst))
	e.U32(uint32(key))
	if val != nil {
		e.Value(*val)
	}
	return e.buf
}

func encodeNodeVector(id NodeID, key PropKeyID, vec []float32) []byte {
	var e encoder
	e.U32(uint32(id))
	e.U32(uint32(key))
	if vec != nil {
		e.F32s(vec)
	}
	return e.buf
}

func encodeBatchVectors(key PropKeyID, nodes []NodeID, vecs [][]float32) []byte {
	var e encoder
	e.U32(uint32(key))
	e.U32(uint32(len(nodes)))
	for i, n := range nodes {
		e.U32(uint32(n))
		e.F32s(vecs[i])
	}
	return e.buf
}

func encodePropKeyOnly(key PropKeyID) []byte {
	var e encoder
	e.U32(uint32(key))
	return e.buf
}

func encodeCompactFragments(key PropKeyID, ids []uint64) []byte {
	var e encoder
	e.U32(uint32(key))
	e.U32(uint32(len(ids)))
	for _, id := range ids {
		e.U64(id)
	}
	return e.buf
}

// applyRecord applies one committed operation record to the delta and the
// vector registry. Called with the writer lock held, both at commit time
// and during WAL replay. It performs no validation: records were validated
// when they were buffered.
func (e *Engine) applyRecord(rec walRecord) error {
	d := newDecoder(rec.payload)
	switch rec.typ {
	case RecDefineLabel:
		id := d.U32()
		name := d.Str()
		got, _ := e.delta.DefineLabel(e.snap, name)
		if uint32(got) != id {
			return fmt.Errorf("raydb: label %q replayed as id %d, logged as %d", name, got, id)
		}
	case RecDefineEtype:
		id := d.U32()
		name := d.Str()
		got, _ := e.delta.DefineEtype(e.snap, name)
		if uint32(got) != id {
			return fmt.Errorf("raydb: etype %q replayed as id %d, logged as %d", name, got, id)
		}
	case RecDefinePropKey:
		id := d.U32()
		name := d.Str()
		got, _ := e.delta.DefinePropKey(e.snap, name)
		if uint32(got) != id {
			return fmt.Errorf("raydb: propkey %q replayed as id %d, logged as %d", name, got, id)
		}

	case RecCreateNode:
		id := NodeID(d.U32())
		key := d.Str()
		nLabels := int(d.U16())
		labels := make([]LabelID, nLabels)
		for i := range labels {
			labels[i] = LabelID(d.U32())
		}
		nProps := int(d.U16())
		props := make(map[PropKeyID]PropValue, nProps)
		for i := 0; i < nProps; i++ {
			k := PropKeyID(d.U32())
			props[k] = d.Value()
		}
		e.delta.CreateNode(id, key, labels, props)
		if uint64(id) >= e.nextNodeID {
			e.nextNodeID = uint64(id) + 1
		}

	case RecDeleteNode:
		id := NodeID(d.U32())
		inSnap := e.snap.PhysOf(id) != PhysNone
		key := ""
		if inSnap {
			key, _ = e.snap.KeyOf(e.snap.PhysOf(id))
		}
		e.delta.DeleteNode(id, inSnap, key)
		// Tombstoned nodes drop their vectors in every store.
		for _, pk := range e.vec.Keys() {
			if s, ok := e.vec.Get(pk); ok {
				s.Delete(uint32(id))
			}
		}

	case RecSetNodeProp:
		id := NodeID(d.U32())
		key := PropKeyID(d.U32())
		e.delta.SetNodeProp(id, key, d.Value())
	case RecDelNodeProp:
		id := NodeID(d.U32())
		key := PropKeyID(d.U32())
		e.delta.DelNodeProp(id, key)

	case RecAddEdge:
		k := EdgeKey{Src: NodeID(d.U32()), Etype: ETypeID(d.U32()), Dst: NodeID(d.U32())}
		e.delta.AddEdge(k.Src, k.Etype, k.Dst, e.snapshotHasEdge(k))
	case RecDelEdge:
		k := EdgeKey{Src: NodeID(d.U32()), Etype: ETypeID(d.U32()), Dst: NodeID(d.U32())}
		e.delta.DelEdge(k.Src, k.Etype, k.Dst, e.snapshotHasEdge(k))

	case RecSetEdgeProp:
		k := EdgeKey{Src: NodeID(d.U32()), Etype: ETypeID(d.U32()), Dst: NodeID(d.U32())}
		key := PropKeyID(d.U32())
		e.delta.SetEdgeProp(k, key, d.Value())
	case RecDelEdgeProp:
		k := EdgeKey{Src: NodeID(d.U32()), Etype: ETypeID(d.U32()), Dst: NodeID(d.U32())}
		key := PropKeyID(d.U32())
		e.delta.DelEdgeProp(k, key)

	case RecSetNodeVector:
		id := d.U32()
		key := d.U32()
		vec := d.F32Slice()
		if d.failed() {
			return &CorruptWALRecordError{Segment: rec.segment, Offset: rec.offset, Reason: "malformed vector payload"}
		}
		s, err := e.vec.Ensure(key, len(vec))
		if err != nil {
			return err
		}
		if _, err := s.Insert(id, vec); err != nil {
			return err
		}
		if e.met != nil {
			e.met.VectorInserts.Inc()
		}
	case RecDelNodeVector:
		id := d.U32()
		key := d.U32()
		if s, ok := e.vec.Get(key); ok {
			s.Delete(id)
		}
	case RecBatchVectors:
		key := d.U32()
		count := int(d.U32())
		for i := 0; i < count; i++ {
			id := d.U32()
			vec := d.F32Slice()
			if d.failed() {
				return &CorruptWALRecordError{Segment: rec.segment, Offset: rec.offset, Reason: "malformed vector batch"}
			}
			s, err := e.vec.Ensure(key, len(vec))
			if err != nil {
				return err
			}
			if _, err := s.Insert(id, vec); err != nil {
				return err
			}
			if e.met != nil {
				e.met.VectorInserts.Inc()
			}
		}
	case RecSealFragment:
		key := d.U32()
		if s, ok := e.vec.Get(key); ok {
			s.SealActive()
		}
	case RecCompactFragments:
		key := d.U32()
		n := int(d.U32())
		ids := make([]uint64, n)
		for i := range ids {
			ids[i] = d.U64()
		}
		if s, ok := e.vec.Get(key); ok {
			if _, err := s.CompactFragments(ids); err != nil {
				return err
			}
		}

	default:
		return &CorruptWALRecordError{Segment: rec.segment, Offset: rec.offset,
			Reason: fmt.Sprintf("unknown record type %d", rec.typ)}
	}
	if d.failed() {
		return &CorruptWALRecordError{Segment: rec.segment, Offset: rec.offset, Reason: "malformed payload"}
	}
	return nil
}

// snapshotHasEdge reports raw snapshot membership of the triple, ignoring
// the delta.
func (e *Engine) snapshotHasEdge(k EdgeKey) bool {
	srcPhys := e.snap.PhysOf(k.Src)
	dstPhys := e.snap.PhysOf(k.Dst)
	if srcPhys == PhysNone || dstPhys == PhysNone {
		return false
	}
	return e.snap.HasOutEdge(srcPhys, k.Etype, dstPhys)
}
