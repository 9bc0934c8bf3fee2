package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// snapshotModel is the fully merged logical image the compactor assembles
// before serialization. Construction order is deterministic given the inputs
// so back-to-back compactions of the same state produce byte-identical files
// (generation aside).
type snapshotModel struct {
	generation   uint64
	nextNodeID   uint64
	nextCommitTs uint64

	strings *stringArena

	// Name tables indexed by id; values are arena string ids.
	labels   []uint32
	etypes   []uint32
	propKeys []uint32

	// Nodes indexed by new PhysNode.
	nodeIDs  []NodeID
	keySids  []uint32 // noString when keyless
	nodeLabels [][]LabelID

	out [][]modelEdge
	in  [][]modelEdge

	nodeProps []nodePropRec
	edgeProps []edgePropRec

	vectorManifest []byte
	vectorFragment []byte
	vectorIndex    []byte
	vectorNodeMap  []byte
}

type modelEdge struct {
	etype ETypeID
	other PhysNode
}

type nodePropRec struct {
	phys PhysNode
	key  PropKeyID
	val  PropValue
}

type edgePropRec struct {
	src   PhysNode
	etype ETypeID
	dst   PhysNode
	key   PropKeyID
	val   PropValue
}

// stringArena bump-allocates deduplicated strings and assigns dense ids in
// insertion order.
type stringArena struct {
	bytes []byte
	offs  []uint32
	ids   map[string]uint32
}

func newStringArena() *stringArena {
	return &stringArena{offs: []uint32{0}, ids: make(map[string]uint32)}
}

func (a *stringArena) intern(s string) uint32 {
	if id, ok := a.ids[s]; ok {
		return id
	}
	id := uint32(len(a.offs) - 1)
	a.bytes = append(a.bytes, s...)
	a.offs = append(a.offs, uint32(len(a.bytes)))
	a.ids[s] = id
	return id
}

// sectionWriter accumulates sections and lays out the file.
type sectionWriter struct {
	body     []byte
	entries  []sectionEntry
}

type sectionEntry struct {
	id  SectionID
	off uint64
	len uint64
	sum uint64
}

func (w *sectionWriter) add(id SectionID, payload []byte) {
	w.entries = append(w.entries, sectionEntry{
		id:  id,
		off: uint64(headerSize + len(w.body)),
		len: uint64(len(payload)),
		sum: xxhash.Sum64(payload),
	})
	w.body = append(w.body, payload...)
}

func encodeCountedU32s(vals []uint32) []byte {
	var e encoder
	e.U32(uint32(len(vals)))
	for _, v := range vals {
		e.U32(v)
	}
	return e.buf
}

// writeSnapshot serializes the model to path via temp file, fsync, and
// atomic rename.
func writeSnapshot(path string, m *snapshotModel) error {
	var w sectionWriter

	w.add(SecStringBytes, m.strings.bytes)
	w.add(SecStringOffsets, encodeCountedU32s(m.strings.offs))
	w.add(SecLabels, encodeCountedU32s(m.labels))
	w.add(SecEtypes, encodeCountedU32s(m.etypes))
	w.add(SecPropKeys, encodeCountedU32s(m.propKeys))

	// NodeID↔phys mapping. The id→phys side is sorted by NodeID for
	// binary search.
	type pair struct {
		id   NodeID
		phys PhysNode
	}
	pairs := make([]pair, len(m.nodeIDs))
	physToID := make([]uint32, len(m.nodeIDs))
	for phys, id := range m.nodeIDs {
		pairs[phys] = pair{id: id, phys: PhysNode(phys)}
		physToID[phys] = uint32(id)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	flat := make([]uint32, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, uint32(p.id), uint32(p.phys))
	}
	w.add(SecNodeIDToPhys, encodeCountedU32s(flat))
	w.add(SecPhysToNodeID, encodeCountedU32s(physToID))
	w.add(SecNodeKeyString, encodeCountedU32s(m.keySids))

	outOffs, outEtypes, outDsts := flattenCSR(m.out)
	w.add(SecOutOffsets, encodeCountedU32s(outOffs))
	w.add(SecOutEtype, encodeCountedU32s(outEtypes))
	w.add(SecOutDst, encodeCountedU32s(outDsts))

	flags := uint32(0)
	if m.in != nil {
		flags |= flagHasInCSR
		inOffs, inEtypes, inSrcs := flattenCSR(m.in)
		w.add(SecInOffsets, encodeCountedU32s(inOffs))
		w.add(SecInSrc, encodeCountedU32s(inSrcs))
		w.add(SecInEtype, encodeCountedU32s(inEtypes))
	}

	w.add(SecNodeProps, encodeNodeProps(m.nodeProps))
	w.add(SecEdgeProps, encodeEdgeProps(m.edgeProps))

	w.add(SecVectorManifest, m.vectorManifest)
	w.add(SecVectorFragment, m.vectorFragment)
	w.add(SecVectorIndex, m.vectorIndex)
	w.add(SecVectorNodeMap, m.vectorNodeMap)

	w.add(SecNodeLabels, encodeNodeLabels(m.nodeLabels))

	// Assemble file: header, section bodies, section table.
	tableOff := uint64(headerSize + len(w.body))
	totalLen := tableOff + 4 + uint64(len(w.entries))*sectionEntrySize

	file := make([]byte, 0, totalLen)
	file = append(file, snapshotMagic...)
	file = binary.LittleEndian.AppendUint32(file, snapshotVersion)
	file = binary.LittleEndian.AppendUint32(file, flags)
	file = binary.LittleEndian.AppendUint64(file, m.generation)
	file = binary.LittleEndian.AppendUint64(file, totalLen)
	file = binary.LittleEndian.AppendUint64(file, tableOff)
	file = binary.LittleEndian.AppendUint64(file, m.nextNodeID)
	file = binary.LittleEndian.AppendUint64(file, m.nextCommitTs)
	file = append(file, w.body...)
	file = binary.LittleEndian.AppendUint32(file, uint32(len(w.entries)))
	for _, e := range w.entries {
		file = binary.LittleEndian.AppendUint16(file, uint16(e.id))
		file = append(file, 0, 0, 0, 0, 0, 0)
		file = binary.LittleEndian.AppendUint64(file, e.off)
		file = binary.LittleEndian.AppendUint64(file, e.len)
		file = binary.LittleEndian.AppendUint64(file, e.sum)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ioErr("create", tmp, err)
	}
	if _, err := f.Write(file); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioErr("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ioErr("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ioErr("rename", tmp, err)
	}
	return syncDir(filepath.Dir(path))
}

func flattenCSR(adj [][]modelEdge) (offs, etypes, others []uint32) {
	offs = make([]uint32, 0, len(adj)+1)
	offs = append(offs, 0)
	total := 0
	for _, edges := range adj {
		total += len(edges)
		offs = append(offs, uint32(total))
	}
	etypes = make([]uint32, 0, total)
	others = make([]uint32, 0, total)
	for _, edges := range adj {
		for _, e := range edges {
			etypes = append(etypes, uint32(e.etype))
			others = append(others, uint32(e.other))
		}
	}
	return offs, etypes, others
}

func encodeNodeProps(recs []nodePropRec) []byte {
	var e encoder
	e.U32(uint32(len(recs)))
	for _, r := range recs {
		e.U32(uint32(r.phys))
		e.U32(uint32(r.key))
		e.Value(r.val)
	}
	return e.buf
}

func encodeEdgeProps(recs []edgePropRec) []byte {
	var e encoder
	e.U32(uint32(len(recs)))
	for _, r := range recs {
		e.U32(uint32(r.src))
		e.U32(uint32(r.etype))
		e.U32(uint32(r.dst))
		e.U32(uint32(r.key))
		e.Value(r.val)
	}
	return e.buf
}

func encodeNodeLabels(perNode [][]LabelID) []byte {
	var e encoder
	e.U32(uint32(len(perNode)))
	total := 0
	e.U32(0)
	for _, labels := range perNode {
		total += len(labels)
		e.U32(uint32(total))
	}
	e.U32(uint32(total))
	for _, labels := range perNode {
		for _, l := range labels {
			e.U32(uint32(l))
		}
	}
	return e.buf
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErr("open", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioErr("fsync", dir, err)
	}
	return nil
}
