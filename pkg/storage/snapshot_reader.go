package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
)

// Snapshot is the read-only, memory-mapped view of one snapshot generation.
//
// All heavyweight state lives in the mapped file; the in-memory struct holds
// section offsets plus a few small derived maps (name tables, the key index,
// property record offsets). Accessors return views into the mapping without
// copying. A Snapshot is immutable and safe for concurrent readers.
type Snapshot struct {
	path string
	mm   mmap.MMap
	data []byte

	generation   uint64
	flags        uint32
	nextNodeID   uint64
	nextCommitTs uint64

	sections map[SectionID]sectionRef

	numStrings int
	numNodes   int
	numOut     int
	numIn      int

	// Derived at open. Small relative to the mapped data.
	labelByName   map[string]LabelID
	etypeByName   map[string]ETypeID
	propKeyByName map[string]PropKeyID
	keyToNode     map[string]NodeID
	nodePropOff   map[uint64]int32
	edgePropOff   map[edgePropKey]int32
}

type sectionRef struct {
	off int64
	len int64
}

type edgePropKey struct {
	src   PhysNode
	etype ETypeID
	dst   PhysNode
	key   PropKeyID
}

// u32view reads a little-endian u32 array embedded in a section payload.
type u32view []byte

func (v u32view) at(i int) uint32 {
	return binary.LittleEndian.Uint32(v[i*4:])
}

func (v u32view) len() int { return len(v) / 4 }

// emptySnapshot stands in before the first compaction writes a file.
func emptySnapshot() *Snapshot {
	return &Snapshot{
		nextNodeID:   1,
		nextCommitTs: 1,
		sections:     map[SectionID]sectionRef{},
	}
}

// OpenSnapshot maps the snapshot file read-only and validates every
// section's checksum. Any malformed region fails with CorruptSectionError;
// the reader never proceeds on damaged input.
func OpenSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, ioErr("stat", path, err)
	}
	if fi.Size() < headerSize {
		return nil, &CorruptSectionError{Section: SecHeader, Offset: 0, Reason: "file shorter than header"}
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, ioErr("mmap", path, err)
	}

	s := &Snapshot{path: path, mm: mapped, data: mapped}
	if err := s.parse(); err != nil {
		_ = mapped.Unmap()
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) parse() error {
	d := s.data
	if string(d[:16]) != snapshotMagic {
		return &CorruptSectionError{Section: SecHeader, Offset: 0, Reason: "bad magic"}
	}
	version := binary.LittleEndian.Uint32(d[16:])
	if version != snapshotVersion {
		return &CorruptSectionError{Section: SecHeader, Offset: 16,
			Reason: fmt.Sprintf("unsupported format version %d", version)}
	}
	s.flags = binary.LittleEndian.Uint32(d[20:])
	s.generation = binary.LittleEndian.Uint64(d[24:])
	totalLen := binary.LittleEndian.Uint64(d[32:])
	tableOff := binary.LittleEndian.Uint64(d[40:])
	s.nextNodeID = binary.LittleEndian.Uint64(d[48:])
	s.nextCommitTs = binary.LittleEndian.Uint64(d[56:])

	if totalLen != uint64(len(d)) {
		return &CorruptSectionError{Section: SecHeader, Offset: 32,
			Reason: fmt.Sprintf("total length %d != file size %d", totalLen, len(d))}
	}
	if tableOff+4 > uint64(len(d)) {
		return &CorruptSectionError{Section: SecHeader, Offset: 40, Reason: "section table offset out of range"}
	}

	count := binary.LittleEndian.Uint32(d[tableOff:])
	entriesEnd := tableOff + 4 + uint64(count)*sectionEntrySize
	if entriesEnd > uint64(len(d)) {
		return &CorruptSectionError{Section: SecHeader, Offset: int64(tableOff), Reason: "section table truncated"}
	}

	s.sections = make(map[SectionID]sectionRef, count)
	for i := uint32(0); i < count; i++ {
		e := d[tableOff+4+uint64(i)*sectionEntrySize:]
		id := SectionID(binary.LittleEndian.Uint16(e))
		off := binary.LittleEndian.Uint64(e[8:])
		length := binary.LittleEndian.Uint64(e[16:])
		sum := binary.LittleEndian.Uint64(e[24:])
		if off+length > uint64(len(d)) {
			return &CorruptSectionError{Section: id, Offset: int64(off), Reason: "section extends past end of file"}
		}
		if got := xxhash.Sum64(d[off : off+length]); got != sum {
			return &CorruptSectionError{Section: id, Offset: int64(off),
				Reason: fmt.Sprintf("checksum mismatch: got %016x want %016x", got, sum)}
		}
		s.sections[id] = sectionRef{off: int64(off), len: int64(length)}
	}

	return s.buildDerived()
}

func (s *Snapshot) section(id SectionID) ([]byte, bool) {
	ref, ok := s.sections[id]
	if !ok {
		return nil, false
	}
	return s.data[ref.off : ref.off+ref.len], true
}

// countedU32s parses a section laid out as u32 count + count u32 entries.
func (s *Snapshot) countedU32s(id SectionID) (u32view, error) {
	body, ok := s.section(id)
	if !ok {
		return nil, &CorruptSectionError{Section: id, Offset: 0, Reason: "section missing"}
	}
	if len(body) < 4 {
		return nil, &CorruptSectionError{Section: id, Offset: 0, Reason: "section shorter than count"}
	}
	n := int(binary.LittleEndian.Uint32(body))
	if len(body) != 4+n*4 {
		return nil, &CorruptSectionError{Section: id, Offset: 0,
			Reason: fmt.Sprintf("expected %d entries, section holds %d bytes", n, len(body)-4)}
	}
	return u32view(body[4:]), nil
}

func (s *Snapshot) buildDerived() error {
	strOffs, err := s.countedU32s(SecStringOffsets)
	if err != nil {
		return err
	}
	s.numStrings = strOffs.len() - 1
	if s.numStrings < 0 {
		s.numStrings = 0
	}

	phys2node, err := s.countedU32s(SecPhysToNodeID)
	if err != nil {
		return err
	}
	s.numNodes = phys2node.len()

	outOffs, err := s.countedU32s(SecOutOffsets)
	if err != nil {
		return err
	}
	if s.numNodes > 0 && outOffs.len() != s.numNodes+1 {
		return &CorruptSectionError{Section: SecOutOffsets, Offset: 0,
			Reason: fmt.Sprintf("offset array holds %d entries for %d nodes", outOffs.len(), s.numNodes)}
	}
	if outOffs.len() > 0 {
		s.numOut = int(outOffs.at(outOffs.len() - 1))
	}
	if s.hasInCSR() {
		inOffs, err := s.countedU32s(SecInOffsets)
		if err != nil {
			return err
		}
		if inOffs.len() > 0 {
			s.numIn = int(inOffs.at(inOffs.len() - 1))
		}
	}

	// Name tables.
	s.labelByName = make(map[string]LabelID)
	s.etypeByName = make(map[string]ETypeID)
	s.propKeyByName = make(map[string]PropKeyID)
	labels, err := s.countedU32s(SecLabels)
	if err != nil {
		return err
	}
	for i := 0; i < labels.len(); i++ {
		s.labelByName[s.StringOf(labels.at(i))] = LabelID(i)
	}
	etypes, err := s.countedU32s(SecEtypes)
	if err != nil {
		return err
	}
	for i := 0; i < etypes.len(); i++ {
		s.etypeByName[s.StringOf(etypes.at(i))] = ETypeID(i)
	}
	propKeys, err := s.countedU32s(SecPropKeys)
	if err != nil {
		return err
	}
	for i := 0; i < propKeys.len(); i++ {
		s.propKeyByName[s.StringOf(propKeys.at(i))] = PropKeyID(i)
	}

	// Key index.
	keySids, err := s.countedU32s(SecNodeKeyString)
	if err != nil {
		return err
	}
	s.keyToNode = make(map[string]NodeID)
	for phys := 0; phys < keySids.len(); phys++ {
		sid := keySids.at(phys)
		if sid != noString {
			s.keyToNode[s.StringOf(sid)] = s.NodeIDOf(PhysNode(phys))
		}
	}

	// Property record offsets.
	if err := s.indexNodeProps(); err != nil {
		return err
	}
	return s.indexEdgeProps()
}

func (s *Snapshot) indexNodeProps() error {
	body, ok := s.section(SecNodeProps)
	if !ok {
		return &CorruptSectionError{Section: SecNodeProps, Offset: 0, Reason: "section missing"}
	}
	d := newDecoder(body)
	count := int(d.U32())
	s.nodePropOff = make(map[uint64]int32, count)
	for i := 0; i < count; i++ {
		phys := d.U32()
		key := d.U32()
		valOff := int32(d.off)
		d.Value()
		if d.failed() {
			return &CorruptSectionError{Section: SecNodeProps, Offset: int64(valOff), Reason: "truncated property record"}
		}
		s.nodePropOff[uint64(phys)<<32|uint64(key)] = valOff
	}
	if d.remaining() != 0 {
		return &CorruptSectionError{Section: SecNodeProps, Offset: int64(d.off), Reason: "trailing bytes after property records"}
	}
	return nil
}

func (s *Snapshot) indexEdgeProps() error {
	body, ok := s.section(SecEdgeProps)
	if !ok {
		return &CorruptSectionError{Section: SecEdgeProps, Offset: 0, Reason: "section missing"}
	}
	d := newDecoder(body)
	count := int(d.U32())
	s.edgePropOff = make(map[edgePropKey]int32, count)
	for i := 0; i < count; i++ {
		src := PhysNode(d.U32())
		et := ETypeID(d.U32())
		dst := PhysNode(d.U32())
		key := PropKeyID(d.U32())
		valOff := int32(d.off)
		d.Value()
		if d.failed() {
			return &CorruptSectionError{Section: SecEdgeProps, Offset: int64(valOff), Reason: "truncated property record"}
		}
		s.edgePropOff[edgePropKey{src, et, dst, key}] = valOff
	}
	if d.remaining() != 0 {
		return &CorruptSectionError{Section: SecEdgeProps, Offset: int64(d.off), Reason: "trailing bytes after property records"}
	}
	return nil
}

// Close unmaps the file. The caller guarantees no reader still holds views.
func (s *Snapshot) Close() error {
	if s.mm == nil {
		return nil
	}
	err := s.mm.Unmap()
	s.mm = nil
	s.data = nil
	return err
}

// Generation returns the snapshot's generation number.
func (s *Snapshot) Generation() uint64 { return s.generation }

// NumNodes returns the number of nodes materialized in this snapshot.
func (s *Snapshot) NumNodes() int { return s.numNodes }

// NumOutEdges returns the number of outgoing CSR entries.
func (s *Snapshot) NumOutEdges() int { return s.numOut }

// NextNodeID returns the node-id counter persisted at compaction time.
func (s *Snapshot) NextNodeID() uint64 { return s.nextNodeID }

// NextCommitTs returns the commit-timestamp counter persisted at
// compaction time.
func (s *Snapshot) NextCommitTs() uint64 { return s.nextCommitTs }

func (s *Snapshot) hasInCSR() bool { return s.flags&flagHasInCSR != 0 }

// StringOf returns the arena string with the given id.
func (s *Snapshot) StringOf(id uint32) string {
	offs, _ := s.countedU32s(SecStringOffsets)
	bytes, _ := s.section(SecStringBytes)
	if offs == nil || int(id) >= offs.len()-1 {
		return ""
	}
	return string(bytes[offs.at(int(id)):offs.at(int(id) + 1)])
}

// PhysOf maps a NodeID to its dense index, or PhysNone when the node is not
// in this snapshot.
func (s *Snapshot) PhysOf(id NodeID) PhysNode {
	pairs, _ := s.countedU32s(SecNodeIDToPhys)
	if pairs == nil {
		return PhysNone
	}
	n := pairs.len() / 2
	i := sort.Search(n, func(i int) bool {
		return NodeID(pairs.at(i*2)) >= id
	})
	if i < n && NodeID(pairs.at(i*2)) == id {
		return PhysNode(pairs.at(i*2 + 1))
	}
	return PhysNone
}

// NodeIDOf maps a dense index back to its NodeID.
func (s *Snapshot) NodeIDOf(phys PhysNode) NodeID {
	ids, _ := s.countedU32s(SecPhysToNodeID)
	if ids == nil || int(phys) >= ids.len() {
		return 0
	}
	return NodeID(ids.at(int(phys)))
}

// KeyOf returns the unique key of the node at phys, if any.
func (s *Snapshot) KeyOf(phys PhysNode) (string, bool) {
	sids, _ := s.countedU32s(SecNodeKeyString)
	if sids == nil || int(phys) >= sids.len() {
		return "", false
	}
	sid := sids.at(int(phys))
	if sid == noString {
		return "", false
	}
	return s.StringOf(sid), true
}

// NodeByKey resolves a unique key to its NodeID within this snapshot.
func (s *Snapshot) NodeByKey(key string) (NodeID, bool) {
	id, ok := s.keyToNode[key]
	return id, ok
}

// LabelsOf returns the labels of the node at phys.
func (s *Snapshot) LabelsOf(phys PhysNode) []LabelID {
	body, ok := s.section(SecNodeLabels)
	if !ok || len(body) < 4 {
		return nil
	}
	d := newDecoder(body)
	numNodes := int(d.U32())
	if int(phys) >= numNodes {
		return nil
	}
	offs := u32view(body[4 : 4+(numNodes+1)*4])
	labelBase := 4 + (numNodes+1)*4 + 4 // skip offsets and the label count
	start, end := int(offs.at(int(phys))), int(offs.at(int(phys)+1))
	out := make([]LabelID, 0, end-start)
	labels := u32view(body[labelBase:])
	for i := start; i < end; i++ {
		out = append(out, LabelID(labels.at(i)))
	}
	return out
}

// csrRange is a zero-copy view over one node's CSR sub-range.
type csrRange struct {
	etypes u32view
	others u32view
	start  int
	end    int
}

func (r csrRange) len() int { return r.end - r.start }

func (r csrRange) at(i int) (ETypeID, PhysNode) {
	return ETypeID(r.etypes.at(r.start + i)), PhysNode(r.others.at(r.start + i))
}

// outRange returns the outgoing CSR range of phys, sorted by
// (etype, dstPhys).
func (s *Snapshot) outRange(phys PhysNode) csrRange {
	if int(phys) >= s.numNodes {
		return csrRange{}
	}
	offs, _ := s.countedU32s(SecOutOffsets)
	etypes, _ := s.countedU32s(SecOutEtype)
	dsts, _ := s.countedU32s(SecOutDst)
	return csrRange{
		etypes: etypes,
		others: dsts,
		start:  int(offs.at(int(phys))),
		end:    int(offs.at(int(phys) + 1)),
	}
}

// inRange returns the incoming CSR range of phys, sorted by
// (etype, srcPhys). Empty when the snapshot was written without an
// incoming CSR.
func (s *Snapshot) inRange(phys PhysNode) csrRange {
	if !s.hasInCSR() || int(phys) >= s.numNodes {
		return csrRange{}
	}
	offs, _ := s.countedU32s(SecInOffsets)
	etypes, _ := s.countedU32s(SecInEtype)
	srcs, _ := s.countedU32s(SecInSrc)
	return csrRange{
		etypes: etypes,
		others: srcs,
		start:  int(offs.at(int(phys))),
		end:    int(offs.at(int(phys) + 1)),
	}
}

// HasOutEdge binary-searches the (etype, dstPhys)-sorted sub-range.
func (s *Snapshot) HasOutEdge(src PhysNode, etype ETypeID, dst PhysNode) bool {
	r := s.outRange(src)
	n := r.len()
	i := sort.Search(n, func(i int) bool {
		et, other := r.at(i)
		if et != etype {
			return et > etype
		}
		return other >= dst
	})
	if i >= n {
		return false
	}
	et, other := r.at(i)
	return et == etype && other == dst
}

// NodeProp returns the snapshot-resident property value for (phys, key).
func (s *Snapshot) NodeProp(phys PhysNode, key PropKeyID) (PropValue, bool) {
	off, ok := s.nodePropOff[uint64(phys)<<32|uint64(key)]
	if !ok {
		return PropValue{}, false
	}
	body, _ := s.section(SecNodeProps)
	d := newDecoder(body)
	d.off = int(off)
	v := d.Value()
	return v, !d.failed()
}

// EdgeProp returns the snapshot-resident property value for an edge.
func (s *Snapshot) EdgeProp(src PhysNode, etype ETypeID, dst PhysNode, key PropKeyID) (PropValue, bool) {
	off, ok := s.edgePropOff[edgePropKey{src, etype, dst, key}]
	if !ok {
		return PropValue{}, false
	}
	body, _ := s.section(SecEdgeProps)
	d := newDecoder(body)
	d.off = int(off)
	v := d.Value()
	return v, !d.failed()
}

// NodePropsOf collects all snapshot properties of a node. Used by the
// compactor and the structural checker, not by point reads.
func (s *Snapshot) NodePropsOf(phys PhysNode) map[PropKeyID]PropValue {
	out := make(map[PropKeyID]PropValue)
	for packed := range s.nodePropOff {
		if PhysNode(packed>>32) == phys {
			if v, ok := s.NodeProp(phys, PropKeyID(packed&0xFFFFFFFF)); ok {
				out[PropKeyID(packed&0xFFFFFFFF)] = v
			}
		}
	}
	return out
}

// EdgePropsOf collects all snapshot properties of an edge.
func (s *Snapshot) EdgePropsOf(src PhysNode, etype ETypeID, dst PhysNode) map[PropKeyID]PropValue {
	out := make(map[PropKeyID]PropValue)
	for k := range s.edgePropOff {
		if k.src == src && k.etype == etype && k.dst == dst {
			if v, ok := s.EdgeProp(src, etype, dst, k.key); ok {
				out[k.key] = v
			}
		}
	}
	return out
}

// NumLabels returns the label table size.
func (s *Snapshot) NumLabels() int { return len(s.labelByName) }

// NumEtypes returns the etype table size.
func (s *Snapshot) NumEtypes() int { return len(s.etypeByName) }

// NumPropKeys returns the propkey table size.
func (s *Snapshot) NumPropKeys() int { return len(s.propKeyByName) }

// LookupLabel resolves a label name to its id.
func (s *Snapshot) LookupLabel(name string) (LabelID, bool) {
	id, ok := s.labelByName[name]
	return id, ok
}

// LookupEtype resolves an etype name to its id.
func (s *Snapshot) LookupEtype(name string) (ETypeID, bool) {
	id, ok := s.etypeByName[name]
	return id, ok
}

// LookupPropKey resolves a property-key name to its id.
func (s *Snapshot) LookupPropKey(name string) (PropKeyID, bool) {
	id, ok := s.propKeyByName[name]
	return id, ok
}

// LabelName returns the name for a label id.
func (s *Snapshot) LabelName(id LabelID) string {
	labels, _ := s.countedU32s(SecLabels)
	if labels == nil || int(id) >= labels.len() {
		return ""
	}
	return s.StringOf(labels.at(int(id)))
}

// EtypeName returns the name for an etype id.
func (s *Snapshot) EtypeName(id ETypeID) string {
	etypes, _ := s.countedU32s(SecEtypes)
	if etypes == nil || int(id) >= etypes.len() {
		return ""
	}
	return s.StringOf(etypes.at(int(id)))
}

// PropKeyName returns the name for a propkey id.
func (s *Snapshot) PropKeyName(id PropKeyID) string {
	keys, _ := s.countedU32s(SecPropKeys)
	if keys == nil || int(id) >= keys.len() {
		return ""
	}
	return s.StringOf(keys.at(int(id)))
}

// VectorSection returns the raw bytes of one of the vector sections.
func (s *Snapshot) VectorSection(id SectionID) []byte {
	body, _ := s.section(id)
	return body
}
