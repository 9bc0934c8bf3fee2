package vector

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// Snapshot serialization. A registry of stores flattens into the four
// vector sections of the snapshot file: manifest, fragment data, IVF index,
// and the node↔vector maps. Encoding is deterministic — stores sorted by
// property key, map entries sorted — so back-to-back compactions of the
// same state are byte-identical.

var errTruncated = errors.New("vector: truncated section")

type enc struct{ buf []byte }

func (e *enc) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *enc) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *enc) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *enc) f32(v float32) {
	e.u32(math.Float32bits(v))
}

type dec struct {
	buf []byte
	off int
	bad bool
}

func (d *dec) take(n int) []byte {
	if d.bad || d.off+n > len(d.buf) {
		d.bad = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *dec) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *dec) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *dec) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *dec) f32() float32 { return math.Float32frombits(d.u32()) }

// EncodeSections serializes every store in the registry.
func (r *Registry) EncodeSections() (manifest, fragments, index, nodeMap []byte) {
	keys := r.sortedKeys()

	var m, f, ix, nm enc
	m.u32(uint32(len(keys)))
	f.u32(uint32(len(keys)))
	ix.u32(uint32(len(keys)))
	nm.u32(uint32(len(keys)))

	for _, key := range keys {
		s := r.stores[key]
		s.mu.RLock()
		s.encodeManifest(key, &m)
		s.encodeFragmentData(key, &f)
		s.encodeIndex(key, &ix)
		s.encodeNodeMap(key, &nm)
		s.mu.RUnlock()
	}
	return m.buf, f.buf, ix.buf, nm.buf
}

func (s *Store) encodeManifest(key uint32, e *enc) {
	e.u32(key)
	e.u32(uint32(s.cfg.Dimensions))
	e.u8(uint8(s.cfg.Metric))
	e.u32(uint32(s.cfg.RowGroupSize))
	e.u32(uint32(s.cfg.FragmentTargetSize))
	if s.cfg.Normalize {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.u64(uint64(s.cfg.Seed))
	e.u64(s.nextFragmentID)
	e.u64(s.nextVectorID)
	e.u64(s.totalVectors)
	e.u64(s.deletedVectors)
	e.u32(uint32(s.indexNProbe))

	activeID := uint64(0)
	if s.active != nil {
		activeID = s.active.id
	}
	e.u64(activeID)

	e.u32(uint32(len(s.order)))
	for _, fid := range s.order {
		frag := s.fragments[fid]
		e.u64(frag.id)
		e.u8(uint8(frag.state))
		e.u32(uint32(frag.total))
		e.u32(uint32(frag.deleted))
		e.u32(uint32(len(frag.delBitmap)))
		for _, w := range frag.delBitmap {
			e.u64(w)
		}
	}
}

func (s *Store) encodeFragmentData(key uint32, e *enc) {
	e.u32(key)
	e.u32(uint32(len(s.order)))
	for _, fid := range s.order {
		frag := s.fragments[fid]
		e.u64(frag.id)
		if frag.state == FragRetired {
			e.u32(0)
			continue
		}
		e.u32(uint32(frag.total))
		for local := 0; local < frag.total; local++ {
			v, _ := frag.VectorAt(local)
			for _, x := range v {
				e.f32(x)
			}
		}
	}
}

func (s *Store) encodeIndex(key uint32, e *enc) {
	e.u32(key)
	if s.index == nil || !s.index.trained {
		e.u8(0)
		return
	}
	e.u8(1)
	e.u32(uint32(s.index.nClusters))
	for _, c := range s.index.centroids {
		for _, x := range c {
			e.f32(x)
		}
	}
	for _, list := range s.index.lists {
		e.u32(uint32(len(list)))
		sorted := append([]uint64(nil), list...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, id := range sorted {
			e.u64(id)
		}
	}
}

func (s *Store) encodeNodeMap(key uint32, e *enc) {
	e.u32(key)

	nodes := make([]uint32, 0, len(s.nodeToVector))
	for n := range s.nodeToVector {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	e.u32(uint32(len(nodes)))
	for _, n := range nodes {
		e.u32(n)
		e.u64(s.nodeToVector[n])
	}

	vids := make([]uint64, 0, len(s.vectorLoc))
	for vid := range s.vectorLoc {
		vids = append(vids, vid)
	}
	sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })
	e.u32(uint32(len(vids)))
	for _, vid := range vids {
		loc := s.vectorLoc[vid]
		e.u64(vid)
		e.u64(loc.Fragment)
		e.u32(uint32(loc.Local))
		e.u32(s.vectorNode[vid])
	}
}

// DecodeSections reconstructs a registry from the four vector sections.
func DecodeSections(manifest, fragments, index, nodeMap []byte, defaults Config) (*Registry, error) {
	r := NewRegistry(defaults)
	if len(manifest) == 0 {
		return r, nil
	}

	md := &dec{buf: manifest}
	fd := &dec{buf: fragments}
	id := &dec{buf: index}
	nd := &dec{buf: nodeMap}

	count := md.u32()
	if fd.u32() != count || id.u32() != count || nd.u32() != count {
		return nil, errTruncated
	}

	for i := uint32(0); i < count; i++ {
		s, key, err := decodeStore(md, fd, id, nd)
		if err != nil {
			return nil, err
		}
		r.stores[key] = s
	}
	if md.bad || fd.bad || id.bad || nd.bad {
		return nil, errTruncated
	}
	return r, nil
}

func decodeStore(md, fd, id, nd *dec) (*Store, uint32, error) {
	key := md.u32()
	cfg := Config{
		Dimensions:         int(md.u32()),
		Metric:             Metric(md.u8()),
		RowGroupSize:       int(md.u32()),
		FragmentTargetSize: int(md.u32()),
		Normalize:          md.u8() != 0,
		Seed:               int64(md.u64()),
	}
	s, err := NewStore(cfg)
	if err != nil {
		return nil, 0, err
	}
	s.nextFragmentID = md.u64()
	s.nextVectorID = md.u64()
	s.totalVectors = md.u64()
	s.deletedVectors = md.u64()
	s.indexNProbe = int(md.u32())
	activeID := md.u64()

	fragCount := int(md.u32())
	type fragMeta struct {
		id      uint64
		state   FragmentState
		total   int
		deleted int
		bitmap  []uint64
	}
	metas := make([]fragMeta, fragCount)
	for i := range metas {
		metas[i].id = md.u64()
		metas[i].state = FragmentState(md.u8())
		metas[i].total = int(md.u32())
		metas[i].deleted = int(md.u32())
		words := int(md.u32())
		metas[i].bitmap = make([]uint64, words)
		for w := range metas[i].bitmap {
			metas[i].bitmap[w] = md.u64()
		}
	}

	// Fragment data section.
	if fd.u32() != key {
		return nil, 0, errTruncated
	}
	if int(fd.u32()) != fragCount {
		return nil, 0, errTruncated
	}
	for _, meta := range metas {
		if fd.u64() != meta.id {
			return nil, 0, errTruncated
		}
		stored := int(fd.u32())
		frag := newFragment(meta.id, cfg.Dimensions, cfg.RowGroupSize, cfg.FragmentTargetSize)
		vec := make([]float32, cfg.Dimensions)
		for v := 0; v < stored; v++ {
			for d := 0; d < cfg.Dimensions; d++ {
				vec[d] = fd.f32()
			}
			frag.Append(vec, false)
		}
		frag.delBitmap = meta.bitmap
		frag.deleted = meta.deleted
		frag.total = meta.total
		switch meta.state {
		case FragSealed, FragDraining:
			frag.Seal()
			frag.state = meta.state
		case FragRetired:
			frag.state = FragRetired
			frag.groups = nil
		}
		s.fragments[frag.id] = frag
		s.order = append(s.order, frag.id)
		if frag.id == activeID && meta.state == FragActive {
			s.active = frag
		}
	}

	// Index section.
	if id.u32() != key {
		return nil, 0, errTruncated
	}
	if id.u8() != 0 {
		n := int(id.u32())
		ix := NewIndex(cfg.Dimensions, n, cfg.Metric, cfg.Seed)
		ix.centroids = make([][]float32, n)
		for c := range ix.centroids {
			centroid := make([]float32, cfg.Dimensions)
			for d := 0; d < cfg.Dimensions; d++ {
				centroid[d] = id.f32()
			}
			ix.centroids[c] = centroid
		}
		ix.lists = make([][]uint64, n)
		for c := range ix.lists {
			listLen := int(id.u32())
			list := make([]uint64, listLen)
			for j := range list {
				list[j] = id.u64()
			}
			ix.lists[c] = list
		}
		ix.trained = true
		s.index = ix
	}

	// Node-map section.
	if nd.u32() != key {
		return nil, 0, errTruncated
	}
	nodeCount := int(nd.u32())
	for i := 0; i < nodeCount; i++ {
		n := nd.u32()
		s.nodeToVector[n] = nd.u64()
	}
	locCount := int(nd.u32())
	for i := 0; i < locCount; i++ {
		vid := nd.u64()
		frag := nd.u64()
		local := int(nd.u32())
		node := nd.u32()
		s.vectorLoc[vid] = Location{Fragment: frag, Local: local}
		s.vectorNode[vid] = node
	}

	return s, key, nil
}
