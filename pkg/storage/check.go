package storage

import "fmt"

// CheckResult reports structural verification findings.
type CheckResult struct {
	OK       bool
	Problems []string
}

func (r *CheckResult) problem(format string, args ...interface{}) {
	r.OK = false
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check verifies structural invariants of the open store: snapshot CSR
// offset monotonicity, NodeID↔phys bijection, out/in edge symmetry over
// the merged view, and key-index consistency. Section checksums were
// already verified when the snapshot was mapped.
func (e *Engine) Check() CheckResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := CheckResult{OK: true}
	v := e.latestView()

	// NodeID↔phys bijection.
	for phys := 0; phys < e.snap.NumNodes(); phys++ {
		id := e.snap.NodeIDOf(PhysNode(phys))
		back := e.snap.PhysOf(id)
		if back != PhysNode(phys) {
			res.problem("node %d maps to phys %d but phys %d maps back to %d", id, back, phys, id)
		}
	}

	// CSR offsets monotonic.
	if offs, err := e.snap.countedU32s(SecOutOffsets); err == nil {
		for i := 1; i < offs.len(); i++ {
			if offs.at(i) < offs.at(i-1) {
				res.problem("out csr offsets decrease at index %d", i)
			}
		}
	}

	// Out/in symmetry over the merged view.
	e.forEachNodeLocked(v, func(id NodeID) bool {
		it := e.neighborsLocked(v, id, nil, true)
		for {
			n, ok := it.nextLocked()
			if !ok {
				break
			}
			found := false
			in := e.neighborsLocked(v, n.Node, &n.Etype, false)
			for {
				back, ok := in.nextLocked()
				if !ok {
					break
				}
				if back.Node == id {
					found = true
					break
				}
			}
			if !found {
				res.problem("edge %d-[%d]->%d missing from incoming view of %d", id, n.Etype, n.Node, n.Node)
			}
		}
		return true
	})

	// Key index: every snapshot key maps to a node whose key maps back.
	for key, id := range e.snap.keyToNode {
		if !e.nodeVisibleLocked(v, id) {
			continue // deleted in delta; key is free
		}
		got, err := e.nodeByKeyLocked(v, key)
		if err != nil || got != id {
			res.problem("key %q resolves to node %d, snapshot owner is %d", key, got, id)
		}
	}

	return res
}
