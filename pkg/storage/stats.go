package storage

// DbStats is a point-in-time summary of one open store. Node and edge
// counts come from scans of the merged view, never from raw snapshot
// counters, so they agree with what iteration would enumerate.
type DbStats struct {
	NodeCount int64
	EdgeCount int64

	SnapshotGeneration uint64
	SnapshotNodes      int

	WalSegments int
	WalBytes    int64

	DeltaOps int64

	ActiveTransactions int
	VersionChains      int
	VersionsPruned     int64

	Labels   int
	Etypes   int
	PropKeys int

	Vectors uint64
}

// Stats computes current statistics.
func (e *Engine) Stats() DbStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v := e.latestView()
	var nodes, edges int64
	e.forEachNodeLocked(v, func(id NodeID) bool {
		nodes++
		it := e.neighborsLocked(v, id, nil, true)
		for {
			if _, ok := it.nextLocked(); !ok {
				break
			}
			edges++
		}
		return true
	})

	return DbStats{
		NodeCount:          nodes,
		EdgeCount:          edges,
		SnapshotGeneration: e.snap.Generation(),
		SnapshotNodes:      e.snap.NumNodes(),
		WalSegments:        e.wal.SegmentCount(),
		WalBytes:           e.wal.Bytes(),
		DeltaOps:           e.delta.Ops(),
		ActiveTransactions: len(e.txm.active),
		VersionChains:      e.txm.chainCount(),
		VersionsPruned:     e.txm.versionsPruned,
		Labels:             e.snap.NumLabels() + len(e.delta.labels.names),
		Etypes:             e.snap.NumEtypes() + len(e.delta.etypes.names),
		PropKeys:           e.snap.NumPropKeys() + len(e.delta.propKeys.names),
		Vectors:            e.vec.TotalLive(),
	}
}
