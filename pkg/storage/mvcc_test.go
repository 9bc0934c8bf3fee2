package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionChain_Visibility(t *testing.T) {
	m := newTxManager(1)

	seed := func() (PropValue, bool) { return IntValue(0), true }
	m.appendVersion("np:1:0", IntValue(10), false, 1, 5, seed)
	m.appendVersion("np:1:0", IntValue(20), false, 2, 8, seed)
	m.appendVersion("np:1:0", Null(), true, 3, 12, seed)

	t.Run("walks_newest_first", func(t *testing.T) {
		rec, ok := m.resolve("np:1:0", 9)
		require.True(t, ok)
		require.NotNil(t, rec)
		assert.Equal(t, int64(20), rec.Data.Int)
	})

	t.Run("base_record_answers_old_readers", func(t *testing.T) {
		rec, ok := m.resolve("np:1:0", 3)
		require.True(t, ok)
		require.NotNil(t, rec)
		assert.Equal(t, uint64(0), rec.CommitTs)
		assert.Equal(t, int64(0), rec.Data.Int)
		assert.False(t, rec.Deleted)
	})

	t.Run("deleted_head_hides_entity", func(t *testing.T) {
		rec, ok := m.resolve("np:1:0", 20)
		require.True(t, ok)
		assert.True(t, rec.Deleted)
	})

	t.Run("no_chain_falls_through", func(t *testing.T) {
		_, ok := m.resolve("np:2:0", 20)
		assert.False(t, ok)
	})

	t.Run("timestamps_strictly_decreasing", func(t *testing.T) {
		head := m.chains["np:1:0"]
		prev := head
		for v := head.Prev; v != nil; v = v.Prev {
			assert.Less(t, v.CommitTs, prev.CommitTs)
			prev = v
		}
	})
}

func TestVersionChain_GC(t *testing.T) {
	m := newTxManager(1)
	seed := func() (PropValue, bool) { return Null(), false }
	for ts := uint64(1); ts <= 10; ts++ {
		m.appendVersion("n:1", Null(), false, ts, ts*2, seed)
	}

	// Chain: 20,18,...,2, base 0. Cutoff 10 keeps the newest record at or
	// below 10 (commitTs 10) and drops its suffix (8,6,4,2,0).
	pruned := m.gc(10)
	assert.Equal(t, int64(5), pruned)

	depth := 0
	for v := m.chains["n:1"]; v != nil; v = v.Prev {
		depth++
		assert.GreaterOrEqual(t, v.CommitTs, uint64(10))
	}
	assert.Equal(t, 6, depth) // 20,18,16,14,12,10

	// The head is always retained, even below the cutoff.
	pruned = m.gc(100)
	assert.Equal(t, int64(5), pruned)
	head := m.chains["n:1"]
	require.NotNil(t, head)
	assert.Equal(t, uint64(20), head.CommitTs)
	assert.Nil(t, head.Prev)
}

func TestTxManager_MinActiveTs(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	// No active transactions: minActiveTs is the commit horizon.
	e.mu.Lock()
	assert.Equal(t, e.txm.nextCommitTs, e.txm.minActiveTs())
	e.mu.Unlock()

	tx, err := e.Begin()
	require.NoError(t, err)
	e.mu.Lock()
	assert.Equal(t, tx.startTs, e.txm.minActiveTs())
	e.mu.Unlock()
	require.NoError(t, tx.Rollback())
}

func TestTxManager_EagerCleanup(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	// A lone transaction's record is removed immediately at commit.
	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("a", nil, nil)
		return err
	})
	e.mu.RLock()
	assert.Empty(t, e.txm.active)
	assert.Empty(t, e.txm.committed)
	e.mu.RUnlock()

	// With a concurrent transaction the record lingers for GC.
	reader, err := e.Begin()
	require.NoError(t, err)
	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("b", nil, nil)
		return err
	})
	e.mu.RLock()
	assert.Len(t, e.txm.committed, 1)
	e.mu.RUnlock()
	require.NoError(t, reader.Rollback())
}

func TestMVCC_ConflictOnlyOnOverlap(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	p, err := e.DefinePropKey("p")
	require.NoError(t, err)
	var x NodeID
	commitOne(t, e, func(tx *Tx) error {
		var err error
		x, err = tx.CreateNode("x", nil, nil)
		return err
	})

	// Sequential writers to the same key never conflict.
	commitOne(t, e, func(tx *Tx) error { return tx.SetNodeProp(x, p, IntValue(1)) })
	commitOne(t, e, func(tx *Tx) error { return tx.SetNodeProp(x, p, IntValue(2)) })

	val, err := e.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val.Int)
}

func TestMVCC_DisabledModeStillCommits(t *testing.T) {
	cfg := testConfig()
	cfg.MVCC.Enabled = false
	e, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	defer e.Close()

	p, err := e.DefinePropKey("p")
	require.NoError(t, err)
	var x NodeID
	tx, err := e.Begin()
	require.NoError(t, err)
	x, err = tx.CreateNode("x", nil, map[PropKeyID]PropValue{p: IntValue(1)})
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	val, err := e.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val.Int)
	assert.Equal(t, 0, e.Stats().VersionChains)
}

func TestMVCC_SnapshotIsolationAcrossEdges(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	var a, b NodeID
	commitOne(t, e, func(tx *Tx) error {
		a, _ = tx.CreateNode("a", nil, nil)
		b, _ = tx.CreateNode("b", nil, nil)
		return nil
	})

	reader, err := e.Begin()
	require.NoError(t, err)

	commitOne(t, e, func(tx *Tx) error {
		return tx.AddEdge(a, knows, b)
	})

	// The edge landed after the reader began.
	assert.False(t, reader.EdgeExists(a, knows, b))
	assert.True(t, e.EdgeExists(a, knows, b))
	assert.Empty(t, reader.NeighborsOut(a, nil).Collect())
	assert.Len(t, e.NeighborsOut(a, nil).Collect(), 1)
	require.NoError(t, reader.Rollback())
}
