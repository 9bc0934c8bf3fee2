package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raydb/raydb/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Compaction.TriggerDeltaOps = 0 // tests drive compaction explicitly
	return cfg
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	return e
}

// commitOne runs a single-op transaction.
func commitOne(t *testing.T, e *Engine, fn func(tx *Tx) error) uint64 {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, fn(tx))
	ts, err := tx.Commit()
	require.NoError(t, err)
	return ts
}

func TestEngine_CreateAndRead(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	name, err := e.DefinePropKey("name")
	require.NoError(t, err)
	person, err := e.DefineLabel("Person")
	require.NoError(t, err)

	var id NodeID
	commitOne(t, e, func(tx *Tx) error {
		var err error
		id, err = tx.CreateNode("alice", []LabelID{person}, map[PropKeyID]PropValue{
			name: StringValue("Alice"),
		})
		return err
	})

	assert.True(t, e.NodeExists(id))

	got, err := e.GetNodeByKey("alice")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	val, err := e.GetNodeProp(id, name)
	require.NoError(t, err)
	assert.Equal(t, StringValue("Alice"), val)

	labels, err := e.GetNodeLabels(id)
	require.NoError(t, err)
	assert.Equal(t, []LabelID{person}, labels)

	_, err = e.GetNodeByKey("bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UniqueKeyRejection(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("a", nil, nil)
		return err
	})

	tx2, err := e.Begin()
	require.NoError(t, err)
	_, err = tx2.CreateNode("a", nil, nil)
	var keyErr *KeyExistsError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "a", keyErr.Key)
	require.NoError(t, tx2.Rollback())

	// Exactly one node with key "a" survives.
	count := 0
	e.ScanNodes(func(NodeID) bool { count++; return true })
	assert.Equal(t, 1, count)
}

func TestEngine_EdgesAndSymmetry(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	likes, err := e.DefineEtype("LIKES")
	require.NoError(t, err)

	var a, b, c NodeID
	commitOne(t, e, func(tx *Tx) error {
		a, _ = tx.CreateNode("a", nil, nil)
		b, _ = tx.CreateNode("b", nil, nil)
		c, _ = tx.CreateNode("c", nil, nil)
		if err := tx.AddEdge(a, knows, b); err != nil {
			return err
		}
		if err := tx.AddEdge(a, likes, b); err != nil {
			return err
		}
		return tx.AddEdge(a, knows, c)
	})

	assert.True(t, e.EdgeExists(a, knows, b))
	assert.True(t, e.EdgeExists(a, likes, b))
	assert.False(t, e.EdgeExists(b, knows, a))

	out := e.NeighborsOut(a, nil).Collect()
	assert.Len(t, out, 3)

	// Every outgoing edge appears in the incoming view and vice versa.
	for _, n := range out {
		found := false
		for _, back := range e.NeighborsIn(n.Node, &n.Etype).Collect() {
			if back.Node == a {
				found = true
			}
		}
		assert.True(t, found, "missing symmetric entry for %v", n)
	}

	assert.Equal(t, 3, e.DegreeOut(a, nil))
	assert.Equal(t, 2, e.DegreeOut(a, &knows))
	assert.Equal(t, 2, e.DegreeIn(b, nil))

	// Delete one edge; degree queries follow the merged view.
	commitOne(t, e, func(tx *Tx) error {
		ok, err := tx.DeleteEdge(a, knows, b)
		require.True(t, ok)
		return err
	})
	assert.False(t, e.EdgeExists(a, knows, b))
	assert.Equal(t, 2, e.DegreeOut(a, nil))

	res := e.Check()
	assert.True(t, res.OK, "check problems: %v", res.Problems)
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	p, err := e.DefinePropKey("p")
	require.NoError(t, err)

	var x NodeID
	commitOne(t, e, func(tx *Tx) error {
		var err error
		x, err = tx.CreateNode("x", nil, map[PropKeyID]PropValue{p: IntValue(1)})
		return err
	})

	r1, err := e.Begin()
	require.NoError(t, err)

	commitOne(t, e, func(tx *Tx) error {
		return tx.SetNodeProp(x, p, IntValue(2))
	})

	// The reader that began before the write still sees the old value.
	val, err := r1.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val.Int)

	// A strictly-latest read sees the new one.
	val, err = e.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val.Int)

	require.NoError(t, r1.Rollback())

	// A fresh reader also sees the new value.
	r2, err := e.Begin()
	require.NoError(t, err)
	val, err = r2.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val.Int)
	require.NoError(t, r2.Rollback())
}

func TestEngine_FirstWriterWins(t *testing.T) {
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

	t1, err := e.Begin()
	require.NoError(t, err)
	t2, err := e.Begin()
	require.NoError(t, err)

	require.NoError(t, t1.SetNodeProp(x, p, IntValue(10)))
	require.NoError(t, t2.SetNodeProp(x, p, IntValue(20)))

	_, err = t1.Commit()
	require.NoError(t, err)

	_, err = t2.Commit()
	var conflict *WriteConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, ErrConflict)

	val, err := e.GetNodeProp(x, p)
	require.NoError(t, err)
	assert.Equal(t, int64(10), val.Int)
}

func TestEngine_ReadYourWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	p, err := e.DefinePropKey("p")
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode("n", nil, map[PropKeyID]PropValue{p: IntValue(7)})
	require.NoError(t, err)

	// Visible inside the transaction, invisible outside.
	assert.True(t, tx.NodeExists(id))
	val, err := tx.GetNodeProp(id, p)
	require.NoError(t, err)
	assert.Equal(t, int64(7), val.Int)
	assert.False(t, e.NodeExists(id))

	_, err = tx.Commit()
	require.NoError(t, err)
	assert.True(t, e.NodeExists(id))
}

func TestEngine_RollbackLeaksNothing(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	tx, err := e.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode("gone", nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.False(t, e.NodeExists(id))
	_, err = e.GetNodeByKey("gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// The key is free for reuse.
	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("gone", nil, nil)
		return err
	})
}

func TestEngine_ReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	var a, b NodeID
	commitOne(t, e, func(tx *Tx) error {
		a, _ = tx.CreateNode("a", nil, nil)
		b, _ = tx.CreateNode("b", nil, nil)
		return tx.AddEdge(a, knows, b)
	})
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()

	got, err := e2.GetNodeByKey("a")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.True(t, e2.EdgeExists(a, knows, b))

	// Replay is idempotent: a second reopen yields the same state.
	require.NoError(t, e2.Close())
	e3 := openTestEngine(t, dir)
	defer e3.Close()
	assert.True(t, e3.EdgeExists(a, knows, b))
	s := e3.Stats()
	assert.Equal(t, int64(2), s.NodeCount)
	assert.Equal(t, int64(1), s.EdgeCount)
}

func TestEngine_CompactionSurvivesAllDeletions(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	var ids []NodeID
	commitOne(t, e, func(tx *Tx) error {
		for i := 0; i < 100; i++ {
			id, err := tx.CreateNode("", nil, nil)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	commitOne(t, e, func(tx *Tx) error {
		for _, id := range ids {
			if _, err := tx.DeleteNode(id); err != nil {
				return err
			}
		}
		return nil
	})

	before := e.Stats()
	require.NoError(t, e.Optimize(false))
	after := e.Stats()

	assert.Equal(t, int64(0), after.NodeCount)
	assert.Equal(t, 0, after.SnapshotNodes)
	assert.Equal(t, 1, after.WalSegments)
	assert.Equal(t, before.SnapshotGeneration+1, after.SnapshotGeneration)
	assert.Equal(t, int64(0), after.DeltaOps)
}

func TestEngine_CompactionPersistsState(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	name, err := e.DefinePropKey("name")
	require.NoError(t, err)
	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	person, err := e.DefineLabel("Person")
	require.NoError(t, err)

	var a, b NodeID
	commitOne(t, e, func(tx *Tx) error {
		a, _ = tx.CreateNode("a", []LabelID{person}, map[PropKeyID]PropValue{name: StringValue("A")})
		b, _ = tx.CreateNode("b", nil, nil)
		if err := tx.AddEdge(a, knows, b); err != nil {
			return err
		}
		return tx.SetEdgeProp(a, knows, b, name, StringValue("since-2020"))
	})

	require.NoError(t, e.Optimize(false))

	// All state now lives in the snapshot; the delta is empty.
	assert.Equal(t, int64(0), e.Stats().DeltaOps)
	val, err := e.GetNodeProp(a, name)
	require.NoError(t, err)
	assert.Equal(t, "A", val.Str)
	ev, err := e.GetEdgeProp(a, knows, b, name)
	require.NoError(t, err)
	assert.Equal(t, "since-2020", ev.Str)
	labels, err := e.GetNodeLabels(a)
	require.NoError(t, err)
	assert.Equal(t, []LabelID{person}, labels)
	assert.Equal(t, "Person", e.LabelName(person))
	assert.Equal(t, "KNOWS", e.EtypeName(knows))

	require.NoError(t, e.Close())

	// Reopen from the snapshot alone (WAL was truncated).
	e2 := openTestEngine(t, dir)
	defer e2.Close()
	assert.True(t, e2.EdgeExists(a, knows, b))
	got, err := e2.GetNodeByKey("a")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	res := e2.Check()
	assert.True(t, res.OK, "check problems: %v", res.Problems)
}

func TestEngine_CompactionIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	commitOne(t, e, func(tx *Tx) error {
		a, _ := tx.CreateNode("a", nil, nil)
		b, _ := tx.CreateNode("b", nil, nil)
		return tx.AddEdge(a, knows, b)
	})

	require.NoError(t, e.Optimize(false))
	gen1 := e.Stats().SnapshotGeneration
	first, err := os.ReadFile(filepath.Join(dir, CurrentSnapshotName))
	require.NoError(t, err)

	require.NoError(t, e.Optimize(true))
	gen2 := e.Stats().SnapshotGeneration
	second, err := os.ReadFile(filepath.Join(dir, CurrentSnapshotName))
	require.NoError(t, err)

	assert.Equal(t, gen1+1, gen2)
	require.Equal(t, len(first), len(second))

	// Byte-equivalent ignoring the generation field (header bytes 24..32).
	mask := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		for i := 24; i < 32; i++ {
			out[i] = 0
		}
		return out
	}
	assert.Equal(t, mask(first), mask(second))
}

func TestEngine_NodeDeletionShadowsEverything(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	knows, err := e.DefineEtype("KNOWS")
	require.NoError(t, err)
	p, err := e.DefinePropKey("p")
	require.NoError(t, err)

	var a, b NodeID
	commitOne(t, e, func(tx *Tx) error {
		a, _ = tx.CreateNode("a", nil, map[PropKeyID]PropValue{p: IntValue(1)})
		b, _ = tx.CreateNode("b", nil, nil)
		return tx.AddEdge(a, knows, b)
	})
	require.NoError(t, e.Optimize(false)) // a and b now live in the snapshot

	commitOne(t, e, func(tx *Tx) error {
		ok, err := tx.DeleteNode(a)
		require.True(t, ok)
		return err
	})

	assert.False(t, e.NodeExists(a))
	_, err = e.GetNodeProp(a, p)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, e.EdgeExists(a, knows, b))
	assert.Empty(t, e.NeighborsIn(b, nil).Collect())
	_, err = e.GetNodeByKey("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// The key can be claimed by a new node.
	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("a", nil, nil)
		return err
	})
}

func TestEngine_ExclusiveDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := Open(dir, testConfig())
	assert.ErrorIs(t, err, ErrResourceBusy)
}

func TestEngine_CorruptSnapshotRejected(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	commitOne(t, e, func(tx *Tx) error {
		_, err := tx.CreateNode("a", nil, nil)
		return err
	})
	require.NoError(t, e.Optimize(false))
	require.NoError(t, e.Close())

	// Flip a byte inside a section body.
	path := filepath.Join(dir, CurrentSnapshotName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize+8] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, testConfig())
	require.Error(t, err)
	var corrupt *CorruptSectionError
	assert.True(t, errors.As(err, &corrupt), "got %v", err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEngine_EnumerateTransactions(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	tx, err := e.Begin()
	require.NoError(t, err)
	infos := e.EnumerateTransactions()
	require.Len(t, infos, 1)
	assert.Equal(t, tx.ID(), infos[0].ID)
	assert.Equal(t, TxActive, infos[0].Status)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, e.EnumerateTransactions())
}
