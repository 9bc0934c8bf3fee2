package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDelta() *Delta {
	return newDelta(emptySnapshot())
}

func TestDelta_EdgeCoalescing(t *testing.T) {
	t.Run("add_then_del_cancels", func(t *testing.T) {
		d := newTestDelta()
		d.AddEdge(1, 0, 2, false)
		assert.Equal(t, edgeAdded, d.EdgeState(1, 0, 2))

		d.DelEdge(1, 0, 2, false)
		assert.Equal(t, edgeUnknown, d.EdgeState(1, 0, 2))
		assert.Empty(t, d.outAdd[1])
		assert.Empty(t, d.inAdd[2])
		assert.Empty(t, d.outDel[1])
	})

	t.Run("del_snapshot_edge_tombstones_both_sides", func(t *testing.T) {
		d := newTestDelta()
		d.DelEdge(1, 0, 2, true)
		assert.Equal(t, edgeDeleted, d.EdgeState(1, 0, 2))
		assert.Len(t, d.outDel[1], 1)
		assert.Len(t, d.inDel[2], 1)
	})

	t.Run("readd_cancels_tombstone", func(t *testing.T) {
		d := newTestDelta()
		d.DelEdge(1, 0, 2, true)
		d.AddEdge(1, 0, 2, true)
		assert.Equal(t, edgeUnknown, d.EdgeState(1, 0, 2))
		assert.Empty(t, d.outDel[1])
		assert.Empty(t, d.inDel[2])
	})

	t.Run("add_has_both_directions", func(t *testing.T) {
		d := newTestDelta()
		d.AddEdge(1, 3, 2, false)
		assert.Len(t, d.outAdd[1], 1)
		assert.Len(t, d.inAdd[2], 1)
		assert.Equal(t, EdgePatch{Etype: 3, Other: 2}, d.outAdd[1][0])
		assert.Equal(t, EdgePatch{Etype: 3, Other: 1}, d.inAdd[2][0])
	})
}

func TestDelta_NodeLifecycle(t *testing.T) {
	t.Run("create_then_delete_never_existed", func(t *testing.T) {
		d := newTestDelta()
		d.CreateNode(7, "k", nil, nil)
		d.DeleteNode(7, false, "")

		_, ok := d.NewNode(7)
		assert.False(t, ok)
		assert.False(t, d.NodeDeleted(7)) // no tombstone for a never-persisted node
		_, ok = d.NodeByKey("k")
		assert.False(t, ok)
	})

	t.Run("delete_snapshot_node_shadows", func(t *testing.T) {
		d := newTestDelta()
		d.DeleteNode(7, true, "k")
		assert.True(t, d.NodeDeleted(7))
	})

	t.Run("delete_purges_edge_patches", func(t *testing.T) {
		d := newTestDelta()
		d.CreateNode(7, "", nil, nil)
		d.AddEdge(7, 0, 9, false)
		d.AddEdge(9, 0, 7, false)
		d.DeleteNode(7, false, "")

		assert.Empty(t, d.outAdd[7])
		assert.Empty(t, d.inAdd[7])
		assert.Empty(t, d.outAdd[9])
		assert.Empty(t, d.inAdd[9])
	})
}

func TestDelta_PropPatches(t *testing.T) {
	d := newTestDelta()

	// Snapshot-resident node: patches.
	d.SetNodeProp(3, 0, IntValue(1))
	p, ok := d.NodePropPatch(3, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.val.Int)

	d.DelNodeProp(3, 0)
	p, ok = d.NodePropPatch(3, 0)
	require.True(t, ok)
	assert.True(t, p.del)

	// Delta-created node: pending state mutates directly.
	d.CreateNode(4, "", nil, map[PropKeyID]PropValue{1: BoolValue(true)})
	d.SetNodeProp(4, 2, FloatValue(2.5))
	pn, ok := d.NewNode(4)
	require.True(t, ok)
	assert.Len(t, pn.props, 2)

	d.DelNodeProp(4, 1)
	pn, _ = d.NewNode(4)
	_, has := pn.props[1]
	assert.False(t, has)
}

func TestDelta_Dicts(t *testing.T) {
	d := newTestDelta()
	snap := emptySnapshot()

	l1, created := d.DefineLabel(snap, "Person")
	assert.True(t, created)
	assert.Equal(t, LabelID(0), l1)

	l2, created := d.DefineLabel(snap, "Person")
	assert.False(t, created)
	assert.Equal(t, l1, l2)

	l3, _ := d.DefineLabel(snap, "Org")
	assert.Equal(t, LabelID(1), l3)

	name, ok := d.labels.nameOf(uint32(l3))
	require.True(t, ok)
	assert.Equal(t, "Org", name)

	// Etype and propkey id spaces are independent.
	e1, _ := d.DefineEtype(snap, "KNOWS")
	k1, _ := d.DefinePropKey(snap, "name")
	assert.Equal(t, ETypeID(0), e1)
	assert.Equal(t, PropKeyID(0), k1)
}

func TestDelta_KeyIndex(t *testing.T) {
	d := newTestDelta()
	d.CreateNode(1, "alice", nil, nil)

	id, ok := d.NodeByKey("alice")
	require.True(t, ok)
	assert.Equal(t, NodeID(1), id)

	d.DeleteNode(1, false, "")
	_, ok = d.NodeByKey("alice")
	assert.False(t, ok)
}
