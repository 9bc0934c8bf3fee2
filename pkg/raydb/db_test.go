package raydb

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raydb/raydb/pkg/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := config.Default()
	cfg.Compaction.TriggerDeltaOps = 0
	db, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_GraphRoundTrip(t *testing.T) {
	db := openTestDB(t)

	person, err := db.DefineLabel("Person")
	require.NoError(t, err)
	knows, err := db.DefineEtype("KNOWS")
	require.NoError(t, err)
	name, err := db.DefinePropKey("name")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	alice, err := tx.CreateNode("alice", []LabelID{person}, map[PropKeyID]PropValue{
		name: StringValue("Alice"),
	})
	require.NoError(t, err)
	bob, err := tx.CreateNode("bob", []LabelID{person}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.AddEdge(alice, knows, bob))
	_, err = tx.Commit()
	require.NoError(t, err)

	got, err := db.GetNodeByKey("alice")
	require.NoError(t, err)
	assert.Equal(t, alice, got)
	assert.True(t, db.EdgeExists(alice, knows, bob))

	out := db.NeighborsOut(alice, &knows).Collect()
	require.Len(t, out, 1)
	assert.Equal(t, bob, out[0].Node)
	in := db.NeighborsIn(bob, nil).Collect()
	require.Len(t, in, 1)
	assert.Equal(t, alice, in[0].Node)

	val, err := db.GetNodeProp(alice, name)
	require.NoError(t, err)
	assert.Equal(t, "Alice", val.Str)

	stats := db.Stats()
	assert.Equal(t, int64(2), stats.NodeCount)
	assert.Equal(t, int64(1), stats.EdgeCount)

	res := db.Check()
	assert.True(t, res.OK, "problems: %v", res.Problems)
}

func TestDB_StatsMatchScan(t *testing.T) {
	db := openTestDB(t)

	knows, err := db.DefineEtype("KNOWS")
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	var ids []NodeID
	for i := 0; i < 10; i++ {
		id, err := tx.CreateNode("", nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, tx.AddEdge(ids[0], knows, ids[i]))
	}
	_, err = tx.Commit()
	require.NoError(t, err)

	assert.Equal(t, int64(10), db.Stats().NodeCount)
	assert.Equal(t, 9, db.DegreeOut(ids[0], nil))
	assert.Equal(t, int64(9), db.Stats().EdgeCount)
}

func TestDB_VectorSearchEndToEnd(t *testing.T) {
	db := openTestDB(t)

	emb, err := db.DefinePropKey("embedding")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	tx, err := db.Begin()
	require.NoError(t, err)
	nodes := make([]NodeID, 100)
	for i := range nodes {
		id, err := tx.CreateNode("", nil, nil)
		require.NoError(t, err)
		nodes[i] = id
		vec := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		require.NoError(t, tx.AddVector(id, emb, vec))
	}
	_, err = tx.Commit()
	require.NoError(t, err)

	// Search before training fails with a typed error.
	_, err = db.SearchVectors(emb, []float32{1, 0, 0, 0}, SearchOptions{K: 5})
	require.Error(t, err)

	require.NoError(t, db.BuildVectorIndex(emb, VectorIndexOptions{NClusters: 8, NProbe: 8}))

	hits, err := db.SearchVectors(emb, []float32{1, 0, 0, 0}, SearchOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, hits, 5)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
	}

	// Deleting a node hides its vector from search.
	top := hits[0].Node
	tx, err = db.Begin()
	require.NoError(t, err)
	_, err = tx.DeleteNode(top)
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	hits, err = db.SearchVectors(emb, []float32{1, 0, 0, 0}, SearchOptions{K: 5})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, top, h.Node)
	}
}

func TestDB_VectorRoundTripThroughTx(t *testing.T) {
	db := openTestDB(t)
	emb, err := db.DefinePropKey("embedding")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode("v", nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.AddVector(id, emb, []float32{3, 4}))

	// Read-your-writes before commit.
	got, err := tx.GetVector(id, emb)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	_, err = db.GetVector(id, emb)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tx.Commit()
	require.NoError(t, err)

	// Cosine default normalizes on write.
	got, err = db.GetVector(id, emb)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, float64(got[0]), 1e-5)
	assert.InDelta(t, 0.8, float64(got[1]), 1e-5)

	// Dimension mismatch on a later write is rejected.
	tx, err = db.Begin()
	require.NoError(t, err)
	err = tx.AddVector(id, emb, []float32{1, 2, 3})
	require.Error(t, err)
	require.NoError(t, tx.Rollback())
}

func TestDB_VectorsSurviveOptimizeAndReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Compaction.TriggerDeltaOps = 0
	db, err := Open(dir, cfg)
	require.NoError(t, err)

	emb, err := db.DefinePropKey("embedding")
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode("v", nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.AddVector(id, emb, []float32{0, 1}))
	_, err = tx.Commit()
	require.NoError(t, err)

	// Reopen replays the WAL vector records.
	require.NoError(t, db.Close())
	db, err = Open(dir, cfg)
	require.NoError(t, err)
	got, err := db.GetVector(id, emb)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got)

	// Optimize embeds the store in the snapshot; reopen reads it back.
	require.NoError(t, db.Optimize(false))
	require.NoError(t, db.Close())
	db, err = Open(dir, cfg)
	require.NoError(t, err)
	defer db.Close()
	got, err = db.GetVector(id, emb)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got)
	assert.Equal(t, uint64(1), db.Stats().Vectors)
}

func TestDB_CloseReleasesLock(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	db, err := Open(dir, cfg)
	require.NoError(t, err)

	_, err = Open(dir, cfg)
	assert.ErrorIs(t, err, ErrResourceBusy)

	require.NoError(t, db.Close())
	db2, err := Open(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}
