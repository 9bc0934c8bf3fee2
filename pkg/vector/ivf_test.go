package vector

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnitVec(rng *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	NormalizeInPlace(v)
	return v
}

func TestIndex_TrainRequiresEnoughVectors(t *testing.T) {
	ix := NewIndex(2, 8, Euclidean, 1)
	ix.AddTraining([]float32{1, 2, 3, 4}, 2)
	assert.Error(t, ix.Train(10))
	assert.False(t, ix.Trained())
}

func TestIndex_OperationsRequireTraining(t *testing.T) {
	ix := NewIndex(2, 2, Euclidean, 1)
	assert.ErrorIs(t, ix.Insert(1, []float32{1, 2}), ErrIndexNotTrained)
	assert.ErrorIs(t, ix.Delete(1, []float32{1, 2}), ErrIndexNotTrained)
}

func TestIndex_TrainInsertDelete(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ix := NewIndex(4, 4, Euclidean, 1)

	vecs := make([][]float32, 64)
	var buf []float32
	for i := range vecs {
		vecs[i] = randomUnitVec(rng, 4)
		buf = append(buf, vecs[i]...)
	}
	ix.AddTraining(buf, len(vecs))
	require.NoError(t, ix.Train(20))
	require.True(t, ix.Trained())
	assert.Len(t, ix.centroids, 4)

	// Training buffer is discarded.
	assert.Nil(t, ix.trainBuf)

	for i, v := range vecs {
		require.NoError(t, ix.Insert(uint64(i+1), v))
	}
	total := 0
	for c := 0; c < ix.NClusters(); c++ {
		total += len(ix.List(c))
	}
	assert.Equal(t, len(vecs), total)

	// Delete swap-removes from the owning list.
	require.NoError(t, ix.Delete(5, vecs[4]))
	total = 0
	for c := 0; c < ix.NClusters(); c++ {
		for _, id := range ix.List(c) {
			assert.NotEqual(t, uint64(5), id)
			total++
		}
	}
	assert.Equal(t, len(vecs)-1, total)

	assert.ErrorIs(t, ix.Delete(5, vecs[4]), ErrNotFound)
}

func TestIndex_CosineCentroidsUnitLength(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ix := NewIndex(4, 4, Cosine, 1)
	var buf []float32
	for i := 0; i < 64; i++ {
		buf = append(buf, randomUnitVec(rng, 4)...)
	}
	ix.AddTraining(buf, 64)
	require.NoError(t, ix.Train(20))

	for _, c := range ix.centroids {
		var norm float64
		for _, x := range c {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	}
}

// Full-probe IVF search must return exactly the exact-NN set: probing every
// cluster degrades gracefully to an exhaustive scan.
func TestStore_SearchRecallAtFullProbe(t *testing.T) {
	const (
		dims      = 4
		n         = 1000
		nClusters = 32
		k         = 10
	)
	s, err := NewStore(Config{Dimensions: dims, Metric: Cosine, Normalize: true,
		RowGroupSize: 64, FragmentTargetSize: 4096, Seed: 1})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = randomUnitVec(rng, dims)
		_, err := s.Insert(uint32(i), vecs[i])
		require.NoError(t, err)
	}
	require.NoError(t, s.BuildIndex(nClusters, 20, nClusters))

	query := randomUnitVec(rng, dims)

	// Exhaustive ground truth on the stored (normalized) vectors, measured
	// from the normalized query that Search itself uses.
	normQuery := Normalize(query)
	type nd struct {
		node uint32
		dist float64
	}
	exact := make([]nd, 0, n)
	for i := range vecs {
		stored, ok := s.Get(uint32(i))
		require.True(t, ok)
		exact = append(exact, nd{node: uint32(i), dist: Distance(Cosine, normQuery, stored)})
	}
	sort.Slice(exact, func(i, j int) bool { return exact[i].dist < exact[j].dist })

	got, err := s.Search(query, k, nClusters, nil)
	require.NoError(t, err)
	require.Len(t, got, k)

	for i := 0; i < k; i++ {
		assert.Equal(t, exact[i].node, got[i].Node, "rank %d", i)
		assert.InDelta(t, exact[i].dist, got[i].Distance, 1e-9)
		assert.InDelta(t, 1-exact[i].dist, got[i].Similarity, 1e-9)
	}

	// Results arrive sorted ascending by distance.
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
}

func TestStore_SearchSkipsDeletedAndFiltered(t *testing.T) {
	s, err := NewStore(Config{Dimensions: 2, Metric: Euclidean, RowGroupSize: 16,
		FragmentTargetSize: 64, Seed: 1})
	require.NoError(t, err)

	for i := 0; i < 32; i++ {
		_, err := s.Insert(uint32(i), []float32{float32(i), 0})
		require.NoError(t, err)
	}
	require.NoError(t, s.BuildIndex(4, 20, 4))

	require.True(t, s.Delete(0))

	got, err := s.Search([]float32{0, 0}, 3, 4, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(1), got[0].Node) // node 0 is tombstoned

	// Predicate filter: only even nodes.
	got, err = s.Search([]float32{0, 0}, 3, 4, func(node uint32) bool { return node%2 == 0 })
	require.NoError(t, err)
	for _, r := range got {
		assert.Zero(t, r.Node%2)
	}
}
