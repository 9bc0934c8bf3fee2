package vector

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestStore_InsertAndGet(t *testing.T) {
	s := testStore(t, Config{Dimensions: 3, Metric: Euclidean})

	vid, err := s.Insert(1, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), vid)

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got) // bit-exact without normalization

	_, err = s.Insert(2, []float32{1, 2})
	var dim *DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 3, dim.Expected)
	assert.Equal(t, 2, dim.Got)
}

func TestStore_NormalizedRoundTrip(t *testing.T) {
	s := testStore(t, Config{Dimensions: 2, Metric: Cosine, Normalize: true})

	_, err := s.Insert(1, []float32{3, 4})
	require.NoError(t, err)
	got, ok := s.Get(1)
	require.True(t, ok)

	// v/‖v‖ within 1e-5.
	assert.InDelta(t, 0.6, float64(got[0]), 1e-5)
	assert.InDelta(t, 0.8, float64(got[1]), 1e-5)
	var norm float64
	for _, x := range got {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStore_ReinsertTombstonesOld(t *testing.T) {
	s := testStore(t, Config{Dimensions: 2, Metric: Euclidean})

	v1, err := s.Insert(1, []float32{1, 1})
	require.NoError(t, err)
	v2, err := s.Insert(1, []float32{2, 2})
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	assert.Equal(t, uint64(1), s.Count())
	assert.Equal(t, uint64(1), s.DeletedCount())

	_, err = s.VectorByID(v1)
	assert.ErrorIs(t, err, ErrVectorDeleted)
	got, err := s.VectorByID(v2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, got)
}

func TestStore_DeleteSemantics(t *testing.T) {
	s := testStore(t, Config{Dimensions: 2, Metric: Euclidean})

	vid, err := s.Insert(1, []float32{1, 1})
	require.NoError(t, err)

	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(1)) // node mapping is gone

	_, ok := s.Get(1)
	assert.False(t, ok)

	// The vector-id side survives so readers see "deleted", not "unknown".
	_, err = s.VectorByID(vid)
	assert.ErrorIs(t, err, ErrVectorDeleted)
	_, err = s.VectorByID(vid + 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FragmentSealAndStates(t *testing.T) {
	// fragmentTargetSize=50, rowGroupSize=16: 120 inserts make three
	// fragments of 50, 50, 20 in states sealed, sealed, active.
	s := testStore(t, Config{
		Dimensions:         2,
		Metric:             Euclidean,
		RowGroupSize:       16,
		FragmentTargetSize: 50,
	})

	for i := 0; i < 120; i++ {
		_, err := s.Insert(uint32(i), []float32{float32(i), 0})
		require.NoError(t, err)
	}

	frags := s.Fragments()
	require.Len(t, frags, 3)

	wantStates := []FragmentState{FragSealed, FragSealed, FragActive}
	wantTotals := []int{50, 50, 20}
	for i, fid := range frags {
		state, ok := s.FragmentState(fid)
		require.True(t, ok)
		assert.Equal(t, wantStates[i], state, "fragment %d", i)
		assert.Equal(t, wantTotals[i], s.fragments[fid].Total(), "fragment %d", i)
	}
}

func TestStore_CompactFragments(t *testing.T) {
	s := testStore(t, Config{
		Dimensions:         2,
		Metric:             Euclidean,
		RowGroupSize:       16,
		FragmentTargetSize: 50,
	})
	for i := 0; i < 120; i++ {
		_, err := s.Insert(uint32(i), []float32{float32(i), 0})
		require.NoError(t, err)
	}

	// Delete every vector in the first fragment.
	for i := 0; i < 50; i++ {
		require.True(t, s.Delete(uint32(i)))
	}

	candidates := s.SelectCompactable(0.5)
	require.Equal(t, []uint64{1}, candidates)

	newID, err := s.CompactFragments(candidates)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), newID) // ids are chronological, never reused

	state, ok := s.FragmentState(1)
	require.True(t, ok)
	assert.Equal(t, FragRetired, state)
	state, ok = s.FragmentState(newID)
	require.True(t, ok)
	assert.Equal(t, FragSealed, state)
	assert.Equal(t, 0, s.fragments[newID].Total()) // nothing live survived

	// Untouched vectors still read back.
	got, ok := s.Get(75)
	require.True(t, ok)
	assert.Equal(t, []float32{75, 0}, got)
	assert.Equal(t, uint64(70), s.Count())
}

func TestStore_SearchLifecycleErrors(t *testing.T) {
	s := testStore(t, Config{Dimensions: 2, Metric: Euclidean})

	_, err := s.Search(nil, 5, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = s.Search([]float32{1}, 5, 1, nil)
	var dim *DimensionMismatchError
	assert.ErrorAs(t, err, &dim)

	_, err = s.Search([]float32{1, 2}, 5, 1, nil)
	assert.ErrorIs(t, err, ErrIndexNotTrained)
}

func TestStore_EncodeDecodeRoundTrip(t *testing.T) {
	reg := NewRegistry(Config{Metric: Cosine, RowGroupSize: 8, FragmentTargetSize: 16, Normalize: true})
	s, err := reg.Ensure(1, 4)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 40; i++ {
		vec := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		_, err := s.Insert(uint32(i), vec)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		require.True(t, s.Delete(uint32(i)))
	}
	require.NoError(t, s.BuildIndex(4, 10, 2))

	manifest, frags, index, nodeMap := reg.EncodeSections()
	reg2, err := DecodeSections(manifest, frags, index, nodeMap, Config{})
	require.NoError(t, err)

	s2, ok := reg2.Get(1)
	require.True(t, ok)
	assert.Equal(t, s.Count(), s2.Count())
	assert.Equal(t, s.DeletedCount(), s2.DeletedCount())
	assert.Equal(t, s.Fragments(), s2.Fragments())
	assert.True(t, s2.IndexTrained())

	for i := 10; i < 40; i++ {
		want, ok := s.Get(uint32(i))
		require.True(t, ok)
		got, ok := s2.Get(uint32(i))
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	for i := 0; i < 10; i++ {
		_, ok := s2.Get(uint32(i))
		assert.False(t, ok)
	}

	// The decoded registry encodes to identical bytes.
	m2, f2, i2, n2 := reg2.EncodeSections()
	assert.Equal(t, manifest, m2)
	assert.Equal(t, frags, f2)
	assert.Equal(t, index, i2)
	assert.Equal(t, nodeMap, n2)
}
