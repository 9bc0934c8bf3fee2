package vector

import (
	"fmt"
	"math"
	"math/rand"
)

// Index is an inverted-file (IVF) index: vectors are partitioned into
// k-means clusters and search probes only the nProbe nearest clusters'
// inverted lists.
//
// Training runs k-means with k-means++ initialization: the first centroid
// is drawn uniformly, each subsequent one with probability proportional to
// the squared distance to the nearest already-chosen centroid. Lloyd
// iterations then alternate assignment and mean recomputation until no
// assignment changes or maxIter is hit. Under the cosine metric centroids
// are renormalized to unit length after every update.
type Index struct {
	dims      int
	nClusters int
	metric    Metric

	centroids [][]float32
	lists     [][]uint64
	trained   bool

	trainBuf   []float32
	trainCount int

	rng *rand.Rand
}

// DefaultTrainIterations bounds Lloyd iterations when the caller does not
// specify one.
const DefaultTrainIterations = 20

// NewIndex creates an untrained index. The seed fixes the k-means++
// sampling sequence; the same training data and seed yield the same
// clustering.
func NewIndex(dims, nClusters int, metric Metric, seed int64) *Index {
	return &Index{
		dims:      dims,
		nClusters: nClusters,
		metric:    metric,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Trained reports whether Train has completed.
func (ix *Index) Trained() bool { return ix.trained }

// NClusters returns the configured cluster count.
func (ix *Index) NClusters() int { return ix.nClusters }

// AddTraining appends count vectors (packed, count*dims floats) to the
// training buffer.
func (ix *Index) AddTraining(buf []float32, count int) {
	ix.trainBuf = append(ix.trainBuf, buf[:count*ix.dims]...)
	ix.trainCount += count
}

func (ix *Index) trainVec(i int) []float32 {
	return ix.trainBuf[i*ix.dims : (i+1)*ix.dims]
}

// Train runs k-means over the buffered training vectors, initializes one
// empty inverted list per cluster, and discards the buffer.
func (ix *Index) Train(maxIter int) error {
	if maxIter <= 0 {
		maxIter = DefaultTrainIterations
	}
	n := ix.trainCount
	if n < ix.nClusters {
		return fmt.Errorf("vector: %d training vectors for %d clusters", n, ix.nClusters)
	}

	ix.initCentroidsKMeansPlusPlus(n)

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	sums := make([][]float64, ix.nClusters)
	counts := make([]int, ix.nClusters)
	for c := range sums {
		sums[c] = make([]float64, ix.dims)
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := 0
		for i := 0; i < n; i++ {
			c := ix.nearestCentroid(ix.trainVec(i))
			if c != assignments[i] {
				assignments[i] = c
				changed++
			}
		}
		if changed == 0 {
			break
		}

		for c := range sums {
			for d := range sums[c] {
				sums[c][d] = 0
			}
			counts[c] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			v := ix.trainVec(i)
			for d := 0; d < ix.dims; d++ {
				sums[c][d] += float64(v[d])
			}
			counts[c]++
		}
		for c := range ix.centroids {
			if counts[c] == 0 {
				continue // empty cluster keeps its previous centroid
			}
			for d := 0; d < ix.dims; d++ {
				ix.centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
			if ix.metric == Cosine {
				NormalizeInPlace(ix.centroids[c])
			}
		}
	}

	ix.lists = make([][]uint64, ix.nClusters)
	ix.trainBuf = nil
	ix.trainCount = 0
	ix.trained = true
	return nil
}

// initCentroidsKMeansPlusPlus seeds centroids: first uniform, the rest by
// squared-distance-weighted sampling.
func (ix *Index) initCentroidsKMeansPlusPlus(n int) {
	ix.centroids = make([][]float32, 0, ix.nClusters)

	first := ix.rng.Intn(n)
	ix.centroids = append(ix.centroids, append([]float32(nil), ix.trainVec(first)...))

	dists := make([]float64, n)
	for len(ix.centroids) < ix.nClusters {
		var total float64
		latest := ix.centroids[len(ix.centroids)-1]
		for i := 0; i < n; i++ {
			d := SquaredDistance(ix.trainVec(i), latest)
			if len(ix.centroids) == 1 || d < dists[i] {
				dists[i] = d
			}
			total += dists[i]
		}
		if total == 0 {
			// All remaining points coincide with a centroid.
			idx := ix.rng.Intn(n)
			ix.centroids = append(ix.centroids, append([]float32(nil), ix.trainVec(idx)...))
			continue
		}
		target := ix.rng.Float64() * total
		var acc float64
		chosen := n - 1
		for i := 0; i < n; i++ {
			acc += dists[i]
			if acc >= target {
				chosen = i
				break
			}
		}
		ix.centroids = append(ix.centroids, append([]float32(nil), ix.trainVec(chosen)...))
	}
}

// nearestCentroid returns the index of the closest centroid under the
// configured metric.
func (ix *Index) nearestCentroid(v []float32) int {
	best := 0
	bestDist := math.Inf(1)
	for c, centroid := range ix.centroids {
		d := Distance(ix.metric, v, centroid)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// Insert assigns the vector to its nearest centroid's inverted list.
func (ix *Index) Insert(id uint64, v []float32) error {
	if !ix.trained {
		return ErrIndexNotTrained
	}
	c := ix.nearestCentroid(v)
	ix.lists[c] = append(ix.lists[c], id)
	return nil
}

// Delete recomputes the vector's cluster and swap-removes the id from that
// inverted list.
func (ix *Index) Delete(id uint64, v []float32) error {
	if !ix.trained {
		return ErrIndexNotTrained
	}
	c := ix.nearestCentroid(v)
	list := ix.lists[c]
	for i, got := range list {
		if got == id {
			list[i] = list[len(list)-1]
			ix.lists[c] = list[:len(list)-1]
			return nil
		}
	}
	return ErrNotFound
}

// Probe returns the nProbe nearest cluster indexes for the query.
func (ix *Index) Probe(query []float32, nProbe int) []int {
	if nProbe > ix.nClusters {
		nProbe = ix.nClusters
	}
	type cd struct {
		c int
		d float64
	}
	all := make([]cd, ix.nClusters)
	for c, centroid := range ix.centroids {
		all[c] = cd{c: c, d: Distance(ix.metric, query, centroid)}
	}
	// Partial selection: nProbe is small relative to nClusters.
	for i := 0; i < nProbe; i++ {
		min := i
		for j := i + 1; j < len(all); j++ {
			if all[j].d < all[min].d {
				min = j
			}
		}
		all[i], all[min] = all[min], all[i]
	}
	out := make([]int, nProbe)
	for i := 0; i < nProbe; i++ {
		out[i] = all[i].c
	}
	return out
}

// List exposes one inverted list for candidate walks.
func (ix *Index) List(c int) []uint64 { return ix.lists[c] }

// Reset clears the inverted lists, keeping the trained centroids. Used when
// fragment compaction rewrites vector locations.
func (ix *Index) Reset() {
	if !ix.trained {
		return
	}
	ix.lists = make([][]uint64, ix.nClusters)
}
