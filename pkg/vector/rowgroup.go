package vector

// RowGroup is a fixed-capacity slab of packed float32 vectors. Vector i,
// dimension d lives at data[i*dims+d]. Row groups never shrink except for
// the trailing trim at fragment seal time.
type RowGroup struct {
	dims     int
	capacity int
	count    int
	data     []float32
}

func newRowGroup(dims, capacity int) *RowGroup {
	return &RowGroup{
		dims:     dims,
		capacity: capacity,
		data:     make([]float32, dims*capacity),
	}
}

// Append copies v into the next slot, normalizing in place when asked, and
// returns the slot index. The caller checks Full first.
func (g *RowGroup) Append(v []float32, normalize bool) int {
	slot := g.count
	dst := g.data[slot*g.dims : (slot+1)*g.dims]
	copy(dst, v)
	if normalize {
		NormalizeInPlace(dst)
	}
	g.count++
	return slot
}

// At returns a view of the vector in the given slot.
func (g *RowGroup) At(i int) []float32 {
	return g.data[i*g.dims : (i+1)*g.dims]
}

// Full reports whether the slab has no free slots.
func (g *RowGroup) Full() bool { return g.count >= g.capacity }

// Count returns the number of occupied slots.
func (g *RowGroup) Count() int { return g.count }

// trim releases the unused tail. Called when the owning fragment seals.
func (g *RowGroup) trim() {
	if g.count < g.capacity {
		g.data = g.data[: g.count*g.dims : g.count*g.dims]
		g.capacity = g.count
	}
}
