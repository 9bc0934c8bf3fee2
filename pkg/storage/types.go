// Package storage implements the RayDB storage and transaction core: a
// read-optimized on-disk snapshot in CSR layout, an in-memory delta overlay
// for post-snapshot writes, a segmented write-ahead log, MVCC with version
// chains and snapshot isolation, and a compactor that folds the delta into a
// fresh snapshot generation.
//
// The engine assumes a single writer process, enforced by an exclusive lock
// on the data directory. Within the process it is single-writer,
// multi-reader: one lock, taken exclusively, serializes all mutation and
// compaction; readers take it shared and so wait while any writer-side
// operation holds it (a compaction for its whole rebuild).
//
// Data flow:
//
//	open      → mmap snapshot, replay WAL into delta
//	write     → tx overlay → (commit) delta + WAL + version chains
//	read      → merged view (snapshot ∪ delta) filtered by visibility
//	compact   → merged view → new snapshot file, WAL truncated
package storage

import "fmt"

// NodeID is a stable 32-bit node identifier. Assigned at creation, never
// reused for the lifetime of the store, stable across compaction.
type NodeID uint32

// ETypeID identifies an edge type. Dense, assigned on first definition.
type ETypeID uint32

// LabelID identifies a node label. Dense, assigned on first definition.
type LabelID uint32

// PropKeyID identifies a property key. Dense, assigned on first definition.
type PropKeyID uint32

// PhysNode is a dense index into one snapshot generation's CSR arrays.
// It is meaningless outside that snapshot; all external lookups use NodeID.
type PhysNode uint32

// PhysNone marks a NodeID with no physical slot in the current snapshot.
const PhysNone PhysNode = 0xFFFFFFFF

// EdgeKey identifies a directed labelled edge. The triple is unique:
// multi-edges between the same endpoints require distinct etypes.
type EdgeKey struct {
	Src   NodeID
	Etype ETypeID
	Dst   NodeID
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%d-[%d]->%d", k.Src, k.Etype, k.Dst)
}

// PropKind tags the concrete type held by a PropValue.
type PropKind uint8

const (
	KindNull PropKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindVector
)

func (k PropKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindString:
		return "string"
	case KindVector:
		return "vector_f32"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PropValue is a tagged union over the six property types. Payloads are
// owned: constructors copy slices so retained values (version chains, delta)
// never alias caller memory.
type PropValue struct {
	Kind  PropKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Vec   []float32
}

// Null returns the null property value.
func Null() PropValue { return PropValue{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) PropValue { return PropValue{Kind: KindBool, Bool: b} }

// IntValue wraps an int64.
func IntValue(i int64) PropValue { return PropValue{Kind: KindInt, Int: i} }

// FloatValue wraps a float64.
func FloatValue(f float64) PropValue { return PropValue{Kind: KindFloat, Float: f} }

// StringValue wraps a string.
func StringValue(s string) PropValue { return PropValue{Kind: KindString, Str: s} }

// VectorValue wraps a float32 vector. The slice is copied.
func VectorValue(v []float32) PropValue {
	owned := make([]float32, len(v))
	copy(owned, v)
	return PropValue{Kind: KindVector, Vec: owned}
}

// Equal reports tag-then-payload equality.
func (v PropValue) Equal(o PropValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindVector:
		if len(v.Vec) != len(o.Vec) {
			return false
		}
		for i := range v.Vec {
			if v.Vec[i] != o.Vec[i] {
				return false
			}
		}
		return true
	}
	return false
}

// IsNull reports whether the value carries the null tag.
func (v PropValue) IsNull() bool { return v.Kind == KindNull }

// Neighbor is one entry yielded by a merged neighbour iteration.
type Neighbor struct {
	Etype ETypeID
	Node  NodeID
}
