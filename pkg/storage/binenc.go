package storage

import (
	"encoding/binary"
	"math"
)

// Binary encoding helpers. Everything on disk is little-endian; the encoder
// appends to a growable buffer, the decoder tracks an offset and latches the
// first error instead of panicking on truncated input.

type encoder struct {
	buf []byte
}

func (e *encoder) U8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) I64(v int64)  { e.U64(uint64(v)) }
func (e *encoder) F64(v float64) {
	e.U64(math.Float64bits(v))
}
func (e *encoder) F32(v float32) {
	e.U32(math.Float32bits(v))
}

// Str encodes a string as u32 length + bytes.
func (e *encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// F32s encodes a vector as u32 count + packed floats.
func (e *encoder) F32s(v []float32) {
	e.U32(uint32(len(v)))
	for _, f := range v {
		e.F32(f)
	}
}

func (e *encoder) Bytes(b []byte) { e.buf = append(e.buf, b...) }

// Value encodes a PropValue as u8 kind + payload.
func (e *encoder) Value(v PropValue) {
	e.U8(uint8(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			e.U8(1)
		} else {
			e.U8(0)
		}
	case KindInt:
		e.I64(v.Int)
	case KindFloat:
		e.F64(v.Float)
	case KindString:
		e.Str(v.Str)
	case KindVector:
		e.F32s(v.Vec)
	}
}

type decoder struct {
	buf []byte
	off int
	bad bool
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) failed() bool { return d.bad }
func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) take(n int) []byte {
	if d.bad || d.off+n > len(d.buf) {
		d.bad = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) I64() int64   { return int64(d.U64()) }
func (d *decoder) F64() float64 { return math.Float64frombits(d.U64()) }
func (d *decoder) F32() float32 { return math.Float32frombits(d.U32()) }

func (d *decoder) Str() string {
	n := int(d.U32())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) F32Slice() []float32 {
	n := int(d.U32())
	if d.bad || n < 0 || d.remaining() < n*4 {
		d.bad = true
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = d.F32()
	}
	return out
}

// Value decodes a PropValue written by encoder.Value.
func (d *decoder) Value() PropValue {
	kind := PropKind(d.U8())
	switch kind {
	case KindNull:
		return Null()
	case KindBool:
		return BoolValue(d.U8() != 0)
	case KindInt:
		return PropValue{Kind: KindInt, Int: d.I64()}
	case KindFloat:
		return PropValue{Kind: KindFloat, Float: d.F64()}
	case KindString:
		return PropValue{Kind: KindString, Str: d.Str()}
	case KindVector:
		return PropValue{Kind: KindVector, Vec: d.F32Slice()}
	default:
		d.bad = true
		return Null()
	}
}
