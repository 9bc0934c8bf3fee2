package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropValue_Equal(t *testing.T) {
	assert.True(t, Null().Equal(Null()))
	assert.True(t, IntValue(5).Equal(IntValue(5)))
	assert.False(t, IntValue(5).Equal(IntValue(6)))
	assert.False(t, IntValue(5).Equal(FloatValue(5))) // tag first, payload second
	assert.True(t, StringValue("a").Equal(StringValue("a")))
	assert.True(t, VectorValue([]float32{1, 2}).Equal(VectorValue([]float32{1, 2})))
	assert.False(t, VectorValue([]float32{1, 2}).Equal(VectorValue([]float32{1, 2, 3})))
}

func TestPropValue_VectorOwnership(t *testing.T) {
	src := []float32{1, 2, 3}
	v := VectorValue(src)
	src[0] = 99
	assert.Equal(t, float32(1), v.Vec[0])
}

func TestPropValue_WireRoundTrip(t *testing.T) {
	values := []PropValue{
		Null(),
		BoolValue(true),
		BoolValue(false),
		IntValue(-1234567890123),
		FloatValue(3.14159),
		StringValue(""),
		StringValue("héllo wörld"),
		VectorValue([]float32{0.5, -0.25, 1e-7}),
	}

	var e encoder
	for _, v := range values {
		e.Value(v)
	}
	d := newDecoder(e.buf)
	for _, want := range values {
		got := d.Value()
		require.False(t, d.failed())
		assert.True(t, want.Equal(got), "want %v got %v", want, got)
	}
	assert.Equal(t, 0, d.remaining())
}

func TestDecoder_TruncatedInputLatchesError(t *testing.T) {
	var e encoder
	e.Value(StringValue("hello"))

	d := newDecoder(e.buf[:3])
	_ = d.Value()
	assert.True(t, d.failed())

	// Further reads stay failed instead of panicking.
	_ = d.U64()
	assert.True(t, d.failed())
}
