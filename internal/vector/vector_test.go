package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	in := []float32{1.0, -0.5, 0.25, 3.75}
	out, err := Unpack(Pack(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPackLittleEndian(t *testing.T) {
	// 1.0 is 0x3F800000, 2.0 is 0x40000000.
	b := Pack([]float32{1.0, 2.0})
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F, 0x00, 0x00, 0x00, 0x40}, b)
}

func TestUnpackBadLength(t *testing.T) {
	_, err := Unpack([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCoerceJSONArray(t *testing.T) {
	v, err := Coerce([]byte(` [1.5, -2.0, 0] `))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2.0, 0}, v)
}

func TestCoercePackedBytes(t *testing.T) {
	v, err := Coerce(Pack([]float32{0.5, 0.75}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.75}, v)
}

func TestCoerceEmpty(t *testing.T) {
	_, err := Coerce(nil)
	assert.Error(t, err)
}

func TestCoerceMalformedJSON(t *testing.T) {
	_, err := Coerce([]byte(`[1, "two"]`))
	assert.Error(t, err)
}
