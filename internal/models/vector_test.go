package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorValueScanRoundTrip(t *testing.T) {
	v := Vector{0.25, -1.5, 0, 3.125}

	val, err := v.Value()
	require.NoError(t, err)
	require.Equal(t, "[0.25,-1.5,0,3.125]", val)

	var out Vector
	require.NoError(t, out.Scan([]byte(val.(string))))
	assert.Equal(t, v, out)
}

func TestVectorScanRejectsMalformed(t *testing.T) {
	var v Vector
	assert.Error(t, v.Scan("0.1,0.2"))
	assert.Error(t, v.Scan([]byte("[0.1,x]")))
	assert.Error(t, v.Scan(42))
}

func TestVectorScanEmpty(t *testing.T) {
	var v Vector
	require.NoError(t, v.Scan("[]"))
	assert.Len(t, v, 0)

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)
}

func TestNormalize(t *testing.T) {
	v := Vector{3, 4}
	n := v.Normalize()

	assert.InDelta(t, 1.0, n.Norm(), 1e-6)
	assert.True(t, n.IsUnit())
	assert.InDelta(t, 0.6, float64(n[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(n[1]), 1e-6)

	// normalising twice is a no-op
	again := n.Normalize()
	assert.InDelta(t, float64(n[0]), float64(again[0]), 1e-6)

	// zero vector stays zero rather than dividing by zero
	z := Vector{0, 0}.Normalize()
	assert.Equal(t, Vector{0, 0}, z)
	assert.False(t, z.IsUnit())
}

func TestCosine(t *testing.T) {
	a := Vector{1, 0}
	b := Vector{0, 1}
	c := Vector{1, 0}

	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, 1.0, Cosine(a, c), 1e-9)
	assert.InDelta(t, -1.0, Cosine(a, Vector{-1, 0}), 1e-9)

	// mismatched or empty inputs score zero
	assert.Equal(t, 0.0, Cosine(a, Vector{1}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestClampPhi(t *testing.T) {
	assert.Equal(t, 0.0, ClampPhi(-0.3))
	assert.Equal(t, 2.5, ClampPhi(2.5))
	assert.Equal(t, MaxResonance, ClampPhi(7.2))
	assert.Equal(t, MaxResonance, ClampPhi(math.Inf(1)))
}
