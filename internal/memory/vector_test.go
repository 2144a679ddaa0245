package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	original := []float32{1.5, -2.25, 0, 3.75}

	blob, err := EncodeVector(original)
	require.NoError(t, err)
	assert.Len(t, blob, 4+4*len(original))

	decoded, err := DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeVectorMalformed(t *testing.T) {
	_, err := DecodeVector([]byte{0x01, 0x02, 0x03})
	require.ErrorContains(t, err, "blob too short")

	// declared dimension 2, one value present
	_, err = DecodeVector([]byte{0x02, 0, 0, 0, 0, 0, 0x80, 0x3f})
	require.ErrorContains(t, err, "dim=2 payload=4")

	_, err = DecodeVector([]byte{0, 0, 0, 0})
	require.ErrorContains(t, err, "invalid dimension")
}

func TestEncodeVectorRejectsBadInput(t *testing.T) {
	_, err := EncodeVector(nil)
	require.Error(t, err)

	_, err = EncodeVector([]float32{1, float32(math.NaN())})
	require.ErrorContains(t, err, "non-finite")
}

func TestCosineSimilarity(t *testing.T) {
	score, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	score, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)

	score, err = CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, score, 1e-9)
}

func TestCosineSimilarityErrors(t *testing.T) {
	_, err := CosineSimilarity(nil, []float32{1})
	require.Error(t, err)

	_, err = CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	require.ErrorContains(t, err, "zero-norm")
}
