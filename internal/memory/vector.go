package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Blob layout: 4-byte little-endian dimension, then dimension float32 values.
const (
	blobHeaderSize = 4
	blobValueSize  = 4
)

// ErrDimensionMismatch marks a comparison between vectors of different sizes.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, errors.New("encode vector: empty vector")
	}
	if len(vector) > (math.MaxInt32-blobHeaderSize)/blobValueSize {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(vector))
	}

	blob := make([]byte, blobHeaderSize+len(vector)*blobValueSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if !finite(float64(v)) {
			return nil, fmt.Errorf("encode vector: non-finite value at %d", i)
		}
		off := blobHeaderSize + i*blobValueSize
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	return blob, nil
}

func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: invalid dimension %d", dim)
	}
	if payload := len(blob) - blobHeaderSize; payload != dim*blobValueSize {
		return nil, fmt.Errorf("decode vector: dim=%d payload=%d", dim, payload)
	}

	out := make([]float32, dim)
	for i := range out {
		off := blobHeaderSize + i*blobValueSize
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[off:]))
		if !finite(float64(v)) {
			return nil, fmt.Errorf("decode vector: non-finite value at %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. Vectors of different length are never compared.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errors.New("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: %w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if !finite(x) || !finite(y) {
			return 0, fmt.Errorf("cosine similarity: non-finite value at %d", i)
		}
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, errors.New("cosine similarity: zero-norm vector")
	}

	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, score)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
