package catalog

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/sampleuv"
)

// SampleIndices draws n distinct row indices from [0, rows) using a PCG
// source seeded with seed. Equal arguments give equal indices.
func SampleIndices(rows, n int, seed uint64) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: requested %d", ErrTooManyRows, n)
	}
	if n > rows {
		return nil, fmt.Errorf("%w: requested %d objects but only %d are available", ErrTooManyRows, n, rows)
	}

	idx := make([]int, n)
	if n == 0 {
		return idx, nil
	}
	sampleuv.WithoutReplacement(idx, rows, rand.NewPCG(seed, seed))

	return idx, nil
}

// Sample returns n distinct rows of t chosen with SampleIndices.
func (t *Table) Sample(n int, seed uint64) (*Table, error) {
	idx, err := SampleIndices(t.Len(), n, seed)
	if err != nil {
		return nil, err
	}

	return t.Take(idx)
}
