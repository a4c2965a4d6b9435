// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codes

import (
	"github.com/pkg/errors"
)

// Flat is a grid with the codebooks axis folded into the time axis: shaped (batch, positions),
// with positions = time * codebooks.
//
// Position p of a flat row corresponds to time p / codebooks and codebook p % codebooks, that is,
// all codebooks of one time step are contiguous.
type Flat[T any] struct {
	Batch, Positions int

	// Data holds Batch*Positions values, indexed by b*Positions + p.
	Data []T
}

// Row returns the slice (not a copy) of the values of batch row b.
func (f *Flat[T]) Row(b int) []T {
	return f.Data[b*f.Positions : (b+1)*f.Positions]
}

// NewFlat returns a zero-valued flat grid.
func NewFlat[T any](batch, positions int) *Flat[T] {
	return &Flat[T]{Batch: batch, Positions: positions, Data: make([]T, batch*positions)}
}

// Flatten a grid (batch, codebooks, time) to (batch, time*codebooks), time-major with the codebook
// being the fastest axis.
func Flatten[T any](g *Grid[T]) *Flat[T] {
	f := NewFlat[T](g.Batch, g.Codebooks*g.Time)
	for b := range g.Batch {
		row := f.Row(b)
		for c := range g.Codebooks {
			base := g.Index(b, c, 0)
			for t := range g.Time {
				row[t*g.Codebooks+c] = g.Data[base+t]
			}
		}
	}
	return f
}

// Unflatten is the inverse of Flatten. It fails if positions is not divisible by numCodebooks.
func Unflatten[T any](f *Flat[T], numCodebooks int) (*Grid[T], error) {
	if numCodebooks < 1 {
		return nil, errors.Errorf("Unflatten requires at least one codebook, got %d", numCodebooks)
	}
	if f.Positions%numCodebooks != 0 {
		return nil, errors.Errorf("Unflatten: %d positions is not divisible by %d codebooks",
			f.Positions, numCodebooks)
	}
	if len(f.Data) != f.Batch*f.Positions {
		return nil, errors.Errorf("Unflatten: flat shape (%d, %d) requires %d values, got %d",
			f.Batch, f.Positions, f.Batch*f.Positions, len(f.Data))
	}
	time := f.Positions / numCodebooks
	g := New[T](f.Batch, numCodebooks, time)
	for b := range f.Batch {
		row := f.Row(b)
		for c := range numCodebooks {
			base := g.Index(b, c, 0)
			for t := range time {
				g.Data[base+t] = row[t*numCodebooks+c]
			}
		}
	}
	return g, nil
}
