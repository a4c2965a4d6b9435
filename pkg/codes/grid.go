// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codes holds the discrete code grids produced by a neural audio codec, the masks
// over them, and the layout conversions used by the masked-token decoder.
//
// A Grid is shaped (batch, codebooks, time) and stored row-major with time as the fastest axis.
package codes

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Grid is a dense (batch, codebooks, time) array of values.
type Grid[T any] struct {
	Batch, Codebooks, Time int

	// Data holds Batch*Codebooks*Time values, indexed by (b*Codebooks + c)*Time + t.
	Data []T
}

// Tokens is a grid of discrete codes. Each value is either in [0, vocabSize) or the mask sentinel.
type Tokens = Grid[int32]

// Mask is a grid of booleans, where true marks a position as unknown ("masked").
type Mask = Grid[bool]

// New returns a zero-valued grid of the given shape.
func New[T any](batch, codebooks, time int) *Grid[T] {
	return &Grid[T]{
		Batch:     batch,
		Codebooks: codebooks,
		Time:      time,
		Data:      make([]T, batch*codebooks*time),
	}
}

// Full returns a grid of the given shape with every position set to value.
func Full[T any](batch, codebooks, time int, value T) *Grid[T] {
	g := New[T](batch, codebooks, time)
	for ii := range g.Data {
		g.Data[ii] = value
	}
	return g
}

// FromData wraps data (not copied) into a grid. It returns an error if the length of data doesn't
// match the shape.
func FromData[T any](data []T, batch, codebooks, time int) (*Grid[T], error) {
	if batch < 0 || codebooks < 0 || time < 0 {
		return nil, errors.Errorf("invalid grid shape (%d, %d, %d)", batch, codebooks, time)
	}
	if len(data) != batch*codebooks*time {
		return nil, errors.Errorf("grid shape (%d, %d, %d) requires %d values, got %d",
			batch, codebooks, time, batch*codebooks*time, len(data))
	}
	return &Grid[T]{Batch: batch, Codebooks: codebooks, Time: time, Data: data}, nil
}

// Shape returns (batch, codebooks, time).
func (g *Grid[T]) Shape() [3]int {
	return [3]int{g.Batch, g.Codebooks, g.Time}
}

// String implements fmt.Stringer, it only prints the shape.
func (g *Grid[T]) String() string {
	return fmt.Sprintf("(%d, %d, %d)", g.Batch, g.Codebooks, g.Time)
}

// Index of the position (b, c, t) in Data.
func (g *Grid[T]) Index(b, c, t int) int {
	return (b*g.Codebooks+c)*g.Time + t
}

// At returns the value at (b, c, t).
func (g *Grid[T]) At(b, c, t int) T {
	return g.Data[g.Index(b, c, t)]
}

// Set the value at (b, c, t).
func (g *Grid[T]) Set(b, c, t int, value T) {
	g.Data[g.Index(b, c, t)] = value
}

// Clone returns a deep copy.
func (g *Grid[T]) Clone() *Grid[T] {
	return &Grid[T]{Batch: g.Batch, Codebooks: g.Codebooks, Time: g.Time, Data: slices.Clone(g.Data)}
}

// Validate checks that Data is consistent with the shape.
func (g *Grid[T]) Validate() error {
	if g == nil {
		return errors.New("nil grid")
	}
	_, err := FromData(g.Data, g.Batch, g.Codebooks, g.Time)
	return err
}

// SliceCodebooks returns a new grid with the codebooks in the range [from, to).
func (g *Grid[T]) SliceCodebooks(from, to int) (*Grid[T], error) {
	if from < 0 || to > g.Codebooks || from > to {
		return nil, errors.Errorf("invalid codebook range [%d, %d) for grid with %d codebooks", from, to, g.Codebooks)
	}
	out := New[T](g.Batch, to-from, g.Time)
	for b := range g.Batch {
		src := g.Data[g.Index(b, from, 0):g.Index(b, to, 0)]
		copy(out.Data[out.Index(b, 0, 0):], src)
	}
	return out, nil
}

// ConcatCodebooks concatenates grids along the codebooks axis. All grids must have the same batch
// and time dimensions.
func ConcatCodebooks[T any](grids ...*Grid[T]) (*Grid[T], error) {
	if len(grids) == 0 {
		return nil, errors.New("ConcatCodebooks requires at least one grid")
	}
	batch, time := grids[0].Batch, grids[0].Time
	var numCodebooks int
	for ii, g := range grids {
		if g.Batch != batch || g.Time != time {
			return nil, errors.Errorf("ConcatCodebooks: grid #%d has shape %s, incompatible with batch=%d, time=%d",
				ii, g, batch, time)
		}
		numCodebooks += g.Codebooks
	}
	out := New[T](batch, numCodebooks, time)
	for b := range batch {
		pos := out.Index(b, 0, 0)
		for _, g := range grids {
			n := copy(out.Data[pos:], g.Data[g.Index(b, 0, 0):g.Index(b, g.Codebooks, 0)])
			pos += n
		}
	}
	return out, nil
}

// Equal returns whether both grids have the same shape and values.
func Equal[T comparable](a, b *Grid[T]) bool {
	if a.Shape() != b.Shape() {
		return false
	}
	return slices.Equal(a.Data, b.Data)
}

// Count returns the number of positions holding value.
func Count[T comparable](g *Grid[T], value T) int {
	var n int
	for _, v := range g.Data {
		if v == value {
			n++
		}
	}
	return n
}
