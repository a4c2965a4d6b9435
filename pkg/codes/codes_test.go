// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codes

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iotaTokens(batch, codebooks, time int) *Tokens {
	g := New[int32](batch, codebooks, time)
	for ii := range g.Data {
		g.Data[ii] = int32(ii)
	}
	return g
}

func TestGrid(t *testing.T) {
	t.Run("Indexing", func(t *testing.T) {
		g := iotaTokens(2, 3, 4)
		assert.Equal(t, int32(0), g.At(0, 0, 0))
		assert.Equal(t, int32(4), g.At(0, 1, 0))
		assert.Equal(t, int32(12+2*4+3), g.At(1, 2, 3))
		g.Set(1, 0, 1, -7)
		assert.Equal(t, int32(-7), g.Data[13])
		assert.Equal(t, [3]int{2, 3, 4}, g.Shape())
	})

	t.Run("FromData", func(t *testing.T) {
		_, err := FromData([]int32{1, 2, 3}, 1, 2, 2)
		require.Error(t, err)
		g, err := FromData([]int32{1, 2, 3, 4}, 1, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(3), g.At(0, 1, 0))
	})

	t.Run("Clone", func(t *testing.T) {
		g := iotaTokens(1, 2, 2)
		c := g.Clone()
		c.Data[0] = 100
		assert.Equal(t, int32(0), g.Data[0])
		assert.False(t, Equal(g, c))
	})

	t.Run("SliceAndConcat", func(t *testing.T) {
		g := iotaTokens(2, 4, 3)
		cond, err := g.SliceCodebooks(0, 1)
		require.NoError(t, err)
		pred, err := g.SliceCodebooks(1, 4)
		require.NoError(t, err)
		assert.Equal(t, [3]int{2, 1, 3}, cond.Shape())
		assert.Equal(t, [3]int{2, 3, 3}, pred.Shape())
		assert.Equal(t, g.At(1, 2, 1), pred.At(1, 1, 1))
		joined, err := ConcatCodebooks(cond, pred)
		require.NoError(t, err)
		assert.True(t, Equal(g, joined))

		_, err = g.SliceCodebooks(2, 5)
		require.Error(t, err)
		_, err = ConcatCodebooks(cond, iotaTokens(1, 1, 3))
		require.Error(t, err)
	})

	t.Run("Count", func(t *testing.T) {
		g := Full[int32](2, 2, 2, 5)
		g.Set(0, 1, 1, 3)
		assert.Equal(t, 7, Count(g, int32(5)))
		assert.Equal(t, 1, Count(g, int32(3)))
	})
}

func TestFlatten(t *testing.T) {
	t.Run("Layout", func(t *testing.T) {
		// Codebook is the fastest axis.
		g := iotaTokens(1, 2, 3) // c0: 0,1,2 ; c1: 3,4,5
		f := Flatten(g)
		assert.Equal(t, 6, f.Positions)
		assert.Equal(t, []int32{0, 3, 1, 4, 2, 5}, f.Data)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 2))
		for _, shape := range [][3]int{{1, 1, 1}, {1, 4, 8}, {3, 2, 5}, {2, 9, 7}, {4, 1, 3}} {
			t.Run(fmt.Sprintf("%v", shape), func(t *testing.T) {
				g := New[int32](shape[0], shape[1], shape[2])
				for ii := range g.Data {
					g.Data[ii] = rng.Int32N(1024)
				}
				back, err := Unflatten(Flatten(g), shape[1])
				require.NoError(t, err)
				assert.True(t, Equal(g, back))
			})
		}
	})

	t.Run("NotDivisible", func(t *testing.T) {
		f := NewFlat[int32](2, 7)
		_, err := Unflatten(f, 3)
		require.Error(t, err)
		_, err = Unflatten(f, 0)
		require.Error(t, err)
	})
}

func TestMasks(t *testing.T) {
	t.Run("Random", func(t *testing.T) {
		src := rand.NewPCG(42, 0)
		m, err := RandomMask(src, 2, 2, 50, []float64{0, 1})
		require.NoError(t, err)
		for c := range 2 {
			for tt := range 50 {
				assert.False(t, m.At(0, c, tt))
				assert.True(t, m.At(1, c, tt))
			}
		}
		_, err = RandomMask(src, 2, 2, 5, []float64{0.5})
		require.Error(t, err)
		_, err = RandomMask(src, 1, 2, 5, []float64{1.5})
		require.Error(t, err)
	})

	t.Run("Inpaint", func(t *testing.T) {
		m, err := InpaintMask(1, 2, 6, 2, 1)
		require.NoError(t, err)
		for c := range 2 {
			for tt, want := range []bool{false, false, true, true, true, false} {
				assert.Equal(t, want, m.At(0, c, tt), "c=%d, t=%d", c, tt)
			}
		}
		_, err = InpaintMask(1, 2, 6, 4, 3)
		require.Error(t, err)
	})

	t.Run("Periodic", func(t *testing.T) {
		m, err := PeriodicMask(1, 1, 8, 3, 1, 0)
		require.NoError(t, err)
		want := []bool{false, true, true, false, true, true, false, true}
		assert.Equal(t, want, m.Data)

		m, err = PeriodicMask(1, 1, 8, 4, 3, 1)
		require.NoError(t, err)
		want = []bool{false, false, false, true, false, false, false, true}
		assert.Equal(t, want, m.Data)

		for _, width := range []int{1, 2, 3, 4} {
			m, err = PeriodicMask(1, 1, 40, 10, width, 0)
			require.NoError(t, err)
			var kept []int
			for tt := 5; tt < 15; tt++ {
				if !m.At(0, 0, tt) {
					kept = append(kept, tt)
				}
			}
			assert.Len(t, kept, width, "width=%d kept %v", width, kept)
			assert.Contains(t, kept, 10, "width=%d", width)
			assert.Equal(t, 10-(width-1)/2, kept[0], "width=%d", width)
		}

		// Windows are clipped at the borders.
		m, err = PeriodicMask(1, 1, 6, 5, 4, 0)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, false, false, true, false, false}, m.Data)

		m, err = PeriodicMask(1, 2, 4, 0, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 8, Count(m, true))
	})

	t.Run("Codebooks", func(t *testing.T) {
		m := Full(1, 3, 2, true)
		u := CodebookUnmask(m, 1)
		assert.Equal(t, 4, Count(u, true))
		assert.False(t, u.At(0, 0, 1))
		assert.Equal(t, 6, Count(m, true), "input must not be changed")

		empty := New[bool](1, 3, 2)
		cm := CodebookMask(empty, 2)
		assert.Equal(t, 2, Count(cm, true))
		assert.True(t, cm.At(0, 2, 0))
	})

	t.Run("Combine", func(t *testing.T) {
		a, _ := FromData([]bool{true, true, false, false}, 1, 1, 4)
		b, _ := FromData([]bool{true, false, true, false}, 1, 1, 4)
		and, err := MaskAnd(a, b)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false, false, false}, and.Data)
		or, err := MaskOr(a, b)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true, true, false}, or.Data)
		_, err = MaskOr(a, New[bool](1, 2, 2))
		require.Error(t, err)
	})

	t.Run("Apply", func(t *testing.T) {
		tokens := iotaTokens(1, 1, 4)
		m, _ := FromData([]bool{false, true, false, true}, 1, 1, 4)
		masked, err := ApplyMask(tokens, m, 99)
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 99, 2, 99}, masked.Data)
		assert.Equal(t, []int32{0, 1, 2, 3}, tokens.Data)
	})

	t.Run("Broadcast", func(t *testing.T) {
		m, _ := FromData([]bool{true, false, true}, 1, 1, 3)
		bm, err := BroadcastMask(m, 3)
		require.NoError(t, err)
		assert.Equal(t, [3]int{1, 3, 3}, bm.Shape())
		assert.Equal(t, 6, Count(bm, true))
		_, err = BroadcastMask(New[bool](1, 2, 3), 3)
		require.Error(t, err)
	})
}

func TestTensorConversion(t *testing.T) {
	g := iotaTokens(2, 3, 4)
	tensor := ToTensor(g)
	assert.Equal(t, []int{2, 3, 4}, tensor.Shape().Dimensions)
	back, err := FromTensor(tensor)
	require.NoError(t, err)
	assert.True(t, Equal(g, back))

	t.Run("Int64", func(t *testing.T) {
		tokens, err := FromTensor(tensors.FromFlatDataAndDimensions([]int64{0, 7, 1023}, 1, 1, 3))
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 7, 1023}, tokens.Data)

		for _, v := range []int64{math.MaxInt32 + 1, math.MinInt32 - 1} {
			_, err = FromTensor(tensors.FromFlatDataAndDimensions([]int64{0, v}, 1, 1, 2))
			require.Error(t, err, "value %d", v)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := FromTensor(tensors.FromFlatDataAndDimensions([]int32{1, 2}, 1, 2))
		require.Error(t, err)
		_, err = FromTensor(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 1, 2))
		require.Error(t, err)
	})
}
