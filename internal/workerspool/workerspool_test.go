// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("Map", func(t *testing.T) {
		pool := New().WithMaxParallelism(3)
		results := make([]int, 20)
		require.NoError(t, pool.Map(len(results), func(i int) error {
			results[i] = i * i
			return nil
		}))
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		pool := New().WithMaxParallelism(2)
		var running, peak atomic.Int32
		require.NoError(t, pool.Map(16, func(int) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			runtime.Gosched()
			running.Add(-1)
			return nil
		}))
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("Inline", func(t *testing.T) {
		pool := New().WithMaxParallelism(0)
		var order []int
		require.NoError(t, pool.Map(4, func(i int) error {
			order = append(order, i)
			return nil
		}))
		assert.Equal(t, []int{0, 1, 2, 3}, order)
	})

	t.Run("Unlimited", func(t *testing.T) {
		pool := New().WithMaxParallelism(-1)
		var count atomic.Int32
		require.NoError(t, pool.Map(50, func(int) error {
			count.Add(1)
			return nil
		}))
		assert.Equal(t, int32(50), count.Load())
	})

	t.Run("Error", func(t *testing.T) {
		pool := New()
		err := pool.Map(10, func(i int) error {
			if i == 3 || i == 7 {
				return errors.Errorf("failed at %d", i)
			}
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task #3")
	})
}
