// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codes

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ToTensor converts the tokens to an Int32 tensor shaped [batch, codebooks, time].
func ToTensor(tokens *Tokens) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(tokens.Data, tokens.Batch, tokens.Codebooks, tokens.Time)
}

// FromTensor converts an Int32 or Int64 tensor shaped [batch, codebooks, time] to Tokens.
func FromTensor(t *tensors.Tensor) (*Tokens, error) {
	if t.Rank() != 3 {
		return nil, errors.Errorf("tokens tensor must have rank 3 (batch, codebooks, time), got shape %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	tokens := New[int32](dims[0], dims[1], dims[2])
	var err, rangeErr error
	switch t.DType() {
	case dtypes.Int32:
		err = tensors.ConstFlatData(t, func(flat []int32) {
			copy(tokens.Data, flat)
		})
	case dtypes.Int64:
		err = tensors.ConstFlatData(t, func(flat []int64) {
			for ii, v := range flat {
				if v < math.MinInt32 || v > math.MaxInt32 {
					rangeErr = errors.Errorf("token %d at index %d doesn't fit in int32", v, ii)
					return
				}
				tokens.Data[ii] = int32(v)
			}
		})
	default:
		return nil, errors.Errorf("tokens tensor must be Int32 or Int64, got %s", t.DType())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read tokens tensor")
	}
	if rangeErr != nil {
		return nil, rangeErr
	}
	return tokens, nil
}
