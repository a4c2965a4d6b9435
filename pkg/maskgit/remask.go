// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// MaskByRandomTopK selects, for each batch row b, the numToMask[b] positions with the lowest
// log(confidence) + temperature·g, where g is standard Gumbel noise drawn independently per
// position. It returns the selection as a mask (true = masked).
//
// With temperature <= 0 no noise is drawn and exactly the numToMask[b] lowest-confidence
// positions are selected (ties broken arbitrarily). numToMask[b] is clamped to
// [0, len(confidence[b])].
//
// Positions with +Inf confidence are only selected if numToMask[b] exceeds the number of
// positions with finite confidence.
func MaskByRandomTopK(src rand.Source, numToMask []int, confidence [][]float64, temperature float64) ([][]bool, error) {
	if len(numToMask) != len(confidence) {
		return nil, errors.Errorf("MaskByRandomTopK: got %d counts for %d batch rows", len(numToMask), len(confidence))
	}
	gumbel := distuv.GumbelRight{Mu: 0, Beta: 1, Src: src}
	masks := make([][]bool, len(confidence))
	for b, row := range confidence {
		perturbed := make([]float64, len(row))
		for p, conf := range row {
			if math.IsNaN(conf) || conf < 0 {
				return nil, errors.Errorf("MaskByRandomTopK: invalid confidence %g at batch %d, position %d", conf, b, p)
			}
			perturbed[p] = math.Log(conf)
			if temperature > 0 {
				perturbed[p] += temperature * gumbel.Rand()
			}
		}
		order := make([]int, len(row))
		floats.Argsort(perturbed, order)
		k := min(max(numToMask[b], 0), len(row))
		masks[b] = make([]bool, len(row))
		for _, p := range order[:k] {
			masks[b][p] = true
		}
	}
	return masks, nil
}
