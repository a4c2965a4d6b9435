// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// TypicalFilter implements locally typical sampling: for every position it keeps the tokens whose
// information content (-log p) is closest to the entropy of the distribution, adding tokens in
// that order until their cumulative probability reaches mass. Everything else gets a -Inf logit.
//
// When minTokens > 1, the minTokens most typical tokens are always kept.
//
// It returns new logits, the input is not modified. Rows with NaN or without any finite logit
// are reported as errors.
func TypicalFilter(logits *Logits, mass float64, minTokens int) (*Logits, error) {
	if !(mass > 0 && mass <= 1) {
		return nil, errors.Errorf("typical mass must be in (0, 1], got %g", mass)
	}
	out := logits.Clone()
	vocab := logits.VocabSize
	logp := make([]float64, vocab)
	probs := make([]float64, vocab)
	deviation := make([]float64, vocab)
	order := make([]int, vocab)
	for b := range logits.Batch {
		for p := range logits.Positions {
			row := out.Row(b, p)
			if err := checkRow(row); err != nil {
				return nil, errors.WithMessagef(err, "typical filtering of batch %d, position %d", b, p)
			}
			logZ := softmaxInto(probs, row)
			var entropy float64
			for v, x := range row {
				logp[v] = x - logZ
				if probs[v] > 0 {
					entropy -= probs[v] * logp[v]
				}
			}
			for v := range row {
				deviation[v] = math.Abs(-logp[v] - entropy)
			}

			// Argsort sorts deviation in place.
			floats.Argsort(deviation, order)
			var cumulative float64
			lastIndex := 0
			for _, v := range order {
				cumulative += probs[v]
				if cumulative >= mass {
					break
				}
				lastIndex++
			}
			lastIndex = min(lastIndex, vocab-1)
			threshold := deviation[lastIndex]
			for rank, v := range order {
				if deviation[rank] > threshold && rank >= minTokens {
					row[v] = math.Inf(-1)
				}
			}
		}
	}
	return out, nil
}
