// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// Logits holds unnormalized log-probabilities over the vocabulary for every flat position,
// shaped (batch, positions, vocabSize).
type Logits struct {
	Batch, Positions, VocabSize int

	// Data is indexed by (b*Positions + p)*VocabSize + v.
	Data []float64
}

// NewLogits returns zero-valued logits.
func NewLogits(batch, positions, vocabSize int) *Logits {
	return &Logits{
		Batch:     batch,
		Positions: positions,
		VocabSize: vocabSize,
		Data:      make([]float64, batch*positions*vocabSize),
	}
}

// Row returns the (not copied) logits of batch b, position p.
func (l *Logits) Row(b, p int) []float64 {
	start := (b*l.Positions + p) * l.VocabSize
	return l.Data[start : start+l.VocabSize]
}

// Clone returns a deep copy.
func (l *Logits) Clone() *Logits {
	c := NewLogits(l.Batch, l.Positions, l.VocabSize)
	copy(c.Data, l.Data)
	return c
}

// LogitsFromScores converts the output of a Scorer, shaped (batch, vocabSize, positions), to
// Logits shaped (batch, positions, vocabSize).
//
// Float32, Float64, Float16 and BFloat16 scores are accepted.
func LogitsFromScores(scores *tensors.Tensor) (*Logits, error) {
	if scores.Rank() != 3 {
		return nil, errors.Errorf("scores must be shaped (batch, vocab, positions), got %s", scores.Shape())
	}
	dims := scores.Shape().Dimensions
	l := NewLogits(dims[0], dims[2], dims[1])
	var err error
	switch scores.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(scores, func(flat []float32) { transposeInto(l, flat, identity[float32]) })
	case dtypes.Float64:
		err = tensors.ConstFlatData(scores, func(flat []float64) { transposeInto(l, flat, identity[float64]) })
	case dtypes.Float16:
		err = tensors.ConstFlatData(scores, func(flat []float16.Float16) {
			transposeInto(l, flat, func(v float16.Float16) float32 { return v.Float32() })
		})
	case dtypes.BFloat16:
		err = tensors.ConstFlatData(scores, func(flat []bfloat16.BFloat16) {
			transposeInto(l, flat, func(v bfloat16.BFloat16) float32 { return v.Float32() })
		})
	default:
		return nil, errors.Errorf("scores dtype %s not supported, it must be a float", scores.DType())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read scores")
	}
	return l, nil
}

func identity[F constraints.Float](v F) F { return v }

// transposeInto copies (batch, vocab, positions) values into l, laid out as (batch, positions, vocab).
func transposeInto[T any, F constraints.Float](l *Logits, flat []T, toFloat func(T) F) {
	for b := range l.Batch {
		for v := range l.VocabSize {
			src := flat[(b*l.VocabSize+v)*l.Positions:]
			for p := range l.Positions {
				l.Data[(b*l.Positions+p)*l.VocabSize+v] = float64(toFloat(src[p]))
			}
		}
	}
}

// checkRow returns an error if the row has a NaN or no finite value.
func checkRow(row []float64) error {
	finite := false
	for _, v := range row {
		if math.IsNaN(v) {
			return errors.New("NaN logit")
		}
		if !math.IsInf(v, 0) {
			finite = true
		} else if math.IsInf(v, 1) {
			return errors.New("+Inf logit")
		}
	}
	if !finite {
		return errors.New("no finite logit, the distribution has no probability mass")
	}
	return nil
}

// softmaxInto writes the softmax of row into probs and returns the log-normalizer.
func softmaxInto(probs, row []float64) float64 {
	logZ := floats.LogSumExp(row)
	for v, x := range row {
		probs[v] = math.Exp(x - logZ)
	}
	return logZ
}
