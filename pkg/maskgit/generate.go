// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/vampnet/pkg/codec"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Request holds the inputs of one Generate call.
type Request struct {
	// TimeSteps is the length of the generated grid, used only if StartTokens is nil.
	TimeSteps int

	// StartTokens, if given, is the initial grid shaped (batch, numCodebooks, time). Positions
	// holding the mask token are always generated. If nil, generation starts from a grid of
	// batch 1 (or the batch of Conditioning) fully masked.
	StartTokens *codes.Tokens

	// Mask selects the positions to generate, shaped (batch, numCodebooks, time) or
	// (batch, 1, time) to apply to all codebooks. If nil, all predicted codebooks are generated.
	// Conditioning codebooks are never generated, regardless of the mask.
	Mask *codes.Mask

	// Conditioning, if given, sets the conditioning codebooks, shaped
	// (batch, numConditioningCodebooks, time).
	Conditioning *codes.Tokens

	// ReturnSignal makes Generate also decode the generated tokens to audio.
	ReturnSignal bool

	// Variation selects an independent random stream for the same Generator seed.
	Variation int
}

// Result of a Generate call.
type Result struct {
	// Tokens shaped (batch, numCodebooks, time), without any mask token.
	Tokens *codes.Tokens

	// Signal is set if Request.ReturnSignal was set.
	Signal *codec.Signal

	// NumMaskedAtStart is the number of generated positions, per batch row.
	NumMaskedAtStart []int
}

// Generate fills in the masked positions of the request in g.Steps steps.
//
// At every step the scorer predicts all positions, a token is sampled for each masked one, and the
// sampled tokens with the lowest confidence (probability, perturbed by annealed Gumbel noise) are
// masked again. The number of positions kept masked follows g.Schedule, and reaches 0 at the last
// step.
//
// ctx is checked for cancellation between steps.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := g.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid generator configuration")
	}
	zMasked, err := g.initialState(req)
	if err != nil {
		return nil, err
	}
	nCond, numCodebooks := g.NumConditioningCodebooks, g.NumCodebooks()
	numPredict := g.NumPredictCodebooks()
	maskToken := g.MaskToken()
	batch, time := zMasked.Batch, zMasked.Time
	conditioning, err := zMasked.SliceCodebooks(0, nCond)
	if err != nil {
		return nil, err
	}
	predicted, err := zMasked.SliceCodebooks(nCond, numCodebooks)
	if err != nil {
		return nil, err
	}
	numMaskedAtStart := countMasked(codes.Flatten(predicted), maskToken)
	klog.V(1).Infof("maskgit: generating %s grid, %d conditioning codebooks, %d steps, masked per row: %v",
		zMasked, nCond, g.Steps, numMaskedAtStart)

	src := rand.NewPCG(uint64(g.Seed), uint64(req.Variation))
	var sampled *codes.Flat[int32]
	for step := range g.Steps {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "generation interrupted before step %d of %d", step, g.Steps)
		}
		r := float64(step+1) / float64(g.Steps)
		final := step == g.Steps-1

		latents, err := g.Codec.EmbedFromCodes(zMasked)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d: failed to embed codes", step)
		}
		scores, err := g.Scorer.Score(latents)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d: scorer failed", step)
		}
		logits, err := LogitsFromScores(scores)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
		klog.V(2).Infof("maskgit: step %d, latents %s, logits (%d, %d, %d)",
			step, latents.Shape(), logits.Batch, logits.Positions, logits.VocabSize)
		if logits.Batch != batch || logits.Positions != time*numPredict || logits.VocabSize != g.Codec.VocabSize() {
			return nil, errors.Errorf("step %d: scorer returned logits for (batch=%d, vocab=%d, positions=%d), "+
				"expected (batch=%d, vocab=%d, positions=%d)", step, logits.Batch, logits.VocabSize, logits.Positions,
				batch, g.Codec.VocabSize(), time*numPredict)
		}
		if g.TypicalFiltering {
			logits, err = TypicalFilter(logits, g.TypicalMass, g.TypicalMinTokens)
			if err != nil {
				return nil, errors.WithMessagef(err, "step %d", step)
			}
		}

		predicted, err = zMasked.SliceCodebooks(nCond, numCodebooks)
		if err != nil {
			return nil, err
		}
		current := codes.Flatten(predicted)
		var confidence [][]float64
		sampled, confidence, err = sampleTokens(src, logits, current, maskToken)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}

		numMasked := countMasked(current, maskToken)
		counts := make([]int, batch)
		for b := range batch {
			counts[b] = numToMask(g.Schedule.NumToMask(r, numMaskedAtStart[b]), numMasked[b], final)
		}
		temperature := g.Temperature * (1 - r)
		remask, err := MaskByRandomTopK(src, counts, confidence, temperature)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
		next := codes.NewFlat[int32](batch, sampled.Positions)
		for b := range batch {
			row, sampledRow := next.Row(b), sampled.Row(b)
			for p := range row {
				if remask[b][p] {
					row[p] = maskToken
				} else {
					row[p] = sampledRow[p]
				}
			}
		}
		predicted, err = codes.Unflatten(next, numPredict)
		if err != nil {
			return nil, err
		}
		zMasked, err = codes.ConcatCodebooks(conditioning, predicted)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("maskgit: step %d/%d, r=%.3f, temperature=%.3f, masked per row: %v -> %v",
			step+1, g.Steps, r, temperature, numMasked, counts)
		if g.StepFn != nil {
			g.StepFn(StepInfo{
				Variation:        req.Variation,
				Step:             step,
				Steps:            g.Steps,
				Ratio:            r,
				Temperature:      temperature,
				NumMasked:        counts,
				NumMaskedAtStart: numMaskedAtStart,
			})
		}
	}

	predicted, err = codes.Unflatten(sampled, numPredict)
	if err != nil {
		return nil, err
	}
	tokens, err := codes.ConcatCodebooks(conditioning, predicted)
	if err != nil {
		return nil, err
	}
	result := &Result{Tokens: tokens, NumMaskedAtStart: numMaskedAtStart}
	if req.ReturnSignal {
		result.Signal, err = ToSignal(g.Codec, tokens)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// initialState resolves the start tokens and the mask of the request and returns the masked
// grid: generated positions hold the mask token, conditioning codebooks are never masked.
func (g *Generator) initialState(req Request) (*codes.Tokens, error) {
	numCodebooks, nCond := g.NumCodebooks(), g.NumConditioningCodebooks
	maskToken := g.MaskToken()
	var z *codes.Tokens
	if req.StartTokens != nil {
		if err := req.StartTokens.Validate(); err != nil {
			return nil, errors.WithMessage(err, "invalid start tokens")
		}
		if req.StartTokens.Codebooks != numCodebooks {
			return nil, errors.Errorf("start tokens shaped %s, expected %d codebooks", req.StartTokens, numCodebooks)
		}
		z = req.StartTokens.Clone()
	} else {
		if req.TimeSteps < 1 {
			return nil, errors.Errorf("TimeSteps must be >= 1 when StartTokens is not given, got %d", req.TimeSteps)
		}
		batch := 1
		if req.Conditioning != nil {
			batch = req.Conditioning.Batch
		}
		z = codes.Full(batch, numCodebooks, req.TimeSteps, maskToken)
	}
	for ii, v := range z.Data {
		if v < 0 || v > maskToken {
			return nil, errors.Errorf("start token %d at index %d out of range [0, %d]", v, ii, maskToken)
		}
	}

	if req.Conditioning != nil {
		c := req.Conditioning
		if err := c.Validate(); err != nil {
			return nil, errors.WithMessage(err, "invalid conditioning tokens")
		}
		if c.Shape() != [3]int{z.Batch, nCond, z.Time} {
			return nil, errors.Errorf("conditioning tokens shaped %s, expected (%d, %d, %d)", c, z.Batch, nCond, z.Time)
		}
		for b := range z.Batch {
			for cb := range nCond {
				for t := range z.Time {
					z.Set(b, cb, t, c.At(b, cb, t))
				}
			}
		}
	}

	mask := req.Mask
	if mask == nil {
		mask = codes.CodebookMask(codes.New[bool](z.Batch, numCodebooks, z.Time), nCond)
	} else {
		if err := mask.Validate(); err != nil {
			return nil, errors.WithMessage(err, "invalid mask")
		}
		var err error
		if mask, err = codes.BroadcastMask(mask, numCodebooks); err != nil {
			return nil, err
		}
		if mask.Batch != z.Batch || mask.Time != z.Time {
			return nil, errors.Errorf("mask shaped %s doesn't match tokens shaped %s", mask, z)
		}
	}
	mask = codes.CodebookUnmask(mask, nCond)
	zMasked, err := codes.ApplyMask(z, mask, maskToken)
	if err != nil {
		return nil, err
	}
	for b := range z.Batch {
		for cb := range nCond {
			for t := range z.Time {
				if zMasked.At(b, cb, t) == maskToken {
					return nil, errors.Errorf("conditioning codebook %d of batch row %d has a mask token at time %d: "+
						"conditioning codes must be given with StartTokens or Conditioning", cb, b, t)
				}
			}
		}
	}
	return zMasked, nil
}

// sampleTokens draws a token for every masked position of current and returns the resulting
// flat grid with the confidence of each position: the probability of the sampled token, or +Inf
// for positions that were already committed.
func sampleTokens(src rand.Source, logits *Logits, current *codes.Flat[int32], maskToken int32) (
	*codes.Flat[int32], [][]float64, error) {
	sampled := codes.NewFlat[int32](current.Batch, current.Positions)
	confidence := make([][]float64, current.Batch)
	probs := make([]float64, logits.VocabSize)
	for b := range current.Batch {
		confidence[b] = make([]float64, current.Positions)
		currentRow, sampledRow := current.Row(b), sampled.Row(b)
		for p, prior := range currentRow {
			token := maskToken
			confidence[b][p] = math.Inf(1)
			if prior == maskToken {
				row := logits.Row(b, p)
				if err := checkRow(row); err != nil {
					return nil, nil, errors.WithMessagef(err, "sampling batch %d, position %d", b, p)
				}
				softmaxInto(probs, row)
				drawn := int(distuv.NewCategorical(probs, src).Rand())
				token = int32(drawn)
				confidence[b][p] = probs[drawn]
			}
			sampledRow[p] = commit(prior, token, maskToken)
		}
	}
	return sampled, confidence, nil
}

// commit returns the value of a position after sampling: committed values are never replaced.
func commit(prior, sampled, maskToken int32) int32 {
	if prior != maskToken {
		return prior
	}
	return sampled
}

// numToMask returns how many of the numMasked positions of a row stay masked after a step, given
// the count requested by the schedule. Except on the final step at least one position stays masked,
// and at least one is revealed whenever two or more are masked.
func numToMask(scheduled, numMasked int, final bool) int {
	if numMasked == 0 {
		return 0
	}
	if final {
		return min(max(scheduled, 0), numMasked)
	}
	return max(1, min(numMasked-1, scheduled))
}

func countMasked(f *codes.Flat[int32], maskToken int32) []int {
	counts := make([]int, f.Batch)
	for b := range f.Batch {
		for _, v := range f.Row(b) {
			if v == maskToken {
				counts[b]++
			}
		}
	}
	return counts
}
