// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"context"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	gomlxcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vampnet/pkg/codec/rvq"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNumCodebooks = 4
	testNumCond      = 1
	testVocab        = 16
	testHop          = 8
)

func newTestCodec(t *testing.T) *rvq.Codec {
	c, err := rvq.New().WithCodebooks(testNumCodebooks, testVocab).WithHopLength(testHop).
		WithLatentDim(2).WithSampleRate(1000).Done()
	require.NoError(t, err)
	return c
}

// fakeScorer prefers token (5*p + b) % vocab at flat position p of batch row b, with a few
// alternatives to keep sampling stochastic.
func fakeScorer(vocab, numPredict int) ScorerFn {
	return func(latents *tensors.Tensor) (*tensors.Tensor, error) {
		dims := latents.Shape().Dimensions
		batch, time := dims[0], dims[2]
		positions := time * numPredict
		data := make([]float32, batch*vocab*positions)
		for b := range batch {
			for v := range vocab {
				for p := range positions {
					logit := float32(v%3) * 0.5
					if v == (5*p+b)%vocab {
						logit = 3
					}
					data[(b*vocab+v)*positions+p] = logit
				}
			}
		}
		return tensors.FromFlatDataAndDimensions(data, batch, vocab, positions), nil
	}
}

func newTestGenerator(t *testing.T) *Generator {
	c := newTestCodec(t)
	return New(fakeScorer(testVocab, testNumCodebooks-testNumCond), c, testNumCond)
}

func conditioningPrefix(batch, time int) *codes.Tokens {
	cond := codes.New[int32](batch, testNumCond, time)
	for ii := range cond.Data {
		cond.Data[ii] = int32((3*ii + 1) % testVocab)
	}
	return cond
}

func assertNoMaskTokens(t *testing.T, tokens *codes.Tokens) {
	for ii, v := range tokens.Data {
		require.True(t, v >= 0 && v < testVocab, "token %d at index %d out of vocabulary", v, ii)
	}
}

func assertConditioningUnchanged(t *testing.T, want, got *codes.Tokens) {
	gotCond, err := got.SliceCodebooks(0, testNumCond)
	require.NoError(t, err)
	wantCond, err := want.SliceCodebooks(0, testNumCond)
	require.NoError(t, err)
	assert.True(t, codes.Equal(wantCond, gotCond), "conditioning codebooks changed")
}

// TestGenerate groups end-to-end decoding tests.
func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("FromScratch", func(t *testing.T) {
		g := newTestGenerator(t).WithSteps(8)
		cond := conditioningPrefix(1, 8)
		result, err := g.Generate(ctx, Request{TimeSteps: 8, Conditioning: cond})
		require.NoError(t, err)
		assert.Equal(t, [3]int{1, testNumCodebooks, 8}, result.Tokens.Shape())
		assertNoMaskTokens(t, result.Tokens)
		assertConditioningUnchanged(t, cond, result.Tokens)
		assert.Equal(t, []int{(testNumCodebooks - testNumCond) * 8}, result.NumMaskedAtStart)
		assert.Nil(t, result.Signal)
	})

	t.Run("MaskCountConvergence", func(t *testing.T) {
		for _, steps := range []int{1, 2, 5, 8, 30} {
			var history [][]int
			g := newTestGenerator(t).WithSteps(steps).WithStepFn(func(info StepInfo) {
				assert.Equal(t, steps, info.Steps)
				history = append(history, info.NumMasked)
			})
			_, err := g.Generate(ctx, Request{TimeSteps: 6, Conditioning: conditioningPrefix(2, 6)})
			require.NoError(t, err)
			require.Len(t, history, steps)
			for b := range 2 {
				prev := (testNumCodebooks - testNumCond) * 6
				for step, counts := range history {
					assert.LessOrEqual(t, counts[b], prev, "steps=%d, step=%d, batch=%d", steps, step, b)
					if step < steps-1 {
						assert.GreaterOrEqual(t, counts[b], 1, "steps=%d, step=%d: at least one stays masked", steps, step)
					}
					prev = counts[b]
				}
				assert.Equal(t, 0, history[steps-1][b], "steps=%d: everything revealed at the end", steps)
			}
		}
	})

	t.Run("ConditioningInvariance", func(t *testing.T) {
		start := codes.New[int32](2, testNumCodebooks, 10)
		for ii := range start.Data {
			start.Data[ii] = int32((7*ii + 2) % testVocab)
		}
		g := newTestGenerator(t).WithSteps(6).WithTemperature(4)
		result, err := g.Generate(ctx, Request{StartTokens: start})
		require.NoError(t, err)
		assertNoMaskTokens(t, result.Tokens)
		assertConditioningUnchanged(t, start, result.Tokens)
		assert.Equal(t, []int{30, 30}, result.NumMaskedAtStart)

		// A mask over the conditioning codebooks is ignored.
		result, err = g.Generate(ctx, Request{StartTokens: start, Mask: codes.Full(2, testNumCodebooks, 10, true)})
		require.NoError(t, err)
		assertConditioningUnchanged(t, start, result.Tokens)
	})

	t.Run("Determinism", func(t *testing.T) {
		cond := conditioningPrefix(1, 12)
		run := func(seed, variation int, temperature float64) *codes.Tokens {
			g := newTestGenerator(t).WithSteps(8).WithSeed(seed).WithTemperature(temperature)
			result, err := g.Generate(ctx, Request{TimeSteps: 12, Conditioning: cond, Variation: variation})
			require.NoError(t, err)
			return result.Tokens
		}
		assert.True(t, codes.Equal(run(42, 0, 0), run(42, 0, 0)))
		assert.True(t, codes.Equal(run(42, 3, 8), run(42, 3, 8)))
	})

	t.Run("PartialMask", func(t *testing.T) {
		start := codes.New[int32](1, testNumCodebooks, 8)
		for ii := range start.Data {
			start.Data[ii] = int32(ii % testVocab)
		}
		mask := codes.New[bool](1, testNumCodebooks, 8)
		mask.Set(0, 2, 4, true)
		g := newTestGenerator(t).WithSteps(1)
		result, err := g.Generate(ctx, Request{StartTokens: start, Mask: mask})
		require.NoError(t, err)
		assert.Equal(t, []int{1}, result.NumMaskedAtStart)
		assertNoMaskTokens(t, result.Tokens)
		for ii := range start.Data {
			if ii == start.Index(0, 2, 4) {
				continue
			}
			assert.Equal(t, start.Data[ii], result.Tokens.Data[ii], "index %d must be unchanged", ii)
		}
	})

	t.Run("MaskTokensInStart", func(t *testing.T) {
		start := codes.New[int32](1, testNumCodebooks, 4)
		start.Set(0, 3, 1, testVocab)
		g := newTestGenerator(t).WithSteps(3)
		result, err := g.Generate(ctx, Request{StartTokens: start, Mask: codes.New[bool](1, testNumCodebooks, 4)})
		require.NoError(t, err)
		assert.Equal(t, []int{1}, result.NumMaskedAtStart)
		assertNoMaskTokens(t, result.Tokens)
	})

	t.Run("BroadcastMask", func(t *testing.T) {
		start := codes.New[int32](1, testNumCodebooks, 6)
		mask := codes.New[bool](1, 1, 6)
		mask.Set(0, 0, 0, true)
		mask.Set(0, 0, 5, true)
		g := newTestGenerator(t).WithSteps(4)
		result, err := g.Generate(ctx, Request{StartTokens: start, Mask: mask})
		require.NoError(t, err)
		assert.Equal(t, []int{2 * (testNumCodebooks - testNumCond)}, result.NumMaskedAtStart)
		assertNoMaskTokens(t, result.Tokens)
	})

	t.Run("TypicalFiltering", func(t *testing.T) {
		g := newTestGenerator(t).WithSteps(5).WithTypicalFiltering(0.2, 1)
		result, err := g.Generate(ctx, Request{TimeSteps: 5, Conditioning: conditioningPrefix(1, 5)})
		require.NoError(t, err)
		assertNoMaskTokens(t, result.Tokens)
	})

	t.Run("ReturnSignal", func(t *testing.T) {
		g := newTestGenerator(t).WithSteps(4)
		result, err := g.Generate(ctx, Request{TimeSteps: 5, Conditioning: conditioningPrefix(1, 5), ReturnSignal: true})
		require.NoError(t, err)
		require.NotNil(t, result.Signal)
		assert.Equal(t, 5*testHop, result.Signal.NumSamples())
		assert.Equal(t, 1000, result.Signal.SampleRate)
	})

	t.Run("NoConditioningCodebooks", func(t *testing.T) {
		g := New(fakeScorer(testVocab, testNumCodebooks), newTestCodec(t), 0).WithSteps(4)
		result, err := g.Generate(ctx, Request{TimeSteps: 3})
		require.NoError(t, err)
		assert.Equal(t, [3]int{1, testNumCodebooks, 3}, result.Tokens.Shape())
		assertNoMaskTokens(t, result.Tokens)
	})
}

// TestGenerateErrors groups the failure modes, all reported before the first step.
func TestGenerateErrors(t *testing.T) {
	ctx := context.Background()
	var calls int
	countingScorer := func(numPredict int) ScorerFn {
		inner := fakeScorer(testVocab, numPredict)
		return func(latents *tensors.Tensor) (*tensors.Tensor, error) {
			calls++
			return inner(latents)
		}
	}
	newGen := func() *Generator {
		return New(countingScorer(testNumCodebooks-testNumCond), newTestCodec(t), testNumCond)
	}
	cond := conditioningPrefix(1, 4)

	for name, tc := range map[string]struct {
		gen *Generator
		req Request
	}{
		"ZeroSteps":            {newGen().WithSteps(0), Request{TimeSteps: 4, Conditioning: cond}},
		"NoTimeSteps":          {newGen(), Request{Conditioning: cond}},
		"MissingConditioning":  {newGen(), Request{TimeSteps: 4}},
		"WrongStartCodebooks":  {newGen(), Request{StartTokens: codes.New[int32](1, 3, 4)}},
		"WrongMaskShape":       {newGen(), Request{StartTokens: codes.New[int32](1, 4, 4), Mask: codes.New[bool](1, 4, 5)}},
		"WrongMaskCodebooks":   {newGen(), Request{StartTokens: codes.New[int32](1, 4, 4), Mask: codes.New[bool](1, 2, 4)}},
		"WrongConditioning":    {newGen(), Request{TimeSteps: 4, Conditioning: conditioningPrefix(1, 5)}},
		"TokenOutOfRange":      {newGen(), Request{StartTokens: codes.Full[int32](1, 4, 4, testVocab+1)}},
		"TooManyConditioning":  {New(countingScorer(0), newTestCodec(t), testNumCodebooks), Request{TimeSteps: 4}},
		"InvalidTypicalMass":   {newGen().WithTypicalFiltering(0, 1), Request{TimeSteps: 4, Conditioning: cond}},
		"InvalidSchedule":      {newGen().WithSchedule(Schedule(17)), Request{TimeSteps: 4, Conditioning: cond}},
		"MaskedConditioning":   {newGen(), Request{StartTokens: codes.Full[int32](1, 4, 4, testVocab)}},
		"InvalidStartTokenLen": {newGen(), Request{StartTokens: &codes.Tokens{Batch: 1, Codebooks: 4, Time: 4}}},
	} {
		t.Run(name, func(t *testing.T) {
			calls = 0
			_, err := tc.gen.Generate(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, 0, calls, "no step should run")
		})
	}

	t.Run("ScorerShape", func(t *testing.T) {
		g := New(fakeScorer(testVocab, 2), newTestCodec(t), testNumCond)
		_, err := g.Generate(ctx, Request{TimeSteps: 4, Conditioning: cond})
		require.Error(t, err)
	})

	t.Run("ScorerError", func(t *testing.T) {
		g := New(ScorerFn(func(*tensors.Tensor) (*tensors.Tensor, error) {
			return nil, errors.New("out of memory")
		}), newTestCodec(t), testNumCond)
		_, err := g.Generate(ctx, Request{TimeSteps: 4, Conditioning: cond})
		require.ErrorContains(t, err, "out of memory")
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		g := newGen().WithSteps(10).WithStepFn(func(info StepInfo) {
			if info.Step == 2 {
				cancel()
			}
		})
		calls = 0
		_, err := g.Generate(cancelCtx, Request{TimeSteps: 4, Conditioning: cond})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 3, calls)
	})
}

func TestGeneratorConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		g := New(nil, nil, 0)
		assert.Equal(t, 24, g.Steps)
		assert.Equal(t, 8.0, g.Temperature)
		assert.False(t, g.TypicalFiltering)
		assert.Equal(t, 0.2, g.TypicalMass)
		assert.Equal(t, 1, g.TypicalMinTokens)
		assert.Equal(t, ScheduleCosine, g.Schedule)
	})

	t.Run("FromContext", func(t *testing.T) {
		ctx := gomlxcontext.New()
		ctx.SetParams(DefaultParams())
		ctx.SetParams(map[string]any{
			ParamSteps:            12,
			ParamTemperature:      2.5,
			ParamTypicalFiltering: true,
			ParamSchedule:         "square",
			ParamSeed:             9,
		})
		g := newTestGenerator(t).FromContext(ctx)
		assert.Equal(t, 12, g.Steps)
		assert.Equal(t, 2.5, g.Temperature)
		assert.True(t, g.TypicalFiltering)
		assert.Equal(t, 0.2, g.TypicalMass)
		assert.Equal(t, ScheduleSquare, g.Schedule)
		assert.Equal(t, 9, g.Seed)
		require.NoError(t, g.validate())
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		ctx := gomlxcontext.New()
		ctx.SetParam(ParamSchedule, "zigzag")
		g := newTestGenerator(t).FromContext(ctx)
		require.Error(t, g.validate())
	})
}

func TestToSignal(t *testing.T) {
	c := newTestCodec(t)
	tokens := codes.Full[int32](2, testNumCodebooks, 3, 5)
	tokens.Set(1, 2, 1, testVocab)
	signal, err := ToSignal(c, tokens)
	require.NoError(t, err)
	for b := range 2 {
		clip := signal.Samples[b]
		for ii := testHop; ii < 2*testHop; ii++ {
			assert.Equal(t, float32(0), clip[ii], "frame with a mask token must be silent")
		}
		var energy float32
		for ii := range testHop {
			energy += clip[ii] * clip[ii]
		}
		assert.Greater(t, energy, float32(0))
	}
}
