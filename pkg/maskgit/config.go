// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vampnet/pkg/codec"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration
const (
	ParamSteps            = "maskgit_steps"
	ParamTemperature      = "maskgit_temperature"
	ParamTypicalFiltering = "maskgit_typical_filtering"
	ParamTypicalMass      = "maskgit_typical_mass"
	ParamTypicalMinTokens = "maskgit_typical_min_tokens"
	ParamSchedule         = "maskgit_schedule"
	ParamSeed             = "maskgit_seed"
)

// Scorer is the transformer that predicts the codes: it takes the latents of the current codes,
// shaped [batch, numCodebooks*latentDim, time], and returns logits shaped
// [batch, vocabSize, time*numPredictCodebooks] (see codes.Flatten for the layout of positions).
//
// Score is always called in inference mode, and it must be safe to call concurrently if the
// Generator is used concurrently.
type Scorer interface {
	Score(latents *tensors.Tensor) (*tensors.Tensor, error)
}

// ScorerFn adapts a function to the Scorer interface.
type ScorerFn func(latents *tensors.Tensor) (*tensors.Tensor, error)

// Score implements Scorer.
func (fn ScorerFn) Score(latents *tensors.Tensor) (*tensors.Tensor, error) { return fn(latents) }

// Generator configures and runs the iterative masked-token decoding.
//
// The first NumConditioningCodebooks codebooks are given (conditioning) and never changed, the
// remaining ones are predicted. A Generator must not be changed while Generate is running,
// concurrent calls to Generate are fine.
type Generator struct {
	Scorer                   Scorer
	Codec                    codec.Codec
	NumConditioningCodebooks int

	// Decoding parameters.
	Steps            int
	Temperature      float64
	TypicalFiltering bool
	TypicalMass      float64
	TypicalMinTokens int
	Schedule         Schedule
	Seed             int

	// StepFn, if set, is called at the end of every step.
	StepFn func(info StepInfo)

	// configErr holds an invalid hyperparameter found by FromContext.
	configErr error
}

// StepInfo describes a finished decoding step.
type StepInfo struct {
	// Variation is the Request.Variation of the call.
	Variation int

	Step, Steps int

	// Ratio is the schedule ratio r = (Step+1)/Steps.
	Ratio float64

	// Temperature used for remasking at this step.
	Temperature float64

	// NumMasked is the number of predicted positions still masked at the end of the step, per batch row.
	NumMasked []int

	// NumMaskedAtStart is the number of predicted positions masked before the first step, per batch row.
	NumMaskedAtStart []int
}

// New creates a Generator with default parameters: 24 steps, temperature 8, cosine schedule and
// typical filtering disabled (mass 0.2, 1 minimum token when enabled).
func New(scorer Scorer, c codec.Codec, numConditioningCodebooks int) *Generator {
	return &Generator{
		Scorer:                   scorer,
		Codec:                    c,
		NumConditioningCodebooks: numConditioningCodebooks,
		Steps:                    24,
		Temperature:              8.0,
		TypicalFiltering:         false,
		TypicalMass:              0.2,
		TypicalMinTokens:         1,
		Schedule:                 ScheduleCosine,
		Seed:                     0,
	}
}

// DefaultParams returns the hyperparameters read by FromContext with their default values,
// to be set in a context before parsing command-line settings.
func DefaultParams() map[string]any {
	g := New(nil, nil, 0)
	return map[string]any{
		ParamSteps:            g.Steps,
		ParamTemperature:      g.Temperature,
		ParamTypicalFiltering: g.TypicalFiltering,
		ParamTypicalMass:      g.TypicalMass,
		ParamTypicalMinTokens: g.TypicalMinTokens,
		ParamSchedule:         g.Schedule.String(),
		ParamSeed:             g.Seed,
	}
}

// FromContext configures the generator with hyperparameters from the context.
// Parameters not set in the context are left unchanged.
//
// Supported hyperparameters:
//   - maskgit_steps: number of decoding steps.
//   - maskgit_temperature: base temperature of the Gumbel noise used for remasking.
//   - maskgit_typical_filtering: whether to apply typical filtering to the logits.
//   - maskgit_typical_mass, maskgit_typical_min_tokens: typical filtering thresholds.
//   - maskgit_schedule: "cosine", "linear", "square", "cubic" or "sqrt".
//   - maskgit_seed: seed of the random number generator.
//
// An invalid schedule name is reported by Generate.
func (g *Generator) FromContext(ctx *context.Context) *Generator {
	g.Steps = context.GetParamOr(ctx, ParamSteps, g.Steps)
	g.Temperature = context.GetParamOr(ctx, ParamTemperature, g.Temperature)
	g.TypicalFiltering = context.GetParamOr(ctx, ParamTypicalFiltering, g.TypicalFiltering)
	g.TypicalMass = context.GetParamOr(ctx, ParamTypicalMass, g.TypicalMass)
	g.TypicalMinTokens = context.GetParamOr(ctx, ParamTypicalMinTokens, g.TypicalMinTokens)
	g.Seed = context.GetParamOr(ctx, ParamSeed, g.Seed)
	if name := context.GetParamOr(ctx, ParamSchedule, ""); name != "" {
		schedule, err := ParseSchedule(name)
		if err != nil {
			g.configErr = errors.WithMessagef(err, "invalid hyperparameter %s", ParamSchedule)
		} else {
			g.Schedule = schedule
		}
	}
	return g
}

// WithSteps sets the number of decoding steps.
func (g *Generator) WithSteps(steps int) *Generator {
	g.Steps = steps
	return g
}

// WithTemperature sets the base temperature of the remasking noise. It is annealed linearly to 0
// over the decoding steps. A temperature of 0 makes remasking deterministic.
func (g *Generator) WithTemperature(temperature float64) *Generator {
	g.Temperature = temperature
	return g
}

// WithTypicalFiltering enables typical filtering of the logits with the given thresholds.
func (g *Generator) WithTypicalFiltering(mass float64, minTokens int) *Generator {
	g.TypicalFiltering = true
	g.TypicalMass = mass
	g.TypicalMinTokens = minTokens
	return g
}

// WithSchedule sets the masking schedule.
func (g *Generator) WithSchedule(schedule Schedule) *Generator {
	g.Schedule = schedule
	return g
}

// WithSeed sets the seed of the random number generator.
func (g *Generator) WithSeed(seed int) *Generator {
	g.Seed = seed
	return g
}

// WithStepFn sets a function called at the end of every step.
func (g *Generator) WithStepFn(fn func(info StepInfo)) *Generator {
	g.StepFn = fn
	return g
}

// NumCodebooks returns the total number of codebooks, conditioning and predicted.
func (g *Generator) NumCodebooks() int {
	return g.Codec.NumCodebooks()
}

// NumPredictCodebooks returns the number of codebooks being predicted.
func (g *Generator) NumPredictCodebooks() int {
	return g.NumCodebooks() - g.NumConditioningCodebooks
}

// MaskToken returns the sentinel value of unknown codes.
func (g *Generator) MaskToken() int32 {
	return codec.MaskToken(g.Codec)
}

// validate checks that the generator configuration is valid.
func (g *Generator) validate() error {
	if g.configErr != nil {
		return g.configErr
	}
	if g.Scorer == nil || g.Codec == nil {
		return errors.New("Scorer and Codec must be set")
	}
	if g.Steps < 1 {
		return errors.Errorf("number of steps must be >= 1, got %d", g.Steps)
	}
	if g.NumConditioningCodebooks < 0 || g.NumPredictCodebooks() < 1 {
		return errors.Errorf("invalid number of conditioning codebooks %d for a codec with %d codebooks",
			g.NumConditioningCodebooks, g.NumCodebooks())
	}
	if g.TypicalFiltering && !(g.TypicalMass > 0 && g.TypicalMass <= 1) {
		return errors.Errorf("typical mass must be in (0, 1], got %g", g.TypicalMass)
	}
	if g.Schedule < ScheduleCosine || g.Schedule > ScheduleSqrt {
		return errors.Errorf("invalid schedule %d", g.Schedule)
	}
	return nil
}
