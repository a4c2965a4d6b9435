// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rvq implements a small residual vector quantizer codec over raw audio frames.
//
// Each frame of HopLength samples is quantized by NumCodebooks stages: every stage picks the code
// closest to the residual left by the previous stages. Codebooks are pseudo-random and fully
// determined by the seed, with each stage at half the scale of the previous one. Code 0 of every
// codebook is the zero vector, so quantization never increases the residual.
//
// Latents for the scoring model come from per-codebook projection tables, also pseudo-random.
package rvq

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vampnet/internal/workerspool"
	"github.com/gomlx/vampnet/pkg/codec"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Hyperparameter keys for context configuration.
const (
	ParamNumCodebooks = "rvq_num_codebooks"
	ParamVocabSize    = "rvq_vocab_size"
	ParamHopLength    = "rvq_hop_length"
	ParamLatentDim    = "rvq_latent_dim"
	ParamSampleRate   = "rvq_sample_rate"
	ParamSeed         = "rvq_seed"
	ParamParallelism  = "rvq_parallelism"
)

// Config of the codec. Create it with New, adjust it and call Done to build the Codec.
type Config struct {
	NumCodebooks int
	VocabSize    int
	HopLength    int
	LatentDim    int
	SampleRate   int
	Seed         int

	// Parallelism used to encode frames: 0 encodes inline, -1 is unlimited.
	Parallelism int

	// FirstScale is the standard deviation of the first codebook entries.
	FirstScale float64
}

// New returns a configuration with defaults.
func New() *Config {
	return &Config{
		NumCodebooks: 4,
		VocabSize:    256,
		HopLength:    256,
		LatentDim:    8,
		SampleRate:   16000,
		Seed:         0,
		Parallelism:  -1,
		FirstScale:   0.05,
	}
}

// DefaultParams returns the hyperparameters read by FromContext with their default values,
// to be set in a context before parsing command-line settings.
func DefaultParams() map[string]any {
	cfg := New()
	return map[string]any{
		ParamNumCodebooks: cfg.NumCodebooks,
		ParamVocabSize:    cfg.VocabSize,
		ParamHopLength:    cfg.HopLength,
		ParamLatentDim:    cfg.LatentDim,
		ParamSampleRate:   cfg.SampleRate,
		ParamSeed:         cfg.Seed,
		ParamParallelism:  cfg.Parallelism,
	}
}

// FromContext overrides the configuration with the hyperparameters set in ctx.
func (cfg *Config) FromContext(ctx *context.Context) *Config {
	cfg.NumCodebooks = context.GetParamOr(ctx, ParamNumCodebooks, cfg.NumCodebooks)
	cfg.VocabSize = context.GetParamOr(ctx, ParamVocabSize, cfg.VocabSize)
	cfg.HopLength = context.GetParamOr(ctx, ParamHopLength, cfg.HopLength)
	cfg.LatentDim = context.GetParamOr(ctx, ParamLatentDim, cfg.LatentDim)
	cfg.SampleRate = context.GetParamOr(ctx, ParamSampleRate, cfg.SampleRate)
	cfg.Seed = context.GetParamOr(ctx, ParamSeed, cfg.Seed)
	cfg.Parallelism = context.GetParamOr(ctx, ParamParallelism, cfg.Parallelism)
	return cfg
}

// WithCodebooks sets the number of codebooks (quantization stages) and codes per codebook.
func (cfg *Config) WithCodebooks(numCodebooks, vocabSize int) *Config {
	cfg.NumCodebooks = numCodebooks
	cfg.VocabSize = vocabSize
	return cfg
}

// WithHopLength sets the number of samples per frame.
func (cfg *Config) WithHopLength(hopLength int) *Config {
	cfg.HopLength = hopLength
	return cfg
}

// WithLatentDim sets the dimension of the latent of each codebook.
func (cfg *Config) WithLatentDim(latentDim int) *Config {
	cfg.LatentDim = latentDim
	return cfg
}

// WithSampleRate sets the sample rate reported for decoded signals.
func (cfg *Config) WithSampleRate(sampleRate int) *Config {
	cfg.SampleRate = sampleRate
	return cfg
}

// WithSeed sets the seed that generates the codebooks and projections.
func (cfg *Config) WithSeed(seed int) *Config {
	cfg.Seed = seed
	return cfg
}

// WithParallelism sets the number of frames encoded in parallel.
func (cfg *Config) WithParallelism(parallelism int) *Config {
	cfg.Parallelism = parallelism
	return cfg
}

func (cfg *Config) validate() error {
	if cfg.NumCodebooks < 1 || cfg.VocabSize < 2 || cfg.HopLength < 1 || cfg.LatentDim < 1 {
		return errors.Errorf("invalid codec configuration: codebooks=%d, vocab=%d, hop=%d, latent=%d",
			cfg.NumCodebooks, cfg.VocabSize, cfg.HopLength, cfg.LatentDim)
	}
	if cfg.SampleRate <= 0 {
		return errors.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	return nil
}

// Codec implements codec.Codec. It is immutable and safe for concurrent use.
type Codec struct {
	cfg Config

	// codebooks is indexed [codebook][code] -> vector of HopLength samples.
	codebooks [][][]float64

	// projections is indexed [codebook][code] -> latent of LatentDim values.
	projections [][][]float32

	pool *workerspool.Pool
}

var _ codec.Codec = (*Codec)(nil)

// Done validates the configuration and builds the codec.
func (cfg *Config) Done() (*Codec, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Codec{
		cfg:         *cfg,
		codebooks:   make([][][]float64, cfg.NumCodebooks),
		projections: make([][][]float32, cfg.NumCodebooks),
		pool:        workerspool.New().WithMaxParallelism(cfg.Parallelism),
	}
	scale := cfg.FirstScale
	for stage := range cfg.NumCodebooks {
		src := rand.NewPCG(uint64(cfg.Seed), uint64(stage))
		normal := distuv.Normal{Mu: 0, Sigma: scale, Src: src}
		c.codebooks[stage] = make([][]float64, cfg.VocabSize)
		for code := range cfg.VocabSize {
			vec := make([]float64, cfg.HopLength)
			if code > 0 {
				for ii := range vec {
					vec[ii] = normal.Rand()
				}
			}
			c.codebooks[stage][code] = vec
		}
		unit := distuv.UnitNormal
		unit.Src = src
		c.projections[stage] = make([][]float32, cfg.VocabSize)
		for code := range cfg.VocabSize {
			latent := make([]float32, cfg.LatentDim)
			for ii := range latent {
				latent[ii] = float32(unit.Rand())
			}
			c.projections[stage][code] = latent
		}
		scale /= 2
	}
	klog.V(1).Infof("rvq codec: %d codebooks x %d codes, hop=%d, latent=%d, sample rate=%d",
		cfg.NumCodebooks, cfg.VocabSize, cfg.HopLength, cfg.LatentDim, cfg.SampleRate)
	return c, nil
}

// HopLength implements codec.Codec.
func (c *Codec) HopLength() int { return c.cfg.HopLength }

// SampleRate implements codec.Codec.
func (c *Codec) SampleRate() int { return c.cfg.SampleRate }

// NumCodebooks implements codec.Codec.
func (c *Codec) NumCodebooks() int { return c.cfg.NumCodebooks }

// VocabSize implements codec.Codec.
func (c *Codec) VocabSize() int { return c.cfg.VocabSize }

// LatentDim implements codec.Codec.
func (c *Codec) LatentDim() int { return c.cfg.LatentDim }

// NumFrames returns the number of frames used to encode numSamples samples. The last frame is
// zero-padded.
func (c *Codec) NumFrames(numSamples int) int {
	return (numSamples + c.cfg.HopLength - 1) / c.cfg.HopLength
}

// Encode implements codec.Codec.
func (c *Codec) Encode(signal *codec.Signal) (*codes.Tokens, error) {
	if err := signal.Validate(); err != nil {
		return nil, errors.WithMessage(err, "rvq.Encode")
	}
	if signal.SampleRate != c.cfg.SampleRate {
		return nil, errors.Errorf("rvq.Encode: signal sample rate %d, codec expects %d", signal.SampleRate, c.cfg.SampleRate)
	}
	batch := len(signal.Samples)
	hop := c.cfg.HopLength
	numFrames := c.NumFrames(signal.NumSamples())
	tokens := codes.New[int32](batch, c.cfg.NumCodebooks, numFrames)
	err := c.pool.Map(batch*numFrames, func(i int) error {
		b, frame := i/numFrames, i%numFrames
		residual := make([]float64, hop)
		clip := signal.Samples[b]
		for ii := range hop {
			if pos := frame*hop + ii; pos < len(clip) {
				residual[ii] = float64(clip[pos])
			}
		}
		for stage, codebook := range c.codebooks {
			best, bestDist := 0, floats.Distance(residual, codebook[0], 2)
			for code := 1; code < len(codebook); code++ {
				if d := floats.Distance(residual, codebook[code], 2); d < bestDist {
					best, bestDist = code, d
				}
			}
			floats.Sub(residual, codebook[best])
			tokens.Set(b, stage, frame, int32(best))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// checkTokens returns an error if tokens don't match the codec, or hold values out of
// [0, VocabSize]. VocabSize itself is the mask token.
func (c *Codec) checkTokens(tokens *codes.Tokens) error {
	if err := tokens.Validate(); err != nil {
		return err
	}
	if tokens.Codebooks != c.cfg.NumCodebooks {
		return errors.Errorf("tokens have %d codebooks, codec has %d", tokens.Codebooks, c.cfg.NumCodebooks)
	}
	for ii, v := range tokens.Data {
		if v < 0 || int(v) > c.cfg.VocabSize {
			return errors.Errorf("token %d at index %d out of range [0, %d]", v, ii, c.cfg.VocabSize)
		}
	}
	return nil
}

// Decode implements codec.Codec. Masked codes contribute nothing to their frame.
func (c *Codec) Decode(tokens *codes.Tokens) (*codec.Signal, error) {
	if err := c.checkTokens(tokens); err != nil {
		return nil, errors.WithMessage(err, "rvq.Decode")
	}
	hop := c.cfg.HopLength
	maskToken := int32(c.cfg.VocabSize)
	signal := &codec.Signal{SampleRate: c.cfg.SampleRate, Samples: make([][]float32, tokens.Batch)}
	frame := make([]float64, hop)
	for b := range tokens.Batch {
		clip := make([]float32, tokens.Time*hop)
		for t := range tokens.Time {
			clear(frame)
			for stage := range tokens.Codebooks {
				if code := tokens.At(b, stage, t); code != maskToken {
					floats.Add(frame, c.codebooks[stage][code])
				}
			}
			for ii, v := range frame {
				clip[t*hop+ii] = float32(v)
			}
		}
		signal.Samples[b] = clip
	}
	return signal, nil
}

// EmbedFromCodes implements codec.Codec. The latent of codebook c occupies channels
// [c*LatentDim, (c+1)*LatentDim).
func (c *Codec) EmbedFromCodes(tokens *codes.Tokens) (*tensors.Tensor, error) {
	if err := c.checkTokens(tokens); err != nil {
		return nil, errors.WithMessage(err, "rvq.EmbedFromCodes")
	}
	latentDim := c.cfg.LatentDim
	channels := tokens.Codebooks * latentDim
	maskToken := int32(c.cfg.VocabSize)
	data := make([]float32, tokens.Batch*channels*tokens.Time)
	for b := range tokens.Batch {
		for stage := range tokens.Codebooks {
			for t := range tokens.Time {
				code := tokens.At(b, stage, t)
				if code == maskToken {
					continue
				}
				for d, v := range c.projections[stage][code] {
					data[(b*channels+stage*latentDim+d)*tokens.Time+t] = v
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, tokens.Batch, channels, tokens.Time), nil
}
