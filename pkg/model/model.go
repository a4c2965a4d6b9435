// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements the bidirectional transformer that scores codec tokens for the
// masked-token decoder, as a GoMLX graph.
//
// The model reads the latents of all codebooks, shaped [batch, numCodebooks*latentDim, time],
// and predicts logits for the non-conditioning codebooks, shaped
// [batch, vocabSize, time*numPredictCodebooks], where flat position t*numPredictCodebooks+c
// holds codebook c of time step t.
package model

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration
const (
	ParamEmbedDim    = "vampnet_embed_dim"
	ParamNumLayers   = "vampnet_num_layers"
	ParamNumHeads    = "vampnet_num_heads"
	ParamHeadDim     = "vampnet_head_dim"
	ParamFFNDim      = "vampnet_ffn_dim"
	ParamMaxPosEmbed = "vampnet_max_pos_embed"
	ParamDType       = "vampnet_dtype"
	ParamNormEpsilon = "vampnet_norm_epsilon"
	ParamUseBias     = "vampnet_use_bias"
)

// Model configures the scoring transformer.
type Model struct {
	// Shapes given by the codec.
	VocabSize                int
	NumCodebooks             int
	NumConditioningCodebooks int
	LatentDim                int

	EmbedDim    int          // Embedding dimension
	NumLayers   int          // Transformer layers
	NumHeads    int          // Attention heads per layer
	HeadDim     int          // Head dimension
	FFNDim      int          // Feed-forward hidden dimension
	MaxPosEmbed int          // Max number of time steps
	DType       dtypes.DType // Data type of the weights and activations
	NormEpsilon float64      // Layer normalization epsilon
	UseBias     bool         // Use bias in dense layers and attention projections

	configErr error
}

// New creates a default model configuration for a codec with the given vocabulary size, number of
// codebooks and latent dimension, where the first numConditioningCodebooks codebooks are given.
func New(vocabSize, numCodebooks, numConditioningCodebooks, latentDim int) *Model {
	return &Model{
		VocabSize:                vocabSize,
		NumCodebooks:             numCodebooks,
		NumConditioningCodebooks: numConditioningCodebooks,
		LatentDim:                latentDim,
		EmbedDim:                 64,
		NumLayers:                2,
		NumHeads:                 4,
		HeadDim:                  16,
		FFNDim:                   64 * 4,
		MaxPosEmbed:              1024,
		DType:                    dtypes.Float32,
		NormEpsilon:              1e-5,
		UseBias:                  true,
	}
}

// DefaultParams returns the hyperparameters read by FromContext with their default values,
// to be set in a context before parsing command-line settings.
func DefaultParams() map[string]any {
	m := New(0, 0, 0, 0)
	return map[string]any{
		ParamEmbedDim:    m.EmbedDim,
		ParamNumLayers:   m.NumLayers,
		ParamNumHeads:    m.NumHeads,
		ParamHeadDim:     m.HeadDim,
		ParamFFNDim:      m.FFNDim,
		ParamMaxPosEmbed: m.MaxPosEmbed,
		ParamDType:       strings.ToLower(m.DType.String()),
		ParamNormEpsilon: m.NormEpsilon,
		ParamUseBias:     m.UseBias,
	}
}

// FromContext configures the model with hyperparameters from the context.
// Parameters not set in the context are left unchanged. An invalid dtype is reported by Validate.
//
// Example usage:
//
//	ctx.SetParams(map[string]any{
//	    "vampnet_embed_dim": 256,
//	    "vampnet_num_layers": 8,
//	    "vampnet_num_heads": 8,
//	    "vampnet_head_dim": 32,
//	})
//	m := model.New(1024, 14, 4, 8).FromContext(ctx)
func (m *Model) FromContext(ctx *context.Context) *Model {
	m.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, m.EmbedDim)
	m.NumLayers = context.GetParamOr(ctx, ParamNumLayers, m.NumLayers)
	m.NumHeads = context.GetParamOr(ctx, ParamNumHeads, m.NumHeads)
	m.HeadDim = context.GetParamOr(ctx, ParamHeadDim, m.HeadDim)
	m.FFNDim = context.GetParamOr(ctx, ParamFFNDim, m.FFNDim)
	m.MaxPosEmbed = context.GetParamOr(ctx, ParamMaxPosEmbed, m.MaxPosEmbed)
	m.NormEpsilon = context.GetParamOr(ctx, ParamNormEpsilon, m.NormEpsilon)
	m.UseBias = context.GetParamOr(ctx, ParamUseBias, m.UseBias)

	// Handle dtype separately since it's a string
	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil || !dtype.IsFloat() {
			m.configErr = errors.Errorf("invalid hyperparameter value %s=%q", ParamDType, dtypeStr)
		} else {
			m.DType = dtype
		}
	}
	return m
}

// WithEmbedDim sets the embedding dimension.
func (m *Model) WithEmbedDim(dim int) *Model {
	m.EmbedDim = dim
	return m
}

// WithLayers sets the number of layers and the attention heads of each layer.
func (m *Model) WithLayers(numLayers, numHeads, headDim int) *Model {
	m.NumLayers = numLayers
	m.NumHeads = numHeads
	m.HeadDim = headDim
	return m
}

// WithFFNDim sets FFN dimension.
func (m *Model) WithFFNDim(dim int) *Model {
	m.FFNDim = dim
	return m
}

// WithMaxPosEmbed sets the max number of time steps.
func (m *Model) WithMaxPosEmbed(maxLen int) *Model {
	m.MaxPosEmbed = maxLen
	return m
}

// WithDType sets data type.
func (m *Model) WithDType(dtype dtypes.DType) *Model {
	m.DType = dtype
	return m
}

// WithBias toggles dense bias.
func (m *Model) WithBias(use bool) *Model {
	m.UseBias = use
	return m
}

// NumPredictCodebooks returns the number of codebooks the model predicts.
func (m *Model) NumPredictCodebooks() int {
	return m.NumCodebooks - m.NumConditioningCodebooks
}

// Validate returns an error if the configuration can't build a model.
func (m *Model) Validate() error {
	if m.configErr != nil {
		return m.configErr
	}
	if m.VocabSize < 2 || m.LatentDim < 1 || m.NumConditioningCodebooks < 0 || m.NumPredictCodebooks() < 1 {
		return errors.Errorf("invalid codec shapes: vocab=%d, codebooks=%d, conditioning codebooks=%d, latent=%d",
			m.VocabSize, m.NumCodebooks, m.NumConditioningCodebooks, m.LatentDim)
	}
	if m.EmbedDim < 1 || m.NumLayers < 0 || m.NumHeads < 1 || m.HeadDim < 1 || m.FFNDim < 1 || m.MaxPosEmbed < 1 {
		return errors.Errorf("invalid model dimensions: embed=%d, layers=%d, heads=%d, head dim=%d, ffn=%d, max pos=%d",
			m.EmbedDim, m.NumLayers, m.NumHeads, m.HeadDim, m.FFNDim, m.MaxPosEmbed)
	}
	if !m.DType.IsFloat() {
		return errors.Errorf("model dtype must be a float, got %s", m.DType)
	}
	return nil
}

// Forward builds the model graph: latents shaped [batch, numCodebooks*latentDim, time] are
// mapped to logits shaped [batch, vocabSize, time*numPredictCodebooks], in the model DType.
//
// Attention is bidirectional: every time step sees the whole sequence.
func (m *Model) Forward(ctx *context.Context, latents *Node) *Node {
	g := latents.Graph()
	dims := latents.Shape().Dimensions
	batch, time := dims[0], dims[2]
	numPredict := m.NumPredictCodebooks()

	// [batch, channels, time] -> [batch, time, channels]
	x := TransposeAllDims(ConvertDType(latents, m.DType), 0, 2, 1)
	x = layers.Dense(ctx.In("latent_proj"), x, m.UseBias, m.EmbedDim)

	posEmbedFull := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(m.DType, m.MaxPosEmbed, m.EmbedDim)).ValueGraph(g)
	posEmbed := Slice(posEmbedFull, AxisRange(0, time))
	posEmbed = BroadcastToShape(ExpandDims(posEmbed, 0), x.Shape())
	x = Add(x, posEmbed)

	// Transformer layers (pre-norm architecture)
	for layer := 0; layer < m.NumLayers; layer++ {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))

		attnInput := layers.LayerNormalization(layerCtx.In("norm1"), x, -1).
			Epsilon(m.NormEpsilon).Done()
		attn := attention.SelfAttention(layerCtx.In("attn"), attnInput, m.NumHeads, m.HeadDim).
			UseProjectionBias(m.UseBias).
			Done()
		x = Add(x, attn)

		ffInput := layers.LayerNormalization(layerCtx.In("norm2"), x, -1).
			Epsilon(m.NormEpsilon).Done()
		ff := layers.Dense(layerCtx.In("ff1"), ffInput, m.UseBias, m.FFNDim)
		ff = activations.Gelu(ff)
		ff = layers.Dense(layerCtx.In("ff2"), ff, m.UseBias, m.EmbedDim)
		x = Add(x, ff)
	}

	x = layers.LayerNormalization(ctx.In("final_norm"), x, -1).
		Epsilon(m.NormEpsilon).Done()

	// Classifier channel v*numPredict+c holds token v of predicted codebook c.
	logits := layers.Dense(ctx.In("classifier"), x, m.UseBias, m.VocabSize*numPredict)
	logits = Reshape(logits, batch, time, m.VocabSize, numPredict)
	logits = TransposeAllDims(logits, 0, 2, 1, 3)
	return Reshape(logits, batch, m.VocabSize, time*numPredict)
}
