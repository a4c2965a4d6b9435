// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codec defines the neural audio codec collaborator: it converts audio to discrete codes
// and back, and produces the continuous latents the scoring model consumes.
package codec

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/pkg/errors"
)

// Signal is a batch of mono audio clips of the same length.
type Signal struct {
	SampleRate int

	// Samples is indexed [batch][sample].
	Samples [][]float32
}

// NumSamples returns the length of the clips, or 0 if the signal is empty.
func (s *Signal) NumSamples() int {
	if len(s.Samples) == 0 {
		return 0
	}
	return len(s.Samples[0])
}

// Validate checks that all clips have the same length.
func (s *Signal) Validate() error {
	if s.SampleRate <= 0 {
		return errors.Errorf("invalid sample rate %d", s.SampleRate)
	}
	for ii, clip := range s.Samples {
		if len(clip) != s.NumSamples() {
			return errors.Errorf("clip #%d has %d samples, clip #0 has %d", ii, len(clip), s.NumSamples())
		}
	}
	return nil
}

// Codec converts audio to codes and back.
//
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode the signal to tokens shaped (batch, NumCodebooks, frames), with one frame per
	// HopLength samples.
	Encode(signal *Signal) (*codes.Tokens, error)

	// Decode tokens back to audio. Positions holding MaskToken contribute nothing to their frame.
	Decode(tokens *codes.Tokens) (*Signal, error)

	// EmbedFromCodes returns the latents of the tokens, a float32 tensor shaped
	// [batch, NumCodebooks*LatentDim, time]. MaskToken embeds to zeros.
	EmbedFromCodes(tokens *codes.Tokens) (*tensors.Tensor, error)

	HopLength() int
	SampleRate() int
	NumCodebooks() int

	// VocabSize is the number of codes per codebook. The mask sentinel is VocabSize itself.
	VocabSize() int

	// LatentDim is the dimension of the latent of one codebook.
	LatentDim() int
}

// MaskToken returns the mask sentinel of the codec.
func MaskToken(c Codec) int32 {
	return int32(c.VocabSize())
}
