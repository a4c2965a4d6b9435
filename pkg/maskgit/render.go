// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"github.com/gomlx/vampnet/pkg/codec"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/pkg/errors"
)

// ToSignal decodes tokens to audio with the codec, and silences every frame (HopLength samples)
// where any codebook of any batch row holds the mask token.
func ToSignal(c codec.Codec, tokens *codes.Tokens) (*codec.Signal, error) {
	signal, err := c.Decode(tokens)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode tokens")
	}
	maskToken := codec.MaskToken(c)
	hop := c.HopLength()
	for t := range tokens.Time {
		if !frameHasMask(tokens, t, maskToken) {
			continue
		}
		for _, clip := range signal.Samples {
			start, end := min(t*hop, len(clip)), min((t+1)*hop, len(clip))
			clear(clip[start:end])
		}
	}
	return signal, nil
}

func frameHasMask(tokens *codes.Tokens, t int, maskToken int32) bool {
	for b := range tokens.Batch {
		for c := range tokens.Codebooks {
			if tokens.At(b, c, t) == maskToken {
				return true
			}
		}
	}
	return false
}
