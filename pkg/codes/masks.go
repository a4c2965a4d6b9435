// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codes

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomMask masks each position independently with probability ratios[b] for batch row b.
func RandomMask(src rand.Source, batch, codebooks, time int, ratios []float64) (*Mask, error) {
	if len(ratios) != batch {
		return nil, errors.Errorf("RandomMask: got %d ratios for a batch of %d", len(ratios), batch)
	}
	m := New[bool](batch, codebooks, time)
	for b, r := range ratios {
		if r < 0 || r > 1 {
			return nil, errors.Errorf("RandomMask: ratio %g for batch row %d is not in [0, 1]", r, b)
		}
		coin := distuv.Bernoulli{P: r, Src: src}
		for ii := m.Index(b, 0, 0); ii < m.Index(b+1, 0, 0); ii++ {
			m.Data[ii] = coin.Rand() == 1
		}
	}
	return m, nil
}

// InpaintMask masks everything except the first numPrefix and the last numSuffix time steps.
func InpaintMask(batch, codebooks, time, numPrefix, numSuffix int) (*Mask, error) {
	if numPrefix < 0 || numSuffix < 0 || numPrefix+numSuffix > time {
		return nil, errors.Errorf("InpaintMask: prefix=%d and suffix=%d don't fit in %d time steps",
			numPrefix, numSuffix, time)
	}
	m := Full(batch, codebooks, time, true)
	for b := range batch {
		for c := range codebooks {
			for t := range numPrefix {
				m.Set(b, c, t, false)
			}
			for t := time - numSuffix; t < time; t++ {
				m.Set(b, c, t, false)
			}
		}
	}
	return m, nil
}

// PeriodicMask masks everything except a window of width time steps around every period-th step,
// starting at offset. The window starts (width-1)/2 steps before its center, so even widths extend
// one more step after the center than before it. A period of 0 masks everything.
func PeriodicMask(batch, codebooks, time, period, width, offset int) (*Mask, error) {
	if period < 0 || width < 1 {
		return nil, errors.Errorf("PeriodicMask: invalid period=%d or width=%d", period, width)
	}
	m := Full(batch, codebooks, time, true)
	if period == 0 {
		return m, nil
	}
	offset = ((offset % period) + period) % period
	for center := offset; center < time; center += period {
		start := center - (width-1)/2
		end := min(time, start+width)
		start = max(0, start)
		for b := range batch {
			for c := range codebooks {
				for t := start; t < end; t++ {
					m.Set(b, c, t, false)
				}
			}
		}
	}
	return m, nil
}

// CodebookUnmask returns a copy of m with the first numCodebooks codebooks unmasked.
func CodebookUnmask(m *Mask, numCodebooks int) *Mask {
	out := m.Clone()
	numCodebooks = min(numCodebooks, m.Codebooks)
	for b := range m.Batch {
		for c := range numCodebooks {
			for t := range m.Time {
				out.Set(b, c, t, false)
			}
		}
	}
	return out
}

// CodebookMask returns a copy of m with every codebook from start on masked.
func CodebookMask(m *Mask, start int) *Mask {
	out := m.Clone()
	for b := range m.Batch {
		for c := max(start, 0); c < m.Codebooks; c++ {
			for t := range m.Time {
				out.Set(b, c, t, true)
			}
		}
	}
	return out
}

// MaskAnd returns the element-wise conjunction of two masks of the same shape.
func MaskAnd(a, b *Mask) (*Mask, error) {
	return combine(a, b, func(x, y bool) bool { return x && y })
}

// MaskOr returns the element-wise disjunction of two masks of the same shape.
func MaskOr(a, b *Mask) (*Mask, error) {
	return combine(a, b, func(x, y bool) bool { return x || y })
}

func combine(a, b *Mask, fn func(x, y bool) bool) (*Mask, error) {
	if a.Shape() != b.Shape() {
		return nil, errors.Errorf("masks have different shapes %s and %s", a, b)
	}
	out := New[bool](a.Batch, a.Codebooks, a.Time)
	for ii := range out.Data {
		out.Data[ii] = fn(a.Data[ii], b.Data[ii])
	}
	return out, nil
}

// ApplyMask returns a copy of tokens with every masked position replaced by maskToken.
func ApplyMask(tokens *Tokens, m *Mask, maskToken int32) (*Tokens, error) {
	if tokens.Shape() != m.Shape() {
		return nil, errors.Errorf("ApplyMask: tokens shape %s doesn't match mask shape %s", tokens, m)
	}
	out := tokens.Clone()
	for ii, masked := range m.Data {
		if masked {
			out.Data[ii] = maskToken
		}
	}
	return out, nil
}

// BroadcastMask expands a mask with a single codebook to numCodebooks codebooks. Masks that
// already have numCodebooks codebooks are returned as is.
func BroadcastMask(m *Mask, numCodebooks int) (*Mask, error) {
	if m.Codebooks == numCodebooks {
		return m, nil
	}
	if m.Codebooks != 1 {
		return nil, errors.Errorf("cannot broadcast mask %s to %d codebooks", m, numCodebooks)
	}
	out := New[bool](m.Batch, numCodebooks, m.Time)
	for b := range m.Batch {
		src := m.Data[m.Index(b, 0, 0):m.Index(b, 1, 0)]
		for c := range numCodebooks {
			copy(out.Data[out.Index(b, c, 0):], src)
		}
	}
	return out, nil
}
