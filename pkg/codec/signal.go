// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"math"
)

// Sine returns batch identical clips of a sine wave.
func Sine(batch, sampleRate, numSamples int, frequency, amplitude float64) *Signal {
	s := &Signal{SampleRate: sampleRate, Samples: make([][]float32, batch)}
	for b := range batch {
		clip := make([]float32, numSamples)
		for ii := range clip {
			clip[ii] = float32(amplitude * math.Sin(2*math.Pi*frequency*float64(ii)/float64(sampleRate)))
		}
		s.Samples[b] = clip
	}
	return s
}

// RMS returns the root-mean-square of the clip of batch row b.
func (s *Signal) RMS(b int) float64 {
	clip := s.Samples[b]
	if len(clip) == 0 {
		return 0
	}
	var sum float64
	for _, v := range clip {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(clip)))
}

// Duration returns the length of the signal in seconds.
func (s *Signal) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.NumSamples()) / float64(s.SampleRate)
}
