// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package maskgit

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Schedule defines the fraction of the initially masked tokens that remain masked after each
// decoding step, as a function of the progress ratio r in [0, 1].
//
// Every schedule satisfies Gamma(0) == 1, Gamma(1) == 0 and is non-increasing in between.
type Schedule int

const (
	// ScheduleCosine is cos(r·π/2), the MaskGIT default.
	ScheduleCosine Schedule = iota

	// ScheduleLinear is 1-r.
	ScheduleLinear

	// ScheduleSquare is 1-r², it reveals few tokens early on.
	ScheduleSquare

	// ScheduleCubic is 1-r³.
	ScheduleCubic

	// ScheduleSqrt is 1-√r, it reveals many tokens early on.
	ScheduleSqrt
)

var scheduleNames = []string{"cosine", "linear", "square", "cubic", "sqrt"}

// String implements fmt.Stringer.
func (s Schedule) String() string {
	if s < 0 || int(s) >= len(scheduleNames) {
		return "unknown"
	}
	return scheduleNames[s]
}

// ParseSchedule converts a schedule name (case-insensitive) to a Schedule.
func ParseSchedule(name string) (Schedule, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, n := range scheduleNames {
		if n == name {
			return Schedule(ii), nil
		}
	}
	return ScheduleCosine, errors.Errorf("unknown schedule %q, valid values are %q", name, scheduleNames)
}

// Gamma returns the fraction of tokens to keep masked at progress ratio r. r is clamped to [0, 1].
func (s Schedule) Gamma(r float64) float64 {
	r = min(max(r, 0), 1)
	var v float64
	switch s {
	case ScheduleLinear:
		v = 1 - r
	case ScheduleSquare:
		v = 1 - r*r
	case ScheduleCubic:
		v = 1 - r*r*r
	case ScheduleSqrt:
		v = 1 - math.Sqrt(r)
	default:
		v = math.Cos(r * math.Pi / 2)
	}
	// cos(π/2) is ~6e-17, not 0.
	if r == 1 {
		return 0
	}
	return min(max(v, 0), 1)
}

// NumToMask returns floor(Gamma(r) * numMaskedAtStart).
func (s Schedule) NumToMask(r float64, numMaskedAtStart int) int {
	return int(math.Floor(s.Gamma(r) * float64(numMaskedAtStart)))
}
