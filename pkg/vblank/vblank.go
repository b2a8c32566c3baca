// Package vblank implements the virtual vblank / phase controller:
// a monotonic tick driven by a kernel interval timer, fine-tunable in
// response to client phase-offset feedback.
package vblank

import (
	"sync/atomic"
)

// NudgeThresholdNS is the minimum |offset| that triggers a nudge.
const NudgeThresholdNS = 500_000

// MaxTickIntervalOffset bounds State.TickIntervalOffset to [-100, 100],
// i.e. roughly +-1% total drift.
const MaxTickIntervalOffset = 100

// State holds the nominal and current tick period plus the bounded
// nudge accumulator.
type State struct {
	TimebaseNS         int64 // nominal period
	timebaseFraction   int64 // 1/10000 of TimebaseNS, the nudge unit
	TargetIntervalNS   int64 // current effective period
	TickIntervalOffset int32 // bounded [-100, 100]

	phaseOffsetNS atomic.Int64 // latest client feedback, in ns
}

// New creates phase controller state for a nominal period of timebaseNS.
func New(timebaseNS int64) *State {
	s := &State{
		TimebaseNS:       timebaseNS,
		timebaseFraction: timebaseNS / 10000,
		TargetIntervalNS: timebaseNS,
	}
	return s
}

// ReportOffset records a phase-offset sample (microseconds) received
// from a client's PROGRESS feedback, replacing the previous sample. Go's
// atomic.Int64 holds it; TickIntervalOffset below is bounded to int32
// range.
func (s *State) ReportOffset(offsetUS int64) {
	s.phaseOffsetNS.Store(offsetUS * 1000)
}

// Nudge examines the latest reported offset and, if it exceeds
// NudgeThresholdNS in magnitude, adjusts TickIntervalOffset and
// TargetIntervalNS by one unit (timebaseFraction), saturating at
// +-MaxTickIntervalOffset. Returns the signed delta (in units, not ns)
// actually applied, which is 0 if no nudge occurred.
func (s *State) Nudge() int32 {
	offset := s.phaseOffsetNS.Load()
	if offset >= -NudgeThresholdNS && offset <= NudgeThresholdNS {
		return 0
	}

	var delta int32 = 1
	if offset < 0 {
		delta = -1
	}

	next := s.TickIntervalOffset + delta
	if next > MaxTickIntervalOffset {
		next = MaxTickIntervalOffset
	}
	if next < -MaxTickIntervalOffset {
		next = -MaxTickIntervalOffset
	}
	applied := next - s.TickIntervalOffset
	s.TickIntervalOffset = next
	s.TargetIntervalNS = s.TimebaseNS + int64(next)*s.timebaseFraction
	return applied
}

// NextExpirationDelta returns the ns amount by which the next timer
// expiration should be nudged, matching TargetIntervalNS - TimebaseNS
// (i.e. the cumulative drift so far), so the caller can rearm a timerfd
// consistently with the interval adjustment.
func (s *State) NextExpirationDelta() int64 {
	return s.TargetIntervalNS - s.TimebaseNS
}
