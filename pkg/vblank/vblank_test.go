package vblank

import "testing"

func TestNudgeSaturatesAtBound(t *testing.T) {
	s := New(16_666_667) // ~60 Hz
	s.ReportOffset(2000) // +2ms sustained, per E6

	for i := 0; i < 200; i++ {
		s.Nudge()
	}
	if s.TickIntervalOffset != MaxTickIntervalOffset {
		t.Fatalf("expected saturation at %d, got %d", MaxTickIntervalOffset, s.TickIntervalOffset)
	}
}

func TestNudgeReachesTenInTenVblanks(t *testing.T) {
	s := New(16_666_667)
	s.ReportOffset(2000)
	for i := 0; i < 10; i++ {
		s.Nudge()
	}
	if s.TickIntervalOffset != 10 {
		t.Fatalf("expected offset 10 after 10 nudges, got %d", s.TickIntervalOffset)
	}
	wantDelta := int64(10) * (s.TimebaseNS / 10000)
	if s.TargetIntervalNS-s.TimebaseNS != wantDelta {
		t.Fatalf("expected target interval delta %d, got %d", wantDelta, s.TargetIntervalNS-s.TimebaseNS)
	}
}

func TestNudgeBelowThresholdIsNoop(t *testing.T) {
	s := New(16_666_667)
	s.ReportOffset(100) // 100us < 500us threshold
	if delta := s.Nudge(); delta != 0 {
		t.Fatalf("expected no nudge below threshold, got delta %d", delta)
	}
}

func TestNudgeNegativeOffset(t *testing.T) {
	s := New(16_666_667)
	s.ReportOffset(-2000)
	s.Nudge()
	if s.TickIntervalOffset != -1 {
		t.Fatalf("expected -1, got %d", s.TickIntervalOffset)
	}
}
