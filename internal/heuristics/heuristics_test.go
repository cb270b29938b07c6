package heuristics

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		QuietTouch:           120 * time.Millisecond,
		QuietScroll:          200 * time.Millisecond,
		QuietBounce:          200 * time.Millisecond,
		QuietRefresh:         220 * time.Millisecond,
		QuietTransition:      100 * time.Millisecond,
		QuietKeyboard:        250 * time.Millisecond,
		QuietMap:             550 * time.Millisecond,
		QuietAnimation:       250 * time.Millisecond,
		MapSettle:            800 * time.Millisecond,
		MaxStale:             5 * time.Second,
		SignatureChurnWindow: 250 * time.Millisecond,
		MaxPendingKeyframes:  3,
		KeyframeRenderMinGap: 250 * time.Millisecond,
	}
}

// TestQuietPageTenTicks mirrors S1: an unchanging signature at a 1 Hz clock
// renders on tick 1, reuses for the next 4, renders again at the staleness
// boundary (tick 6, 5 s after the first render), then reuses for the rest.
func TestQuietPageTenTicks(t *testing.T) {
	s := New(testConfig())
	start := time.Now()
	const sig = uint64(0xABCD)

	wantRenderTicks := map[int]bool{1: true, 6: true}
	for tick := 1; tick <= 10; tick++ {
		now := start.Add(time.Duration(tick-1) * time.Second)
		d := s.UpdateWithScanResult(now, sig, ScanSignals{}, Low)
		if wantRenderTicks[tick] {
			if d.Kind != RenderNow {
				t.Fatalf("tick %d: Kind = %v, want RenderNow", tick, d.Kind)
			}
		} else if d.Kind != ReuseLast {
			t.Fatalf("tick %d: Kind = %v, want ReuseLast (got reason %q)", tick, d.Kind, d.Reason)
		}
	}
}

// TestScrollThenSettle mirrors S2: while scroll_active holds, every tick
// defers; once scroll quiets, the next tick renders.
func TestScrollThenSettle(t *testing.T) {
	s := New(testConfig())
	start := time.Now()
	s.NotifyTouch(start)

	scrollEnd := start.Add(700 * time.Millisecond) // scroll_active true until 700ms; the 200ms scroll quiet window then holds renders until 900ms
	for ms := 100; ms <= 880; ms += 100 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		active := now.Before(scrollEnd) || now.Equal(scrollEnd)
		d := s.UpdateWithScanResult(now, 1, ScanSignals{ScrollActive: active}, Low)
		if d.Kind == RenderNow {
			t.Fatalf("t=%dms: expected no render while scroll settling, got RenderNow", ms)
		}
	}

	after := start.Add(950 * time.Millisecond)
	d := s.UpdateWithScanResult(after, 1, ScanSignals{}, Low)
	if d.Kind != RenderNow {
		t.Fatalf("after scroll settle: Kind = %v, want RenderNow (reason %q)", d.Kind, d.Reason)
	}
}

// TestNavigationHighImportanceBypassesGates mirrors S3: a fresh navigation
// with High importance renders immediately even with touch/animation active.
func TestNavigationHighImportanceBypassesGates(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	s.NotifyTouch(now)
	s.NotifyNavigation(now)

	d := s.UpdateWithScanResult(now, 42, ScanSignals{HasAnyAnimations: true}, High)
	if d.Kind != RenderNow {
		t.Fatalf("Kind = %v, want RenderNow (reason %q)", d.Kind, d.Reason)
	}
}

// TestScrollGateAppliesEvenAtCriticalImportance: Critical bypasses every gate
// except scroll and map settle.
func TestScrollGateAppliesEvenAtCriticalImportance(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	d := s.UpdateWithScanResult(now, 1, ScanSignals{ScrollActive: true}, Critical)
	if d.Kind != Defer {
		t.Fatalf("Kind = %v, want Defer (scroll gate must apply even at Critical importance)", d.Kind)
	}
}

func TestReuseLastSuppressesStaleRenderWithLiveBlockedSurface(t *testing.T) {
	s := New(testConfig())
	start := time.Now()
	s.UpdateWithScanResult(start, 1, ScanSignals{}, Low)

	later := start.Add(6 * time.Second)
	d := s.UpdateWithScanResult(later, 1, ScanSignals{HasLiveBlockedSurface: true}, Low)
	if d.Kind != ReuseLast || d.Reason != "stale-render-suppressed" {
		t.Fatalf("got %+v, want ReuseLast/stale-render-suppressed", d)
	}
}

func TestKeyframeSchedulingCapsAtThreePending(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	s.NotifyTouch(now)
	s.NotifyScrollEnd(now)
	s.NotifyMapEnd(now)
	s.NotifyRefreshEnd(now) // fourth event; should not increase beyond cap

	if got := s.PendingKeyframes(); got != 3 {
		t.Fatalf("PendingKeyframes() = %d, want 3 (capped)", got)
	}
}

func TestIdempotentDecisionForSameInputs(t *testing.T) {
	s1 := New(testConfig())
	s2 := New(testConfig())
	now := time.Now()

	d1 := s1.UpdateWithScanResult(now, 7, ScanSignals{}, Low)
	d2 := s2.UpdateWithScanResult(now, 7, ScanSignals{}, Low)
	if d1.Kind != d2.Kind || d1.Reason != d2.Reason {
		t.Fatalf("independent states given identical inputs diverged: %+v vs %+v", d1, d2)
	}
}

func TestResetClearsMotionState(t *testing.T) {
	s := New(testConfig())
	now := time.Now()
	s.NotifyTouch(now)
	s.UpdateWithScanResult(now, 1, ScanSignals{ScrollActive: true}, Low)

	s.Reset()

	// Immediately after reset, the same signature should render since
	// hasRendered was cleared.
	d := s.UpdateWithScanResult(now.Add(time.Second), 1, ScanSignals{}, Low)
	if d.Kind != RenderNow {
		t.Fatalf("after Reset: Kind = %v, want RenderNow", d.Kind)
	}
}
