// Package heuristics decides, per capture intent, whether the engine should
// render a fresh frame, defer, or reuse the last one, tracking per-motion-kind
// quiet windows the way the Capture Engine's decision step needs (§4.3).
package heuristics

import (
	"sync"
	"time"
)

// Importance mirrors a capture intent's urgency; Critical and High bypass
// most quiet-window gates (but never the scroll gate).
type Importance int

const (
	Low Importance = iota
	High
	Critical
)

// DecisionKind is the outcome of a decision: render a fresh frame now, defer
// until a later time, or reuse the last rendered buffer.
type DecisionKind int

const (
	RenderNow DecisionKind = iota
	Defer
	ReuseLast
)

// Decision is the heuristics engine's verdict for one intent.
type Decision struct {
	Kind   DecisionKind
	Until  time.Time // valid when Kind == Defer
	Reason string
}

// Config holds the quiet windows and thresholds the decision algorithm uses.
// Field names and defaults mirror the config package's spec-default values.
type Config struct {
	QuietTouch      time.Duration
	QuietScroll     time.Duration
	QuietBounce     time.Duration
	QuietRefresh    time.Duration
	QuietTransition time.Duration
	QuietKeyboard   time.Duration
	QuietMap        time.Duration
	QuietAnimation  time.Duration
	MapSettle       time.Duration

	MaxStale             time.Duration
	SignatureChurnWindow time.Duration
	MaxPendingKeyframes  int
	KeyframeRenderMinGap time.Duration
}

// ScanSignals is the subset of a scanner.ScanResult the decision algorithm
// consumes; kept separate from the scanner package so heuristics has no
// dependency on it.
type ScanSignals struct {
	ScrollActive          bool
	BounceActive          bool
	RefreshActive         bool
	MapActive             bool
	HasAnyAnimations      bool
	HasLiveBlockedSurface bool
	DidBailOutEarly       bool
}

// State is one engine's (or one session's) heuristics state. Not safe for
// concurrent decisions on overlapping calls from different goroutines beyond
// the internal locking already applied.
type State struct {
	mu  sync.Mutex
	cfg Config

	lastTouch, lastScroll, lastBounce, lastRefresh time.Time
	lastMap, lastTransition, lastKeyboard          time.Time
	lastAnimation                                  time.Time
	mapSettleUntil                                 time.Time

	hasRendered            bool
	lastRenderedTime       time.Time
	lastRenderedSignature  uint64
	hasObservedSignature   bool
	lastObservedSignature  uint64
	signatureChangeTimes   []time.Time
	churnBlocking          bool
	churnUntil             time.Time
	animationBlockingUntil time.Time

	bonusCaptureTime       time.Time
	pendingKeyframes       int
	lastKeyframeRenderTime time.Time
}

// New creates heuristics state with the given quiet windows/thresholds.
func New(cfg Config) *State {
	return &State{cfg: cfg}
}

// Reset clears motion/quiet-window state, as pause/resume does (§4.1): "reset
// heuristics, invalidate last signature, clear safe-buffer cache." The
// configuration itself is preserved.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero time.Time
	s.lastTouch, s.lastScroll, s.lastBounce, s.lastRefresh = zero, zero, zero, zero
	s.lastMap, s.lastTransition, s.lastKeyboard, s.lastAnimation = zero, zero, zero, zero
	s.mapSettleUntil = zero
	s.hasRendered, s.lastRenderedTime, s.lastRenderedSignature = false, zero, 0
	s.hasObservedSignature, s.lastObservedSignature, s.signatureChangeTimes = false, 0, nil
	s.churnBlocking, s.churnUntil, s.animationBlockingUntil = false, zero, zero
	s.bonusCaptureTime, s.pendingKeyframes, s.lastKeyframeRenderTime = zero, 0, zero
}

// MotionActive reports whether now falls within the scroll, keyboard, or
// animation quiet window, i.e. whether the view hierarchy is presently in
// motion. The Capture Engine uses this to clamp an intent's grace period
// (§4.1 step 2: "clamped to <=0.3s during animation/scroll/keyboard").
func (s *State) MotionActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	within := func(last time.Time, quiet time.Duration) bool {
		return !last.IsZero() && now.Sub(last) < quiet
	}
	return within(s.lastScroll, s.cfg.QuietScroll) ||
		within(s.lastAnimation, s.cfg.QuietAnimation) ||
		within(s.lastKeyboard, s.cfg.QuietKeyboard)
}

// NotifyTouch records a touch/interaction event and enqueues a bonus capture.
func (s *State) NotifyTouch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = now
	s.enqueueBonusLocked(now, 150*time.Millisecond)
}

// NotifyScrollEnd marks the end of a scroll gesture.
func (s *State) NotifyScrollEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueBonusLocked(now, 200*time.Millisecond)
}

// NotifyMapEnd marks the end of a map gesture.
func (s *State) NotifyMapEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMap = now
	s.mapSettleUntil = now.Add(s.cfg.MapSettle)
	s.enqueueBonusLocked(now, 300*time.Millisecond)
}

// NotifyRefreshEnd marks the end of a pull-to-refresh gesture.
func (s *State) NotifyRefreshEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueBonusLocked(now, 250*time.Millisecond)
}

// NotifyNavigation records a screen transition and invalidates the last
// rendered signature, so the next decision renders; the engine schedules its
// own defensive capture deadline (~200 ms) separately (§4.1).
func (s *State) NotifyNavigation(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTransition = now
	s.hasRendered = false
	s.enqueueBonusLocked(now, 200*time.Millisecond)
}

// NotifyKeyboardBegin marks the keyboard as animating into/out of place.
func (s *State) NotifyKeyboardBegin(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKeyboard = now
}

// NotifyKeyboardEnd marks the end of a keyboard animation.
func (s *State) NotifyKeyboardEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKeyboard = now
	s.enqueueBonusLocked(now, 200*time.Millisecond)
}

// NotifyLargeAnimationEnd marks the end of a large (area-significant)
// animation.
func (s *State) NotifyLargeAnimationEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueBonusLocked(now, 300*time.Millisecond)
}

func (s *State) enqueueBonusLocked(now time.Time, delay time.Duration) {
	if s.pendingKeyframes >= s.cfg.MaxPendingKeyframes {
		return
	}
	s.pendingKeyframes++
	at := now.Add(delay)
	if s.bonusCaptureTime.IsZero() || at.Before(s.bonusCaptureTime) {
		s.bonusCaptureTime = at
	}
}

// UpdateWithScanResult folds the latest scan's motion signals into the quiet
// windows, updates churn tracking, and returns the decision for the current
// intent. Calling it twice with identical (now, signature, scan, importance)
// yields the same Decision, except for the passage of time itself (§8
// property 5).
func (s *State) UpdateWithScanResult(now time.Time, signature uint64, scan ScanSignals, importance Importance) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scan.ScrollActive {
		s.lastScroll = now
	}
	if scan.BounceActive {
		s.lastBounce = now
	}
	if scan.RefreshActive {
		s.lastRefresh = now
	}
	if scan.MapActive {
		s.lastMap = now
		s.mapSettleUntil = now.Add(s.cfg.MapSettle)
	}
	if scan.HasAnyAnimations {
		s.lastAnimation = now
	}

	s.trackChurnLocked(now, signature, scan.DidBailOutEarly)

	earliestSafe := now
	consider := func(last time.Time, quiet time.Duration) {
		if last.IsZero() {
			return
		}
		t := last.Add(quiet)
		if t.After(earliestSafe) {
			earliestSafe = t
		}
	}

	// Critical bypasses all gates except scroll and map settle; High bypasses
	// all gates except scroll.
	if importance != Critical && importance != High {
		consider(s.lastTouch, s.cfg.QuietTouch)
		consider(s.lastBounce, s.cfg.QuietBounce)
		consider(s.lastRefresh, s.cfg.QuietRefresh)
		consider(s.lastTransition, s.cfg.QuietTransition)
		consider(s.lastKeyboard, s.cfg.QuietKeyboard)
		if s.churnBlocking && now.Before(s.animationBlockingUntil) {
			consider(s.lastAnimation, s.cfg.QuietAnimation)
			if s.animationBlockingUntil.After(earliestSafe) {
				earliestSafe = s.animationBlockingUntil
			}
		} else {
			consider(s.lastAnimation, s.cfg.QuietAnimation)
		}
	}
	if importance != High {
		if now.Before(s.mapSettleUntil) && s.mapSettleUntil.After(earliestSafe) {
			earliestSafe = s.mapSettleUntil
		}
	}
	consider(s.lastScroll, s.cfg.QuietScroll)

	if earliestSafe.After(now) {
		return Decision{Kind: Defer, Until: earliestSafe, Reason: "quiet-window"}
	}

	sigChanged := !s.hasRendered || signature != s.lastRenderedSignature
	stale := s.hasRendered && now.Sub(s.lastRenderedTime) >= s.cfg.MaxStale
	keyframeDue := s.pendingKeyframes > 0 &&
		!s.bonusCaptureTime.IsZero() &&
		!now.Before(s.bonusCaptureTime) &&
		now.Sub(s.lastKeyframeRenderTime) >= s.cfg.KeyframeRenderMinGap

	// "stale" is listed as both an unconditional RenderNow trigger and,
	// separately, a suppressed-reuse case when a live blocked surface is
	// present; a live blocked surface wins, since re-rendering a frame whose
	// camera/web/video content hasn't changed would only flash the last
	// still frame underneath it.
	renderDueToStale := stale && !scan.HasLiveBlockedSurface

	if sigChanged || renderDueToStale || keyframeDue || importance >= High {
		reason := "signature-changed"
		switch {
		case renderDueToStale:
			reason = "stale"
		case keyframeDue:
			reason = "keyframe-due"
		case importance >= High && !sigChanged:
			reason = "importance"
		}
		s.lastRenderedSignature = signature
		s.lastRenderedTime = now
		s.hasRendered = true
		if s.pendingKeyframes > 0 {
			s.pendingKeyframes--
			s.lastKeyframeRenderTime = now
			if s.pendingKeyframes == 0 {
				s.bonusCaptureTime = time.Time{}
			}
		}
		return Decision{Kind: RenderNow, Reason: reason}
	}

	if stale && scan.HasLiveBlockedSurface {
		return Decision{Kind: ReuseLast, Reason: "stale-render-suppressed"}
	}
	return Decision{Kind: ReuseLast, Reason: "quiet"}
}

// trackChurnLocked records a signature-change timestamp when the signature
// differs from the last observed one, sets churn_blocking when two changes
// land within the churn window, and asserts animation blocking when the
// scanner bailed early while churn is active (§4.3 "signature churn").
func (s *State) trackChurnLocked(now time.Time, signature uint64, bailedOutEarly bool) {
	changed := !s.hasObservedSignature || signature != s.lastObservedSignature
	s.lastObservedSignature = signature
	s.hasObservedSignature = true

	if s.churnBlocking && now.After(s.churnUntil) {
		s.churnBlocking = false
	}

	if !changed {
		return
	}

	window := s.cfg.SignatureChurnWindow
	cutoff := now.Add(-window)
	kept := s.signatureChangeTimes[:0]
	for _, t := range s.signatureChangeTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.signatureChangeTimes = kept

	if len(s.signatureChangeTimes) >= 2 {
		s.churnBlocking = true
		s.churnUntil = now.Add(window)
		if bailedOutEarly {
			s.animationBlockingUntil = s.churnUntil.Add(s.cfg.QuietAnimation)
		}
	}
}

// PendingKeyframes reports the current count of scheduled bonus captures not
// yet rendered.
func (s *State) PendingKeyframes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingKeyframes
}
