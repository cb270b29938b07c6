// Package scanner implements the single-pass view-hierarchy traversal
// (§4.2): it produces a layout signature, privacy-sensitive and
// motion-sensitive regions, and bounded bailout behavior, in one walk of
// every visible top-level surface.
//
// Dynamic dispatch to UI types (§9 design note) is modeled as capability
// probes: host.TextInputProbe, host.BlockedSurfaceProbe, host.ScrollProbe,
// host.RefreshProbe, host.MapProbe and host.AnimationProbe are optional
// interfaces a concrete host.View may implement. capabilitiesFor resolves
// and caches the answer once per class identity via a ristretto cache,
// mirroring the teacher's optional-interface probing in
// remote/desktop/capture.go (BGRAProvider, TightLoopHint, ...) generalized
// to the view-tree domain.
package scanner

import (
	"math"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/logging"
)

var log = logging.L("scanner")

// Config holds the bailout budgets and privacy configuration (§4.2).
type Config struct {
	MaxDepthFast           int
	MaxDepthDeep           int
	MaxViewsFast           int
	MaxViewsDeep           int
	MaxScanTime            time.Duration
	TimeCheckEvery         int
	PrivacySweepMaxTime    time.Duration
	PrivacySweepMaxViews   int
	MaskedAccessibilityIDs map[string]bool
}

// ViewHandle is a non-owning reference into the scan's arena: a stable
// index rather than a retained pointer, so the handle outlives the scan
// only as an integer (§9 design note on cycles/handles).
type ViewHandle struct {
	Index int
}

// ScanResult is the §3 View Hierarchy Scan Result.
type ScanResult struct {
	LayoutSignature uint64

	TextInputRects []host.Rect
	CameraRects    []host.Rect
	WebViewRects   []host.Rect
	VideoRects     []host.Rect
	MapViewRects   []host.Rect

	MapViewHandles      []ViewHandle
	ScrollViewHandles   []ViewHandle
	AnimatedViewHandles []ViewHandle

	ScrollActive       bool
	BounceActive       bool
	RefreshActive      bool
	MapActive          bool
	HasAnyAnimations   bool
	AnimationAreaRatio float64

	DidBailOutEarly   bool
	TotalViewsScanned int
	ScanTimestamp     time.Time

	// Arena holds every view visited, indexable by ViewHandle.Index.
	Arena []host.View
}

// HasAnyPrivacyRegions reports whether any masked region was recorded.
func (r *ScanResult) HasAnyPrivacyRegions() bool {
	return len(r.TextInputRects) > 0 || len(r.CameraRects) > 0 ||
		len(r.WebViewRects) > 0 || len(r.VideoRects) > 0
}

// HasBlockedSurface reports whether the scan saw any camera/webview/video
// region (§3 invariant 4).
func (r *ScanResult) HasBlockedSurface() bool {
	return len(r.CameraRects) > 0 || len(r.WebViewRects) > 0 || len(r.VideoRects) > 0
}

type capabilities struct {
	isTextInput  bool
	hasBlocked   bool
	blockedKind  host.BlockedKind
	hasScroll    bool
	hasRefresh   bool
	hasMap       bool
	hasAnimation bool
}

// Scanner holds the per-class capability cache across scans; it is safe for
// concurrent prewarm + scan from a single owner goroutine (the engine
// thread, per §5 shared-resource policy).
type Scanner struct {
	cfg   Config
	cache *ristretto.Cache[uint64, capabilities]
}

func New(cfg Config) (*Scanner, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, capabilities]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Scanner{cfg: cfg, cache: cache}, nil
}

// Prewarm resolves and caches capabilities for every distinct class in the
// given sample tree, amortizing the first real scan's probe cost (§4.2,
// "class caches must be pre-warmed").
func (s *Scanner) Prewarm(views []host.View) {
	for _, v := range views {
		s.capabilitiesFor(v)
		s.Prewarm(v.Children())
	}
}

func (s *Scanner) capabilitiesFor(v host.View) capabilities {
	key := uint64(v.Class())
	if caps, ok := s.cache.Get(key); ok {
		return caps
	}

	var caps capabilities
	if p, ok := v.(host.TextInputProbe); ok {
		caps.isTextInput = p.IsTextInput()
	}
	if p, ok := v.(host.BlockedSurfaceProbe); ok {
		kind := p.BlockedSurfaceKind()
		if kind != host.BlockedKindNone {
			caps.hasBlocked = true
			caps.blockedKind = kind
		}
	}
	if _, ok := v.(host.ScrollProbe); ok {
		caps.hasScroll = true
	}
	if _, ok := v.(host.RefreshProbe); ok {
		caps.hasRefresh = true
	}
	if _, ok := v.(host.MapProbe); ok {
		caps.hasMap = true
	}
	if _, ok := v.(host.AnimationProbe); ok {
		caps.hasAnimation = true
	}

	s.cache.Set(key, caps, 1)
	return caps
}

// Scan performs one bounded, single-pass traversal across surfaces, with
// target used for coordinate-space intersection and rect dropping (§4.2
// privacy classification). Views are assumed already expressed in target
// surface coordinates; converting a nested overlay's own coordinate space
// into target space is a host-specific matrix transform with no portable
// Go equivalent, so this scanner accepts pre-converted frames the same way
// the host-surface boundary in §6 implies the View provider must supply
// them.
func (s *Scanner) Scan(surfaces []host.Surface, target host.Rect, now time.Time, deep bool) ScanResult {
	result := ScanResult{ScanTimestamp: now}

	maxDepth := s.cfg.MaxDepthFast
	maxViews := s.cfg.MaxViewsFast
	maxTime := s.cfg.MaxScanTime
	if deep {
		maxDepth = s.cfg.MaxDepthDeep
		maxViews = s.cfg.MaxViewsDeep
	}

	start := time.Now()
	hasher := newFNV1a()
	var totalAnimatedArea, targetArea float64
	targetArea = target.W * target.H

	type frame struct {
		view  host.View
		depth int
	}

	for _, surface := range surfaces {
		stack := []frame{{view: surface, depth: 0}}

		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if cur.depth > maxDepth || len(result.Arena) >= maxViews {
				result.DidBailOutEarly = true
				continue
			}

			if result.TotalViewsScanned > 0 && result.TotalViewsScanned%s.cfg.TimeCheckEvery == 0 {
				if maxTime > 0 && time.Since(start) > maxTime {
					result.DidBailOutEarly = true
					break
				}
			}

			idx := len(result.Arena)
			result.Arena = append(result.Arena, cur.view)
			result.TotalViewsScanned++

			caps := s.capabilitiesFor(cur.view)
			s.mixSignature(hasher, cur.view, cur.depth, caps)
			s.classifyPrivacy(&result, cur.view, caps, target)
			s.classifyMotion(&result, cur.view, caps, ViewHandle{Index: idx}, &totalAnimatedArea)

			for _, child := range cur.view.Children() {
				stack = append(stack, frame{view: child, depth: cur.depth + 1})
			}
		}
	}

	result.LayoutSignature = hasher.sum()

	if targetArea > 0 {
		result.AnimationAreaRatio = clamp01(totalAnimatedArea / targetArea)
	}

	if result.DidBailOutEarly && !result.HasAnyPrivacyRegions() {
		s.privacyOnlySweep(surfaces, target, &result)
	}

	return result
}

// privacyOnlySweep runs a tighter-budget BFS over every surface solely to
// find privacy regions, guaranteeing fail-closed masking after a bailout
// (§4.2).
func (s *Scanner) privacyOnlySweep(surfaces []host.Surface, target host.Rect, result *ScanResult) {
	start := time.Now()
	visited := 0

	type node struct {
		view host.View
	}
	queue := make([]node, 0, len(surfaces))
	for _, surf := range surfaces {
		queue = append(queue, node{view: surf})
	}

	for len(queue) > 0 {
		if visited >= s.cfg.PrivacySweepMaxViews {
			break
		}
		if s.cfg.PrivacySweepMaxTime > 0 && time.Since(start) > s.cfg.PrivacySweepMaxTime {
			break
		}

		cur := queue[0]
		queue = queue[1:]
		visited++

		caps := s.capabilitiesFor(cur.view)
		s.classifyPrivacy(result, cur.view, caps, target)

		for _, child := range cur.view.Children() {
			queue = append(queue, node{view: child})
		}
	}

	log.Debug("privacy-only sweep completed", "visited", visited,
		"textInputs", len(result.TextInputRects), "blocked", result.HasBlockedSurface())
}

func (s *Scanner) classifyPrivacy(result *ScanResult, v host.View, caps capabilities, target host.Rect) {
	if v.Hidden() {
		return
	}

	masked := false
	var bucket *[]host.Rect

	switch {
	case caps.isTextInput:
		masked = true
		bucket = &result.TextInputRects
	case caps.hasBlocked && caps.blockedKind == host.BlockedKindCamera:
		masked = true
		bucket = &result.CameraRects
	case caps.hasBlocked && caps.blockedKind == host.BlockedKindWebView:
		masked = true
		bucket = &result.WebViewRects
	case caps.hasBlocked && caps.blockedKind == host.BlockedKindVideo:
		masked = true
		bucket = &result.VideoRects
	case v.AccessibilityHint() == "occlude":
		masked = true
		bucket = &result.TextInputRects
	case s.cfg.MaskedAccessibilityIDs[v.AccessibilityIdentifier()]:
		masked = true
		bucket = &result.TextInputRects
	}

	if !masked {
		return
	}

	rect := sanitizeRect(v.Frame())
	clipped, ok := clipRect(rect, target)
	if !ok || clipped.W*clipped.H <= 100 {
		return
	}
	*bucket = append(*bucket, clipped)
}

func (s *Scanner) classifyMotion(result *ScanResult, v host.View, caps capabilities, handle ViewHandle, totalAnimatedArea *float64) {
	if caps.hasScroll {
		sp := v.(host.ScrollProbe)
		_, offY := sp.ScrollOffset()
		top, _, _, _ := sp.ContentInset()
		state := sp.ScrollState()

		if state == host.ScrollTracking || state == host.ScrollDragging || state == host.ScrollDecelerating || math.Abs(offY) > 0.5 {
			result.ScrollActive = true
		}
		if offY < -(top+0.5) || math.Abs(top) > 0.5 {
			result.BounceActive = true
		}
		result.ScrollViewHandles = append(result.ScrollViewHandles, handle)
	}

	if caps.hasRefresh {
		rp := v.(host.RefreshProbe)
		if rp.Refreshing() || (rp.IndicatorVisible() && rp.IndicatorIntersectsVisible()) {
			result.RefreshActive = true
		}
	}

	if caps.hasMap {
		mp := v.(host.MapProbe)
		gesture := mp.GestureState()
		if gesture == host.GestureBegan || gesture == host.GestureChanged || gesture == host.GestureEnded {
			result.MapActive = true
		}
		if sig, ok := mp.CameraSignature(); ok && sig != "" {
			result.MapActive = result.MapActive || true
		}
		result.MapViewHandles = append(result.MapViewHandles, handle)
		rect := sanitizeRect(v.Frame())
		result.MapViewRects = append(result.MapViewRects, rect)
	}

	if caps.hasAnimation {
		ap := v.(host.AnimationProbe)
		if ap.PresentationDelta() > 1 || ap.HasActiveAnimationKeys() {
			result.HasAnyAnimations = true
			rect := v.Frame()
			*totalAnimatedArea += rect.W * rect.H
		}
		result.AnimatedViewHandles = append(result.AnimatedViewHandles, handle)
	}
}

func sanitizeRect(r host.Rect) host.Rect {
	sanitize := func(f float64) float64 {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	return host.Rect{X: sanitize(r.X), Y: sanitize(r.Y), W: sanitize(r.W), H: sanitize(r.H)}
}

// clipRect intersects r with bounds, returning false if they don't overlap.
func clipRect(r, bounds host.Rect) (host.Rect, bool) {
	x1 := math.Max(r.X, bounds.X)
	y1 := math.Max(r.Y, bounds.Y)
	x2 := math.Min(r.X+r.W, bounds.X+bounds.W)
	y2 := math.Min(r.Y+r.H, bounds.Y+bounds.H)
	if x2 <= x1 || y2 <= y1 {
		return host.Rect{}, false
	}
	return host.Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}, true
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
