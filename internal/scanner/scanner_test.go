package scanner

import (
	"testing"
	"time"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/host/simulated"
)

func testConfig() Config {
	return Config{
		MaxDepthFast:         8,
		MaxDepthDeep:         25,
		MaxViewsFast:         500,
		MaxViewsDeep:         2000,
		MaxScanTime:          30 * time.Millisecond,
		TimeCheckEvery:       200,
		PrivacySweepMaxTime:  10 * time.Millisecond,
		PrivacySweepMaxViews: 2000,
	}
}

func buildSimpleTree(textValue string) *simulated.Surface {
	input := &simulated.TextInputView{Base: simulated.Base{ClassID: 10, FrameRect: host.Rect{X: 0, Y: 0, W: 200, H: 40}}}
	label := &simulated.PlainView{Base: simulated.Base{
		ClassID: 11, FrameRect: host.Rect{X: 0, Y: 50, W: 200, H: 20},
		Text: textValue, HasText: true, A11yLabel: "greeting",
	}}
	return &simulated.Surface{
		Base:        simulated.Base{ClassID: 1, FrameRect: host.Rect{X: 0, Y: 0, W: 400, H: 800}, Kids: []host.View{input, label}},
		SurfaceName: "Home",
	}
}

func TestSignatureDeterministicForIdenticalTrees(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r1 := s.Scan([]host.Surface{buildSimpleTree("hello")}, target, time.Now(), false)
	r2 := s.Scan([]host.Surface{buildSimpleTree("hello")}, target, time.Now(), false)

	if r1.LayoutSignature != r2.LayoutSignature {
		t.Fatalf("signatures differ for identical trees: %x vs %x", r1.LayoutSignature, r2.LayoutSignature)
	}
}

func TestSignatureChangesWhenTextChanges(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r1 := s.Scan([]host.Surface{buildSimpleTree("hello")}, target, time.Now(), false)
	r2 := s.Scan([]host.Surface{buildSimpleTree("goodbye")}, target, time.Now(), false)

	if r1.LayoutSignature == r2.LayoutSignature {
		t.Fatal("signature did not change when label text changed")
	}
}

func TestTextInputIsMaskedWithAreaAboveThreshold(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r := s.Scan([]host.Surface{buildSimpleTree("hello")}, target, time.Now(), false)

	if len(r.TextInputRects) != 1 {
		t.Fatalf("TextInputRects = %v, want exactly 1 region", r.TextInputRects)
	}
	if r.DidBailOutEarly {
		t.Fatal("shallow tree should not bail out")
	}
}

func TestTinyPrivacyRegionIsDropped(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tiny := &simulated.TextInputView{Base: simulated.Base{ClassID: 20, FrameRect: host.Rect{X: 0, Y: 0, W: 5, H: 5}}}
	surface := &simulated.Surface{Base: simulated.Base{ClassID: 1, FrameRect: host.Rect{X: 0, Y: 0, W: 400, H: 800}, Kids: []host.View{tiny}}}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r := s.Scan([]host.Surface{surface}, target, time.Now(), false)

	if len(r.TextInputRects) != 0 {
		t.Fatalf("TextInputRects = %v, want none (area <= 100)", r.TextInputRects)
	}
}

func TestDeepTreeBailsOutAndRunsPrivacySweep(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepthFast = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Build a chain deeper than MaxDepthFast with a text input buried past
	// the bailout depth; only the privacy-only sweep (unbounded by depth)
	// should find it.
	var leaf host.View = &simulated.TextInputView{Base: simulated.Base{ClassID: 99, FrameRect: host.Rect{X: 0, Y: 0, W: 50, H: 50}}}
	for i := 0; i < 10; i++ {
		leaf = &simulated.PlainView{Base: simulated.Base{ClassID: host.ViewClass(100 + i), FrameRect: host.Rect{X: 0, Y: 0, W: 50, H: 50}, Kids: []host.View{leaf}}}
	}
	surface := &simulated.Surface{Base: simulated.Base{ClassID: 1, FrameRect: host.Rect{X: 0, Y: 0, W: 400, H: 800}, Kids: []host.View{leaf}}}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r := s.Scan([]host.Surface{surface}, target, time.Now(), false)

	if !r.DidBailOutEarly {
		t.Fatal("expected bailout given shallow depth ceiling")
	}
	if len(r.TextInputRects) != 1 {
		t.Fatalf("TextInputRects = %v, want 1 (privacy-only sweep should fail closed)", r.TextInputRects)
	}
}

func TestScrollActiveDetection(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	scroll := &simulated.ScrollableView{
		Base:   simulated.Base{ClassID: 30, FrameRect: host.Rect{X: 0, Y: 0, W: 400, H: 800}},
		OffsetY: 12,
		State:  host.ScrollDragging,
	}
	surface := &simulated.Surface{Base: simulated.Base{ClassID: 1, FrameRect: host.Rect{X: 0, Y: 0, W: 400, H: 800}, Kids: []host.View{scroll}}}

	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r := s.Scan([]host.Surface{surface}, target, time.Now(), false)

	if !r.ScrollActive {
		t.Fatal("expected ScrollActive=true for a dragging scroll view")
	}
	if len(r.ScrollViewHandles) != 1 {
		t.Fatalf("ScrollViewHandles = %v, want 1", r.ScrollViewHandles)
	}
}

func TestPrewarmPopulatesCache(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tree := buildSimpleTree("hello")
	s.Prewarm([]host.View{tree})
	// Prewarm should not panic and a subsequent scan should still find the
	// text input.
	target := host.Rect{X: 0, Y: 0, W: 400, H: 800}
	r := s.Scan([]host.Surface{tree}, target, time.Now(), false)
	if len(r.TextInputRects) != 1 {
		t.Fatalf("TextInputRects after prewarm = %v, want 1", r.TextInputRects)
	}
}
