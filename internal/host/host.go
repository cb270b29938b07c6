// Package host declares the collaborator interfaces the capture core depends
// on but does not implement itself (§6): a window/view-tree provider,
// performance signals, run-loop integration, background-task continuity, and
// a crash handler hook. A real mobile runtime backs these with UIKit/
// Android platform calls; internal/host/simulated backs them in-process for
// the CLI and tests.
//
// View capability probes follow §9 design note "dynamic dispatch to UI
// types": rather than switching on a concrete class name, a View optionally
// implements one of TextInputProbe, BlockedSurfaceProbe, ScrollProbe,
// RefreshProbe, MapProbe or AnimationProbe, and the scanner type-asserts
// once per class identity and caches the answer.
package host

import (
	"time"

	"github.com/rejourney/capture-agent/internal/pixelpool"
)

// Rect is a view frame in surface-local coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Empty reports whether the rect has non-positive area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// ViewClass is a stable per-class identity, mixed into the layout signature
// and used as the capability-probe cache key. It must be cheap to obtain and
// stable across instances of the same UI class (spec: "class pointers, not
// names, are mixed to keep cost O(1)").
type ViewClass uint64

// View is one node in a scanned view hierarchy.
type View interface {
	Class() ViewClass
	Frame() Rect
	Hidden() bool
	Alpha() float64
	BackgroundColor() uint32
	Tint() uint32
	Children() []View
	AccessibilityIdentifier() string
	AccessibilityLabel() string
	AccessibilityHint() string
	// TextContent returns editable/label text content, when the view exposes
	// any; used only to derive length and a content hash, never retained.
	TextContent() (string, bool)
	// ImageIdentity returns a stable identity for backing image content
	// (e.g. a decoded-image cache key), used to detect image swaps without
	// hashing pixels.
	ImageIdentity() (uint64, bool)
}

// TextInputProbe marks a View as a native or framework text input subject to
// privacy masking (§4.2 privacy classification (a)).
type TextInputProbe interface {
	IsTextInput() bool
}

// BlockedKind identifies a surface whose contents change out-of-band of the
// UI tree and therefore can never be safely reused across frames.
type BlockedKind int

const (
	BlockedKindNone BlockedKind = iota
	BlockedKindCamera
	BlockedKindWebView
	BlockedKindVideo
)

// BlockedSurfaceProbe marks a View as a camera preview, web view, or video
// player layer (§4.2 privacy classification (b), (c); §3 invariant 4).
type BlockedSurfaceProbe interface {
	BlockedSurfaceKind() BlockedKind
}

// ScrollState is the tracking state of a scrollable view.
type ScrollState int

const (
	ScrollIdle ScrollState = iota
	ScrollTracking
	ScrollDragging
	ScrollDecelerating
)

// ScrollProbe exposes the offset/inset/tracking-state a scrollable view
// needs for motion classification (§4.2 motion/animation flags).
type ScrollProbe interface {
	ScrollOffset() (x, y float64)
	ContentInset() (top, left, bottom, right float64)
	ScrollState() ScrollState
}

// RefreshProbe exposes pull-to-refresh state.
type RefreshProbe interface {
	Refreshing() bool
	IndicatorVisible() bool
	IndicatorIntersectsVisible() bool
}

// GestureState mirrors a platform gesture recognizer's lifecycle.
type GestureState int

const (
	GestureNone GestureState = iota
	GestureBegan
	GestureChanged
	GestureEnded
)

// MapProbe exposes a map view's camera signature and active gesture state.
// Absent when the host cannot expose map internals (§9 open question (b));
// the scanner treats a type-assertion miss as "no map view" and degrades
// gracefully.
type MapProbe interface {
	CameraSignature() (string, bool)
	GestureState() GestureState
}

// AnimationProbe exposes presentation-layer animation state used to compute
// has_any_animations and animation_area_ratio.
type AnimationProbe interface {
	PresentationDelta() float64 // points moved since last commit
	HasActiveAnimationKeys() bool
}

// Surface is a top-level visible window/screen; it is itself the root View
// of the tree the scanner traverses.
type Surface interface {
	View
	Name() string
}

// SurfaceProvider is the "window provider" collaborator (§6): a callable
// returning the current top-level visible surface(s).
type SurfaceProvider interface {
	// Surfaces returns every visible top-level surface, in front-to-back
	// or z-order as the host defines it.
	Surfaces() []Surface
	// PrimaryTarget returns the surface used for coordinate conversion; it
	// is always one of Surfaces()'s entries when non-nil.
	PrimaryTarget() Surface
}

// ThermalState mirrors the platform thermal state enum (§4.6).
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

// MemoryPressureLevel mirrors the platform memory-pressure signal (§4.6).
type MemoryPressureLevel int

const (
	MemoryPressureNormal MemoryPressureLevel = iota
	MemoryPressureWarning
	MemoryPressureCritical
)

// PerformanceSignals is the subset of device pressure signals with no
// cross-platform equivalent in gopsutil: thermal state, memory pressure and
// battery. CPU and
// resident memory are sampled directly by internal/perf via gopsutil. Every
// method must be O(1) per §6 ("the core assumes each is queryable in O(1)").
type PerformanceSignals interface {
	ThermalState() ThermalState
	MemoryPressure() MemoryPressureLevel
	// BatteryLevel reports battery percent [0,100] and charging state.
	// available is false on hosts with no battery (e.g. desktop duty).
	BatteryLevel() (percent int, charging bool, available bool)
}

// RunLoop is the "run-loop integration" collaborator (§6): a
// display-synchronised tick source and a before-waiting observer that
// coalesces capture attempts outside the UI update critical section.
type RunLoop interface {
	// Ticks starts a tick source at approximately fps and returns the
	// channel plus a stop function. Implementations may use a genuine
	// display-sync signal or fall back to a monotonic timer.
	Ticks(fps float64) (ticks <-chan time.Time, stop func())
	// RegisterBeforeWaiting registers fn to run each time the UI run loop
	// is about to block waiting for the next event. Returns an unregister
	// function.
	RegisterBeforeWaiting(fn func()) (unregister func())
}

// BackgroundScope spans a single upload; Expired fires if the host revokes
// the scope (e.g. app suspended) before End is called.
type BackgroundScope interface {
	End()
	Expired() <-chan struct{}
}

// BackgroundTaskScope is the "background task scope" collaborator (§6).
type BackgroundTaskScope interface {
	Begin(reason string) BackgroundScope
}

// CrashHandler is the "crash handler" collaborator (§6): it invokes the
// registered callback on a fatal signal/exception and must not invoke it
// otherwise.
type CrashHandler interface {
	RegisterEmergencyFlush(fn func())
}

// Renderer draws a surface's current view hierarchy off-screen into dst at
// dst's native resolution (§4.1 step 6, "draw the window hierarchy into it,
// off-screen, after screen updates = false"). The host owns the actual draw
// call; the core only owns what happens to the resulting pixels.
type Renderer interface {
	Render(surface Surface, dst *pixelpool.Buffer) error
}

// Collaborators bundles every host-surface extension point the Capture
// Engine needs at construction time.
type Collaborators struct {
	Surfaces SurfaceProvider
	Perf     PerformanceSignals
	RunLoop  RunLoop
	Tasks    BackgroundTaskScope
	Crash    CrashHandler
	Renderer Renderer
}
