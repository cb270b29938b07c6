// Package simulated provides an in-process implementation of every
// internal/host collaborator so the CLI and tests can drive the full
// capture pipeline without a real mobile OS. It is the host-surface analog
// of the teacher's in-memory desktop session fixtures: concrete,
// mutable, and driven explicitly rather than by a real run loop.
package simulated

import (
	"sync"
	"time"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/pixelpool"
)

// Base implements host.View; the capability-probe wrapper types below embed
// it and add exactly one optional interface each, matching the scanner's
// type-assertion-per-class-identity design.
type Base struct {
	ClassID      host.ViewClass
	FrameRect    host.Rect
	IsHidden     bool
	AlphaValue   float64
	BGColor      uint32
	TintColor    uint32
	Kids         []host.View
	A11yID       string
	A11yLabel    string
	A11yHint     string
	Text         string
	HasText      bool
	ImageID      uint64
	HasImageID   bool
}

func (b *Base) Class() host.ViewClass                { return b.ClassID }
func (b *Base) Frame() host.Rect                      { return b.FrameRect }
func (b *Base) Hidden() bool                          { return b.IsHidden }
func (b *Base) Alpha() float64                        { return b.AlphaValue }
func (b *Base) BackgroundColor() uint32                { return b.BGColor }
func (b *Base) Tint() uint32                          { return b.TintColor }
func (b *Base) Children() []host.View                 { return b.Kids }
func (b *Base) AccessibilityIdentifier() string       { return b.A11yID }
func (b *Base) AccessibilityLabel() string            { return b.A11yLabel }
func (b *Base) AccessibilityHint() string             { return b.A11yHint }
func (b *Base) TextContent() (string, bool)           { return b.Text, b.HasText }
func (b *Base) ImageIdentity() (uint64, bool)         { return b.ImageID, b.HasImageID }

// PlainView is an ordinary view exposing no capability probes.
type PlainView struct{ Base }

// TextInputView marks the node as a text input (§4.2 privacy (a)).
type TextInputView struct{ Base }

func (v *TextInputView) IsTextInput() bool { return true }

// BlockedSurfaceView marks the node as a camera/web/video surface
// (§4.2 privacy (b)/(c)).
type BlockedSurfaceView struct {
	Base
	Kind host.BlockedKind
}

func (v *BlockedSurfaceView) BlockedSurfaceKind() host.BlockedKind { return v.Kind }

// ScrollableView exposes offset/inset/tracking state.
type ScrollableView struct {
	Base
	OffsetX, OffsetY                           float64
	InsetTop, InsetLeft, InsetBottom, InsetRight float64
	State                                       host.ScrollState
}

func (v *ScrollableView) ScrollOffset() (float64, float64) { return v.OffsetX, v.OffsetY }
func (v *ScrollableView) ContentInset() (float64, float64, float64, float64) {
	return v.InsetTop, v.InsetLeft, v.InsetBottom, v.InsetRight
}
func (v *ScrollableView) ScrollState() host.ScrollState { return v.State }

// RefreshableView exposes pull-to-refresh state.
type RefreshableView struct {
	Base
	IsRefreshing       bool
	ShowsIndicator     bool
	IndicatorVisible_  bool
}

func (v *RefreshableView) Refreshing() bool              { return v.IsRefreshing }
func (v *RefreshableView) IndicatorVisible() bool         { return v.ShowsIndicator }
func (v *RefreshableView) IndicatorIntersectsVisible() bool { return v.IndicatorVisible_ }

// MapViewSim exposes a map camera signature and gesture state.
type MapViewSim struct {
	Base
	Signature    string
	HasSignature bool
	Gesture      host.GestureState
}

func (v *MapViewSim) CameraSignature() (string, bool)  { return v.Signature, v.HasSignature }
func (v *MapViewSim) GestureState() host.GestureState { return v.Gesture }

// AnimatedView exposes presentation-layer animation state.
type AnimatedView struct {
	Base
	Delta      float64
	ActiveKeys bool
}

func (v *AnimatedView) PresentationDelta() float64     { return v.Delta }
func (v *AnimatedView) HasActiveAnimationKeys() bool    { return v.ActiveKeys }

// Surface is a top-level simulated screen; it is its own root View.
type Surface struct {
	Base
	SurfaceName string
}

func (s *Surface) Name() string { return s.SurfaceName }

// SurfaceProvider is a mutable, test-driven window provider.
type SurfaceProvider struct {
	mu       sync.RWMutex
	surfaces []host.Surface
	primary  host.Surface
}

func NewSurfaceProvider() *SurfaceProvider {
	return &SurfaceProvider{}
}

// Set replaces the visible surfaces; the first is the primary target unless
// SetPrimary is called explicitly. Invalidates any cached last-rendered
// frame in the engine via the normal notify_navigation path, not here.
func (p *SurfaceProvider) Set(surfaces ...host.Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaces = surfaces
	if len(surfaces) > 0 {
		p.primary = surfaces[0]
	} else {
		p.primary = nil
	}
}

func (p *SurfaceProvider) SetPrimary(s host.Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.primary = s
}

func (p *SurfaceProvider) Surfaces() []host.Surface {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]host.Surface, len(p.surfaces))
	copy(out, p.surfaces)
	return out
}

func (p *SurfaceProvider) PrimaryTarget() host.Surface {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

// PerformanceSignals is a mutable, test-driven thermal/battery source.
type PerformanceSignals struct {
	mu             sync.RWMutex
	thermal        host.ThermalState
	memoryPressure host.MemoryPressureLevel
	batteryPercent int
	charging       bool
	batteryAvail   bool
}

func NewPerformanceSignals() *PerformanceSignals {
	return &PerformanceSignals{
		thermal:      host.ThermalNominal,
		batteryAvail: true,
		charging:     true,
		batteryPercent: 100,
	}
}

func (p *PerformanceSignals) SetThermalState(s host.ThermalState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thermal = s
}

func (p *PerformanceSignals) SetMemoryPressure(l host.MemoryPressureLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memoryPressure = l
}

func (p *PerformanceSignals) SetBattery(percent int, charging, available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batteryPercent = percent
	p.charging = charging
	p.batteryAvail = available
}

func (p *PerformanceSignals) ThermalState() host.ThermalState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thermal
}

func (p *PerformanceSignals) MemoryPressure() host.MemoryPressureLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.memoryPressure
}

func (p *PerformanceSignals) BatteryLevel() (int, bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batteryPercent, p.charging, p.batteryAvail
}

// RunLoop is a timer-driven tick source plus an explicitly-fired
// before-waiting observer list (there being no real UI run loop to hook).
type RunLoop struct {
	mu            sync.Mutex
	beforeWaiting map[int]func()
	nextID        int
}

func NewRunLoop() *RunLoop {
	return &RunLoop{beforeWaiting: make(map[int]func())}
}

func (r *RunLoop) Ticks(fps float64) (<-chan time.Time, func()) {
	if fps <= 0 {
		fps = 1
	}
	interval := time.Duration(float64(time.Second) / fps)
	ticker := time.NewTicker(interval)
	out := make(chan time.Time, 1)
	stopped := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				select {
				case out <- t:
				default:
				}
			case <-stopped:
				return
			}
		}
	}()

	return out, func() { close(stopped) }
}

func (r *RunLoop) RegisterBeforeWaiting(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.beforeWaiting[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.beforeWaiting, id)
	}
}

// FireBeforeWaiting invokes every registered callback once. Callers drive
// this explicitly (from a test, or the CLI's own idle-detection loop) to
// stand in for a real run loop going idle.
func (r *RunLoop) FireBeforeWaiting() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.beforeWaiting))
	for _, fn := range r.beforeWaiting {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type scope struct {
	expired chan struct{}
	once    sync.Once
}

func (s *scope) End() { /* no-op: simulated scopes only expire via ExpireAll */ }

func (s *scope) Expired() <-chan struct{} { return s.expired }

// TaskScope is a background-task-scope collaborator that never expires
// unless a test forces it to via ExpireAll.
type TaskScope struct {
	mu     sync.Mutex
	scopes []*scope
}

func NewTaskScope() *TaskScope {
	return &TaskScope{}
}

func (t *TaskScope) Begin(reason string) host.BackgroundScope {
	s := &scope{expired: make(chan struct{})}
	t.mu.Lock()
	t.scopes = append(t.scopes, s)
	t.mu.Unlock()
	return s
}

// ExpireAll simulates the host revoking every open background scope, e.g.
// because the app was suspended mid-upload.
func (t *TaskScope) ExpireAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.scopes {
		s.once.Do(func() { close(s.expired) })
	}
	t.scopes = nil
}

// CrashHandler lets a test simulate a fatal signal by invoking the
// registered emergency-flush callback.
type CrashHandler struct {
	mu sync.Mutex
	fn func()
}

func NewCrashHandler() *CrashHandler {
	return &CrashHandler{}
}

func (c *CrashHandler) RegisterEmergencyFlush(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// SimulateFatalSignal invokes the registered callback, as a real crash
// handler would on a fatal signal/exception. No-op if nothing is registered.
func (c *CrashHandler) SimulateFatalSignal() {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Renderer paints a view tree into a pixel buffer by filling each view's
// frame with its background color, pre-order so children paint over their
// parent. There is no real compositor here; this stands in for "off-screen,
// after screen updates = false" the same way the rest of this package
// stands in for real platform calls.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

func (r *Renderer) Render(surface host.Surface, dst *pixelpool.Buffer) error {
	dst.Reset()
	r.paint(surface, dst)
	return nil
}

func (r *Renderer) paint(v host.View, dst *pixelpool.Buffer) {
	if v.Hidden() || v.Alpha() <= 0 {
		return
	}
	fillRect(dst, v.Frame(), v.BackgroundColor())
	for _, child := range v.Children() {
		r.paint(child, dst)
	}
}

func fillRect(dst *pixelpool.Buffer, rect host.Rect, argb uint32) {
	x0, y0 := int(rect.X), int(rect.Y)
	x1, y1 := int(rect.X+rect.W), int(rect.Y+rect.H)
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > dst.Width {
		x1 = dst.Width
	}
	if y1 > dst.Height {
		y1 = dst.Height
	}
	b := byte(argb)
	g := byte(argb >> 8)
	rr := byte(argb >> 16)
	a := byte(argb >> 24)
	for y := y0; y < y1; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := x0; x < x1; x++ {
			i := x * 4
			row[i+0] = b
			row[i+1] = g
			row[i+2] = rr
			row[i+3] = a
		}
	}
}

// Host bundles every simulated collaborator and exposes it as
// host.Collaborators for the Capture Engine to consume.
type Host struct {
	Surfaces *SurfaceProvider
	Perf     *PerformanceSignals
	RunLoop  *RunLoop
	Tasks    *TaskScope
	Crash    *CrashHandler
	Renderer *Renderer
}

func New() *Host {
	return &Host{
		Surfaces: NewSurfaceProvider(),
		Perf:     NewPerformanceSignals(),
		RunLoop:  NewRunLoop(),
		Tasks:    NewTaskScope(),
		Crash:    NewCrashHandler(),
		Renderer: NewRenderer(),
	}
}

func (h *Host) Collaborators() *host.Collaborators {
	return &host.Collaborators{
		Surfaces: h.Surfaces,
		Perf:     h.Perf,
		RunLoop:  h.RunLoop,
		Tasks:    h.Tasks,
		Crash:    h.Crash,
		Renderer: h.Renderer,
	}
}
