package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rejourney/capture-agent/internal/encoder"
	"github.com/rejourney/capture-agent/internal/heuristics"
	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/host/simulated"
	"github.com/rejourney/capture-agent/internal/pixelpool"
)

// fakeEncoder satisfies segmentEncoder without touching the real H.264/mp4
// backend, so these tests exercise only the engine's decision/dispatch
// wiring.
type fakeEncoder struct {
	mu          sync.Mutex
	sessionID   string
	onComplete  func(encoder.CompletionInfo)
	appendCalls int
	failNext    bool
	consecFails int
}

func (f *fakeEncoder) SetSessionID(id string)                        { f.mu.Lock(); f.sessionID = id; f.mu.Unlock() }
func (f *fakeEncoder) OnComplete(fn func(encoder.CompletionInfo))     { f.mu.Lock(); f.onComplete = fn; f.mu.Unlock() }
func (f *fakeEncoder) FinishSegment(sync, cont bool) error            { return nil }
func (f *fakeEncoder) ConsecutiveFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecFails
}

func (f *fakeEncoder) AppendPixelBuffer(buf *pixelpool.Buffer, tsMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.failNext {
		f.consecFails++
		return false, errors.New("fake encoder failure")
	}
	f.consecFails = 0
	return true, nil
}

// countingRenderer wraps simulated.Renderer to count Render invocations so
// tests can distinguish a RenderNow decision from a ReuseLast one.
type countingRenderer struct {
	inner *simulated.Renderer
	mu    sync.Mutex
	calls int
}

func (r *countingRenderer) Render(surface host.Surface, dst *pixelpool.Buffer) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.inner.Render(surface, dst)
}

func (r *countingRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestCollaborators(renderer host.Renderer) (*host.Collaborators, *simulated.SurfaceProvider) {
	sp := simulated.NewSurfaceProvider()
	sp.Set(&simulated.Surface{
		Base:        simulated.Base{ClassID: 1, FrameRect: host.Rect{X: 0, Y: 0, W: 100, H: 100}, AlphaValue: 1},
		SurfaceName: "root",
	})
	return &host.Collaborators{
		Surfaces: sp,
		Perf:     simulated.NewPerformanceSignals(),
		RunLoop:  simulated.NewRunLoop(),
		Tasks:    simulated.NewTaskScope(),
		Crash:    simulated.NewCrashHandler(),
		Renderer: renderer,
	}, sp
}

func TestStartSessionRequiresConfiguredUploader(t *testing.T) {
	collab, _ := newTestCollaborators(simulated.NewRenderer())
	e, err := newEngine(Config{}, collab, &fakeEncoder{})
	require.NoError(t, err)
	require.ErrorIs(t, e.StartSession("sess-1"), ErrMisconfiguredUploader)
}

func TestQuietPageRendersOnceThenReusesThenRerendersOnStale(t *testing.T) {
	renderer := &countingRenderer{inner: simulated.NewRenderer()}
	collab, _ := newTestCollaborators(renderer)
	fake := &fakeEncoder{}

	cfg := Config{}.withDefaults()
	cfg.Heuristics.MaxStale = 2 * time.Second

	e, err := newEngine(cfg, collab, fake)
	require.NoError(t, err)
	e.mu.Lock()
	e.state = StateRecording
	e.mu.Unlock()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		e.processIntent(base.Add(time.Duration(i)*time.Second), heuristics.Low)
	}

	require.Equal(t, 6, fake.appendCalls, "every intent reaches the encoder")
	require.GreaterOrEqual(t, renderer.Calls(), 2, "initial render plus a stale re-render")
	require.Less(t, renderer.Calls(), 6, "some intents should reuse rather than re-render every tick")
}

func TestNavigationHighImportanceBypassesTouchQuietWindow(t *testing.T) {
	renderer := &countingRenderer{inner: simulated.NewRenderer()}
	collab, _ := newTestCollaborators(renderer)
	fake := &fakeEncoder{}

	cfg := Config{}.withDefaults()
	cfg.Heuristics.QuietTouch = 5 * time.Second
	cfg.IntentGraceBaseline = 900 * time.Millisecond
	cfg.IntentGraceHigh = 100 * time.Millisecond

	e, err := newEngine(cfg, collab, fake)
	require.NoError(t, err)
	e.mu.Lock()
	e.state = StateRecording
	e.mu.Unlock()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.heuristics.NotifyTouch(now)

	// Low importance during the touch quiet window with nothing cached yet
	// to reuse: dropped silently, no render, no encode.
	e.processIntent(now.Add(50*time.Millisecond), heuristics.Low)
	require.Zero(t, renderer.Calls(), "no cache to reuse during the quiet window")
	require.Zero(t, fake.appendCalls)

	// High importance (e.g. notify_navigation) bypasses the touch gate.
	e.processIntent(now.Add(60*time.Millisecond), heuristics.High)
	require.Equal(t, 1, renderer.Calls())
	require.Equal(t, 1, fake.appendCalls)
}

func TestEncoderFailureStopsSessionAfterMaxConsecutiveFailures(t *testing.T) {
	renderer := &countingRenderer{inner: simulated.NewRenderer()}
	collab, _ := newTestCollaborators(renderer)
	fake := &fakeEncoder{failNext: true}

	cfg := Config{}.withDefaults()
	cfg.MaxConsecutiveEncoderFailures = 3

	e, err := newEngine(cfg, collab, fake)
	require.NoError(t, err)
	e.mu.Lock()
	e.state = StateRecording
	e.mu.Unlock()

	var gotErr error
	e.OnError(func(err error) { gotErr = err })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e.processIntent(base.Add(time.Duration(i)*time.Second), heuristics.Low)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == StateIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, StateIdle, e.State(), "engine should stop after repeated encoder failures")
	require.Error(t, gotErr, "the error callback should fire after repeated encoder failures")
}

func TestGestureSchedulesDefensiveCapture(t *testing.T) {
	renderer := &countingRenderer{inner: simulated.NewRenderer()}
	collab, _ := newTestCollaborators(renderer)
	fake := &fakeEncoder{}

	cfg := Config{}.withDefaults()
	cfg.ScrollCapture = 20 * time.Millisecond

	e, err := newEngine(cfg, collab, fake)
	require.NoError(t, err)
	e.mu.Lock()
	e.state = StateRecording
	e.mu.Unlock()

	e.NotifyGesture(GestureScroll)

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && fake.appendCalls == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, fake.appendCalls, "NotifyGesture should schedule a defensive capture that reaches the encoder")
}
