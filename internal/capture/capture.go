// Package capture implements the Capture Engine (§4.1): it sequences
// scan → decide → render → downscale → mask → encode per intent and owns
// all session-level state. It is the orchestrator tying together
// internal/scanner, internal/heuristics, internal/pixelpool,
// internal/privacy, internal/encoder, internal/uploader and
// internal/perf against the internal/host collaborator surface, the way
// the teacher's remote/desktop.Session ties a capture source, an encoder
// and a peer connection together behind one lifecycle.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourney/capture-agent/internal/encoder"
	"github.com/rejourney/capture-agent/internal/heuristics"
	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/logging"
	"github.com/rejourney/capture-agent/internal/perf"
	"github.com/rejourney/capture-agent/internal/perfstats"
	"github.com/rejourney/capture-agent/internal/pixelpool"
	"github.com/rejourney/capture-agent/internal/privacy"
	"github.com/rejourney/capture-agent/internal/recovery"
	"github.com/rejourney/capture-agent/internal/scanner"
	"github.com/rejourney/capture-agent/internal/uploader"
)

var log = logging.L("capture")

// ErrMisconfiguredUploader is returned by StartSession when
// ConfigureUploader has not been called (§4.1, §7).
var ErrMisconfiguredUploader = errors.New("capture: uploader is not configured")

// State is the session lifecycle state (§4.1: "Idle → Warming → Recording").
type State int

const (
	StateIdle State = iota
	StateWarming
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateWarming:
		return "warming"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// GestureKind classifies a notify_gesture call (§4.1).
type GestureKind int

const (
	GestureOther GestureKind = iota
	GesturePan
	GesturePinch
	GestureSwipe
	GestureDrag
	GestureScroll
)

func (k GestureKind) isMapCandidate() bool {
	switch k {
	case GesturePan, GesturePinch, GestureSwipe, GestureDrag:
		return true
	default:
		return false
	}
}

// Config holds every tunable the Capture Engine and the sub-components it
// owns need. Field names mirror internal/config's flattened mapstructure
// tags one level up; the CLI is responsible for translating config.Config
// into this shape so the engine itself stays free of a viper dependency.
type Config struct {
	VideoFPS                      float64
	WarmupGrace                   time.Duration
	IntentGraceBaseline           time.Duration
	IntentGraceMotion             time.Duration
	IntentGraceHigh               time.Duration
	PollInterval                  time.Duration
	StopSyncTimeout               time.Duration
	NavigationCapture             time.Duration
	MapGestureCapture             time.Duration
	ScrollCapture                 time.Duration
	OtherGestureCapture           time.Duration
	MapGestureWindow              time.Duration
	MaxConsecutiveEncoderFailures int
	ReducedScale                  float64
	MinimalScale                  float64
	PoolMinBuffers                int

	Scanner    scanner.Config
	Heuristics heuristics.Config
	Encoder    encoder.Config
	Perf       perf.Config
	Uploader   uploader.Config
}

func (c Config) withDefaults() Config {
	if c.VideoFPS <= 0 {
		c.VideoFPS = 1.0
	}
	if c.WarmupGrace <= 0 {
		c.WarmupGrace = 300 * time.Millisecond
	}
	if c.IntentGraceBaseline <= 0 {
		c.IntentGraceBaseline = 900 * time.Millisecond
	}
	if c.IntentGraceMotion <= 0 {
		c.IntentGraceMotion = 300 * time.Millisecond
	}
	if c.IntentGraceHigh <= 0 {
		c.IntentGraceHigh = 100 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 80 * time.Millisecond
	}
	if c.StopSyncTimeout <= 0 {
		c.StopSyncTimeout = 5 * time.Second
	}
	if c.NavigationCapture <= 0 {
		c.NavigationCapture = 200 * time.Millisecond
	}
	if c.MapGestureCapture <= 0 {
		c.MapGestureCapture = 550 * time.Millisecond
	}
	if c.ScrollCapture <= 0 {
		c.ScrollCapture = 200 * time.Millisecond
	}
	if c.OtherGestureCapture <= 0 {
		c.OtherGestureCapture = 150 * time.Millisecond
	}
	if c.MapGestureWindow <= 0 {
		c.MapGestureWindow = 2 * time.Second
	}
	if c.MaxConsecutiveEncoderFailures <= 0 {
		c.MaxConsecutiveEncoderFailures = 3
	}
	if c.ReducedScale <= 0 {
		c.ReducedScale = 0.25
	}
	if c.MinimalScale <= 0 {
		c.MinimalScale = 0.15
	}
	return c
}

// Session is the §3 Session data model.
type Session struct {
	ID         string
	StartedAt  time.Time
	ScreenName string
}

// segmentEncoder is the subset of *encoder.Encoder the engine drives;
// narrowed to an interface so tests can substitute a fake and exercise the
// decision/dispatch wiring without the real H.264/mp4 backend.
type segmentEncoder interface {
	SetSessionID(id string)
	OnComplete(fn func(encoder.CompletionInfo))
	AppendPixelBuffer(buf *pixelpool.Buffer, tsMs int64) (bool, error)
	ConsecutiveFailures() int
	FinishSegment(sync, cont bool) error
}

var _ segmentEncoder = (*encoder.Encoder)(nil)

// hierarchySnapshot is one entry of the gzipped hierarchy side-channel
// artifact uploaded alongside each video segment (§6 "Hierarchy payload").
type hierarchySnapshot struct {
	TsMs                int64  `json:"tsMs"`
	Signature           uint64 `json:"signature"`
	ScrollActive        bool   `json:"scrollActive"`
	MapActive           bool   `json:"mapActive"`
	HasAnimations       bool   `json:"hasAnimations"`
	TextInputCount      int    `json:"textInputCount"`
	BlockedSurfaceCount int    `json:"blockedSurfaceCount"`
}

// Engine sequences capture intents and owns all session-level state
// (§4.1). Collaborators beyond the ones it constructs itself come from a
// single host.Collaborators bundle, mirroring the teacher's pattern of
// wiring one session object from a handful of platform-backed interfaces.
type Engine struct {
	cfg    Config
	collab *host.Collaborators

	scanner    *scanner.Scanner
	heuristics *heuristics.State
	perf       *perf.Manager
	pools      *pixelpool.Pools
	encoder    segmentEncoder
	uploader   *uploader.Uploader
	store      *recovery.Store

	mu         sync.Mutex
	state      State
	session    *Session
	generation uint64
	perfLevel  perf.Level

	pendingDeadline time.Time

	lastNativeBuf  *pixelpool.Buffer
	lastNativeScan *scanner.ScanResult
	lastSafeBuf    *pixelpool.Buffer
	lastSafeScan   *scanner.ScanResult

	lastMapSeenAt time.Time
	hierarchy     []hierarchySnapshot

	tickStop                func()
	unregisterBeforeWaiting func()
	tickDone                chan struct{}
	tickPending             bool
	wg                      sync.WaitGroup

	onError func(error)
}

// New builds an Engine with a real video encoder persisting recovery
// metadata under cacheDir (§4.4, §6).
func New(cfg Config, collab *host.Collaborators, cacheDir string) (*Engine, error) {
	cfg = cfg.withDefaults()
	store := recovery.New(cacheDir)
	enc := encoder.New(cfg.Encoder, store)
	e, err := newEngine(cfg, collab, enc)
	if err != nil {
		return nil, err
	}
	e.store = store
	return e, nil
}

func newEngine(cfg Config, collab *host.Collaborators, enc segmentEncoder) (*Engine, error) {
	cfg = cfg.withDefaults()
	sc, err := scanner.New(cfg.Scanner)
	if err != nil {
		return nil, fmt.Errorf("capture: new scanner: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		collab:     collab,
		scanner:    sc,
		heuristics: heuristics.New(cfg.Heuristics),
		perf:       perf.New(cfg.Perf, collab.Perf),
		pools:      pixelpool.NewPools(cfg.PoolMinBuffers),
		encoder:    enc,
	}

	enc.OnComplete(e.onSegmentComplete)
	e.perf.OnChange(e.onPerfLevelChange)
	if collab.Crash != nil {
		collab.Crash.RegisterEmergencyFlush(func() {
			if real, ok := e.encoder.(*encoder.Encoder); ok {
				if err := real.EmergencyFlushSync(); err != nil {
					log.Error("emergency flush failed", "error", err)
				}
			}
		})
	}
	return e, nil
}

// OnError registers the one-shot error callback EncoderFatal surfaces
// through (§7: "only MisconfiguredUploader and EncoderFatal reach the
// host").
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// State reports the current session lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingUploads forwards the uploader's in-flight artifact count, or 0 if
// no uploader is configured yet.
func (e *Engine) PendingUploads() int64 {
	e.mu.Lock()
	u := e.uploader
	e.mu.Unlock()
	if u == nil {
		return 0
	}
	return u.PendingUploads()
}

// ConfigureUploader must precede StartSession (§4.1).
func (e *Engine) ConfigureUploader(baseURL, projectKey, projectID string, creds uploader.Credentials) error {
	if baseURL == "" {
		return ErrMisconfiguredUploader
	}
	upCfg := e.cfg.Uploader
	upCfg.BaseURL = baseURL
	upCfg.Credentials = creds
	if upCfg.Credentials.ProjectKey == "" {
		upCfg.Credentials.ProjectKey = projectKey
	}

	e.mu.Lock()
	e.uploader = uploader.New(upCfg, e.collab.Tasks)
	e.mu.Unlock()
	_ = projectID
	return nil
}

// ReplayPendingCrashSegment re-submits the segment an emergency flush
// persisted on a prior run, if any, then clears the recovery record.
// Callers run this once at startup, after ConfigureUploader and before
// StartSession (§4.4, §S4).
func (e *Engine) ReplayPendingCrashSegment(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	meta, err := e.store.Pending()
	if err != nil {
		return fmt.Errorf("capture: read pending crash segment: %w", err)
	}
	if meta == nil {
		return nil
	}

	if !meta.Finalized {
		log.Warn("discarding unfinalized crash-recovered segment", "sessionId", meta.SessionID, "segmentPath", meta.SegmentPath)
		_ = os.Remove(meta.SegmentPath)
		return e.store.Clear()
	}

	e.mu.Lock()
	u := e.uploader
	e.mu.Unlock()
	if u == nil {
		return fmt.Errorf("capture: replay pending crash segment: uploader not configured")
	}

	log.Info("replaying crash-recovered segment", "sessionId", meta.SessionID, "frameCount", meta.FrameCount)
	u.Submit(ctx, uploader.Artifact{
		Kind:       uploader.KindVideo,
		SessionID:  meta.SessionID,
		LocalPath:  meta.SegmentPath,
		StartMs:    meta.StartMs,
		EndMs:      meta.EndMs,
		FrameCount: meta.FrameCount,
		Delete:     true,
	})
	return e.store.Clear()
}

// StartSession transitions Idle → Warming → Recording, stopping any
// previous session first (§4.1).
func (e *Engine) StartSession(sessionID string) error {
	e.mu.Lock()
	if e.uploader == nil {
		e.mu.Unlock()
		return ErrMisconfiguredUploader
	}
	alreadyActive := e.state != StateIdle
	e.mu.Unlock()

	if alreadyActive {
		_ = e.StopSession(false)
	}

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.session = &Session{ID: sessionID, StartedAt: time.Now()}
	e.state = StateWarming
	e.hierarchy = nil
	e.lastNativeBuf, e.lastNativeScan = nil, nil
	e.lastSafeBuf, e.lastSafeScan = nil, nil
	e.mu.Unlock()

	e.heuristics.Reset()
	e.encoder.SetSessionID(sessionID)
	e.perf.Start(context.Background())
	e.startIntentClock()

	time.AfterFunc(e.cfg.WarmupGrace, func() { e.releaseWarmupGate(gen) })
	return nil
}

func (e *Engine) releaseWarmupGate(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	if e.state == StateWarming {
		e.state = StateRecording
	}
}

// NotifyUIReady releases the warm-up gate early (§4.1).
func (e *Engine) NotifyUIReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateWarming {
		e.state = StateRecording
	}
}

// NotifyCommit forces an immediate render pass (§4.1).
func (e *Engine) NotifyCommit() {
	e.processIntent(time.Now(), heuristics.High)
}

// StopSession cancels any deferred intent without emitting it, finishes the
// current segment, and when sync waits up to StopSyncTimeout for outstanding
// uploads (§4.1, §5).
func (e *Engine) StopSession(sync bool) error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	e.state = StateIdle
	e.session = nil
	e.mu.Unlock()

	e.stopIntentClock()
	e.perf.Stop()

	if err := e.encoder.FinishSegment(sync, false); err != nil {
		log.Warn("finish segment on stop failed", "error", err)
	}

	e.mu.Lock()
	u := e.uploader
	e.mu.Unlock()
	if sync && u != nil {
		u.WaitForPendingSegmentUploads(e.cfg.StopSyncTimeout)
	}
	return nil
}

// Pause behaves like StopSession but preserves the session identity so
// Resume can continue it (§4.1).
func (e *Engine) Pause(sync bool) error {
	e.mu.Lock()
	if e.state != StateRecording && e.state != StateWarming {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	e.state = StatePaused
	e.lastNativeBuf, e.lastNativeScan = nil, nil
	e.lastSafeBuf, e.lastSafeScan = nil, nil
	e.mu.Unlock()

	e.stopIntentClock()
	e.heuristics.Reset()

	if err := e.encoder.FinishSegment(sync, false); err != nil {
		log.Warn("finish segment on pause failed", "error", err)
	}

	e.mu.Lock()
	u := e.uploader
	e.mu.Unlock()
	if sync && u != nil {
		u.WaitForPendingSegmentUploads(e.cfg.StopSyncTimeout)
	}
	return nil
}

// Resume restarts the intent clock after a Pause (§4.1).
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	gen := e.generation
	e.state = StateWarming
	e.mu.Unlock()

	e.startIntentClock()
	time.AfterFunc(e.cfg.WarmupGrace, func() { e.releaseWarmupGate(gen) })
	return nil
}

// NotifyNavigation invalidates the signature, records a navigation event,
// and schedules a High-importance defensive capture (§4.1).
func (e *Engine) NotifyNavigation(screenName string) {
	now := time.Now()
	e.mu.Lock()
	if e.session != nil {
		e.session.ScreenName = screenName
	}
	e.mu.Unlock()

	e.heuristics.NotifyNavigation(now)
	e.scheduleDefensiveCapture(e.cfg.NavigationCapture, heuristics.High)
}

// NotifyGesture records a touch/interaction event and schedules a
// defensive capture sized by gesture kind (§4.1).
func (e *Engine) NotifyGesture(kind GestureKind) {
	now := time.Now()
	e.heuristics.NotifyTouch(now)

	e.mu.Lock()
	mapRecentlySeen := !e.lastMapSeenAt.IsZero() && now.Sub(e.lastMapSeenAt) < e.cfg.MapGestureWindow
	e.mu.Unlock()

	var delay time.Duration
	switch {
	case kind.isMapCandidate() && mapRecentlySeen:
		delay = e.cfg.MapGestureCapture
	case kind == GestureScroll:
		delay = e.cfg.ScrollCapture
	default:
		delay = e.cfg.OtherGestureCapture
	}
	e.scheduleDefensiveCapture(delay, heuristics.Low)
}

func (e *Engine) scheduleDefensiveCapture(delay time.Duration, importance heuristics.Importance) {
	gen := e.currentGeneration()
	time.AfterFunc(delay, func() {
		if e.currentGeneration() != gen {
			return
		}
		e.processIntent(time.Now(), importance)
	})
}

func (e *Engine) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// startIntentClock wires a display-synchronised tick source to a
// before-waiting observer that coalesces the actual capture attempt
// outside the UI update critical section (§4.1 "Intent clock"), grounded
// on the teacher's goroutine-per-loop-with-select-on-done-channel idiom
// (remote/desktop/session_stream.go's cursorStreamLoop).
func (e *Engine) startIntentClock() {
	ticks, stopTicks := e.collab.RunLoop.Ticks(e.cfg.VideoFPS)
	unregister := e.collab.RunLoop.RegisterBeforeWaiting(e.flushPendingTick)
	done := make(chan struct{})

	e.mu.Lock()
	e.tickStop = stopTicks
	e.unregisterBeforeWaiting = unregister
	e.tickDone = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ticks:
				e.mu.Lock()
				e.tickPending = true
				e.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
}

func (e *Engine) stopIntentClock() {
	e.mu.Lock()
	stop := e.tickStop
	unregister := e.unregisterBeforeWaiting
	done := e.tickDone
	e.tickStop, e.unregisterBeforeWaiting, e.tickDone = nil, nil, nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if unregister != nil {
		unregister()
	}
	if done != nil {
		close(done)
	}
	e.wg.Wait()
}

func (e *Engine) flushPendingTick() {
	e.mu.Lock()
	pending := e.tickPending
	e.tickPending = false
	e.mu.Unlock()
	if pending {
		e.processIntent(time.Now(), heuristics.Low)
	}
}

// processIntent is the per-intent algorithm (§4.1 steps 1-7).
func (e *Engine) processIntent(now time.Time, importance heuristics.Importance) {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return
	}
	level := e.perfLevel
	if level == perf.Paused && importance < heuristics.High {
		e.mu.Unlock()
		return
	}

	stalePending := !e.pendingDeadline.IsZero() && now.After(e.pendingDeadline)
	e.mu.Unlock()

	// Step 1: force-emit a stale prior intent (reuse path) before creating
	// a new one.
	if stalePending {
		e.forceEmitStalePending(now)
		e.mu.Lock()
		e.pendingDeadline = time.Time{}
		e.mu.Unlock()
	}

	// Step 2: create the new intent.
	grace := e.graceFor(importance, now)
	deadline := now.Add(grace)
	e.mu.Lock()
	e.pendingDeadline = deadline
	e.mu.Unlock()

	// Step 3: full scan + heuristics update.
	surfaces := e.collab.Surfaces.Surfaces()
	target := targetRect(e.collab.Surfaces.PrimaryTarget())
	scan := e.scanner.Scan(surfaces, target, now, false)

	if scan.MapActive || len(scan.MapViewRects) > 0 {
		e.mu.Lock()
		e.lastMapSeenAt = now
		e.mu.Unlock()
	}

	decision := e.heuristics.UpdateWithScanResult(now, scan.LayoutSignature, heuristics.ScanSignals{
		ScrollActive:          scan.ScrollActive,
		BounceActive:          scan.BounceActive,
		RefreshActive:         scan.RefreshActive,
		MapActive:             scan.MapActive,
		HasAnyAnimations:      scan.HasAnyAnimations,
		HasLiveBlockedSurface: scan.HasBlockedSurface(),
		DidBailOutEarly:       scan.DidBailOutEarly,
	}, importance)

	switch decision.Kind {
	case heuristics.RenderNow:
		e.emitRenderNow(now, scan, target)
		e.clearPendingDeadline()
	case heuristics.ReuseLast:
		e.emitReuse(now, scan)
		e.clearPendingDeadline()
	case heuristics.Defer:
		if decision.Until.After(deadline) {
			// Step 5 else-branch: defer extends past this intent's own
			// deadline, so emit with ReuseLast now instead of waiting.
			e.emitReuse(now, scan)
			e.clearPendingDeadline()
		} else {
			gen := e.currentGeneration()
			delay := e.cfg.PollInterval
			time.AfterFunc(delay, func() {
				if e.currentGeneration() != gen {
					return
				}
				e.processIntent(time.Now(), importance)
			})
		}
	}
}

func (e *Engine) clearPendingDeadline() {
	e.mu.Lock()
	e.pendingDeadline = time.Time{}
	e.mu.Unlock()
}

// graceFor computes the intent deadline grace (§4.1 step 2).
func (e *Engine) graceFor(importance heuristics.Importance, now time.Time) time.Duration {
	if importance >= heuristics.High {
		return e.cfg.IntentGraceHigh
	}
	if e.heuristics.MotionActive(now) {
		return e.cfg.IntentGraceMotion
	}
	return e.cfg.IntentGraceBaseline
}

func (e *Engine) forceEmitStalePending(now time.Time) {
	e.mu.Lock()
	buf, cached := e.lastNativeBuf, e.lastNativeScan
	level := e.perfLevel
	e.mu.Unlock()
	if buf == nil {
		return
	}
	scale, quality := e.scaleForLevel(level)
	e.dispatchEncode(buf, cached, scale, quality, now)
}

// emitRenderNow allocates a native-pool buffer and draws the surface
// off-screen (§4.1 step 6, RenderNow branch).
func (e *Engine) emitRenderNow(now time.Time, scan scanner.ScanResult, target host.Rect) {
	surface := e.collab.Surfaces.PrimaryTarget()
	nativeW, nativeH := int(target.W), int(target.H)
	if surface == nil || nativeW <= 0 || nativeH <= 0 {
		e.emitReuse(now, scan)
		return
	}

	buf := e.pools.Native.Get(nativeW, nativeH)
	if err := e.collab.Renderer.Render(surface, buf); err != nil {
		// RenderFailed: fall back to reuse; drop silently further down if
		// there is nothing to reuse (§4.1 "Failure semantics").
		e.pools.Native.Put(buf)
		log.Warn("render failed, falling back to reuse", "error", err)
		e.emitReuse(now, scan)
		return
	}

	perfstats.RecordCaptured()

	scanCopy := scan
	e.mu.Lock()
	e.setLastNativeLocked(buf, &scanCopy)
	level := e.perfLevel
	e.mu.Unlock()

	scale, quality := e.scaleForLevel(level)
	e.dispatchEncode(buf, &scanCopy, scale, quality, now)
}

// emitReuse uses the cached last-rendered buffer, preferring the "safe"
// buffer when the live scan lacks blocked surfaces but the cached native
// frame had one (§3 invariant 4, §8 property 3).
func (e *Engine) emitReuse(now time.Time, scan scanner.ScanResult) {
	e.mu.Lock()
	var buf *pixelpool.Buffer
	var cached *scanner.ScanResult
	if !scan.HasBlockedSurface() && e.lastNativeScan != nil && e.lastNativeScan.HasBlockedSurface() {
		buf, cached = e.lastSafeBuf, e.lastSafeScan
	} else {
		buf, cached = e.lastNativeBuf, e.lastNativeScan
	}
	level := e.perfLevel
	e.mu.Unlock()

	if buf == nil {
		log.Debug("no cached frame available to reuse, dropping intent")
		perfstats.RecordDropped()
		return
	}
	perfstats.RecordReused()
	scale, quality := e.scaleForLevel(level)
	e.dispatchEncode(buf, cached, scale, quality, now)
}

// setLastNativeLocked replaces the cached native (and, when the frame has
// no blocked surface, safe) buffer, returning superseded buffers to the
// native pool once nothing still references them. Caller must hold e.mu.
func (e *Engine) setLastNativeLocked(buf *pixelpool.Buffer, scan *scanner.ScanResult) {
	old := e.lastNativeBuf
	e.lastNativeBuf = buf
	e.lastNativeScan = scan

	if !scan.HasBlockedSurface() {
		oldSafe := e.lastSafeBuf
		e.lastSafeBuf = buf
		e.lastSafeScan = scan
		if oldSafe != nil && oldSafe != old {
			e.pools.Native.Put(oldSafe)
		}
	}
	if old != nil && old != e.lastSafeBuf {
		e.pools.Native.Put(old)
	}
}

// scaleForLevel applies the performance-level scale caps (§4.1
// "Performance level effect").
func (e *Engine) scaleForLevel(level perf.Level) (float64, pixelpool.Quality) {
	switch level {
	case perf.Reduced:
		return e.cfg.ReducedScale, pixelpool.QualityFor(false, e.cfg.ReducedScale)
	case perf.Minimal:
		return e.cfg.MinimalScale, pixelpool.Balanced
	default:
		return 1.0, pixelpool.QualityFor(level == perf.Normal, 1.0)
	}
}

// dispatchEncode is the encode step (§4.1 step 7): it downscales, applies
// the privacy mask at the target scale, and appends to the encoder with a
// timestamp. It runs inline on the goroutine that processed the intent;
// there is no separate encoding queue, and concurrent calls are serialised
// only by the encoder's own mutex.
func (e *Engine) dispatchEncode(buf *pixelpool.Buffer, scan *scanner.ScanResult, scale float64, quality pixelpool.Quality, now time.Time) {
	encW, encH := pixelpool.ScaledDimensions(buf.Width, buf.Height, scale)
	encBuf := e.pools.Encode.Get(encW, encH)
	pixelpool.Downscale(encBuf, buf, quality)
	if scan != nil {
		privacy.Apply(encBuf, allPrivacyRects(scan), scale)
	}

	tsMs := now.UnixMilli()
	ok, err := e.encoder.AppendPixelBuffer(encBuf, tsMs)
	e.pools.Encode.Put(encBuf)

	if err != nil {
		log.Warn("encoder append failed", "error", err)
		perfstats.RecordEncoderError()
		failures := e.encoder.ConsecutiveFailures()
		if failures >= e.cfg.MaxConsecutiveEncoderFailures {
			log.Error("stopping session after repeated encoder failures", "consecutiveFailures", failures)
			e.mu.Lock()
			cb := e.onError
			e.mu.Unlock()
			go e.StopSession(false)
			if cb != nil {
				cb(fmt.Errorf("capture: encoder fatal after %d consecutive failures: %w", failures, err))
			}
		}
		return
	}
	if !ok {
		return
	}
	perfstats.RecordEncoded()
	if scan == nil {
		return
	}
	e.recordHierarchySnapshot(now, scan)
}

func allPrivacyRects(scan *scanner.ScanResult) []host.Rect {
	out := make([]host.Rect, 0, len(scan.TextInputRects)+len(scan.CameraRects)+len(scan.WebViewRects)+len(scan.VideoRects))
	out = append(out, scan.TextInputRects...)
	out = append(out, scan.CameraRects...)
	out = append(out, scan.WebViewRects...)
	out = append(out, scan.VideoRects...)
	return out
}

func (e *Engine) recordHierarchySnapshot(now time.Time, scan *scanner.ScanResult) {
	snap := hierarchySnapshot{
		TsMs:                now.UnixMilli(),
		Signature:           scan.LayoutSignature,
		ScrollActive:        scan.ScrollActive,
		MapActive:           scan.MapActive,
		HasAnimations:       scan.HasAnyAnimations,
		TextInputCount:      len(scan.TextInputRects),
		BlockedSurfaceCount: len(scan.CameraRects) + len(scan.WebViewRects) + len(scan.VideoRects),
	}
	e.mu.Lock()
	e.hierarchy = append(e.hierarchy, snap)
	e.mu.Unlock()
}

func (e *Engine) drainHierarchySnapshots() []hierarchySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.hierarchy
	e.hierarchy = nil
	return snaps
}

// onSegmentComplete submits the finished video segment plus its gzipped
// hierarchy side-channel artifact to the uploader (§4.5, §6).
func (e *Engine) onSegmentComplete(info encoder.CompletionInfo) {
	e.mu.Lock()
	u := e.uploader
	e.mu.Unlock()
	perfstats.RecordSegmentFinalized()
	segLog := logging.WithSession(log, info.SessionID, filepath.Base(info.URL))
	segLog.Info("segment finalized", "frameCount", info.FrameCount, "startMs", info.StartMs, "endMs", info.EndMs)
	if u == nil {
		return
	}

	u.Submit(context.Background(), uploader.Artifact{
		Kind:       uploader.KindVideo,
		SessionID:  info.SessionID,
		LocalPath:  info.URL,
		StartMs:    info.StartMs,
		EndMs:      info.EndMs,
		FrameCount: info.FrameCount,
		Delete:     true,
	})

	snaps := e.drainHierarchySnapshots()
	if len(snaps) == 0 {
		return
	}
	payload, err := json.Marshal(snaps)
	if err != nil {
		log.Warn("marshal hierarchy payload failed", "error", err)
		return
	}
	u.Submit(context.Background(), uploader.Artifact{
		Kind:       uploader.KindHierarchy,
		SessionID:  info.SessionID,
		Payload:    payload,
		StartMs:    info.StartMs,
		EndMs:      info.EndMs,
		FrameCount: info.FrameCount,
	})
}

func (e *Engine) onPerfLevelChange(level perf.Level) {
	e.mu.Lock()
	e.perfLevel = level
	e.mu.Unlock()
}

func targetRect(surface host.Surface) host.Rect {
	if surface == nil {
		return host.Rect{}
	}
	return surface.Frame()
}
