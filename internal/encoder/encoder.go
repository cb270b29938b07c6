// Package encoder writes successive BGRA frames into rotating H.264 MP4
// segments (§4.4), backed by a software H.264 Baseline/CAVLC encoder and
// mp4ff muxing.
package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourney/capture-agent/internal/logging"
	"github.com/rejourney/capture-agent/internal/pixelpool"
	"github.com/rejourney/capture-agent/internal/recovery"
)

var log = logging.L("encoder")

const (
	minBitrateBps = 200_000
	maxBitrateBps = 8_000_000
	refWidth      = 1280
	refHeight     = 720
)

// Config holds the codec/rotation parameters (§4.4 "Codec parameters").
type Config struct {
	FramesPerSegment         int
	TargetBitrateBps         int
	FPS                      float64
	EmergencyFlushTimeout    time.Duration
	FinishSegmentSyncTimeout time.Duration
	SegmentDir               string
}

// CompletionInfo is passed to the registered completion callback when a
// segment finishes.
type CompletionInfo struct {
	URL        string
	SessionID  string
	StartMs    int64
	EndMs      int64
	FrameCount int
}

// Segment mirrors the spec's Segment data model (§3).
type Segment struct {
	ID            string
	SessionID     string
	LocalPath     string
	StartMs       int64
	EndMs         int64
	FrameCount    int
	Width, Height int
	Finalized     bool
}

// Encoder sequences BGRA frames into rotating MP4 segments. AppendPixelBuffer
// holds the encoder's internal mutex for the whole call, so concurrent
// callers are serialised; the Capture Engine calls it directly from whichever
// goroutine processed the intent.
type Encoder struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	store     *recovery.Store

	newBackend func(width, height, bitrateBps int, fps float64) (nalEncoder, error)
	newMuxer   func(width, height int) (segmentMuxer, error)

	backend nalEncoder
	muxer   segmentMuxer
	current *Segment

	width, height       int
	hasFirstTs          bool
	firstTsMs           int64
	lastPtsMs           int64
	keyframeIntervalN   int
	consecutiveFailures int

	onComplete func(CompletionInfo)
}

// New creates an Encoder writing segments under cfg.SegmentDir, persisting
// crash-recovery metadata via store.
func New(cfg Config, store *recovery.Store) *Encoder {
	if cfg.FramesPerSegment <= 0 {
		cfg.FramesPerSegment = 60
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 1
	}
	if cfg.EmergencyFlushTimeout <= 0 {
		cfg.EmergencyFlushTimeout = 500 * time.Millisecond
	}
	if cfg.FinishSegmentSyncTimeout <= 0 {
		cfg.FinishSegmentSyncTimeout = 5 * time.Second
	}
	keyframeInterval := int(cfg.FPS * 10)
	if keyframeInterval <= 0 {
		keyframeInterval = 10
	}
	return &Encoder{
		cfg:               cfg,
		store:             store,
		keyframeIntervalN: keyframeInterval,
		newBackend: func(w, h, bitrateBps int, fps float64) (nalEncoder, error) {
			return newOpenH264Encoder(w, h, bitrateBps, fps)
		},
		newMuxer: func(w, h int) (segmentMuxer, error) {
			return newMP4Muxer(w, h)
		},
	}
}

// SetSessionID tags subsequent segments with a session identifier.
func (e *Encoder) SetSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = id
}

// OnComplete registers the callback invoked when a segment finishes.
func (e *Encoder) OnComplete(fn func(CompletionInfo)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = fn
}

// clampedBitrate scales the target bitrate by resolution relative to the
// 1280x720 reference and clamps to [200kbps, 8Mbps] (§4.4).
func clampedBitrate(target, width, height int) int {
	scaled := target * width * height / (refWidth * refHeight)
	if scaled < minBitrateBps {
		return minBitrateBps
	}
	if scaled > maxBitrateBps {
		return maxBitrateBps
	}
	return scaled
}

// Prepare forces codec/container initialization for the given dimensions off
// the hot path.
func (e *Encoder) Prepare(width, height int) error {
	width, height = pixelpool.EvenDimensions(width, height)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepareLocked(width, height)
}

// Prewarm is an alias for Prepare, matching the spec's naming (§4.4).
func (e *Encoder) Prewarm(width, height int) error { return e.Prepare(width, height) }

func (e *Encoder) prepareLocked(width, height int) error {
	if e.backend != nil && e.width == width && e.height == height {
		return nil
	}
	if e.backend != nil {
		_ = e.backend.Close()
		e.backend = nil
	}
	bitrate := clampedBitrate(e.cfg.TargetBitrateBps, width, height)
	backend, err := e.newBackend(width, height, bitrate, e.cfg.FPS)
	if err != nil {
		return fmt.Errorf("prepare encoder backend: %w", err)
	}
	e.backend = backend
	e.width, e.height = width, height
	return nil
}

// AppendPixelBuffer appends one BGRA frame at ts_ms (host wall-clock
// milliseconds). It returns false only together with a non-nil error; there
// is no ready-for-more backpressure signal. If no segment is active, starts
// one sized from buf (§4.4).
func (e *Encoder) AppendPixelBuffer(buf *pixelpool.Buffer, tsMs int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		if err := e.startSegmentLocked(buf.Width, buf.Height); err != nil {
			return false, err
		}
	}

	if !e.hasFirstTs {
		e.firstTsMs = tsMs
		e.hasFirstTs = true
		e.assignSegmentIdentityLocked(tsMs)
	}
	rel := tsMs - e.firstTsMs
	if rel < e.lastPtsMs {
		rel = e.lastPtsMs // enforce strictly non-decreasing timestamps
	}
	duration := rel - e.lastPtsMs
	if duration <= 0 {
		duration = int64(1000 / e.cfg.FPS)
	}

	forceKeyframe := e.current.FrameCount%e.keyframeIntervalN == 0
	yuv := bgraToI420(buf.Pix, buf.Stride, e.width, e.height)

	nalus, isKeyframe, err := e.backend.Encode(yuv, forceKeyframe)
	if err != nil {
		e.failAndCancelLocked(err)
		return false, err
	}
	if err := e.muxer.AddSample(nalus, rel, duration, isKeyframe); err != nil {
		e.failAndCancelLocked(err)
		return false, err
	}

	e.consecutiveFailures = 0
	e.current.FrameCount++
	e.current.EndMs = rel
	e.lastPtsMs = rel

	if e.current.FrameCount >= e.cfg.FramesPerSegment {
		// Rotation runs inline and synchronously, so the caller of the append
		// that completes a segment waits for the segment file to be written.
		if err := e.finishSegmentLocked(true, true); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ConsecutiveFailures reports how many AppendPixelBuffer calls have failed in
// a row since the last success; the Capture Engine stops the session after
// three (§4.1 "Failure semantics").
func (e *Encoder) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

func (e *Encoder) failAndCancelLocked(cause error) {
	log.Warn("encoder append failed, cancelling segment", "error", cause)
	e.consecutiveFailures++
	e.cancelSegmentLocked()
}

func (e *Encoder) startSegmentLocked(nativeW, nativeH int) error {
	width, height := pixelpool.EvenDimensions(nativeW, nativeH)
	if err := e.prepareLocked(width, height); err != nil {
		return err
	}
	muxer, err := e.newMuxer(width, height)
	if err != nil {
		return fmt.Errorf("new muxer: %w", err)
	}

	e.muxer = muxer
	e.current = &Segment{
		SessionID: e.sessionID,
		Width:     width,
		Height:    height,
	}
	e.hasFirstTs = false
	e.lastPtsMs = 0
	return nil
}

// assignSegmentIdentityLocked names the segment's ID and on-disk path from
// its session and absolute start timestamp, once the first frame's
// timestamp is known: seg_<sessionId>_<startMs>.mp4 (§6).
func (e *Encoder) assignSegmentIdentityLocked(startMs int64) {
	e.current.StartMs = startMs
	e.current.ID = fmt.Sprintf("seg_%s_%d", e.sessionID, startMs)

	dir := e.cfg.SegmentDir
	if dir == "" {
		dir = os.TempDir()
	}
	e.current.LocalPath = filepath.Join(dir, e.current.ID+".mp4")
}

// FinishSegment marks input finished, writes the segment file, invokes the
// completion callback, and — if cont is true — immediately starts a new
// segment with the same dimensions (§4.4).
func (e *Encoder) FinishSegment(sync, cont bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishSegmentLocked(sync, cont)
}

func (e *Encoder) finishSegmentLocked(sync, cont bool) error {
	if e.current == nil {
		return nil
	}
	seg := e.current
	muxer := e.muxer
	width, height := e.width, e.height

	finalize := func() error {
		if err := muxer.Finalize(seg.LocalPath); err != nil {
			log.Error("finalize segment failed", "segmentId", seg.ID, "error", err)
			return err
		}
		seg.Finalized = true
		return nil
	}

	var finalizeErr error
	if sync {
		finalizeErr = finalize()
	} else {
		done := make(chan error, 1)
		go func() { done <- finalize() }()
		select {
		case finalizeErr = <-done:
		case <-time.After(e.cfg.FinishSegmentSyncTimeout):
			finalizeErr = fmt.Errorf("finish segment timed out after %s", e.cfg.FinishSegmentSyncTimeout)
		}
	}

	e.current = nil
	e.muxer = nil

	if finalizeErr == nil && e.onComplete != nil {
		info := CompletionInfo{
			URL:        seg.LocalPath,
			SessionID:  seg.SessionID,
			StartMs:    seg.StartMs,
			EndMs:      seg.EndMs,
			FrameCount: seg.FrameCount,
		}
		if sync {
			e.onComplete(info)
		} else {
			go e.onComplete(info)
		}
	}

	if cont {
		return e.startSegmentLocked(width, height)
	}
	return finalizeErr
}

// CancelSegment deletes the partial file and resets segment state.
func (e *Encoder) CancelSegment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelSegmentLocked()
}

func (e *Encoder) cancelSegmentLocked() {
	if e.current == nil {
		return
	}
	if e.muxer != nil {
		e.muxer.Cancel()
	}
	_ = os.Remove(e.current.LocalPath)
	e.current = nil
	e.muxer = nil
}

// EmergencyFlushSync marks input finished from a crash handler, waits at most
// cfg.EmergencyFlushTimeout, and persists recovery metadata regardless of
// whether finalization completed in time (§4.4, §3 invariant 6).
func (e *Encoder) EmergencyFlushSync() error {
	e.mu.Lock()
	seg := e.current
	muxer := e.muxer
	e.mu.Unlock()

	if seg == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		if muxer == nil {
			done <- nil
			return
		}
		done <- muxer.Finalize(seg.LocalPath)
	}()

	select {
	case err := <-done:
		seg.Finalized = err == nil
	case <-time.After(e.cfg.EmergencyFlushTimeout):
		seg.Finalized = false
	}

	meta := recovery.SegmentMetadata{
		SegmentPath: seg.LocalPath,
		SessionID:   seg.SessionID,
		StartMs:     seg.StartMs,
		EndMs:       seg.EndMs,
		FrameCount:  seg.FrameCount,
		Finalized:   seg.Finalized,
	}
	if err := e.store.Persist(meta); err != nil {
		log.Error("persist crash recovery metadata failed", "error", err)
		return err
	}

	e.mu.Lock()
	e.current = nil
	e.muxer = nil
	e.mu.Unlock()
	return nil
}

// PendingCrashSegmentMetadata returns the last persisted crash-recovery
// record, if any.
func (e *Encoder) PendingCrashSegmentMetadata() (*recovery.SegmentMetadata, error) {
	return e.store.Pending()
}

// ClearPendingCrashSegmentMetadata removes the persisted crash-recovery
// record after the uploader has replayed it.
func (e *Encoder) ClearPendingCrashSegmentMetadata() error {
	return e.store.Clear()
}
