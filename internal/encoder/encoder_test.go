package encoder

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rejourney/capture-agent/internal/pixelpool"
	"github.com/rejourney/capture-agent/internal/recovery"
)

type fakeBackend struct {
	closed     bool
	bitrate    int
	encodeErr  error
	frameCalls int
}

func (f *fakeBackend) Encode(yuv []byte, forceKeyframe bool) ([][]byte, bool, error) {
	f.frameCalls++
	if f.encodeErr != nil {
		return nil, false, f.encodeErr
	}
	nalu := []byte{0x05, 0x01, 0x02} // type 5 = IDR
	if !forceKeyframe {
		nalu[0] = 0x01
	}
	return [][]byte{nalu}, forceKeyframe, nil
}

func (f *fakeBackend) SetBitrate(bps int) error { f.bitrate = bps; return nil }
func (f *fakeBackend) Close() error             { f.closed = true; return nil }

type fakeMuxer struct {
	samples   int
	addErr    error
	finalized bool
	finalizeErr error
}

func (f *fakeMuxer) AddSample(nalus [][]byte, ptsMs, durationMs int64, isKeyframe bool) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.samples++
	return nil
}

func (f *fakeMuxer) Finalize(path string) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = true
	return os.WriteFile(path, []byte("fake-mp4"), 0o644)
}

func (f *fakeMuxer) Cancel() {}

func newTestEncoder(t *testing.T) (*Encoder, *fakeBackend, *fakeMuxer) {
	t.Helper()
	dir := t.TempDir()
	store := recovery.New(dir)
	e := New(Config{
		FramesPerSegment:         3,
		TargetBitrateBps:         2_000_000,
		FPS:                      1,
		EmergencyFlushTimeout:    50 * time.Millisecond,
		FinishSegmentSyncTimeout: time.Second,
		SegmentDir:               dir,
	}, store)

	backend := &fakeBackend{}
	muxer := &fakeMuxer{}
	e.newBackend = func(w, h, bitrateBps int, fps float64) (nalEncoder, error) { return backend, nil }
	e.newMuxer = func(w, h int) (segmentMuxer, error) { return muxer, nil }
	return e, backend, muxer
}

func TestAppendPixelBufferStartsSegmentAndCounts(t *testing.T) {
	e, _, muxer := newTestEncoder(t)
	buf := pixelpool.NewBuffer(100, 100)

	ok, err := e.AppendPixelBuffer(buf, 0)
	if err != nil || !ok {
		t.Fatalf("AppendPixelBuffer() = (%v, %v), want (true, nil)", ok, err)
	}
	if muxer.samples != 1 {
		t.Fatalf("muxer.samples = %d, want 1", muxer.samples)
	}
}

func TestSegmentRotatesAfterFramesPerSegment(t *testing.T) {
	e, _, _ := newTestEncoder(t)
	buf := pixelpool.NewBuffer(100, 100)

	var completions []CompletionInfo
	e.OnComplete(func(info CompletionInfo) { completions = append(completions, info) })

	for i := int64(0); i < 3; i++ {
		if _, err := e.AppendPixelBuffer(buf, i*1000); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if len(completions) != 1 {
		t.Fatalf("completions = %d, want 1 after FramesPerSegment frames", len(completions))
	}
	if completions[0].FrameCount != 3 {
		t.Fatalf("FrameCount = %d, want 3", completions[0].FrameCount)
	}
}

func TestAppendFailureCancelsSegmentAndCountsFailure(t *testing.T) {
	e, backend, _ := newTestEncoder(t)
	buf := pixelpool.NewBuffer(100, 100)
	backend.encodeErr = errors.New("codec exploded")

	ok, err := e.AppendPixelBuffer(buf, 0)
	if err == nil || ok {
		t.Fatalf("AppendPixelBuffer() = (%v, %v), want (false, error)", ok, err)
	}
	if e.ConsecutiveFailures() != 1 {
		t.Fatalf("ConsecutiveFailures() = %d, want 1", e.ConsecutiveFailures())
	}
}

func TestEmergencyFlushPersistsRecoveryMetadata(t *testing.T) {
	e, _, _ := newTestEncoder(t)
	e.SetSessionID("sess-1")
	buf := pixelpool.NewBuffer(100, 100)

	for i := int64(0); i < 2; i++ {
		if _, err := e.AppendPixelBuffer(buf, i*1000); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := e.EmergencyFlushSync(); err != nil {
		t.Fatalf("EmergencyFlushSync() error = %v", err)
	}

	meta, err := e.PendingCrashSegmentMetadata()
	if err != nil {
		t.Fatalf("PendingCrashSegmentMetadata() error = %v", err)
	}
	if meta == nil {
		t.Fatal("expected pending crash segment metadata, got nil")
	}
	if meta.FrameCount != 2 || meta.SessionID != "sess-1" {
		t.Fatalf("meta = %+v, want FrameCount=2 SessionID=sess-1", meta)
	}
}

func TestCancelSegmentDeletesFile(t *testing.T) {
	e, _, _ := newTestEncoder(t)
	buf := pixelpool.NewBuffer(100, 100)
	if _, err := e.AppendPixelBuffer(buf, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	path := e.current.LocalPath
	if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write partial segment file: %v", err)
	}

	e.CancelSegment()
	if e.current != nil {
		t.Fatal("expected current segment cleared after CancelSegment")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected partial segment file %s removed, stat err = %v", path, err)
	}
}

func TestClampedBitrate(t *testing.T) {
	cases := []struct {
		target, w, h, want int
	}{
		{2_000_000, 1280, 720, 2_000_000},
		{2_000_000, 100, 100, minBitrateBps},
		{2_000_000, 4000, 4000, maxBitrateBps},
	}
	for _, c := range cases {
		if got := clampedBitrate(c.target, c.w, c.h); got != c.want {
			t.Fatalf("clampedBitrate(%d,%d,%d) = %d, want %d", c.target, c.w, c.h, got, c.want)
		}
	}
}
