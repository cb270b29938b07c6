package scanner

import (
	"math"

	"github.com/rejourney/capture-agent/internal/host"
)

const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64  uint64 = 1099511628211
)

// fnv1aHasher accumulates an order-stable FNV-1a 64-bit rolling hash over
// the view-hierarchy fields in §3's fixed mixing order. Feeding one view's
// fields in, then the next's, produces the same signature for structurally
// identical trees (§8 property 4).
type fnv1aHasher struct {
	h uint64
}

func newFNV1a() *fnv1aHasher {
	return &fnv1aHasher{h: fnvOffset64}
}

func (f *fnv1aHasher) mixByte(b byte) {
	f.h ^= uint64(b)
	f.h *= fnvPrime64
}

func (f *fnv1aHasher) mixUint64(v uint64) {
	for i := 0; i < 8; i++ {
		f.mixByte(byte(v >> (8 * i)))
	}
}

func (f *fnv1aHasher) mixString(s string) {
	for i := 0; i < len(s); i++ {
		f.mixByte(s[i])
	}
	// Terminator keeps adjacent variable-length strings from colliding
	// (e.g. ("ab","c") vs ("a","bc")).
	f.mixByte(0)
}

func (f *fnv1aHasher) mixBool(b bool) {
	if b {
		f.mixByte(1)
	} else {
		f.mixByte(0)
	}
}

// mixFloatScaled rounds v*scale to the nearest integer before mixing, per
// §3's "frame (rounded)" / "inset (×100)" / "alpha (×100)" conventions.
func (f *fnv1aHasher) mixFloatScaled(v, scale float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	f.mixUint64(uint64(int64(math.Round(v * scale))))
}

func (f *fnv1aHasher) sum() uint64 {
	return f.h
}

// mixSignature mixes one view's contribution in the fixed field order:
// depth, class identity, frame, scroll offset, inset, text length, text
// hash (labels only), accessibility label hash, image identity, background
// color, tint, alpha, hidden flag, map-camera state.
func (s *Scanner) mixSignature(hasher *fnv1aHasher, v host.View, depth int, caps capabilities) {
	hasher.mixUint64(uint64(depth))
	hasher.mixUint64(uint64(v.Class()))

	frame := v.Frame()
	hasher.mixFloatScaled(frame.X, 1)
	hasher.mixFloatScaled(frame.Y, 1)
	hasher.mixFloatScaled(frame.W, 1)
	hasher.mixFloatScaled(frame.H, 1)

	if caps.hasScroll {
		sp := v.(host.ScrollProbe)
		offX, offY := sp.ScrollOffset()
		hasher.mixFloatScaled(offX, 1)
		hasher.mixFloatScaled(offY, 1)
		top, left, bottom, right := sp.ContentInset()
		hasher.mixFloatScaled(top, 100)
		hasher.mixFloatScaled(left, 100)
		hasher.mixFloatScaled(bottom, 100)
		hasher.mixFloatScaled(right, 100)
	} else {
		hasher.mixUint64(0)
	}

	text, hasText := v.TextContent()
	if hasText {
		hasher.mixUint64(uint64(len(text)))
		if !caps.isTextInput {
			hasher.mixString(text)
		}
	} else {
		hasher.mixUint64(0)
	}

	hasher.mixString(v.AccessibilityLabel())

	if imgID, ok := v.ImageIdentity(); ok {
		hasher.mixUint64(imgID)
	} else {
		hasher.mixUint64(0)
	}

	hasher.mixUint64(uint64(v.BackgroundColor()))
	hasher.mixUint64(uint64(v.Tint()))
	hasher.mixFloatScaled(v.Alpha(), 100)
	hasher.mixBool(v.Hidden())

	if caps.hasMap {
		mp := v.(host.MapProbe)
		if sig, ok := mp.CameraSignature(); ok {
			hasher.mixString(sig)
		}
	}
}
