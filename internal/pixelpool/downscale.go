package pixelpool

import (
	"image"

	"golang.org/x/image/draw"
)

// Quality selects the resample kernel (§4.7).
type Quality int

const (
	// Balanced uses nearest-neighbor: cheap, used when level != Normal or
	// the scale factor is below 0.5.
	Balanced Quality = iota
	// High uses a tent-like (CatmullRom) filter: used at Normal performance
	// level with scale >= 0.5.
	High
)

// QualityFor picks High when level is at its least restrictive (Normal,
// represented here simply as "isNormal") and the scale factor is >= 0.5,
// Balanced otherwise.
func QualityFor(isNormal bool, scale float64) Quality {
	if isNormal && scale >= 0.5 {
		return High
	}
	return Balanced
}

// Downscale resamples src into dst (which may differ in size from src) using
// the given quality. dst and src must both be non-nil with positive
// dimensions.
func Downscale(dst, src *Buffer, quality Quality) {
	dstRect := dst.Bounds()
	srcRect := src.Bounds()

	var scaler draw.Scaler
	switch quality {
	case High:
		scaler = draw.CatmullRom
	default:
		scaler = draw.NearestNeighbor
	}
	scaler.Scale(dst, dstRect, src, srcRect, draw.Src, nil)
}

// EvenDimensions rounds w, h down to the nearest even number, enforcing a
// 100x100 floor, per the encoder's segment-size contract (§4.4).
func EvenDimensions(w, h int) (int, int) {
	if w < 100 {
		w = 100
	}
	if h < 100 {
		h = 100
	}
	if w%2 != 0 {
		w--
	}
	if h%2 != 0 {
		h--
	}
	return w, h
}

// ScaledDimensions computes the target encode-pool dimensions for a given
// native size and scale factor, clamped to even numbers and the 100x100
// floor.
func ScaledDimensions(nativeW, nativeH int, scale float64) (int, int) {
	w := int(float64(nativeW)*scale + 0.5)
	h := int(float64(nativeH)*scale + 0.5)
	return EvenDimensions(w, h)
}

var _ image.Image = (*Buffer)(nil)
