// Package pixelpool provides BGRA pixel buffer pools (native capture size and
// downscaled encode size) and the resample step between them (§4.7).
package pixelpool

import (
	"image"
	"image/color"
	"sync"
)

// Buffer is a BGRA32 pixel buffer. It implements draw.Image so it can be used
// directly as both the resample source/destination and the privacy-mask
// target, without an intermediate image.RGBA copy.
type Buffer struct {
	Width, Height int
	Stride        int
	Pix           []byte
}

// NewBuffer allocates a zeroed BGRA buffer of the given dimensions.
func NewBuffer(w, h int) *Buffer {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	stride := w * 4
	return &Buffer{Width: w, Height: h, Stride: stride, Pix: make([]byte, stride*h)}
}

func (b *Buffer) ColorModel() color.Model { return color.RGBAModel }

func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *Buffer) offset(x, y int) int { return y*b.Stride + x*4 }

// At returns the pixel at (x, y); out-of-bounds reads return transparent
// black, matching image.Image's usual zero-value convention.
func (b *Buffer) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return color.RGBA{}
	}
	i := b.offset(x, y)
	s := b.Pix[i : i+4 : i+4]
	return color.RGBA{R: s[2], G: s[1], B: s[0], A: s[3]}
}

// Set writes a pixel at (x, y), converting to BGRA byte order. No-op outside
// bounds.
func (b *Buffer) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	r, g, bl, a := c.RGBA()
	i := b.offset(x, y)
	s := b.Pix[i : i+4 : i+4]
	s[0] = byte(bl >> 8)
	s[1] = byte(g >> 8)
	s[2] = byte(r >> 8)
	s[3] = byte(a >> 8)
}

// Reset zeroes the buffer's contents in place without reallocating.
func (b *Buffer) Reset() {
	for i := range b.Pix {
		b.Pix[i] = 0
	}
}

// Pool recycles same-dimension Buffers, falling back to a fresh allocation
// when exhausted (§4.7: "fallback allocation without a pool is allowed when
// the pool is exhausted"). Resizing to a new dimension invalidates and
// recreates the pool's free list.
type Pool struct {
	mu         sync.Mutex
	w, h       int
	free       []*Buffer
	minBuffers int
}

// NewPool creates a pool that keeps up to 2*minBuffers idle buffers around
// before further Put calls are dropped (still letting Get fall back to fresh
// allocation if the free list is empty).
func NewPool(minBuffers int) *Pool {
	if minBuffers <= 0 {
		minBuffers = 10
	}
	return &Pool{minBuffers: minBuffers}
}

// Prewarm ensures at least minBuffers idle buffers of (w, h) exist, forcing
// allocation off the capture hot path.
func (p *Pool) Prewarm(w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != w || p.h != h {
		p.w, p.h = w, h
		p.free = nil
	}
	for len(p.free) < p.minBuffers {
		p.free = append(p.free, NewBuffer(w, h))
	}
}

// Get returns a buffer of the given dimensions, reusing an idle one if
// available. A dimension change invalidates and recreates the pool (§3:
// "Pools are resized when requested dimensions differ by any amount").
func (p *Pool) Get(w, h int) *Buffer {
	p.mu.Lock()
	if p.w != w || p.h != h {
		p.w, p.h = w, h
		p.free = nil
	}
	var buf *Buffer
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if buf != nil {
		buf.Reset()
		return buf
	}
	return NewBuffer(w, h)
}

// Put returns buf to the pool if its dimensions still match; otherwise it is
// dropped (it belongs to a now-stale resolution).
func (p *Pool) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf.Width != p.w || buf.Height != p.h {
		return
	}
	if len(p.free) >= p.minBuffers*2 {
		return
	}
	p.free = append(p.free, buf)
}

// Pools bundles the native (screen-resolution) and encode (downscaled) pools
// the Capture Engine allocates from per §3.
type Pools struct {
	Native *Pool
	Encode *Pool
}

// NewPools creates both pools with the same minimum idle-buffer count.
func NewPools(minBuffers int) *Pools {
	return &Pools{Native: NewPool(minBuffers), Encode: NewPool(minBuffers)}
}
