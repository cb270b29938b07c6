package privacy

import (
	"math"
	"testing"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/pixelpool"
)

func filledBuffer(w, h int, val byte) *pixelpool.Buffer {
	b := pixelpool.NewBuffer(w, h)
	for i := range b.Pix {
		b.Pix[i] = val
	}
	return b
}

func TestApplyFillsRegionOpaque(t *testing.T) {
	buf := filledBuffer(100, 100, 0xFF)
	Apply(buf, []host.Rect{{X: 10, Y: 10, W: 20, H: 20}}, 1.0)

	// Inside the masked rect: opaque black.
	i := 15*buf.Stride + 15*4
	if buf.Pix[i+0] != 0 || buf.Pix[i+1] != 0 || buf.Pix[i+2] != 0 || buf.Pix[i+3] != 255 {
		t.Fatalf("pixel inside mask = %v, want opaque black", buf.Pix[i:i+4])
	}

	// Outside: untouched.
	j := 50*buf.Stride + 50*4
	if buf.Pix[j] != 0xFF {
		t.Fatalf("pixel outside mask was modified: %v", buf.Pix[j:j+4])
	}
}

func TestApplyScalesRects(t *testing.T) {
	buf := filledBuffer(50, 50, 0xFF)
	Apply(buf, []host.Rect{{X: 0, Y: 0, W: 20, H: 20}}, 0.5)

	// At scale 0.5, the masked region should be ~10x10, not 20x20.
	insideI := 5*buf.Stride + 5*4
	if buf.Pix[insideI+3] != 255 {
		t.Fatal("expected masked pixel inside scaled rect")
	}
	outsideI := 40*buf.Stride + 40*4
	if buf.Pix[outsideI] != 0xFF {
		t.Fatal("pixel far outside scaled rect was modified")
	}
}

func TestApplyClipsToBufferBounds(t *testing.T) {
	buf := filledBuffer(10, 10, 0xFF)
	// Should not panic despite extending far past the buffer.
	Apply(buf, []host.Rect{{X: 5, Y: 5, W: 1000, H: 1000}}, 1.0)

	i := 6*buf.Stride + 6*4
	if buf.Pix[i+3] != 255 {
		t.Fatal("expected in-bounds portion of an oversized rect to be masked")
	}
}

func TestApplySkipsNaNRects(t *testing.T) {
	buf := filledBuffer(10, 10, 0xFF)
	Apply(buf, []host.Rect{{X: math.NaN(), Y: 0, W: 5, H: 5}}, 1.0)

	i := 2*buf.Stride + 2*4
	if buf.Pix[i] != 0xFF {
		t.Fatal("NaN rect should have been skipped, not masked")
	}
}
