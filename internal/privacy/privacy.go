// Package privacy rasterises opaque rectangles over sensitive regions of a
// downscaled pixel buffer before it reaches the encoder (§4.8).
package privacy

import (
	"image/color"
	"math"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/pixelpool"
)

// MaskColor is the fixed opaque fill colour for masked regions: solid black.
var MaskColor = color.RGBA{A: 255}

// Apply rasterises each rect (in unscaled target-surface coordinates) onto
// buf, multiplied by scale, rounded outward, and clipped to buf's bounds.
// NaN/Inf rects are skipped entirely. The Capture Engine calls this from
// dispatchEncode, on the goroutine that processed the intent; there is no
// separate encoding queue.
func Apply(buf *pixelpool.Buffer, rects []host.Rect, scale float64) {
	for _, r := range rects {
		if math.IsNaN(r.X) || math.IsNaN(r.Y) || math.IsNaN(r.W) || math.IsNaN(r.H) ||
			math.IsInf(r.X, 0) || math.IsInf(r.Y, 0) || math.IsInf(r.W, 0) || math.IsInf(r.H, 0) {
			continue
		}
		if r.Empty() {
			continue
		}

		x0 := int(math.Floor(r.X * scale))
		y0 := int(math.Floor(r.Y * scale))
		x1 := int(math.Ceil((r.X + r.W) * scale))
		y1 := int(math.Ceil((r.Y + r.H) * scale))

		if x0 < 0 {
			x0 = 0
		}
		if y0 < 0 {
			y0 = 0
		}
		if x1 > buf.Width {
			x1 = buf.Width
		}
		if y1 > buf.Height {
			y1 = buf.Height
		}
		if x0 >= x1 || y0 >= y1 {
			continue
		}

		fillRect(buf, x0, y0, x1, y1)
	}
}

func fillRect(buf *pixelpool.Buffer, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		rowStart := y*buf.Stride + x0*4
		rowEnd := y*buf.Stride + x1*4
		row := buf.Pix[rowStart:rowEnd]
		for i := 0; i < len(row); i += 4 {
			row[i+0] = MaskColor.B
			row[i+1] = MaskColor.G
			row[i+2] = MaskColor.R
			row[i+3] = MaskColor.A
		}
	}
}
