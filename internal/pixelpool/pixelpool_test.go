package pixelpool

import "testing"

func TestPoolReusesBuffersOfSameDimensions(t *testing.T) {
	p := NewPool(2)
	b1 := p.Get(100, 100)
	p.Put(b1)
	b2 := p.Get(100, 100)
	if b1 != b2 {
		t.Fatal("expected Get to reuse the buffer returned by Put")
	}
}

func TestPoolInvalidatesOnDimensionChange(t *testing.T) {
	p := NewPool(2)
	b1 := p.Get(100, 100)
	p.Put(b1)

	b2 := p.Get(200, 200)
	if b2.Width != 200 || b2.Height != 200 {
		t.Fatalf("got %dx%d, want 200x200", b2.Width, b2.Height)
	}
	p.Put(b2)
	b3 := p.Get(100, 100)
	if b3 == b1 {
		t.Fatal("stale 100x100 buffer should not survive a dimension change")
	}
}

func TestPrewarmFillsMinimumBuffers(t *testing.T) {
	p := NewPool(5)
	p.Prewarm(64, 64)

	got := make([]*Buffer, 0, 5)
	for i := 0; i < 5; i++ {
		got = append(got, p.Get(64, 64))
	}
	for _, b := range got {
		if b.Width != 64 || b.Height != 64 {
			t.Fatalf("prewarmed buffer has wrong dims: %dx%d", b.Width, b.Height)
		}
	}
}

func TestGetFallsBackWhenPoolExhausted(t *testing.T) {
	p := NewPool(1)
	p.Prewarm(10, 10)
	b1 := p.Get(10, 10)
	// Pool now empty; Get must still succeed via fresh allocation.
	b2 := p.Get(10, 10)
	if b1 == b2 {
		t.Fatal("expected distinct buffers")
	}
	if b2.Width != 10 || b2.Height != 10 {
		t.Fatalf("fallback buffer has wrong dims: %dx%d", b2.Width, b2.Height)
	}
}

func TestEvenDimensionsEnforcesFloorAndParity(t *testing.T) {
	w, h := EvenDimensions(51, 199)
	if w != 100 || h != 198 {
		t.Fatalf("EvenDimensions(51,199) = (%d,%d), want (100,198)", w, h)
	}
}

func TestScaledDimensionsRounds(t *testing.T) {
	w, h := ScaledDimensions(1000, 2000, 0.25)
	if w%2 != 0 || h%2 != 0 {
		t.Fatalf("ScaledDimensions must return even dims, got %dx%d", w, h)
	}
}

func TestDownscaleProducesRequestedSize(t *testing.T) {
	src := NewBuffer(100, 200)
	for i := range src.Pix {
		src.Pix[i] = 0xAA
	}
	dst := NewBuffer(50, 100)
	Downscale(dst, src, High)

	if dst.Width != 50 || dst.Height != 100 {
		t.Fatalf("dst dims changed unexpectedly: %dx%d", dst.Width, dst.Height)
	}
	// The scaler should have written into dst: its first byte is no longer
	// zero.
	for i := 0; i < len(dst.Pix); i++ {
		if dst.Pix[i] == 0 {
			t.Fatalf("downscaled buffer looks unwritten at byte %d", i)
		}
		break
	}
}
