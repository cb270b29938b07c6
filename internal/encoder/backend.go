package encoder

import (
	"fmt"

	openh264 "github.com/y9o/go-openh264"
)

// nalEncoder is the codec backend boundary, generalizing the teacher's
// encoderBackend interface (remote/desktop/encoder.go) down to exactly what a
// segment writer needs: feed one YUV420 frame, get back Annex-B NAL units.
// Mockable in tests the same way the teacher mocks encoderBackend with
// stubEncoder.
type nalEncoder interface {
	Encode(yuv []byte, forceKeyframe bool) (nalUnits [][]byte, isKeyframe bool, err error)
	SetBitrate(bps int) error
	Close() error
}

// openh264Encoder wraps the software H.264 Baseline/CAVLC encoder. It is the
// real backend newBackend resolves to; the teacher's hardware-encoder
// siblings (videotoolbox/nvenc/MFT) have no portable Go equivalent and are
// dropped rather than faked (see DESIGN.md).
type openh264Encoder struct {
	enc           *openh264.Encoder
	width, height int
}

func newOpenH264Encoder(width, height, bitrateBps int, fps float64) (*openh264Encoder, error) {
	enc, err := openh264.NewEncoder(openh264.Params{
		Width:        width,
		Height:       height,
		BitrateBps:   bitrateBps,
		MaxFrameRate: float32(fps),
		EntropyCAVLC: true,
		Profile:      openh264.ProfileBaseline,
	})
	if err != nil {
		return nil, fmt.Errorf("openh264: new encoder: %w", err)
	}
	return &openh264Encoder{enc: enc, width: width, height: height}, nil
}

func (o *openh264Encoder) Encode(yuv []byte, forceKeyframe bool) ([][]byte, bool, error) {
	if forceKeyframe {
		o.enc.ForceIntraFrame()
	}
	out, err := o.enc.EncodeFrame(yuv)
	if err != nil {
		return nil, false, fmt.Errorf("openh264: encode: %w", err)
	}
	nalus := splitAnnexB(out)
	return nalus, forceKeyframe || containsIDR(nalus), nil
}

func (o *openh264Encoder) SetBitrate(bps int) error {
	o.enc.SetBitrate(bps)
	return nil
}

func (o *openh264Encoder) Close() error {
	o.enc.Close()
	return nil
}

// splitAnnexB splits a concatenated Annex-B byte stream (NAL units delimited
// by 00 00 01 / 00 00 00 01 start codes) into individual NAL unit payloads.
func splitAnnexB(stream []byte) [][]byte {
	var nalus [][]byte
	starts := findStartCodes(stream)
	for i, start := range starts {
		end := len(stream)
		if i+1 < len(starts) {
			end = starts[i+1].codeStart
		}
		if start.payloadStart >= end {
			continue
		}
		nalus = append(nalus, stream[start.payloadStart:end])
	}
	return nalus
}

type startCode struct {
	codeStart, payloadStart int
}

func findStartCodes(stream []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(stream); i++ {
		if stream[i] == 0 && stream[i+1] == 0 && stream[i+2] == 1 {
			codeStart := i
			if i > 0 && stream[i-1] == 0 {
				codeStart = i - 1 // 4-byte start code 00 00 00 01
			}
			codes = append(codes, startCode{codeStart: codeStart, payloadStart: i + 3})
			i += 2
		}
	}
	return codes
}

// nalUnitType extracts the H.264 NAL unit type (low 5 bits of the header
// byte).
func nalUnitType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1F)
}

const nalTypeIDR = 5

func containsIDR(nalus [][]byte) bool {
	for _, n := range nalus {
		if nalUnitType(n) == nalTypeIDR {
			return true
		}
	}
	return false
}

// bgraToI420 converts a BGRA32 buffer into planar YUV 4:2:0 using BT.601
// coefficients, the input format every openh264-compatible encoder expects.
func bgraToI420(pix []byte, stride, width, height int) []byte {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	out := make([]byte, ySize+2*cSize)
	yPlane := out[:ySize]
	uPlane := out[ySize : ySize+cSize]
	vPlane := out[ySize+cSize:]

	for y := 0; y < height; y++ {
		row := pix[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			b := int(row[x*4+0])
			g := int(row[x*4+1])
			r := int(row[x*4+2])
			yPlane[y*width+x] = clampByte((77*r + 150*g + 29*b + 128) >> 8)
		}
	}

	for cy := 0; cy < height/2; cy++ {
		for cx := 0; cx < width/2; cx++ {
			sx, sy := cx*2, cy*2
			i := sy*stride + sx*4
			b := int(pix[i+0])
			g := int(pix[i+1])
			r := int(pix[i+2])
			u := clampByte(((-43*r - 84*g + 127*b + 128) >> 8) + 128)
			v := clampByte(((127*r - 106*g - 21*b + 128) >> 8) + 128)
			uPlane[cy*(width/2)+cx] = u
			vPlane[cy*(width/2)+cx] = v
		}
	}

	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
