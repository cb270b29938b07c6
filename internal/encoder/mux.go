package encoder

import (
	"fmt"
	"os"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// timescale is the MP4 track timescale; 1000 matches the 1/1000s
// presentation-timestamp unit the spec mandates (§4.4).
const timescale = 1000

// segmentMuxer accumulates encoded samples into a self-contained MP4 file.
// Backed by mp4ff; mockable in tests the same way nalEncoder is.
type segmentMuxer interface {
	AddSample(nalus [][]byte, ptsMs, durationMs int64, isKeyframe bool) error
	Finalize(path string) error
	Cancel()
}

// mp4ffMuxer builds one fragmented MP4 file per segment: an init segment
// (ftyp/moov with an avc1 sample description) followed by one media
// fragment holding every appended sample, matching the teacher's "write once
// at finalize" style rather than fragment-per-GOP streaming (no streaming
// consumer exists here; the whole file uploads as one PUT body).
type mp4ffMuxer struct {
	width, height int
	init          *mp4.InitSegment
	frag          *mp4.Fragment
	sps           []byte
	pps           []byte
	sampleCount   uint32
}

func newMP4Muxer(width, height int) (*mp4ffMuxer, error) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "und")

	frag, err := mp4.CreateFragment(1, 1)
	if err != nil {
		return nil, fmt.Errorf("mp4ff: create fragment: %w", err)
	}

	return &mp4ffMuxer{width: width, height: height, init: init, frag: frag}, nil
}

func (m *mp4ffMuxer) AddSample(nalus [][]byte, ptsMs, durationMs int64, isKeyframe bool) error {
	var payload []byte
	for _, nalu := range nalus {
		switch nalUnitType(nalu) {
		case avc.NALU_SPS:
			if m.sps == nil {
				m.sps = append([]byte(nil), nalu...)
				m.initTrackFromParameterSets()
			}
		case avc.NALU_PPS:
			if m.pps == nil {
				m.pps = append([]byte(nil), nalu...)
				m.initTrackFromParameterSets()
			}
		}
		payload = append(payload, mp4.LengthPrefixedNalu(nalu)...)
	}
	if len(payload) == 0 {
		return nil
	}

	sample := mp4.FullSample{
		Sample: mp4.Sample{
			Flags:                 sampleFlags(isKeyframe),
			Dur:                   uint32(durationMs),
			Size:                  uint32(len(payload)),
			CompositionTimeOffset: 0,
		},
		DecodeTime: uint64(ptsMs),
		Data:       payload,
	}
	m.frag.AddFullSample(sample)
	m.sampleCount++
	return nil
}

// initTrackFromParameterSets configures the avc1 sample description once
// both the SPS and PPS NAL units have been observed in the stream.
func (m *mp4ffMuxer) initTrackFromParameterSets() {
	if m.sps == nil || m.pps == nil {
		return
	}
	trak := m.init.Moov.Trak
	_ = trak.SetAVCDescriptor("avc1", [][]byte{m.sps}, [][]byte{m.pps}, true)
}

func sampleFlags(isKeyframe bool) uint32 {
	if isKeyframe {
		return 0x02000000 // sample_depends_on=2 (does not depend on others)
	}
	return 0x01010000 // sample_depends_on=1, is_non_sync=1
}

// Finalize writes the init segment followed by the media fragment to path,
// producing one self-contained .mp4 file.
func (m *mp4ffMuxer) Finalize(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	defer f.Close()

	if err := m.init.Encode(f); err != nil {
		return fmt.Errorf("mp4ff: encode init segment: %w", err)
	}
	if err := m.frag.Encode(f); err != nil {
		return fmt.Errorf("mp4ff: encode media fragment: %w", err)
	}
	return nil
}

// Cancel discards in-memory state; the caller is responsible for deleting
// any partially-written file.
func (m *mp4ffMuxer) Cancel() {
	m.frag = nil
}
