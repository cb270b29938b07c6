// Package perfstats exposes process-local Prometheus counters for the
// capture pipeline (frames captured/encoded/dropped, segments handed to the
// uploader). There is no exporter server here — the dashboard that would
// scrape these is out of scope — but the counters themselves are kept live
// so a host embedding this module can register them with its own registry.
package perfstats

import "github.com/prometheus/client_golang/prometheus"

var (
	FramesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_captured_total",
		Help: "Capture intents that resulted in a fresh off-screen render.",
	})
	FramesReused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_reused_total",
		Help: "Capture intents satisfied by reusing the last rendered buffer.",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_dropped_total",
		Help: "Capture intents dropped for lack of any cached frame to reuse.",
	})
	FramesEncoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_encoded_total",
		Help: "Pixel buffers successfully appended to the video encoder.",
	})
	EncoderErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_encoder_errors_total",
		Help: "Encoder append failures, consecutive or not.",
	})
	SegmentsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_segments_finalized_total",
		Help: "Video segments finalized and handed to the uploader.",
	})
)

var enabled bool

// SetEnabled toggles whether the Record* helpers touch the counters at all,
// driven by config.Config.MetricsEnabled.
func SetEnabled(v bool) { enabled = v }

func RecordCaptured() {
	if enabled {
		FramesCaptured.Inc()
	}
}

func RecordReused() {
	if enabled {
		FramesReused.Inc()
	}
}

func RecordDropped() {
	if enabled {
		FramesDropped.Inc()
	}
}

func RecordEncoded() {
	if enabled {
		FramesEncoded.Inc()
	}
}

func RecordEncoderError() {
	if enabled {
		EncoderErrors.Inc()
	}
}

func RecordSegmentFinalized() {
	if enabled {
		SegmentsFinalized.Inc()
	}
}

func init() {
	prometheus.MustRegister(FramesCaptured, FramesReused, FramesDropped, FramesEncoded, EncoderErrors, SegmentsFinalized)
}
