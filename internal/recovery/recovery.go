// Package recovery persists and restores the emergency-flush metadata the
// encoder writes when a crash handler calls emergency_flush_sync (§4.4, §6).
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rejourney/capture-agent/internal/logging"
)

var log = logging.L("recovery")

const metadataFileName = "rj_pending_segment.json"

// SegmentMetadata mirrors the fields emergency_flush_sync persists (§4.4).
type SegmentMetadata struct {
	SegmentPath string `json:"segment_path"`
	SessionID   string `json:"session_id"`
	StartMs     int64  `json:"start_ms"`
	EndMs       int64  `json:"end_ms"`
	FrameCount  int    `json:"frame_count"`
	Finalized   bool   `json:"finalized"`
}

// Store reads and writes SegmentMetadata at a well-known cache path.
type Store struct {
	path string
}

func New(cacheDir string) *Store {
	return &Store{path: filepath.Join(cacheDir, metadataFileName)}
}

// Persist writes metadata atomically: encode to a temp file in the same
// directory, then rename over the destination so a reader never observes a
// partially-written file (invariant 6: no finalized=false segment without
// recovery metadata survives a non-atomic write either).
func (s *Store) Persist(meta SegmentMetadata) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "rj_pending_segment-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp recovery file: %w", err)
	}
	tmpName := tmp.Name()

	encodeErr := json.NewEncoder(tmp).Encode(meta)
	closeErr := tmp.Close()
	if encodeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("encode recovery metadata: %w", encodeErr)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp recovery file: %w", closeErr)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename recovery metadata into place: %w", err)
	}

	log.Info("persisted crash recovery metadata",
		"sessionId", meta.SessionID, "frameCount", meta.FrameCount, "finalized", meta.Finalized)
	return nil
}

// Pending returns the most recently persisted metadata, or nil if none
// exists. Corresponds to pending_crash_segment_metadata() (§4.4).
func (s *Store) Pending() (*SegmentMetadata, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery metadata: %w", err)
	}

	var meta SegmentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn("recovery metadata is corrupt, discarding", "error", err)
		_ = s.Clear()
		return nil, nil
	}
	return &meta, nil
}

// Clear removes the metadata file. Corresponds to
// clear_pending_crash_segment_metadata() (§4.4). capture.Engine's
// ReplayPendingCrashSegment calls it right after submitting the recovered
// segment to the uploader (or discarding an unfinalized one); it does not
// wait for the upload to finish.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove recovery metadata: %w", err)
	}
	return nil
}
