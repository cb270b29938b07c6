// Package uploader implements the segment uploader (§4.5): a three-step
// presign/PUT/complete protocol against the ingestion backend, with
// bounded retries, background-task continuity, and orphan cleanup of
// on-device segment files. Grounded on the teacher's backup job model
// (internal/backup/backup.go's job lifecycle and single-flight guard) and
// its manifest/retention-sweep idiom (internal/backup/snapshot.go), here
// repurposed from "dedupe snapshots beyond a retention count" into "delete
// orphaned segment files older than an hour".
package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rejourney/capture-agent/internal/host"
	"github.com/rejourney/capture-agent/internal/logging"
	"github.com/rejourney/capture-agent/internal/workerpool"
)

var log = logging.L("uploader")

// Kind identifies the artifact being uploaded (§4.5, §6).
type Kind string

const (
	KindVideo     Kind = "video"
	KindHierarchy Kind = "hierarchy"
)

func (k Kind) contentType() string {
	if k == KindHierarchy {
		return "application/gzip"
	}
	return "video/mp4"
}

// Credentials carries the two auth shapes the wire protocol accepts (§6).
// Precedence: a device upload token plus project key, falling back to a
// bare project/API key.
type Credentials struct {
	DeviceUploadToken string
	ProjectKey        string
	APIKey            string
}

func (c Credentials) headers() http.Header {
	h := http.Header{}
	if c.DeviceUploadToken != "" {
		h.Set("x-upload-token", c.DeviceUploadToken)
		h.Set("x-rejourney-key", c.ProjectKey)
		return h
	}
	h.Set("x-api-key", c.APIKey)
	return h
}

// Config configures the Uploader.
type Config struct {
	BaseURL           string
	Credentials       Credentials
	MaxRetries        int // default 3, applies to both PUT and complete
	DeleteAfterUpload bool
	SegmentDir        string        // swept for orphans on New
	OrphanAge         time.Duration // default 1h
	Concurrency       int           // default 2, §5
	HTTPClient        *http.Client
}

// Artifact describes one unit of work for the uploader: either a segment
// file on disk (LocalPath set) or an in-memory hierarchy payload (Payload
// set). Exactly one of the two is populated by the caller.
type Artifact struct {
	Kind       Kind
	SessionID  string
	LocalPath  string
	Payload    []byte
	StartMs    int64
	EndMs      int64
	FrameCount int
	// Delete, when true and LocalPath is set, removes the local file after
	// a successful complete call.
	Delete bool
}

// Uploader moves finalized segments and hierarchy snapshots to object
// storage via presign/PUT/complete, bounded to Concurrency simultaneous
// I/O operations (§5).
type Uploader struct {
	cfg    Config
	tasks  host.BackgroundTaskScope
	client *http.Client
	pool   *workerpool.Pool

	pending atomic.Int64
	wg      sync.WaitGroup
}

// New constructs an Uploader and, if cfg.SegmentDir is set, immediately
// sweeps it for orphaned segment files older than OrphanAge (§4.5).
func New(cfg Config, tasks host.BackgroundTaskScope) *Uploader {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: 300 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 60 * time.Second}).DialContext,
			},
		}
	}

	u := &Uploader{
		cfg:    cfg,
		tasks:  tasks,
		client: cfg.HTTPClient,
		pool:   workerpool.New(cfg.Concurrency, 64),
	}

	if cfg.SegmentDir != "" {
		u.sweepOrphans()
	}
	return u
}

// PendingUploads reports the number of in-flight uploads.
func (u *Uploader) PendingUploads() int64 {
	return u.pending.Load()
}

// WaitForPendingSegmentUploads blocks until every submitted upload has
// finished or timeout elapses, whichever comes first. Corresponds to
// waitForPendingSegmentUploads(timeout) (§4.5), used by the termination
// path so stop_session_sync doesn't return while uploads are still queued.
func (u *Uploader) WaitForPendingSegmentUploads(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("wait for pending uploads timed out", "pending", u.pending.Load())
	}
}

// Submit enqueues artifact for upload on the bounded I/O executor. Errors
// surface only through logging; the engine observes outcomes via
// PendingUploads dropping back to zero (§8 property: "every finished
// segment is uploaded exactly once, eventually").
func (u *Uploader) Submit(ctx context.Context, artifact Artifact) {
	u.pending.Add(1)
	u.wg.Add(1)
	ok := u.pool.Submit(func() {
		defer u.pending.Add(-1)
		defer u.wg.Done()
		if err := u.upload(ctx, artifact); err != nil {
			log.Error("segment upload failed", "sessionId", artifact.SessionID, "kind", artifact.Kind, "error", err)
		}
	})
	if !ok {
		u.pending.Add(-1)
		u.wg.Done()
		log.Error("upload queue full, dropping artifact", "sessionId", artifact.SessionID, "kind", artifact.Kind)
	}
}

func (u *Uploader) upload(ctx context.Context, artifact Artifact) error {
	scope := u.beginBackgroundScope(artifact)
	defer scope.end()

	data, compression, err := u.loadPayload(artifact)
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}

	presign, err := u.presign(ctx, artifact, len(data), compression)
	if err != nil {
		return fmt.Errorf("presign: %w", err)
	}

	if err := u.put(ctx, presign.PresignedURL, data, artifact.Kind.contentType()); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	if err := u.complete(ctx, presign.SegmentID, artifact.SessionID, artifact.FrameCount); err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if artifact.Delete && artifact.LocalPath != "" {
		if err := os.Remove(artifact.LocalPath); err != nil && !os.IsNotExist(err) {
			log.Warn("delete after upload failed", "path", artifact.LocalPath, "error", err)
		}
	}
	return nil
}

// loadPayload reads the artifact's bytes fully into memory before presign
// so the upload survives the local file being deleted during termination
// (§4.5). Hierarchy payloads are gzipped here; segment files are uploaded
// as-is.
func (u *Uploader) loadPayload(artifact Artifact) (data []byte, compression string, err error) {
	if artifact.Kind == KindHierarchy {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(artifact.Payload); err != nil {
			return nil, "", fmt.Errorf("gzip hierarchy payload: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip hierarchy payload: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	}

	if artifact.LocalPath != "" {
		raw, err := os.ReadFile(artifact.LocalPath)
		if err != nil {
			return nil, "", fmt.Errorf("read segment file: %w", err)
		}
		return raw, "", nil
	}
	return artifact.Payload, "", nil
}

type backgroundScope struct {
	scope host.BackgroundScope
	stop  chan struct{}
}

func (u *Uploader) beginBackgroundScope(artifact Artifact) *backgroundScope {
	if u.tasks == nil {
		return &backgroundScope{}
	}
	scope := u.tasks.Begin(fmt.Sprintf("segment-upload:%s", artifact.SessionID))
	bs := &backgroundScope{scope: scope, stop: make(chan struct{})}
	go func() {
		select {
		case <-scope.Expired():
			log.Warn("background task scope expired mid-upload, continuing best-effort", "sessionId", artifact.SessionID)
		case <-bs.stop:
		}
	}()
	return bs
}

func (bs *backgroundScope) end() {
	if bs.scope == nil {
		return
	}
	close(bs.stop)
	bs.scope.End()
}

// sweepOrphans deletes segment files in cfg.SegmentDir older than
// cfg.OrphanAge, run once at startup (§4.5).
func (u *Uploader) sweepOrphans() {
	entries, err := os.ReadDir(u.cfg.SegmentDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("orphan sweep: read segment dir failed", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-u.cfg.OrphanAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(u.cfg.SegmentDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("orphan sweep: delete failed", "path", path, "error", err)
			continue
		}
		log.Info("orphan sweep: deleted stale segment file", "path", path, "age", time.Since(info.ModTime()))
	}
}

func readAllClose(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	return io.ReadAll(body)
}
