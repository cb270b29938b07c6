package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rejourney/capture-agent/internal/httputil"
)

// retryableUploadStatus widens httputil's default retry set (429, 500, 502,
// 503, 504) to
// "any HTTP >= 400" (§4.5): the ingestion backend has no well-known
// permanent-failure status for a presigned segment upload worth giving up
// on early.
func retryableUploadStatus(code int) bool { return code >= 400 }

// putRetryConfig implements the PUT backoff shape: 2^attempt seconds,
// uncapped (§4.5).
func putRetryConfig(maxRetries int) httputil.RetryConfig {
	return httputil.RetryConfig{
		MaxRetries:      maxRetries,
		InitialDelay:    2 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: retryableUploadStatus,
	}
}

// completeRetryConfig implements the complete backoff shape:
// min(2^attempt, 8) seconds (§4.5, §6).
func completeRetryConfig(maxRetries int) httputil.RetryConfig {
	cfg := putRetryConfig(maxRetries)
	cfg.MaxDelay = 8 * time.Second
	return cfg
}

// presignRequest is the exact JSON body for POST /api/ingest/segment/presign
// (§6). Field names are bit-exact with the wire contract.
type presignRequest struct {
	SessionID   string `json:"sessionId"`
	Kind        Kind   `json:"kind"`
	SizeBytes   int    `json:"sizeBytes"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	FrameCount  int    `json:"frameCount"`
	Compression string `json:"compression,omitempty"`
}

type presignResponse struct {
	PresignedURL string `json:"presignedUrl"`
	SegmentID    string `json:"segmentId"`
	S3Key        string `json:"s3Key"`
}

// completeRequest is the exact JSON body for POST /api/ingest/segment/complete.
type completeRequest struct {
	SegmentID  string `json:"segmentId"`
	SessionID  string `json:"sessionId"`
	FrameCount int    `json:"frameCount"`
}

// presign issues the non-retried presign call; HTTP >= 400 is fatal per
// artifact (§4.5).
func (u *Uploader) presign(ctx context.Context, artifact Artifact, sizeBytes int, compression string) (*presignResponse, error) {
	body, err := json.Marshal(presignRequest{
		SessionID:   artifact.SessionID,
		Kind:        artifact.Kind,
		SizeBytes:   sizeBytes,
		StartTime:   artifact.StartMs,
		EndTime:     artifact.EndMs,
		FrameCount:  artifact.FrameCount,
		Compression: compression,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal presign request: %w", err)
	}

	url := u.cfg.BaseURL + "/api/ingest/segment/presign"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range u.cfg.Credentials.headers() {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presign request: %w", err)
	}
	respBody, readErr := readAllClose(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("presign returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if readErr != nil {
		return nil, fmt.Errorf("read presign response: %w", readErr)
	}

	var out presignResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode presign response: %w", err)
	}
	return &out, nil
}

// put uploads data to a presigned URL via httputil.Do, retrying on network
// error or HTTP >= 400 with exponential backoff 2^attempt seconds (§4.5).
func (u *Uploader) put(ctx context.Context, presignedURL string, data []byte, contentType string) error {
	headers := http.Header{
		"Content-Type":   []string{contentType},
		"Content-Length": []string{strconv.Itoa(len(data))},
	}
	resp, err := httputil.Do(ctx, u.client, http.MethodPut, presignedURL, data, headers, putRetryConfig(u.cfg.MaxRetries))
	if err != nil {
		return err
	}
	body, _ := readAllClose(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("PUT returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// complete notifies the backend the artifact is fully uploaded via
// httputil.Do, retrying with backoff capped at 8 seconds (§4.5, §6).
func (u *Uploader) complete(ctx context.Context, segmentID, sessionID string, frameCount int) error {
	body, err := json.Marshal(completeRequest{SegmentID: segmentID, SessionID: sessionID, FrameCount: frameCount})
	if err != nil {
		return fmt.Errorf("marshal complete request: %w", err)
	}
	url := u.cfg.BaseURL + "/api/ingest/segment/complete"

	headers := http.Header{"Content-Type": []string{"application/json"}}
	for k, vals := range u.cfg.Credentials.headers() {
		headers[k] = vals
	}

	resp, err := httputil.Do(ctx, u.client, http.MethodPost, url, body, headers, completeRetryConfig(u.cfg.MaxRetries))
	if err != nil {
		return err
	}
	respBody, _ := readAllClose(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("complete returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
