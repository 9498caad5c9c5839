// SPDX-License-Identifier: MIT

// Package offload moves finalized recordings to the ingest server: a chunked,
// resumable upload client and a worker draining the catalog queue. The server
// side of the protocol lives in internal/ingest.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/netutil"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/telemetry"
)

// Client speaks the ingest upload protocol.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the ingest server. rawURL may be a full
// http URL or a bare host:port.
func NewClient(rawURL string) (*Client, error) {
	endpoint := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		endpoint = u.Host
	}
	base, err := netutil.BaseURL(endpoint)
	if err != nil {
		return nil, rigerr.Wrap(rigerr.ReasonInvalid, "offload.client", err)
	}
	return &Client{
		base: base,
		http: &http.Client{
			Transport: telemetry.Transport(&http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
	}, nil
}

// InitRequest mirrors the ingest init document. Checksum is the sha256 of
// the source file; the server discards stale chunks when it changes between
// inits of the same recording.
type InitRequest struct {
	SessionID   string `json:"session_id"`
	NodeID      string `json:"node_id"`
	RecordingID string `json:"recording_id"`
	Ext         string `json:"ext"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Checksum    string `json:"checksum"`
}

// InitResponse carries the resume point.
type InitResponse struct {
	UploadID       string `json:"upload_id"`
	ReceivedChunks []int  `json:"received_chunks"`
}

// FinalizeResponse carries the server-side verification result.
type FinalizeResponse struct {
	Checksum  string `json:"checksum_sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// HealthResponse is the ingest health document, used as the breaker probe.
type HealthResponse struct {
	StorageFreeBytes uint64 `json:"storage_free_bytes"`
	ActiveUploads    int    `json:"active_uploads"`
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// do runs a JSON request against the ingest server, classifying transport
// failures and round-tripping server-side reasons.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, path, out)
}

func (c *Client) roundTrip(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		reason := rigerr.ReasonPeerUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = rigerr.ReasonTimeout
		}
		return rigerr.Wrap(reason, "offload "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(data, &eb)
		detail := eb.Detail
		if detail == "" {
			detail = eb.Error
		}
		return rigerr.FromStatus(resp.StatusCode, rigerr.Reason(eb.Reason), "offload "+path, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// Init opens or resumes the upload for a recording.
func (c *Client) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	var out InitResponse
	err := c.do(ctx, http.MethodPost, "/upload/init", req, &out)
	return out, err
}

// Chunk sends one chunk as multipart form data.
func (c *Client) Chunk(ctx context.Context, uploadID string, index int, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("upload_id", uploadID); err != nil {
		return err
	}
	if err := mw.WriteField("chunk_index", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("%06d.chunk", index))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload/chunk", &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.roundTrip(req, "/upload/chunk", nil)
}

// Manifest uploads the recording manifest.
func (c *Client) Manifest(ctx context.Context, doc *manifest.Manifest) error {
	return c.do(ctx, http.MethodPost, "/upload/manifest", doc, nil)
}

type finalizeRequest struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

// Finalize asks the server to assemble and hash the upload.
func (c *Client) Finalize(ctx context.Context, uploadID string, totalChunks int) (FinalizeResponse, error) {
	var out FinalizeResponse
	err := c.do(ctx, http.MethodPost, "/upload/finalize", finalizeRequest{UploadID: uploadID, TotalChunks: totalChunks}, &out)
	return out, err
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
}

// Confirm acknowledges the verified checksum so the server can publish.
func (c *Client) Confirm(ctx context.Context, sessionID, nodeID string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/upload/confirm", confirmRequest{SessionID: sessionID, NodeID: nodeID}, &out); err != nil {
		return "", err
	}
	return out["checksum_sha256"], nil
}

// Delete discards a server-side upload, the recovery path after a checksum
// mismatch.
func (c *Client) Delete(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodDelete, "/upload/"+uploadID, nil, nil)
}

// Health probes the ingest server.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
