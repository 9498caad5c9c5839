// SPDX-License-Identifier: MIT

package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/netutil"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/telemetry"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// Identity headers stamped on outgoing requests so peers can reverse-learn
// the caller into their registries.
const (
	HeaderNodeID   = "X-Rig-Node-Id"
	HeaderEndpoint = "X-Rig-Endpoint"
	HeaderPosition = "X-Rig-Position"
	HeaderMaster   = "X-Rig-Master"
)

// Client calls the node control API on any peer. It carries no per-peer
// state; the endpoint is an argument so one client serves the whole
// fan-out.
type Client struct {
	http     *http.Client
	announce http.Header
}

// Option customizes the client.
type Option func(*Client)

// WithAnnounce stamps every request with this node's identity.
func WithAnnounce(id config.Identity) Option {
	return func(c *Client) {
		c.announce = http.Header{
			HeaderNodeID:   []string{id.NodeID},
			HeaderEndpoint: []string{id.Endpoint},
			HeaderPosition: []string{string(id.Position)},
			HeaderMaster:   []string{strconv.FormatBool(id.IsMaster())},
		}
	}
}

// New creates a client. Deadlines come from the per-call context, so the
// underlying http.Client has no global timeout.
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: telemetry.Transport(&http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) stamp(req *http.Request) {
	for k, v := range c.announce {
		req.Header[k] = v
	}
}

func (c *Client) url(endpoint, path string) (string, error) {
	base, err := netutil.BaseURL(endpoint)
	if err != nil {
		return "", rigerr.Wrap(rigerr.ReasonInvalid, "nodeclient", err)
	}
	return base + path, nil
}

// do runs a JSON request and decodes the 2xx body into out. Non-2xx bodies
// are decoded into the uniform error shape and rebuilt as classified errors.
func (c *Client) do(ctx context.Context, method, endpoint, path string, in, out any) error {
	u, err := c.url(endpoint, path)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.stamp(req)

	resp, err := c.http.Do(req)
	if err != nil {
		reason := rigerr.ReasonPeerUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = rigerr.ReasonTimeout
		}
		return rigerr.Wrap(reason, "nodeclient "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(data, &er)
		detail := er.Detail
		if detail == "" {
			detail = er.Error
		}
		return rigerr.FromStatus(resp.StatusCode, rigerr.Reason(er.Reason), "nodeclient "+path, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}

// Status fetches a node's local state.
func (c *Client) Status(ctx context.Context, endpoint string) (state.Snapshot, error) {
	var snap state.Snapshot
	err := c.do(ctx, http.MethodGet, endpoint, "/status", nil, &snap)
	return snap, err
}

// Arm asks a node to reserve the session and open its driver.
func (c *Client) Arm(ctx context.Context, endpoint, sessionID string) error {
	return c.do(ctx, http.MethodPost, endpoint, "/arm", SessionRequest{SessionID: sessionID}, nil)
}

// Start moves an armed node into RECORDING.
func (c *Client) Start(ctx context.Context, endpoint, sessionID string) (StartResponse, error) {
	var out StartResponse
	err := c.do(ctx, http.MethodPost, endpoint, "/start", SessionRequest{SessionID: sessionID}, &out)
	return out, err
}

// Stop finalizes a node's recording.
func (c *Client) Stop(ctx context.Context, endpoint, sessionID string) (StopResponse, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, endpoint, "/stop", SessionRequest{SessionID: sessionID}, &out)
	return out, err
}

// Abort returns an armed node to IDLE.
func (c *Client) Abort(ctx context.Context, endpoint, sessionID string) error {
	return c.do(ctx, http.MethodPost, endpoint, "/abort", SessionRequest{SessionID: sessionID}, nil)
}

// SyncTrigger forces a sync pass on a node.
func (c *Client) SyncTrigger(ctx context.Context, endpoint string) (timesync.Sample, error) {
	var out timesync.Sample
	err := c.do(ctx, http.MethodPost, endpoint, "/sync/trigger", nil, &out)
	return out, err
}

// Time runs one clock exchange against a node (normally the master),
// recording the local send/receive instants around the HTTP round trip.
func (c *Client) Time(ctx context.Context, endpoint string) (timesync.Exchange, error) {
	u, err := c.url(endpoint, "/time")
	if err != nil {
		return timesync.Exchange{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return timesync.Exchange{}, fmt.Errorf("build request: %w", err)
	}
	c.stamp(req)

	sendNS := time.Now().UnixNano()
	resp, err := c.http.Do(req)
	recvNS := time.Now().UnixNano()
	if err != nil {
		return timesync.Exchange{}, rigerr.Wrap(rigerr.ReasonPeerUnreachable, "nodeclient /time", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return timesync.Exchange{}, rigerr.FromStatus(resp.StatusCode, "", "nodeclient /time", "")
	}

	var clock timesync.ClockResponse
	if err := json.NewDecoder(resp.Body).Decode(&clock); err != nil {
		return timesync.Exchange{}, fmt.Errorf("decode clock response: %w", err)
	}
	return timesync.Exchange{
		SlaveSendNS:  sendNS,
		SlaveRecvNS:  recvNS,
		MasterRecvNS: clock.TRecvNS,
		MasterSendNS: clock.TSendNS,
	}, nil
}

// Probe is a cheap reachability check for the registry prober.
func (c *Client) Probe(ctx context.Context, endpoint string) error {
	var snap state.Snapshot
	return c.do(ctx, http.MethodGet, endpoint, "/status", nil, &snap)
}

// CleanupSession removes a session's local artifacts on a node. Used by the
// coordinator to sweep test recordings.
func (c *Client) CleanupSession(ctx context.Context, endpoint, sessionID string) error {
	return c.do(ctx, http.MethodDelete, endpoint, "/sessions/"+sessionID, nil, nil)
}

// Bound ties the client to one endpoint so it satisfies the coordinator's
// per-node control interface.
type Bound struct {
	c        *Client
	endpoint string
}

// Bind fixes the client on a peer endpoint.
func (c *Client) Bind(endpoint string) *Bound {
	return &Bound{c: c, endpoint: endpoint}
}

func (b *Bound) Status(ctx context.Context) (state.Snapshot, error) {
	return b.c.Status(ctx, b.endpoint)
}

func (b *Bound) Arm(ctx context.Context, sessionID string) error {
	return b.c.Arm(ctx, b.endpoint, sessionID)
}

func (b *Bound) Start(ctx context.Context, sessionID string) (time.Time, error) {
	resp, err := b.c.Start(ctx, b.endpoint, sessionID)
	return resp.StartedAt, err
}

func (b *Bound) Stop(ctx context.Context, sessionID string) (*storage.Record, error) {
	resp, err := b.c.Stop(ctx, b.endpoint, sessionID)
	return resp.Recording, err
}

func (b *Bound) Abort(ctx context.Context, sessionID string) error {
	return b.c.Abort(ctx, b.endpoint, sessionID)
}

func (b *Bound) SyncTrigger(ctx context.Context) (timesync.Sample, error) {
	return b.c.SyncTrigger(ctx, b.endpoint)
}

func (b *Bound) CleanupSession(ctx context.Context, sessionID string) error {
	return b.c.CleanupSession(ctx, b.endpoint, sessionID)
}
