// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"time"

	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// CameraTest is one node's outcome of the self-check cycle.
type CameraTest struct {
	Passed    bool   `json:"passed"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// TestResult is the outcome of the end-to-end test cycle.
type TestResult struct {
	Passed      bool                  `json:"passed"`
	SessionID   string                `json:"session_id"`
	DurationSec float64               `json:"duration_sec"`
	Cameras     map[string]CameraTest `json:"cameras"`
}

// Test runs a short recording on every node under a generated TEST_ session,
// verifies each node produced a non-empty finalized file, and deletes the
// artifacts. Test recordings never reach the offload queue; the TEST_ prefix
// suppresses the announcement on each node.
func (c *Coordinator) Test(ctx context.Context) (TestResult, error) {
	sessionID := ident.GenerateTestSessionID(time.Now().UTC())
	logger := log.WithComponent("coordinator")
	res := TestResult{
		SessionID:   sessionID,
		DurationSec: c.opts.TestDuration.Seconds(),
		Cameras:     make(map[string]CameraTest),
	}

	start, err := c.Start(ctx, sessionID)
	if err != nil {
		return res, err
	}
	if !start.Success {
		for id, cam := range start.Cameras {
			res.Cameras[id] = CameraTest{Error: cam.Error, Detail: cam.Detail}
		}
		c.cleanupTest(ctx, sessionID)
		return res, nil
	}

	select {
	case <-time.After(c.opts.TestDuration):
	case <-ctx.Done():
		// The caller gave up; still stop and clean so no node is left
		// recording a test session.
	}

	stop, err := c.Stop(context.WithoutCancel(ctx))
	if err != nil {
		c.cleanupTest(ctx, sessionID)
		return res, err
	}

	res.Passed = true
	for id, cam := range stop.Cameras {
		tc := CameraTest{}
		switch {
		case cam.Error != "":
			tc.Error = cam.Error
			tc.Detail = cam.Detail
		case cam.Recording == nil:
			tc.Error = string(rigerr.ReasonInvariant)
			tc.Detail = "no recording finalized"
		case cam.Recording.SizeBytes <= 0:
			tc.SizeBytes = cam.Recording.SizeBytes
			tc.Error = string(rigerr.ReasonInvariant)
			tc.Detail = "finalized file is empty"
		default:
			tc.Passed = true
			tc.SizeBytes = cam.Recording.SizeBytes
		}
		if !tc.Passed {
			res.Passed = false
		}
		res.Cameras[id] = tc
	}

	c.cleanupTest(ctx, sessionID)
	logger.Info().
		Str(log.FieldSessionID, sessionID).
		Bool("passed", res.Passed).
		Msg("test cycle complete")
	return res, nil
}

// cleanupTest removes the test session's artifacts on every node, best
// effort.
func (c *Coordinator) cleanupTest(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	c.fanOut(ctx, "cleanup", c.targets(), c.opts.Cluster.ArmTimeout, func(ctx context.Context, t target) error {
		if err := t.control.CleanupSession(ctx, sessionID); err != nil {
			log.WithComponent("coordinator").Warn().
				Err(err).
				Str(log.FieldNodeID, t.nodeID).
				Str(log.FieldSessionID, sessionID).
				Msg("test artifact cleanup failed")
			return err
		}
		return nil
	})
}
