// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// Check is one admission check outcome.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// CameraPreflight is one node's check set.
type CameraPreflight struct {
	Online bool    `json:"online"`
	Checks []Check `json:"checks,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// PreflightResult is the full admission report. Read-only: no node state
// changes, however the checks come out.
type PreflightResult struct {
	Passed  bool                       `json:"passed"`
	Cluster []Check                    `json:"cluster"`
	Cameras map[string]CameraPreflight `json:"cameras"`
}

// Preflight runs the admission checks on every node in parallel.
func (c *Coordinator) Preflight(ctx context.Context) PreflightResult {
	targets := c.targets()
	var mu sync.Mutex
	res := PreflightResult{Passed: true, Cameras: make(map[string]CameraPreflight, len(targets))}

	c.fanOut(ctx, "preflight", targets, c.opts.Cluster.StatusTimeout, func(ctx context.Context, t target) error {
		snap, err := t.control.Status(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Cameras[t.nodeID] = CameraPreflight{Error: string(rigerr.ReasonOf(err))}
			return err
		}
		res.Cameras[t.nodeID] = CameraPreflight{Online: true, Checks: c.nodeChecks(snap)}
		return nil
	})

	var offline []string
	for id, cam := range res.Cameras {
		if !cam.Online {
			offline = append(offline, id)
			res.Passed = false
			continue
		}
		for _, ck := range cam.Checks {
			if !ck.Passed {
				res.Passed = false
			}
		}
	}
	sort.Strings(offline)

	online := Check{Name: "all_cameras_online", Passed: len(offline) == 0, Message: "all cameras answered"}
	if len(offline) > 0 {
		online.Message = "offline: " + strings.Join(offline, ", ")
	}
	res.Cluster = []Check{online}
	return res
}

// nodeChecks evaluates one node's snapshot. The storage message is phrased
// in GiB for the operator; the master passes time_sync by definition.
func (c *Coordinator) nodeChecks(snap state.Snapshot) []Check {
	checks := make([]Check, 0, 4)

	camera := Check{Name: "camera", Passed: snap.CameraDetected, Message: "capture device detected"}
	if !camera.Passed {
		camera.Message = "no capture device detected"
	}
	checks = append(checks, camera)

	ts := Check{Name: "time_sync", Passed: snap.SyncStatus != string(timesync.StatusFail), Message: "sync status " + snap.SyncStatus}
	checks = append(checks, ts)

	freeGB := float64(snap.StorageFreeBytes) / (1 << 30)
	needGB := float64(c.opts.MinFreeBytes) / (1 << 30)
	st := Check{
		Name:    "storage",
		Passed:  snap.StorageFreeBytes >= uint64(c.opts.MinFreeBytes),
		Message: fmt.Sprintf("%.0f GiB free, need %.0f", freeGB, needGB),
	}
	checks = append(checks, st)

	temp := Check{
		Name:    "temperature",
		Passed:  snap.TemperatureC < c.opts.TemperatureLimitC,
		Message: fmt.Sprintf("%.1f C, limit %.1f", snap.TemperatureC, c.opts.TemperatureLimitC),
	}
	checks = append(checks, temp)

	return checks
}
