// SPDX-License-Identifier: MIT

// rigctl is the operator CLI. It talks to any camera node's coordinator API
// and exits 0 on success, 2 on precondition failures, 3 when a peer is
// unreachable, 4 on upload verification failures and 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fieldrig/fieldrig/internal/buildinfo"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/coordinator"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

const usage = `usage: rigctl [-endpoint host:port] [-timeout dur] <command> [args]

commands:
  status                              aggregate cluster status
  preflight                           run the readiness checks
  start [session_id]                  start a recording session
  stop                                stop the current session
  sync                                force a sync pass on every node
  test                                run the 10s self-check cycle
  peers                               list the node's peer registry
  peer-add <node_id> <endpoint> <pos> [master]
                                      register a static peer
  peer-remove <node_id>               drop a peer
  recordings                          list the node's local recordings
  requeue <recording_id>              re-enqueue a failed upload
  offload                             show the node's upload queue
  version                             print version and exit
`

func main() {
	endpoint := flag.String("endpoint", envOr("RIG_ENDPOINT", "127.0.0.1:8080"), "node endpoint (host:port)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(rigerr.ExitGeneric)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	err := run(ctx, nodeclient.New(), *endpoint, args[0], args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "rigctl:", err)
	}
	os.Exit(rigerr.ExitCode(err))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, client *nodeclient.Client, endpoint, cmd string, args []string) error {
	switch cmd {
	case "status":
		return runStatus(ctx, client, endpoint)
	case "preflight":
		return runPreflight(ctx, client, endpoint)
	case "start":
		sessionID := ""
		if len(args) > 0 {
			sessionID = args[0]
		}
		return runStart(ctx, client, endpoint, sessionID)
	case "stop":
		return runStop(ctx, client, endpoint)
	case "sync":
		return runSync(ctx, client, endpoint)
	case "test":
		return runTest(ctx, client, endpoint)
	case "peers":
		return runPeers(ctx, client, endpoint)
	case "peer-add":
		if len(args) < 3 || len(args) > 4 || (len(args) == 4 && args[3] != "master") {
			return fmt.Errorf("usage: rigctl peer-add <node_id> <endpoint> <position> [master]")
		}
		return client.AddPeer(ctx, endpoint, args[0], args[1], config.Position(args[2]), len(args) == 4)
	case "peer-remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: rigctl peer-remove <node_id>")
		}
		return client.RemovePeer(ctx, endpoint, args[0])
	case "recordings":
		return runRecordings(ctx, client, endpoint)
	case "requeue":
		if len(args) != 1 {
			return fmt.Errorf("usage: rigctl requeue <recording_id>")
		}
		return client.RequeueOffload(ctx, endpoint, args[0])
	case "offload":
		return runOffload(ctx, client, endpoint)
	case "version":
		fmt.Printf("rigctl %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// sortedKeys keeps per-camera output stable across runs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runStatus(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	cs, err := client.ClusterStatus(ctx, endpoint)
	if err != nil {
		return err
	}
	fmt.Printf("session:   %s\n", valueOr(cs.CurrentSessionID, "-"))
	fmt.Printf("cameras:   %d/%d online\n", cs.Summary.CamerasOnline, cs.Summary.CamerasTotal)
	fmt.Printf("synced:    %v\n", cs.Summary.AllSynced)
	fmt.Printf("recording: %v\n", cs.Summary.AnyRecording)
	fmt.Printf("free:      %.1f GB\n", cs.Summary.TotalStorageFreeGB)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tONLINE\tSTATE\tSYNC\tOFFSET_MS")
	for _, id := range sortedKeys(cs.Cameras) {
		n := cs.Cameras[id]
		if !n.Online || n.State == nil {
			fmt.Fprintf(w, "%s\tno\t-\t-\t-\n", id)
			continue
		}
		offset := "-"
		if n.State.SyncOffsetMS != nil {
			offset = fmt.Sprintf("%.2f", *n.State.SyncOffsetMS)
		}
		fmt.Fprintf(w, "%s\tyes\t%s\t%s\t%s\n", id, n.State.RecordingState, n.State.SyncStatus, offset)
	}
	return w.Flush()
}

func runPreflight(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	pf, err := client.Preflight(ctx, endpoint)
	if err != nil {
		return err
	}
	printChecks("cluster", pf.Cluster)
	for _, id := range sortedKeys(pf.Cameras) {
		cam := pf.Cameras[id]
		if !cam.Online {
			fmt.Printf("%s: OFFLINE %s\n", id, cam.Error)
			continue
		}
		printChecks(id, cam.Checks)
	}
	if !pf.Passed {
		return rigerr.New(rigerr.ReasonPrecondition, "rigctl.preflight", "preflight failed")
	}
	fmt.Println("preflight passed")
	return nil
}

func printChecks(scope string, checks []coordinator.Check) {
	for _, c := range checks {
		mark := "ok"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Printf("%s: [%s] %s %s\n", scope, mark, c.Name, c.Message)
	}
}

func runStart(ctx context.Context, client *nodeclient.Client, endpoint, sessionID string) error {
	result, err := client.ClusterStart(ctx, endpoint, sessionID)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(result.Cameras) {
		cam := result.Cameras[id]
		switch {
		case cam.Started:
			fmt.Printf("%s: recording\n", id)
		case cam.Aborted:
			fmt.Printf("%s: aborted (%s)\n", id, cam.Error)
		default:
			fmt.Printf("%s: failed (%s)\n", id, cam.Error)
		}
	}
	if !result.Success {
		return rigerr.Newf(rigerr.ReasonPrecondition, "rigctl.start", "session %s did not start on enough cameras", result.SessionID)
	}
	fmt.Printf("session %s started\n", result.SessionID)
	return nil
}

func runStop(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	result, err := client.ClusterStop(ctx, endpoint)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(result.Cameras) {
		cam := result.Cameras[id]
		if cam.Error != "" {
			fmt.Printf("%s: %s (%s)\n", id, cam.State, cam.Error)
			continue
		}
		if cam.Recording != nil {
			fmt.Printf("%s: finalized %s (%d bytes, sha256 %s)\n", id, cam.Recording.RecordingID, cam.Recording.SizeBytes, cam.Recording.Checksum)
			continue
		}
		fmt.Printf("%s: %s\n", id, cam.State)
	}
	if !result.Success {
		return rigerr.New(rigerr.ReasonPrecondition, "rigctl.stop", "stop failed on at least one camera")
	}
	return nil
}

func runSync(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	result, err := client.SyncAll(ctx, endpoint)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tOFFSET_MS\tRTT_MS")
	for _, id := range sortedKeys(result) {
		s := result[id]
		if s.Error != "" {
			fmt.Fprintf(w, "%s\t%s\t-\t-\n", id, s.Error)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\n", id, s.Status, s.OffsetMS, s.RTTMS)
	}
	return w.Flush()
}

func runTest(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	result, err := client.TestCycle(ctx, endpoint)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(result.Cameras) {
		cam := result.Cameras[id]
		if cam.Passed {
			fmt.Printf("%s: ok (%d bytes)\n", id, cam.SizeBytes)
			continue
		}
		fmt.Printf("%s: FAIL %s\n", id, cam.Error)
	}
	if !result.Passed {
		return rigerr.Newf(rigerr.ReasonPrecondition, "rigctl.test", "test cycle %s failed", result.SessionID)
	}
	fmt.Printf("test cycle %s passed (%.1fs)\n", result.SessionID, result.DurationSec)
	return nil
}

func runPeers(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	peers, err := client.Peers(ctx, endpoint)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tENDPOINT\tPOSITION\tSOURCE\tONLINE")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", p.NodeID, p.Endpoint, p.Position, p.Source, p.Online)
	}
	return w.Flush()
}

func runRecordings(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	recs, err := client.Recordings(ctx, endpoint)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORDING\tSESSION\tSIZE\tOFFLOAD\tATTEMPTS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", r.RecordingID, r.SessionID, r.SizeBytes, r.OffloadState, r.Attempts)
	}
	return w.Flush()
}

func runOffload(ctx context.Context, client *nodeclient.Client, endpoint string) error {
	st, err := client.OffloadStatus(ctx, endpoint)
	if err != nil {
		return err
	}
	fmt.Printf("enabled:   %v\n", st.Enabled)
	fmt.Printf("ingest:    %s\n", valueOr(st.IngestURL, "-"))
	fmt.Printf("queue:     %d\n", st.QueueDepth)
	fmt.Printf("uploading: %s\n", valueOr(st.Uploading, "-"))
	fmt.Printf("breaker:   %s\n", st.BreakerState)
	if st.LastError != "" {
		fmt.Printf("last error: %s\n", st.LastError)
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
