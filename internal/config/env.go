// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fieldrig/fieldrig/internal/log"
)

// Environment overrides. Each helper leaves the destination untouched when
// the variable is unset and logs a warning when it is set but unparseable,
// so a typo degrades to the file/default value instead of a silent zero.

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("invalid bool, keeping previous value")
		return
	}
	*dst = b
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("invalid int, keeping previous value")
		return
	}
	*dst = n
}

func envInt64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("invalid int64, keeping previous value")
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("invalid float, keeping previous value")
		return
	}
	*dst = f
}

func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.WithComponent("config").Warn().Str("key", key).Str("value", v).Msg("invalid duration, keeping previous value")
		return
	}
	*dst = d
}

// parsePeerList parses "CAM_L=10.0.0.11:8080,CAM_R=10.0.0.13:8080". Peer
// positions are learned from their status responses.
func parsePeerList(v string) []Peer {
	var peers []Peer
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ep, ok := strings.Cut(part, "=")
		if !ok || id == "" || ep == "" {
			log.WithComponent("config").Warn().Str("entry", part).Msg("invalid peer entry, want id=host:port")
			continue
		}
		peers = append(peers, Peer{NodeID: strings.TrimSpace(id), Endpoint: strings.TrimSpace(ep)})
	}
	return peers
}

func applyNodeEnv(cfg *Node) {
	envString("RIG_LOG_LEVEL", &cfg.LogLevel)

	envString("RIG_NODE_ID", &cfg.Identity.NodeID)
	if v, ok := os.LookupEnv("RIG_POSITION"); ok {
		cfg.Identity.Position = Position(strings.ToLower(strings.TrimSpace(v)))
	}
	envString("RIG_ENDPOINT", &cfg.Identity.Endpoint)
	if v, ok := os.LookupEnv("RIG_MASTER"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Identity.Master = &b
		} else {
			log.WithComponent("config").Warn().Str("key", "RIG_MASTER").Str("value", v).Msg("invalid bool, keeping positional default")
		}
	}

	envString("RIG_LISTEN", &cfg.Server.Listen)
	envString("RIG_METRICS_LISTEN", &cfg.Server.MetricsListen)
	envDuration("RIG_SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace)
	envInt("RIG_RATE_LIMIT_RPM", &cfg.Server.RatePerMinute)

	envString("RIG_RECORDINGS_ROOT", &cfg.Recording.Root)
	envInt64("RIG_MIN_FREE_BYTES", &cfg.Recording.MinFreeBytes)
	envString("RIG_CONTAINER", &cfg.Recording.Container)
	envString("RIG_CODEC", &cfg.Recording.Codec)
	envInt("RIG_WIDTH", &cfg.Recording.Width)
	envInt("RIG_HEIGHT", &cfg.Recording.Height)
	envInt("RIG_FPS", &cfg.Recording.FPS)
	envFloat("RIG_BITRATE_MBPS", &cfg.Recording.BitrateMbps)
	envDuration("RIG_STOP_GRACE", &cfg.Recording.StopGrace)
	envDuration("RIG_TEST_DURATION", &cfg.Recording.TestDuration)
	envBool("RIG_DELETE_AFTER_CONFIRM", &cfg.Recording.DeleteAfterConfirm)
	envFloat("RIG_TEMP_LIMIT_C", &cfg.Recording.TemperatureLimitC)

	if v, ok := os.LookupEnv("RIG_DRIVER"); ok {
		cfg.Driver.Kind = DriverKind(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv("RIG_DRIVER_EXEC"); ok {
		// Space-separated argv; arguments with embedded spaces need the
		// YAML form.
		cfg.Driver.Exec = strings.Fields(v)
	}
	envInt64("RIG_SIM_BYTE_RATE", &cfg.Driver.SimByteRate)

	envDuration("RIG_SYNC_INTERVAL", &cfg.Sync.Interval)
	envFloat("RIG_SYNC_TOLERANCE_MS", &cfg.Sync.ToleranceMS)
	envFloat("RIG_SYNC_RTT_MAX_MS", &cfg.Sync.RTTMaxMS)
	envDuration("RIG_SYNC_STALE", &cfg.Sync.Stale)

	if v, ok := os.LookupEnv("RIG_PEERS"); ok {
		cfg.Cluster.Peers = parsePeerList(v)
	}
	envDuration("RIG_PEER_TIMEOUT", &cfg.Cluster.PeerTimeout)
	envDuration("RIG_ARM_TIMEOUT", &cfg.Cluster.ArmTimeout)
	envDuration("RIG_STATUS_TIMEOUT", &cfg.Cluster.StatusTimeout)
	envDuration("RIG_STOP_TIMEOUT", &cfg.Cluster.StopTimeout)
	envInt("RIG_MIN_PARTICIPANTS", &cfg.Cluster.MinParticipants)
	envBool("RIG_DISCOVERY", &cfg.Cluster.Discovery)
	envString("RIG_DISCOVERY_ADDR", &cfg.Cluster.DiscoveryAddr)
	envDuration("RIG_DISCOVERY_INTERVAL", &cfg.Cluster.DiscoveryInterval)

	envBool("RIG_OFFLOAD", &cfg.Offload.Enabled)
	envString("RIG_INGEST_URL", &cfg.Offload.IngestURL)
	envInt64("RIG_CHUNK_SIZE", &cfg.Offload.ChunkSize)
	envInt("RIG_RETRY_BUDGET", &cfg.Offload.RetryBudget)
	envInt64("RIG_UPLOAD_BANDWIDTH", &cfg.Offload.BandwidthLimit)

	envString("RIG_CATALOG_PATH", &cfg.Storage.CatalogPath)
	envDuration("RIG_CLEANUP_INTERVAL", &cfg.Storage.CleanupInterval)

	applyTelemetryEnv(&cfg.Telemetry)
}

func applyIngestEnv(cfg *Ingest) {
	envString("RIG_LOG_LEVEL", &cfg.LogLevel)

	envString("RIG_LISTEN", &cfg.Server.Listen)
	envString("RIG_METRICS_LISTEN", &cfg.Server.MetricsListen)
	envDuration("RIG_SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace)
	envInt("RIG_RATE_LIMIT_RPM", &cfg.Server.RatePerMinute)

	envString("RIG_SESSIONS_ROOT", &cfg.SessionsRoot)
	envString("RIG_STATE_DIR", &cfg.StateDir)
	envDuration("RIG_COMPLETE_TIMEOUT", &cfg.CompleteTimeout)
	envDuration("RIG_JANITOR_INTERVAL", &cfg.JanitorInterval)
	envInt("RIG_EXPECTED_CAMERAS", &cfg.ExpectedCameras)
	envInt64("RIG_MAX_CHUNK_BYTES", &cfg.MaxChunkBytes)

	envString("RIG_REDIS_ADDR", &cfg.RedisAddr)
	envString("RIG_REDIS_PASSWORD", &cfg.RedisPassword)
	envDuration("RIG_STATUS_TTL", &cfg.StatusTTL)

	applyTelemetryEnv(&cfg.Telemetry)
}

func applyTelemetryEnv(cfg *Telemetry) {
	envBool("RIG_OTLP_ENABLED", &cfg.Enabled)
	envString("RIG_OTLP_ENDPOINT", &cfg.Endpoint)
	envString("RIG_OTLP_PROTOCOL", &cfg.Protocol)
	envFloat("RIG_OTLP_SAMPLE_RATE", &cfg.SampleRate)
}
