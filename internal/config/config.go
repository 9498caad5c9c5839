// SPDX-License-Identifier: MIT

// Package config loads the immutable runtime configuration for the fieldrig
// daemons. Precedence, lowest to highest: built-in defaults, optional YAML
// file (strict decode), RIG_* environment overrides. Configuration is loaded
// once at startup; a restart is the supported way to apply changes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldrig/fieldrig/internal/ident"
)

// Position is the physical camera placement in the rig.
type Position string

const (
	PositionLeft   Position = "left"
	PositionCenter Position = "center"
	PositionRight  Position = "right"
)

// DriverKind selects the camera driver variant.
type DriverKind string

const (
	DriverSim     DriverKind = "sim"
	DriverExec    DriverKind = "exec"
	DriverFixture DriverKind = "fixture"
)

// Cluster-wide defaults. Values are shared contract between nodes, so
// overriding them on a single node is almost always a mistake.
const (
	DefaultMinFreeBytes       = int64(10) << 30 // 10 GiB
	DefaultChunkSize          = int64(8) << 20  // 8 MiB
	DefaultSyncToleranceMS    = 5.0
	DefaultSyncRTTMaxMS       = 50.0
	DefaultSyncInterval       = 10 * time.Second
	DefaultSyncStale          = 60 * time.Second
	DefaultPeerTimeout        = 5 * time.Second
	DefaultArmTimeout         = 3 * time.Second
	DefaultStatusTimeout      = 1 * time.Second
	DefaultStopGrace          = 10 * time.Second
	DefaultStopTimeout        = 20 * time.Second
	DefaultShutdownGrace      = 30 * time.Second
	DefaultRetryBudget        = 5
	DefaultMinParticipants    = 2
	DefaultTestDuration       = 10 * time.Second
	DefaultCompleteTimeout    = 2 * time.Hour
	DefaultJanitorInterval    = 5 * time.Minute
	DefaultCleanupInterval    = 5 * time.Minute
	DefaultDiscoveryInterval  = 5 * time.Second
	DefaultDiscoveryAddr      = "255.255.255.255:8790"
	DefaultTemperatureLimitC  = 75.0
	DefaultExpectedCameras    = 3
	DefaultStatusCacheTTL     = 2 * time.Second
	DefaultRateLimitPerMinute = 600
)

// Identity describes this node within the cluster.
type Identity struct {
	NodeID   string   `yaml:"nodeId"`
	Position Position `yaml:"position"`
	// Endpoint is the host:port peers use to reach this node. Announced
	// over discovery and embedded in manifests.
	Endpoint string `yaml:"endpoint"`
	// Master designates the sync master. Defaults to position == center.
	Master *bool `yaml:"master"`
}

// IsMaster resolves the master flag with its positional default.
func (id Identity) IsMaster() bool {
	if id.Master != nil {
		return *id.Master
	}
	return id.Position == PositionCenter
}

// Server holds the HTTP server settings shared by both daemons.
type Server struct {
	Listen string `yaml:"listen"`
	// MetricsListen serves /metrics on a separate port; empty mounts it on
	// the main router.
	MetricsListen string        `yaml:"metricsListen"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	RatePerMinute int           `yaml:"ratePerMinute"`
}

// Recording holds capture parameters and local retention policy.
type Recording struct {
	Root               string        `yaml:"root"`
	MinFreeBytes       int64         `yaml:"minFreeBytes"`
	Container          string        `yaml:"container"`
	Codec              string        `yaml:"codec"`
	Width              int           `yaml:"width"`
	Height             int           `yaml:"height"`
	FPS                int           `yaml:"fps"`
	BitrateMbps        float64       `yaml:"bitrateMbps"`
	StopGrace          time.Duration `yaml:"stopGrace"`
	TestDuration       time.Duration `yaml:"testDuration"`
	DeleteAfterConfirm bool          `yaml:"deleteAfterConfirm"`
	TemperatureLimitC  float64       `yaml:"temperatureLimitC"`
}

// Driver selects and parameterises the camera driver.
type Driver struct {
	Kind DriverKind `yaml:"kind"`
	// Exec is the external recorder argv for the exec driver. The literal
	// {path} is replaced with the allocated recording path.
	Exec []string `yaml:"exec"`
	// SimByteRate is the synthetic write rate of the sim driver in bytes/s.
	SimByteRate int64 `yaml:"simByteRate"`
}

// Sync holds the time-sync discipline parameters.
type Sync struct {
	Interval    time.Duration `yaml:"interval"`
	ToleranceMS float64       `yaml:"toleranceMs"`
	RTTMaxMS    float64       `yaml:"rttMaxMs"`
	Stale       time.Duration `yaml:"stale"`
}

// Peer is a statically configured cluster member.
type Peer struct {
	NodeID   string   `yaml:"nodeId"`
	Endpoint string   `yaml:"endpoint"`
	Position Position `yaml:"position"`
	// Master flags the peer as the sync master. Defaults to
	// position == center, mirroring Identity.
	Master *bool `yaml:"master"`
}

// IsMaster resolves the peer's master flag with its positional default.
func (p Peer) IsMaster() bool {
	if p.Master != nil {
		return *p.Master
	}
	return p.Position == PositionCenter
}

// Cluster holds coordination and discovery settings.
type Cluster struct {
	Peers             []Peer        `yaml:"peers"`
	PeerTimeout       time.Duration `yaml:"peerTimeout"`
	ArmTimeout        time.Duration `yaml:"armTimeout"`
	StatusTimeout     time.Duration `yaml:"statusTimeout"`
	StopTimeout       time.Duration `yaml:"stopTimeout"`
	MinParticipants   int           `yaml:"minParticipants"`
	Discovery         bool          `yaml:"discovery"`
	DiscoveryAddr     string        `yaml:"discoveryAddr"`
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
}

// Offload holds upload client settings.
type Offload struct {
	Enabled bool `yaml:"enabled"`
	// IngestURL is the base URL of the ingest server, e.g. http://10.0.0.2:8880.
	IngestURL string `yaml:"ingestUrl"`
	ChunkSize int64  `yaml:"chunkSize"`
	// RetryBudget caps upload attempts per recording.
	RetryBudget int `yaml:"retryBudget"`
	// BandwidthLimit paces chunk uploads in bytes/s; 0 disables pacing.
	BandwidthLimit int64 `yaml:"bandwidthLimit"`
}

// Storage holds the local recording catalog settings.
type Storage struct {
	CatalogPath     string        `yaml:"catalogPath"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Telemetry holds optional OpenTelemetry export settings.
type Telemetry struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Protocol   string  `yaml:"protocol"` // "grpc" or "http"
	SampleRate float64 `yaml:"sampleRate"`
}

// Node is the complete camerad configuration.
type Node struct {
	LogLevel  string    `yaml:"logLevel"`
	Identity  Identity  `yaml:"identity"`
	Server    Server    `yaml:"server"`
	Recording Recording `yaml:"recording"`
	Driver    Driver    `yaml:"driver"`
	Sync      Sync      `yaml:"sync"`
	Cluster   Cluster   `yaml:"cluster"`
	Offload   Offload   `yaml:"offload"`
	Storage   Storage   `yaml:"storage"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Ingest is the complete ingestd configuration.
type Ingest struct {
	LogLevel string `yaml:"logLevel"`
	Server   Server `yaml:"server"`
	// SessionsRoot contains staging/ and sessions/ on one filesystem so
	// publication can use an atomic rename.
	SessionsRoot string `yaml:"sessionsRoot"`
	// StateDir holds the upload state store.
	StateDir        string        `yaml:"stateDir"`
	CompleteTimeout time.Duration `yaml:"completeTimeout"`
	JanitorInterval time.Duration `yaml:"janitorInterval"`
	// ExpectedCameras is the completion fallback when no manifest has
	// declared an explicit camera set yet.
	ExpectedCameras int   `yaml:"expectedCameras"`
	MaxChunkBytes   int64 `yaml:"maxChunkBytes"`
	// RedisAddr enables the redis status cache; empty selects in-memory.
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	StatusTTL     time.Duration `yaml:"statusTtl"`
	Telemetry     Telemetry     `yaml:"telemetry"`
}

func defaultServer(listen string) Server {
	return Server{
		Listen:        listen,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		ShutdownGrace: DefaultShutdownGrace,
		RatePerMinute: DefaultRateLimitPerMinute,
	}
}

// DefaultNode returns the built-in camerad configuration.
func DefaultNode() Node {
	return Node{
		LogLevel: "info",
		Identity: Identity{
			NodeID:   "CAM_C",
			Position: PositionCenter,
		},
		Server: defaultServer(":8080"),
		Recording: Recording{
			Root:              "/var/lib/fieldrig/recordings",
			MinFreeBytes:      DefaultMinFreeBytes,
			Container:         "mp4",
			Codec:             "h265",
			Width:             3840,
			Height:            2160,
			FPS:               30,
			BitrateMbps:       30,
			StopGrace:         DefaultStopGrace,
			TestDuration:      DefaultTestDuration,
			TemperatureLimitC: DefaultTemperatureLimitC,
		},
		Driver: Driver{
			Kind:        DriverSim,
			SimByteRate: 4 << 20,
		},
		Sync: Sync{
			Interval:    DefaultSyncInterval,
			ToleranceMS: DefaultSyncToleranceMS,
			RTTMaxMS:    DefaultSyncRTTMaxMS,
			Stale:       DefaultSyncStale,
		},
		Cluster: Cluster{
			PeerTimeout:       DefaultPeerTimeout,
			ArmTimeout:        DefaultArmTimeout,
			StatusTimeout:     DefaultStatusTimeout,
			StopTimeout:       DefaultStopTimeout,
			MinParticipants:   DefaultMinParticipants,
			Discovery:         true,
			DiscoveryAddr:     DefaultDiscoveryAddr,
			DiscoveryInterval: DefaultDiscoveryInterval,
		},
		Offload: Offload{
			Enabled:     true,
			ChunkSize:   DefaultChunkSize,
			RetryBudget: DefaultRetryBudget,
		},
		Storage: Storage{
			CatalogPath:     "/var/lib/fieldrig/catalog.db",
			CleanupInterval: DefaultCleanupInterval,
		},
		Telemetry: Telemetry{Protocol: "http", SampleRate: 0.1},
	}
}

// DefaultIngest returns the built-in ingestd configuration.
func DefaultIngest() Ingest {
	return Ingest{
		LogLevel:        "info",
		Server:          defaultServer(":8880"),
		SessionsRoot:    "/var/lib/fieldrig/ingest",
		StateDir:        "/var/lib/fieldrig/ingest/state",
		CompleteTimeout: DefaultCompleteTimeout,
		JanitorInterval: DefaultJanitorInterval,
		ExpectedCameras: DefaultExpectedCameras,
		MaxChunkBytes:   64 << 20,
		StatusTTL:       DefaultStatusCacheTTL,
		Telemetry:       Telemetry{Protocol: "http", SampleRate: 0.1},
	}
}

func decodeStrictYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadFile(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decodeStrictYAML(data, v); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// LoadNode builds the camerad configuration. path may be empty; RIG_CONFIG
// is consulted when it is.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if path == "" {
		path = os.Getenv("RIG_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Node{}, err
		}
	}
	applyNodeEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

// LoadIngest builds the ingestd configuration, mirroring LoadNode.
func LoadIngest(path string) (Ingest, error) {
	cfg := DefaultIngest()
	if path == "" {
		path = os.Getenv("RIG_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Ingest{}, err
		}
	}
	applyIngestEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Ingest{}, err
	}
	return cfg, nil
}

func validPosition(p Position) bool {
	switch p {
	case PositionLeft, PositionCenter, PositionRight:
		return true
	}
	return false
}

// Validate rejects configurations that cannot produce a working node.
func (c Node) Validate() error {
	if c.Identity.NodeID == "" {
		return fmt.Errorf("identity.nodeId is required")
	}
	if !ident.ValidNodeID(c.Identity.NodeID) {
		return fmt.Errorf("identity.nodeId %q: letters, digits and underscore only", c.Identity.NodeID)
	}
	if !validPosition(c.Identity.Position) {
		return fmt.Errorf("identity.position %q: must be left, center or right", c.Identity.Position)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Recording.Root == "" {
		return fmt.Errorf("recording.root is required")
	}
	if c.Recording.MinFreeBytes <= 0 {
		return fmt.Errorf("recording.minFreeBytes must be positive")
	}
	if c.Recording.StopGrace <= 0 || c.Recording.TestDuration <= 0 {
		return fmt.Errorf("recording stopGrace and testDuration must be positive")
	}
	switch c.Driver.Kind {
	case DriverSim, DriverFixture:
	case DriverExec:
		if len(c.Driver.Exec) == 0 {
			return fmt.Errorf("driver.exec command is required for the exec driver")
		}
	default:
		return fmt.Errorf("driver.kind %q: must be sim, exec or fixture", c.Driver.Kind)
	}
	if c.Sync.ToleranceMS <= 0 || c.Sync.RTTMaxMS <= 0 {
		return fmt.Errorf("sync toleranceMs and rttMaxMs must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.Stale <= 0 {
		return fmt.Errorf("sync interval and stale must be positive")
	}
	if c.Cluster.MinParticipants < 1 {
		return fmt.Errorf("cluster.minParticipants must be at least 1")
	}
	masters := 0
	if c.Identity.IsMaster() {
		masters++
	}
	for i, p := range c.Cluster.Peers {
		if p.NodeID == "" || p.Endpoint == "" {
			return fmt.Errorf("cluster.peers[%d]: nodeId and endpoint are required", i)
		}
		if p.NodeID == c.Identity.NodeID {
			return fmt.Errorf("cluster.peers[%d]: %s is this node", i, p.NodeID)
		}
		if p.IsMaster() {
			masters++
		}
	}
	if masters > 1 {
		return fmt.Errorf("cluster has %d sync masters, exactly one is allowed", masters)
	}
	if c.Offload.Enabled {
		if c.Offload.IngestURL == "" {
			return fmt.Errorf("offload.ingestUrl is required when offload is enabled")
		}
		if c.Offload.ChunkSize <= 0 {
			return fmt.Errorf("offload.chunkSize must be positive")
		}
		if c.Offload.RetryBudget < 1 {
			return fmt.Errorf("offload.retryBudget must be at least 1")
		}
	}
	if c.Storage.CatalogPath == "" {
		return fmt.Errorf("storage.catalogPath is required")
	}
	return nil
}

// Validate rejects configurations that cannot produce a working ingest server.
func (c Ingest) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.SessionsRoot == "" {
		return fmt.Errorf("sessionsRoot is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("stateDir is required")
	}
	if c.CompleteTimeout <= 0 {
		return fmt.Errorf("completeTimeout must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitorInterval must be positive")
	}
	if c.ExpectedCameras < 1 {
		return fmt.Errorf("expectedCameras must be at least 1")
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("maxChunkBytes must be positive")
	}
	return nil
}
