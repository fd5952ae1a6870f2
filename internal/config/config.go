// Package config loads the broadcaster configuration in three layers:
// built-in defaults, an optional YAML file, and AIRWAVE_* environment
// variables, with later layers winning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched; first hit wins.
var DefaultConfigPaths = []string{
	"airwave.yaml",
	"airwave.yml",
	"/etc/airwave/config.yaml",
	"/etc/airwave/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "AIRWAVE_CONFIG"

// EnvPrefix is stripped from environment variables before mapping them onto
// koanf paths (AIRWAVE_POOL_MAX_PROCESSES -> pool.max_processes).
const EnvPrefix = "AIRWAVE_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Transcoder TranscoderConfig `koanf:"transcoder"`
	Pool       PoolConfig       `koanf:"pool"`
	Health     HealthConfig     `koanf:"health"`
	Circuit    CircuitConfig    `koanf:"circuit"`
	Broadcast  BroadcastConfig  `koanf:"broadcast"`
	Prewarm    PrewarmConfig    `koanf:"prewarm"`
	SSDP       SSDPConfig       `koanf:"ssdp"`
	EPG        EPGConfig        `koanf:"epg"`
	Metadata   MetadataConfig   `koanf:"metadata"`
	Agent      AgentConfig      `koanf:"ai_agent"`
}

type ServerConfig struct {
	ListenAddr   string `koanf:"listen_addr"`
	BaseURL      string `koanf:"base_url"` // e.g. http://192.168.1.10:5004 for Plex to use
	DeviceID     string `koanf:"device_id"`
	FriendlyName string `koanf:"friendly_name"`
	TunerCount   int    `koanf:"tuner_count"`
}

type StoreConfig struct {
	DataDir      string `koanf:"data_dir"`
	DatabasePath string `koanf:"database_path"` // derived from DataDir when empty
}

type TranscoderConfig struct {
	FFmpegPath  string `koanf:"ffmpeg_path"`
	FFprobePath string `koanf:"ffprobe_path"`
	// AcceleratorOrder is probed in order at startup; "software" always passes.
	AcceleratorOrder []string `koanf:"accelerator_order"`
}

type PoolConfig struct {
	MaxProcesses          int           `koanf:"max_processes"` // 0 = derive from memory/fd budget
	ColdStartTimeout      time.Duration `koanf:"cold_start_timeout_seconds"`
	ColdStartTimeoutPlex  time.Duration `koanf:"cold_start_timeout_plex_seconds"`
	RateCapacity          int           `koanf:"rate_capacity"`
	RateRefillPerSecond   int           `koanf:"rate_refill_per_second"`
	MemoryWatermarkBytes  int64         `koanf:"memory_watermark_bytes"`
	FDWatermark           int           `koanf:"fd_watermark"` // 0 = derive from the soft rlimit
	LongRunMax            time.Duration `koanf:"long_run_max_seconds"`
	ReapInterval          time.Duration `koanf:"reap_interval_seconds"`
	PerProcessRSSEstimate int64         `koanf:"per_process_rss_estimate_bytes"`
	PerProcessFDEstimate  int           `koanf:"per_process_fd_estimate"`
}

type HealthConfig struct {
	UnhealthyThreshold time.Duration `koanf:"unhealthy_threshold_seconds"`
	CheckInterval      time.Duration `koanf:"health_check_interval_seconds"`
	StormWindow        time.Duration `koanf:"restart_storm_window_seconds"`
	StormMax           int           `koanf:"restart_storm_max"`
	Cooldown           time.Duration `koanf:"restart_cooldown_seconds"`
}

type CircuitConfig struct {
	FailureThreshold int           `koanf:"circuit_failure_threshold"`
	FailureWindow    time.Duration `koanf:"circuit_failure_window_seconds"`
	OpenDuration     time.Duration `koanf:"circuit_open_seconds"`
}

type BroadcastConfig struct {
	SessionIdleTimeout    time.Duration `koanf:"session_idle_timeout_seconds"`
	ClientQueueChunks     int           `koanf:"client_queue_chunks"`
	ChunkBytes            int           `koanf:"chunk_bytes"`
	IdleStopGrace         time.Duration `koanf:"idle_stop_grace_seconds"`
	FloodOverrunTolerance time.Duration `koanf:"flood_overrun_tolerance_seconds"`
}

type PrewarmConfig struct {
	MaxConcurrent int           `koanf:"prewarm_max_concurrent"`
	Stagger       time.Duration `koanf:"prewarm_stagger_seconds"`
}

type SSDPConfig struct {
	Enabled          bool          `koanf:"enabled"`
	AnnounceInterval time.Duration `koanf:"announce_interval_seconds"`
}

type EPGConfig struct {
	HorizonHours int `koanf:"epg_horizon_hours"`
}

type MetadataConfig struct {
	TVDBAPIKey string `koanf:"tvdb_api_key"`
	TMDBAPIKey string `koanf:"tmdb_api_key"`
}

type AgentConfig struct {
	Enabled                        bool          `koanf:"bounded_agent_enabled"`
	MaxSteps                       int           `koanf:"max_steps"`
	MetadataSelfResolutionEnabled  bool          `koanf:"metadata_self_resolution_enabled"`
	MetadataSelfResolutionCooldown time.Duration `koanf:"metadata_self_resolution_cooldown_sec"`
}

// Default returns the built-in configuration. Duration keys are named in
// seconds on the wire; bare integers from any layer are scaled to seconds
// during load, so the raw values here are plain second counts.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":5004",
			FriendlyName: "Airwave",
			TunerCount:   4,
		},
		Store: StoreConfig{
			DataDir: "data",
		},
		Transcoder: TranscoderConfig{
			FFmpegPath:       "ffmpeg",
			FFprobePath:      "ffprobe",
			AcceleratorOrder: []string{"vaapi", "videotoolbox", "nvenc", "software"},
		},
		Pool: PoolConfig{
			ColdStartTimeout:      90,
			ColdStartTimeoutPlex:  120,
			RateCapacity:          5,
			RateRefillPerSecond:   5,
			MemoryWatermarkBytes:  256 << 20,
			LongRunMax:            24 * 3600,
			ReapInterval:          60,
			PerProcessRSSEstimate: 200 << 20,
			PerProcessFDEstimate:  16,
		},
		Health: HealthConfig{
			UnhealthyThreshold: 180,
			CheckInterval:      30,
			StormWindow:        60,
			StormMax:           10,
			Cooldown:           30,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			FailureWindow:    300,
			OpenDuration:     120,
		},
		Broadcast: BroadcastConfig{
			SessionIdleTimeout:    300,
			ClientQueueChunks:     128,
			ChunkBytes:            32 << 10,
			IdleStopGrace:         10,
			FloodOverrunTolerance: 300,
		},
		Prewarm: PrewarmConfig{
			MaxConcurrent: 5,
			Stagger:       1,
		},
		SSDP: SSDPConfig{
			Enabled:          true,
			AnnounceInterval: 300,
		},
		EPG: EPGConfig{
			HorizonHours: 48,
		},
		Agent: AgentConfig{
			MaxSteps:                       3,
			MetadataSelfResolutionCooldown: 300,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file (if
// one exists), then AIRWAVE_* environment variables.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit file path; path may be empty.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	normalizeDurations(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envTransform maps AIRWAVE_POOL_MAX_PROCESSES to pool.max_processes. The
// first underscore separates the section from the key; key names keep their
// underscores. AI_AGENT keys are special-cased because the section name
// itself contains an underscore.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(s, "ai_agent_"); ok {
		return "ai_agent." + rest
	}
	section, key, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + key
}

// normalizeDurations scales duration keys that arrived as bare integers.
// An unmarshalled bare int lands as nanoseconds; anything smaller than a
// millisecond can only be a raw second count, so it is scaled up. Values
// written with a unit ("90s") pass through untouched.
func normalizeDurations(cfg *Config) {
	secs := []*time.Duration{
		&cfg.Pool.ColdStartTimeout,
		&cfg.Pool.ColdStartTimeoutPlex,
		&cfg.Pool.LongRunMax,
		&cfg.Pool.ReapInterval,
		&cfg.Health.UnhealthyThreshold,
		&cfg.Health.CheckInterval,
		&cfg.Health.StormWindow,
		&cfg.Health.Cooldown,
		&cfg.Circuit.FailureWindow,
		&cfg.Circuit.OpenDuration,
		&cfg.Broadcast.SessionIdleTimeout,
		&cfg.Broadcast.IdleStopGrace,
		&cfg.Broadcast.FloodOverrunTolerance,
		&cfg.Prewarm.Stagger,
		&cfg.SSDP.AnnounceInterval,
		&cfg.Agent.MetadataSelfResolutionCooldown,
	}
	for _, d := range secs {
		if *d > 0 && *d < time.Millisecond {
			*d *= time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.Server.TunerCount < 1 {
		return fmt.Errorf("config: tuner_count must be >= 1, got %d", c.Server.TunerCount)
	}
	if c.Broadcast.ChunkBytes < 188 || c.Broadcast.ChunkBytes > 64<<10 {
		return fmt.Errorf("config: chunk_bytes must be in [188, 64KiB], got %d", c.Broadcast.ChunkBytes)
	}
	if c.Broadcast.ClientQueueChunks < 100 {
		return fmt.Errorf("config: client_queue_chunks must be >= 100, got %d", c.Broadcast.ClientQueueChunks)
	}
	if c.Health.StormMax < 1 || c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("config: restart guard thresholds must be >= 1")
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("config: ai_agent.max_steps must be >= 1, got %d", c.Agent.MaxSteps)
	}
	return nil
}

// DatabasePath returns the effective sqlite path.
func (c *Config) DatabasePath() string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return c.Store.DataDir + "/airwave.db"
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// One-off operational toggles read straight from the environment, outside
// the layered config.

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

// DebugDumpConfig gates verbose config logging at startup.
func DebugDumpConfig() bool { return getEnvBool("AIRWAVE_DEBUG_CONFIG", false) }
