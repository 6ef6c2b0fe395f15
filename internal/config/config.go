// Package config loads process configuration for the scan orchestration
// engine: a YAML file merged with environment overrides, validated before
// any component starts. This is the single source for infrastructure
// identifiers (security groups, subnets, stream endpoints), which never
// appear as constants in the engine -- a stale config fails deployment
// instead of silently launching into the wrong network.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/scanorc/internal/apperrors"
)

// Config is the full process configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	HTTPAddr string `yaml:"http_addr"`

	Database DatabaseConfig `yaml:"database"`
	Stream   StreamConfig   `yaml:"stream"`
	Launcher LauncherConfig `yaml:"launcher"`

	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	Coordination CoordinationConfig `yaml:"coordination"`
}

// DatabaseConfig configures the Job Store / Module Registry's backing
// Postgres connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StreamConfig configures the Redis-backed Stream Bus.
type StreamConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LauncherConfig configures the Worker Launcher: the scheduler endpoint
// and the network placement every worker launches into.
type LauncherConfig struct {
	ContainerdSocket string   `yaml:"containerd_socket"`
	Namespace        string   `yaml:"namespace"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	SubnetIDs        []string `yaml:"subnet_ids"`
}

// PipelineConfig holds the monitoring loop's tunable timings.
type PipelineConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	StartupBudget  time.Duration `yaml:"startup_budget"`
	Timeout        time.Duration `yaml:"timeout"`
}

// OrchestratorConfig holds the top-level fan-out bound.
type OrchestratorConfig struct {
	MaxParallelAssetsPerScan int `yaml:"max_parallel_assets_per_scan"`
}

// CoordinationConfig configures the Raft-backed leader election gating
// the singleton background duty (the orphaned-job sweep).
type CoordinationConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"node_id"`
	BindAddr string   `yaml:"bind_addr"`
	DataDir  string   `yaml:"data_dir"`
	Peers    []string `yaml:"peers"`
}

// Default returns a Config with working defaults for a single-node
// deployment; the store, bus, and placement fields still must be set.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTPAddr: ":8090",
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PollInterval:   10 * time.Second,
			HealthInterval: 30 * time.Second,
			StartupBudget:  120 * time.Second,
			Timeout:        3600 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelAssetsPerScan: 8,
		},
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// environment overrides, then validates. A missing or stale config is a
// fatal deployment error, not a silently-wrong default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apperrors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, apperrors.Wrapf(err, "parse config file %s", path)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCANORC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCANORC_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("SCANORC_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SCANORC_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SCANORC_STREAM_ADDR"); v != "" {
		cfg.Stream.Addr = v
	}
	if v := os.Getenv("SCANORC_LAUNCHER_SECURITY_GROUP_IDS"); v != "" {
		cfg.Launcher.SecurityGroupIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("SCANORC_LAUNCHER_SUBNET_IDS"); v != "" {
		cfg.Launcher.SubnetIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("SCANORC_COORDINATION_NODE_ID"); v != "" {
		cfg.Coordination.NodeID = v
	}
}

// Validate fails fast on a configuration that would otherwise launch
// workers into the wrong network or leave the store/bus unreachable at
// startup -- the same "refuse to start" posture the registry's DAG
// validation takes.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "database.dsn is required")
	}
	if c.Stream.Addr == "" {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "stream.addr is required")
	}
	if len(c.Launcher.SecurityGroupIDs) == 0 {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "launcher.security_group_ids must not be empty")
	}
	if len(c.Launcher.SubnetIDs) == 0 {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "launcher.subnet_ids must not be empty")
	}
	if c.Orchestrator.MaxParallelAssetsPerScan <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "orchestrator.max_parallel_assets_per_scan must be > 0")
	}
	if c.Pipeline.Timeout <= 0 {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "pipeline.timeout must be > 0")
	}
	if c.Coordination.Enabled && c.Coordination.NodeID == "" {
		return apperrors.Wrapf(apperrors.ErrConfiguration, "coordination.node_id is required when coordination is enabled")
	}
	return nil
}
