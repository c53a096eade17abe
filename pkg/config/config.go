// Package config loads the scaling engine's configuration: a YAML file
// with environment-variable overrides for every tunable named in
// spec.md §6.4, following the teacher's package-level GlobalConfig
// pattern.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalConfig is populated by Init and read by every component.
var GlobalConfig *Config

// Config is the root configuration object.
type Config struct {
	NodeID      string            `yaml:"node_id"`
	Logger      LoggerConfig      `yaml:"logger"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	KernelMap   KernelMapConfig   `yaml:"kernel_map"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Autoscaler  AutoscalerConfig  `yaml:"autoscaler"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	KernelMirror KernelMirrorConfig `yaml:"kernel_mirror"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggerConfig configures pkg/logger.
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Format string           `yaml:"format"` // console, json
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig configures file-backed logging output.
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig configures the connection to the cluster API (the
// abstract WorkloadAPI's concrete k8s implementation).
type ClusterConfig struct {
	Kubeconfig string `yaml:"kubeconfig"` // used only when in-cluster config is unavailable; empty uses the default loading rules
	Namespace  string `yaml:"namespace"`  // empty watches all namespaces
}

// KernelMapConfig configures the kernel-map bridge (component B) and
// the packet-event source (§6.2) the kernel filter pins alongside it.
type KernelMapConfig struct {
	PinPath            string        `yaml:"pin_path"` // bpffs path to the pinned availability map
	ReconcilerInterval time.Duration `yaml:"reconciler_interval"`
	PacketSourcePin    string        `yaml:"packet_source_pin_path"` // bpffs path to the pinned ring buffer map
}

// SchedulerConfig configures the scaling scheduler (component F).
type SchedulerConfig struct {
	ScaleUpRateWindow     time.Duration `yaml:"scale_up_rate_window"`
	InterServiceDelay     time.Duration `yaml:"inter_service_delay"`
	ScaleUpReadyTimeout   time.Duration `yaml:"scale_up_ready_timeout"`
	APICallTimeout        time.Duration `yaml:"api_call_timeout"`
}

// AutoscalerConfig configures the autoscaler lifecycle manager
// (component G).
type AutoscalerConfig struct {
	RecreateDelay time.Duration `yaml:"recreate_delay"`
}

// CoordinatorConfig configures the distributed coordinator (component
// H). Enabled toggles spec.md §4.H on or off entirely.
type CoordinatorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoints    []string      `yaml:"endpoints"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	LeaderTTL    time.Duration `yaml:"leader_ttl"`
}

// KernelMirrorConfig configures the same-node, single-process-boundary
// Redis pub/sub fallback (SPEC_FULL.md's local mirror) used when the
// distributed coordinator is disabled but the kernel filter's
// availability map must still be mirrored across sibling processes on
// one node. Addr left empty disables the mirror entirely.
type KernelMirrorConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with the defaults named in
// spec.md §6.4.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeID: hostname,
		Logger: LoggerConfig{Level: "info", Format: "console", Output: "console"},
		KernelMap: KernelMapConfig{
			PinPath:            "/sys/fs/bpf/scale_to_zero/available",
			ReconcilerInterval: 100 * time.Millisecond,
			PacketSourcePin:    "/sys/fs/bpf/scale_to_zero/events",
		},
		Scheduler: SchedulerConfig{
			ScaleUpRateWindow:   5 * time.Second,
			InterServiceDelay:   500 * time.Millisecond,
			ScaleUpReadyTimeout: 30 * time.Second,
			APICallTimeout:      30 * time.Second,
		},
		Autoscaler: AutoscalerConfig{RecreateDelay: 10 * time.Second},
		Coordinator: CoordinatorConfig{
			Enabled:      false,
			SyncInterval: time.Second,
			LeaderTTL:    30 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

// Init loads the config file named by CONFIG_PATH (default
// config/config.yaml), applies environment overrides, fills in any
// zero-valued field with its default, and publishes the result as
// GlobalConfig.
func Init() error {
	cfg := Default()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	applyEnvOverrides(cfg)
	validateAndApplyDefaults(cfg)

	GlobalConfig = cfg
	return nil
}

// applyEnvOverrides applies the environment variables named in
// spec.md §6.4. Environment variables take precedence over the config
// file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("COORDINATION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Coordinator.Enabled = enabled
		} else {
			log.Printf("[WARN] invalid COORDINATION_ENABLED value %q, keeping config file value: %v", v, err)
		}
	}
	if v := os.Getenv("COORDINATION_ENDPOINTS"); v != "" {
		cfg.Coordinator.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("SYNC_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Coordinator.SyncInterval = time.Duration(ms) * time.Millisecond
		} else {
			log.Printf("[WARN] invalid SYNC_INTERVAL_MS value %q: %v", v, err)
		}
	}
	if v := os.Getenv("LEADER_TTL_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Coordinator.LeaderTTL = time.Duration(s) * time.Second
		} else {
			log.Printf("[WARN] invalid LEADER_TTL_SEC value %q: %v", v, err)
		}
	}
	if v := os.Getenv("RECONCILER_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.KernelMap.ReconcilerInterval = time.Duration(ms) * time.Millisecond
		} else {
			log.Printf("[WARN] invalid RECONCILER_INTERVAL_MS value %q: %v", v, err)
		}
	}
	if v := os.Getenv("SCALEUP_RATE_WINDOW_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Scheduler.ScaleUpRateWindow = time.Duration(s) * time.Second
		} else {
			log.Printf("[WARN] invalid SCALEUP_RATE_WINDOW_SEC value %q: %v", v, err)
		}
	}
	if v := os.Getenv("AUTOSCALER_RECREATE_DELAY_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Autoscaler.RecreateDelay = time.Duration(s) * time.Second
		} else {
			log.Printf("[WARN] invalid AUTOSCALER_RECREATE_DELAY_SEC value %q: %v", v, err)
		}
	}
}

// validateAndApplyDefaults fills in zero-valued fields with the package
// defaults, so a bare or partial config file still produces a workable
// Config.
func validateAndApplyDefaults(cfg *Config) {
	d := Default()

	if cfg.NodeID == "" {
		cfg.NodeID = d.NodeID
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = d.Logger.Level
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = d.Logger.Output
	}
	if cfg.KernelMap.PinPath == "" {
		cfg.KernelMap.PinPath = d.KernelMap.PinPath
	}
	if cfg.KernelMap.ReconcilerInterval <= 0 {
		cfg.KernelMap.ReconcilerInterval = d.KernelMap.ReconcilerInterval
	}
	if cfg.KernelMap.PacketSourcePin == "" {
		cfg.KernelMap.PacketSourcePin = d.KernelMap.PacketSourcePin
	}
	if cfg.Scheduler.ScaleUpRateWindow <= 0 {
		cfg.Scheduler.ScaleUpRateWindow = d.Scheduler.ScaleUpRateWindow
	}
	if cfg.Scheduler.InterServiceDelay <= 0 {
		cfg.Scheduler.InterServiceDelay = d.Scheduler.InterServiceDelay
	}
	if cfg.Scheduler.ScaleUpReadyTimeout <= 0 {
		cfg.Scheduler.ScaleUpReadyTimeout = d.Scheduler.ScaleUpReadyTimeout
	}
	if cfg.Scheduler.APICallTimeout <= 0 {
		cfg.Scheduler.APICallTimeout = d.Scheduler.APICallTimeout
	}
	if cfg.Autoscaler.RecreateDelay <= 0 {
		cfg.Autoscaler.RecreateDelay = d.Autoscaler.RecreateDelay
	}
	if cfg.Coordinator.SyncInterval <= 0 {
		cfg.Coordinator.SyncInterval = d.Coordinator.SyncInterval
	}
	if cfg.Coordinator.LeaderTTL <= 0 {
		cfg.Coordinator.LeaderTTL = d.Coordinator.LeaderTTL
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = d.Metrics.Addr
	}
}
