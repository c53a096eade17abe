// Property-based tests for this package's own fallback behavior:
// validateAndApplyDefaults must replace any non-positive duration (or
// empty string field) with the package default, for every input the
// YAML loader or environment overrides could produce, per SPEC_FULL.md's
// configuration-fallback guarantee.
package config

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_NonPositiveDurationsFallBackToDefault covers every
// time.Duration-valued tunable named in spec.md §6.4: any
// non-positive value supplied by the config file or an env override
// must be replaced by Default()'s value, never left at zero or
// negative.
func TestProperty_NonPositiveDurationsFallBackToDefault(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 50

	properties := gopter.NewProperties(parameters)
	defaults := Default()

	properties.Property("non-positive ReconcilerInterval falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.KernelMap.ReconcilerInterval = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.KernelMap.ReconcilerInterval == defaults.KernelMap.ReconcilerInterval
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive ScaleUpRateWindow falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Scheduler.ScaleUpRateWindow = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Scheduler.ScaleUpRateWindow == defaults.Scheduler.ScaleUpRateWindow
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive InterServiceDelay falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Scheduler.InterServiceDelay = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Scheduler.InterServiceDelay == defaults.Scheduler.InterServiceDelay
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive ScaleUpReadyTimeout falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Scheduler.ScaleUpReadyTimeout = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Scheduler.ScaleUpReadyTimeout == defaults.Scheduler.ScaleUpReadyTimeout
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive APICallTimeout falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Scheduler.APICallTimeout = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Scheduler.APICallTimeout == defaults.Scheduler.APICallTimeout
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive AutoscalerRecreateDelay falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Autoscaler.RecreateDelay = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Autoscaler.RecreateDelay == defaults.Autoscaler.RecreateDelay
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive Coordinator.SyncInterval falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Coordinator.SyncInterval = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Coordinator.SyncInterval == defaults.Coordinator.SyncInterval
		},
		gen.IntRange(-1000, 0),
	))

	properties.Property("non-positive Coordinator.LeaderTTL falls back to default", prop.ForAll(
		func(seconds int) bool {
			cfg := Default()
			cfg.Coordinator.LeaderTTL = time.Duration(seconds) * time.Second
			validateAndApplyDefaults(cfg)
			return cfg.Coordinator.LeaderTTL == defaults.Coordinator.LeaderTTL
		},
		gen.IntRange(-1000, 0),
	))

	properties.TestingRun(t)
}

// TestProperty_EmptyStringFieldsFallBackToDefault covers the
// string-valued tunables that must fall back when left blank: NodeID,
// Logger.Level, Logger.Output, KernelMap.PinPath,
// KernelMap.PacketSourcePin, Metrics.Addr.
func TestProperty_EmptyStringFieldsFallBackToDefault(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	defaults := Default()

	properties.Property("blank Logger.Level falls back to default", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.Logger.Level = ""
			validateAndApplyDefaults(cfg)
			return cfg.Logger.Level == defaults.Logger.Level
		},
		gen.IntRange(0, 1),
	))

	properties.Property("blank Logger.Output falls back to default", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.Logger.Output = ""
			validateAndApplyDefaults(cfg)
			return cfg.Logger.Output == defaults.Logger.Output
		},
		gen.IntRange(0, 1),
	))

	properties.Property("blank KernelMap.PinPath falls back to default", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.KernelMap.PinPath = ""
			validateAndApplyDefaults(cfg)
			return cfg.KernelMap.PinPath == defaults.KernelMap.PinPath
		},
		gen.IntRange(0, 1),
	))

	properties.Property("blank KernelMap.PacketSourcePin falls back to default", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.KernelMap.PacketSourcePin = ""
			validateAndApplyDefaults(cfg)
			return cfg.KernelMap.PacketSourcePin == defaults.KernelMap.PacketSourcePin
		},
		gen.IntRange(0, 1),
	))

	properties.Property("blank Metrics.Addr falls back to default", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.Metrics.Addr = ""
			validateAndApplyDefaults(cfg)
			return cfg.Metrics.Addr == defaults.Metrics.Addr
		},
		gen.IntRange(0, 1),
	))

	properties.Property("blank NodeID falls back to default hostname", prop.ForAll(
		func(_ int) bool {
			cfg := Default()
			cfg.NodeID = ""
			validateAndApplyDefaults(cfg)
			return cfg.NodeID == defaults.NodeID
		},
		gen.IntRange(0, 1),
	))

	properties.TestingRun(t)
}

// TestProperty_PositiveDurationsPreserved is the inverse check: any
// strictly positive duration survives validateAndApplyDefaults
// unchanged, so the fallback only ever fires on genuinely invalid
// input.
func TestProperty_PositiveDurationsPreserved(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("positive ReconcilerInterval is preserved", prop.ForAll(
		func(millis int) bool {
			cfg := Default()
			want := time.Duration(millis) * time.Millisecond
			cfg.KernelMap.ReconcilerInterval = want
			validateAndApplyDefaults(cfg)
			return cfg.KernelMap.ReconcilerInterval == want
		},
		gen.IntRange(1, 100000),
	))

	properties.TestingRun(t)
}
