package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Config is the full runtime configuration. Every tunable default the
// runtime uses lives in DefaultConfig so numbers are declared exactly
// once; the YAML file and environment overrides adjust from there.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogDir   string `yaml:"log_dir"` // empty means stderr only
	LogLevel string `yaml:"log_level"`

	Tick       TickConfig      `yaml:"tick"`
	Queue      QueueConfig     `yaml:"queue"`
	Wake       WakeConfig      `yaml:"wake"`
	Stress     StressConfig    `yaml:"stress"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Plugins    PluginConfig    `yaml:"plugins"`
	Recipients RecipientConfig `yaml:"recipients"`
	Cognition  CognitionConfig `yaml:"cognition"`
	Channels   ChannelConfig   `yaml:"channels"`
}

// TickConfig paces the core loop.
type TickConfig struct {
	Interval   Duration `yaml:"interval"`
	DrainBatch int      `yaml:"drain_batch"` // max events pulled per tick
}

// QueueConfig tunes event aggregation and pruning.
type QueueConfig struct {
	AggregationWindow  Duration `yaml:"aggregation_window"`
	PruneMaxAge        Duration `yaml:"prune_max_age"`
	PruneMaxPriority   int      `yaml:"prune_max_priority"` // lanes at or below this urgency are age-pruned
	EmergencyThreshold int      `yaml:"emergency_threshold"`
}

// WakeConfig holds the aggregation layer's wake thresholds.
type WakeConfig struct {
	ContactPressure     float64 `yaml:"contact_pressure"`
	SocialDebt          float64 `yaml:"social_debt"`
	LowEnergyMultiplier float64 `yaml:"low_energy_multiplier"`
	LowEnergyBelow      float64 `yaml:"low_energy_below"`
	PatternSensitivity  float64 `yaml:"pattern_sensitivity"`
	AckOverrideDelta    float64 `yaml:"ack_override_delta"`
}

// StressConfig tunes the stress monitor.
type StressConfig struct {
	LagSampleInterval Duration `yaml:"lag_sample_interval"`
	CPUSampleInterval Duration `yaml:"cpu_sample_interval"`
	RecoveryDelay     Duration `yaml:"recovery_delay"`

	// Level boundaries: elevated / high / critical.
	LagElevatedMs float64 `yaml:"lag_elevated_ms"`
	LagHighMs     float64 `yaml:"lag_high_ms"`
	LagCriticalMs float64 `yaml:"lag_critical_ms"`
	CPUElevated   float64 `yaml:"cpu_elevated"`
	CPUHigh       float64 `yaml:"cpu_high"`
	CPUCritical   float64 `yaml:"cpu_critical"`
}

// SchedulerConfig tunes the scheduler service.
type SchedulerConfig struct {
	MaxFiresPerTick int `yaml:"max_fires_per_tick"`
}

// PluginConfig holds the default per-plugin limits. A plugin manifest
// may lower these for itself but never raise them.
type PluginConfig struct {
	MaxSchedules     int     `yaml:"max_schedules"`
	MaxStorageMB     float64 `yaml:"max_storage_mb"`
	WarningPercent   float64 `yaml:"warning_percent"` // of MaxStorageMB
	SignalsPerMinute int     `yaml:"signals_per_minute"`
}

// RecipientConfig tunes the persistent recipient registry.
type RecipientConfig struct {
	SaveDebounce Duration `yaml:"save_debounce"`
	Strict       bool     `yaml:"strict"` // unreadable snapshot is a startup error
	PrimaryID    string   `yaml:"primary_id"`
}

// CognitionConfig tunes the dispatcher.
type CognitionConfig struct {
	EnableSmartRetry bool     `yaml:"enable_smart_retry"`
	RetryThreshold   float64  `yaml:"retry_threshold"`
	ToolBudget       Duration `yaml:"tool_budget"`
	MaxToolRounds    int      `yaml:"max_tool_rounds"`
}

// ChannelConfig selects transport adapters. Credentials come from the
// environment, never from the file.
type ChannelConfig struct {
	Console bool `yaml:"console"`
	Discord bool `yaml:"discord"`
}

// DefaultConfig returns the runtime defaults. This is the single place
// where the tuning numbers are written down.
func DefaultConfig() Config {
	return Config{
		DataDir:  "data",
		LogLevel: "info",
		Tick: TickConfig{
			Interval:   Duration(1 * time.Second),
			DrainBatch: 32,
		},
		Queue: QueueConfig{
			AggregationWindow:  Duration(5 * time.Second),
			PruneMaxAge:        Duration(10 * time.Minute),
			PruneMaxPriority:   int(types.PriorityNormal),
			EmergencyThreshold: 500,
		},
		Wake: WakeConfig{
			ContactPressure:     0.35,
			SocialDebt:          0.5,
			LowEnergyMultiplier: 1.3,
			LowEnergyBelow:      0.3,
			PatternSensitivity:  0.5,
			AckOverrideDelta:    0.25,
		},
		Stress: StressConfig{
			LagSampleInterval: Duration(20 * time.Millisecond),
			CPUSampleInterval: Duration(1 * time.Second),
			RecoveryDelay:     Duration(5 * time.Second),
			LagElevatedMs:     100,
			LagHighMs:         250,
			LagCriticalMs:     500,
			CPUElevated:       70,
			CPUHigh:           85,
			CPUCritical:       95,
		},
		Scheduler: SchedulerConfig{
			MaxFiresPerTick: 10,
		},
		Plugins: PluginConfig{
			MaxSchedules:     50,
			MaxStorageMB:     10,
			WarningPercent:   80,
			SignalsPerMinute: 120,
		},
		Recipients: RecipientConfig{
			SaveDebounce: Duration(1 * time.Second),
		},
		Cognition: CognitionConfig{
			EnableSmartRetry: true,
			RetryThreshold:   0.6,
			ToolBudget:       Duration(20 * time.Second),
			MaxToolRounds:    8,
		},
		Channels: ChannelConfig{
			Console: false,
			Discord: true,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config: %w", err)
			}
			logging.Debug("config", "no config file at %s, using defaults", path)
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
			logging.Info("config", "loaded %s", path)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the handful of environment overrides the daemon
// honors. Credentials (DISCORD_TOKEN, OPENAI_*) are read where they
// are used and never stored here.
func (c *Config) applyEnv() {
	if v := os.Getenv("MEDULLA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MEDULLA_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MEDULLA_PRIMARY_RECIPIENT"); v != "" {
		c.Recipients.PrimaryID = v
	}
	if os.Getenv("MEDULLA_STRICT_REGISTRY") == "true" {
		c.Recipients.Strict = true
	}
	if os.Getenv("MEDULLA_CONSOLE") == "true" {
		c.Channels.Console = true
	}
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "250ms", or from bare integers treated as nanoseconds.
type Duration time.Duration

// D returns the plain time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses either a duration string or an integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
