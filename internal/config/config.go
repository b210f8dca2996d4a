// Package config provides configuration loading and management for autorefine.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
)

// EnvPrefix is the prefix for environment overrides, e.g. AUTOREFINE_ENGINE_DIR.
const EnvPrefix = "AUTOREFINE"

// Config is the root configuration.
type Config struct {
	Engine     EngineConfig     `json:"engine"     mapstructure:"engine"`
	Data       DataConfig       `json:"data"       mapstructure:"data"`
	Template   string           `json:"template"   mapstructure:"template"`
	Refinement RefinementConfig `json:"refinement" mapstructure:"refinement"`
	Quality    QualityConfig    `json:"quality"    mapstructure:"quality"`
	Monitor    MonitorConfig    `json:"monitor"    mapstructure:"monitor"`
	Retention  RetentionPolicy  `json:"retention"  mapstructure:"retention"`
}

// EngineConfig describes how the external refinement engine is invoked.
// The absolute path of the working descriptor is appended to Cmd.
type EngineConfig struct {
	Cmd         []string `json:"cmd"                    mapstructure:"cmd"`
	Dir         string   `json:"dir,omitempty"          mapstructure:"dir"`
	WorkingFile string   `json:"working_file,omitempty" mapstructure:"working_file"`
}

// DataConfig describes the pattern and metadata directory layout.
type DataConfig struct {
	Dir               string `json:"dir"                          mapstructure:"dir"`
	Extension         string `json:"extension,omitempty"          mapstructure:"extension"`
	TimecodeWidth     int    `json:"timecode_width,omitempty"     mapstructure:"timecode_width"`
	TimecodePosition  int    `json:"timecode_position,omitempty"  mapstructure:"timecode_position"`
	SkipRows          int    `json:"skip_rows,omitempty"          mapstructure:"skip_rows"`
	MetadataDir       string `json:"metadata_dir,omitempty"       mapstructure:"metadata_dir"`
	MetadataExtension string `json:"metadata_extension,omitempty" mapstructure:"metadata_extension"`
	TimeKey           string `json:"time_key,omitempty"           mapstructure:"time_key"`
	TemperatureKey    string `json:"temperature_key,omitempty"    mapstructure:"temperature_key"`
}

// RefinementConfig selects which patterns are refined and in what order.
type RefinementConfig struct {
	Count      int       `json:"count"                mapstructure:"count"`
	Reverse    bool      `json:"reverse,omitempty"    mapstructure:"reverse"`
	TimeRange  []float64 `json:"time_range,omitempty" mapstructure:"time_range"`
	CheckOrder bool      `json:"check_order,omitempty" mapstructure:"check_order"`
}

// QualityConfig configures the signal-to-noise gate. Zero disables it.
type QualityConfig struct {
	SNRThreshold float64 `json:"snr_threshold,omitempty" mapstructure:"snr_threshold"`
}

// MonitorConfig lists the phases watched for automatic enable/disable.
type MonitorConfig struct {
	TimeError     float64       `json:"time_error,omitempty"      mapstructure:"time_error"`
	OnScaleValue  float64       `json:"on_scale_value,omitempty"  mapstructure:"on_scale_value"`
	OffScaleValue float64       `json:"off_scale_value,omitempty" mapstructure:"off_scale_value"`
	Phases        []PhaseConfig `json:"phases,omitempty"          mapstructure:"phases"`
}

// PhaseConfig is one monitored phase.
type PhaseConfig struct {
	Name      string      `json:"name"           mapstructure:"name"`
	Kind      PhaseKind   `json:"kind"           mapstructure:"kind"`
	Mode      TriggerMode `json:"mode,omitempty" mapstructure:"mode"`
	Threshold float64     `json:"threshold"      mapstructure:"threshold"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// PhaseKind is the direction of a phase transition.
type PhaseKind string

const (
	KindEnable  PhaseKind = "enable"
	KindDisable PhaseKind = "disable"
)

// UnmarshalText accepts the kind names plus the "on"/"off" shorthands.
func (k *PhaseKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "enable", "on":
		*k = KindEnable
	case "disable", "off":
		*k = KindDisable
	default:
		return fmt.Errorf("unknown phase kind %q", string(text))
	}
	return nil
}

// TriggerMode selects the signal a monitor watches.
type TriggerMode string

const (
	ModeTime        TriggerMode = "time"
	ModeFitMetric   TriggerMode = "fit_metric"
	ModeScaleFactor TriggerMode = "scale_factor"
)

// UnmarshalText accepts the mode names plus the "rwp"/"sf" shorthands.
func (m *TriggerMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "time":
		*m = ModeTime
	case "fit_metric", "rwp":
		*m = ModeFitMetric
	case "scale_factor", "sf":
		*m = ModeScaleFactor
	case "":
		*m = ""
	default:
		return fmt.Errorf("unknown trigger mode %q", string(text))
	}
	return nil
}

// Parse reads JSONC configuration bytes, applies defaults and environment overrides, and validates.
func Parse(data []byte) (Config, error) {
	stripped := jsonc.ToJSON(data)

	var raw map[string]any
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := ValidateSettings(raw); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader(stripped)); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.cmd", []string{"tc"})
	v.SetDefault("engine.working_file", "Dummy.inp")
	v.SetDefault("data.extension", "xy")
	v.SetDefault("data.timecode_width", 6)
	v.SetDefault("data.timecode_position", 1)
	v.SetDefault("data.skip_rows", 1)
	v.SetDefault("data.metadata_dir", "meta")
	v.SetDefault("data.metadata_extension", "yaml")
	v.SetDefault("data.time_key", "time")
	v.SetDefault("data.temperature_key", "element_temp")
	v.SetDefault("refinement.count", 200)
	v.SetDefault("quality.snr_threshold", 0.0)
	v.SetDefault("monitor.time_error", 1.1)
	v.SetDefault("monitor.on_scale_value", 1.0e-5)
	v.SetDefault("monitor.off_scale_value", 1.0e-100)
}

func (c *Config) normalize() {
	for i := range c.Monitor.Phases {
		p := &c.Monitor.Phases[i]
		if p.Mode != "" {
			continue
		}
		if p.Kind == KindDisable {
			p.Mode = ModeScaleFactor
		} else {
			p.Mode = ModeFitMetric
		}
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if len(c.Engine.Cmd) == 0 {
		return fmt.Errorf("engine.cmd must not be empty")
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.Template) == "" {
		return fmt.Errorf("template is required")
	}
	if c.Refinement.Count <= 0 {
		return fmt.Errorf("refinement.count must be > 0")
	}
	if n := len(c.Refinement.TimeRange); n != 0 && n != 2 {
		return fmt.Errorf("refinement.time_range must have exactly two values, got %d", n)
	}
	if len(c.Refinement.TimeRange) == 2 && c.Refinement.TimeRange[0] > c.Refinement.TimeRange[1] {
		return fmt.Errorf("refinement.time_range start %g is after end %g", c.Refinement.TimeRange[0], c.Refinement.TimeRange[1])
	}
	if c.Data.TimecodeWidth <= 0 {
		return fmt.Errorf("data.timecode_width must be > 0")
	}
	seen := make(map[string]bool, len(c.Monitor.Phases))
	for _, p := range c.Monitor.Phases {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("monitor phase name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("monitor phase %q listed twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindDisable:
			if p.Mode != ModeScaleFactor {
				return fmt.Errorf("phase %q: disable monitors watch the scale factor, got mode %q", p.Name, p.Mode)
			}
		case KindEnable:
			if p.Mode != ModeTime && p.Mode != ModeFitMetric {
				return fmt.Errorf("phase %q: enable monitors use mode time or fit_metric, got %q", p.Name, p.Mode)
			}
		default:
			return fmt.Errorf("phase %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}

// NeedsMetadata reports whether the run must load the metadata store.
func (c Config) NeedsMetadata() bool {
	if c.Refinement.CheckOrder || len(c.Refinement.TimeRange) == 2 {
		return true
	}
	for _, p := range c.Monitor.Phases {
		if p.Mode == ModeTime {
			return true
		}
	}
	return false
}
