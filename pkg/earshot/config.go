package earshot

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/recognition"
	"github.com/harunnryd/earshot/pkg/resilience"
	"github.com/harunnryd/earshot/pkg/transports"
)

type Config struct {
	Lang                 string        `mapstructure:"lang"`
	Continuous           bool          `mapstructure:"continuous"`
	InterimResults       bool          `mapstructure:"interim_results"`
	MaxAlternatives      int           `mapstructure:"max_alternatives"`
	Mode                 Mode          `mapstructure:"mode"`
	Transport            string        `mapstructure:"transport"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	FinishWait           time.Duration `mapstructure:"finish_wait"`
	QueueCap             int           `mapstructure:"queue_cap"`

	Audio         AudioConfig         `mapstructure:"audio"`
	Adapter       AdapterConfig       `mapstructure:"adapter"`
	Socket        SocketConfig        `mapstructure:"socket"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Log           logging.LogConfig   `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	VADThreshold     float64       `mapstructure:"vad_threshold"`
	VADDuration      time.Duration `mapstructure:"vad_duration"`
	FrameSize        int           `mapstructure:"frame_size"`
	EchoCancellation bool          `mapstructure:"echo_cancellation"`
	NoiseSuppression bool          `mapstructure:"noise_suppression"`
	AutoGainControl  bool          `mapstructure:"auto_gain_control"`
}

// AdapterConfig names the cloud vendor; Settings are decoded by the vendor.
type AdapterConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SocketConfig struct {
	Library          string        `mapstructure:"library"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

type BatchConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	FrameSampling float64 `mapstructure:"frame_sampling"`
	// MetricsJSONL appends every metric event to this file. Empty disables.
	MetricsJSONL  string  `mapstructure:"metrics_jsonl"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

const (
	SocketGorilla = "gorilla"
	SocketCoder   = "coder"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("lang", "zh-CN")
	v.SetDefault("continuous", false)
	v.SetDefault("interim_results", true)
	v.SetDefault("max_alternatives", 1)
	v.SetDefault("mode", string(ModeCloud))
	v.SetDefault("transport", string(transports.ModeWebSocket))
	v.SetDefault("auto_reconnect", true)
	v.SetDefault("max_reconnect_attempts", transports.DefaultMaxReconnectAttempts)
	v.SetDefault("reconnect_interval", transports.DefaultReconnectInterval)
	v.SetDefault("connect_timeout", transports.DefaultConnectTimeout)
	v.SetDefault("finish_wait", time.Second)
	v.SetDefault("queue_cap", transports.DefaultQueueCap)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.vad_threshold", 0.01)
	v.SetDefault("audio.vad_duration", 1500*time.Millisecond)
	v.SetDefault("audio.frame_size", 2048)
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)
	v.SetDefault("audio.auto_gain_control", true)
	v.SetDefault("adapter.provider", "")
	v.SetDefault("socket.library", SocketGorilla)
	v.SetDefault("socket.handshake_timeout", transports.DefaultConnectTimeout)
	v.SetDefault("socket.read_limit", 1<<20)
	v.SetDefault("batch.max_retries", 0)
	v.SetDefault("batch.retry_backoff", 200*time.Millisecond)
	v.SetDefault("batch.breaker_threshold", 5)
	v.SetDefault("batch.breaker_cooldown", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.frame_sampling", 1.0)
	v.SetDefault("observability.metrics_jsonl", "")
	v.SetDefault("privacy.redact_pii", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("EARSHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the configuration LoadConfig produces from an empty
// file, minus environment overrides.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// LoadConfig reads path (any format viper understands), applies EARSHOT_*
// environment overrides, expands ${VAR} references and validates the result.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (Config, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeNative, ModeCloud, ModeAuto:
	default:
		return fmt.Errorf("mode must be native, cloud or auto, got %q", c.Mode)
	}
	if _, err := transports.ParseMode(c.Transport); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Socket.Library)) {
	case "", SocketGorilla, SocketCoder:
	default:
		return fmt.Errorf("socket.library must be gorilla or coder, got %q", c.Socket.Library)
	}
	if c.MaxAlternatives < 0 {
		return fmt.Errorf("max_alternatives must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.VADThreshold < 0 || c.Audio.VADThreshold > 1 {
		return fmt.Errorf("audio.vad_threshold must be within [0, 1]")
	}
	return nil
}

// Recognition converts c into the per-attempt session configuration.
func (c Config) Recognition() recognition.Config {
	mode, _ := transports.ParseMode(c.Transport)
	return recognition.Config{
		Lang:                 c.Lang,
		Continuous:           c.Continuous,
		InterimResults:       c.InterimResults,
		MaxAlternatives:      c.MaxAlternatives,
		Transport:            mode,
		AutoReconnect:        c.AutoReconnect,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectInterval:    c.ReconnectInterval,
		ConnectTimeout:       c.ConnectTimeout,
		FinishWait:           c.FinishWait,
		QueueCap:             c.QueueCap,
		Retry:                resilience.NewRetryPolicy(c.Batch.MaxRetries, c.Batch.RetryBackoff),
		Audio: recognition.AudioConfig{
			SampleRate:       c.Audio.SampleRate,
			VADThreshold:     c.Audio.VADThreshold,
			VADDuration:      c.Audio.VADDuration,
			FrameSize:        c.Audio.FrameSize,
			EchoCancellation: c.Audio.EchoCancellation,
			NoiseSuppression: c.Audio.NoiseSuppression,
			AutoGainControl:  c.Audio.AutoGainControl,
		},
	}
}

// StartOptions override the initialized configuration for one Start. Nil
// pointers and empty strings keep the configured value.
type StartOptions struct {
	Lang            string
	Continuous      *bool
	InterimResults  *bool
	MaxAlternatives *int
	Transport       string
}

func (o *StartOptions) apply(c Config) Config {
	if o == nil {
		return c
	}
	if strings.TrimSpace(o.Lang) != "" {
		c.Lang = o.Lang
	}
	if o.Continuous != nil {
		c.Continuous = *o.Continuous
	}
	if o.InterimResults != nil {
		c.InterimResults = *o.InterimResults
	}
	if o.MaxAlternatives != nil {
		c.MaxAlternatives = *o.MaxAlternatives
	}
	if strings.TrimSpace(o.Transport) != "" {
		c.Transport = o.Transport
	}
	return c
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Adapter.Settings = expandSettings(cfg.Adapter.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
