package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig  `mapstructure:"server"`
	Audio       AudioConfig   `mapstructure:"audio"`
	Vendors     VendorsConfig `mapstructure:"vendors"`
	STT         STTConfig     `mapstructure:"stt"`
	TTS         TTSConfig     `mapstructure:"tts"`
	Wake        WakeConfig    `mapstructure:"wake"`
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
	Privacy     PrivacyConfig `mapstructure:"privacy"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	URL              string `mapstructure:"url"`
	BackoffBaseMS    int    `mapstructure:"backoff_base_ms"`
	BackoffCapMS     int    `mapstructure:"backoff_cap_ms"`
	WriteTimeoutMS   int    `mapstructure:"write_timeout_ms"`
	HandshakeTimeout int    `mapstructure:"handshake_timeout_ms"`
}

type AudioConfig struct {
	SampleRate    int    `mapstructure:"sample_rate"`
	Channels      int    `mapstructure:"channels"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
	HighWater     int    `mapstructure:"high_water"`
	OutputCommand string `mapstructure:"output_command"`
	InputCommand  string `mapstructure:"input_command"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
}

type STTConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	AutoSubmit     bool `mapstructure:"auto_submit"`
	MaxRetries     int  `mapstructure:"max_retries"`
	RetryBackoffMS int  `mapstructure:"retry_backoff_ms"`
}

type TTSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type WakeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	StartPhrase string `mapstructure:"start_phrase"`
	StopPhrase  string `mapstructure:"stop_phrase"`
	SoundPath   string `mapstructure:"sound_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Buffer  int    `mapstructure:"buffer"`
	Dir     string `mapstructure:"dir"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.url", "ws://localhost:8011/ws/chat")
	v.SetDefault("server.backoff_base_ms", 1000)
	v.SetDefault("server.backoff_cap_ms", 30000)
	v.SetDefault("server.write_timeout_ms", 5000)
	v.SetDefault("server.handshake_timeout_ms", 5000)
	v.SetDefault("audio.sample_rate", 24000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.queue_capacity", 256)
	v.SetDefault("audio.high_water", 192)
	v.SetDefault("stt.enabled", true)
	v.SetDefault("stt.auto_submit", true)
	v.SetDefault("stt.max_retries", 3)
	v.SetDefault("stt.retry_backoff_ms", 300)
	v.SetDefault("tts.enabled", true)
	v.SetDefault("wake.enabled", false)
	v.SetDefault("wake.start_phrase", "computer")
	v.SetDefault("wake.stop_phrase", "stop listening")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("privacy.redact_pii", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.buffer", 256)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
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
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.STT.Enabled && strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required when stt is enabled")
	}
	if c.TTS.Enabled && strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required when tts is enabled")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive")
	}
	if c.Audio.HighWater > c.Audio.QueueCapacity {
		return fmt.Errorf("audio.high_water must not exceed audio.queue_capacity")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
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
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
