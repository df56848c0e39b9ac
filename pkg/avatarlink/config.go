package avatarlink

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/session"
	"github.com/spf13/viper"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	Privacy      PrivacyConfig      `mapstructure:"privacy"`
	TokenService TokenServiceConfig `mapstructure:"token_service"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Session      SessionConfig      `mapstructure:"session"`
	Defaults     catalog.Defaults   `mapstructure:"defaults"`
	Avatars      []catalog.Avatar   `mapstructure:"avatars"`
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// TokenServiceConfig locates the token endpoint sessions fetch from. An empty
// URL makes sessions use the in-process token proxy.
type TokenServiceConfig struct {
	URL       string `mapstructure:"url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// UpstreamConfig is the remote avatar service the token proxy calls.
type UpstreamConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	CreateTokenPath   string `mapstructure:"create_token_path"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

type StreamingConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	SettleDelayMS    int  `mapstructure:"settle_delay_ms"`
	AwaitStopAck     bool `mapstructure:"await_stop_ack"`
	StopAckTimeoutMS int  `mapstructure:"stop_ack_timeout_ms"`
	ConnectTimeoutMS int  `mapstructure:"connect_timeout_ms"`
	StopTimeoutMS    int  `mapstructure:"stop_timeout_ms"`
}

// Settings converts the millisecond knobs into session settings.
func (c SessionConfig) Settings() session.Settings {
	return session.Settings{
		SettleDelay:    configutil.Millis(c.SettleDelayMS),
		AwaitStopAck:   c.AwaitStopAck,
		StopAckTimeout: configutil.Millis(c.StopAckTimeoutMS),
		ConnectTimeout: configutil.Millis(c.ConnectTimeoutMS),
		StopTimeout:    configutil.Millis(c.StopTimeoutMS),
	}
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	WSPath         string   `mapstructure:"ws_path"`
	TokenPath      string   `mapstructure:"token_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type MetricsConfig struct {
	JSONLPath  string  `mapstructure:"jsonl_path"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Buffer     int     `mapstructure:"buffer"`
	DebugLimit int     `mapstructure:"debug_limit"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("token_service.url", "")
	v.SetDefault("token_service.timeout_ms", 0)
	v.SetDefault("upstream.base_url", "${BASE_API_URL}")
	v.SetDefault("upstream.create_token_path", "/v1/streaming.create_token")
	v.SetDefault("upstream.timeout_ms", 10000)
	v.SetDefault("upstream.circuit_threshold", 3)
	v.SetDefault("upstream.circuit_cooldown_ms", 30000)
	v.SetDefault("streaming.provider", "mock")
	v.SetDefault("session.settle_delay_ms", 1000)
	v.SetDefault("session.await_stop_ack", true)
	v.SetDefault("session.stop_ack_timeout_ms", 5000)
	v.SetDefault("session.connect_timeout_ms", 0)
	v.SetDefault("session.stop_timeout_ms", 5000)
	v.SetDefault("defaults.quality", "medium")
	v.SetDefault("defaults.language", "zh")
	v.SetDefault("defaults.voice_chat_transport", "websocket")
	v.SetDefault("defaults.stt_provider", "deepgram")
	v.SetDefault("defaults.voice.rate", 1.2)
	v.SetDefault("defaults.voice.emotion", "friendly")
	v.SetDefault("defaults.voice.model", "eleven_flash_v2_5")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.token_path", "/api/get-access-token")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.drain_timeout_ms", 5000)
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.buffer", 256)
	v.SetDefault("metrics.debug_limit", 500)

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
	var problems []string
	if strings.TrimSpace(c.Streaming.Provider) == "" {
		problems = append(problems, "streaming.provider is required")
	}
	if len(c.Avatars) == 0 {
		problems = append(problems, "at least one avatar is required")
	}
	if c.Session.SettleDelayMS < 0 || c.Session.StopAckTimeoutMS < 0 || c.Session.ConnectTimeoutMS < 0 {
		problems = append(problems, "session timeouts must not be negative")
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		problems = append(problems, "metrics.sample_rate must be within [0,1]")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") || !strings.HasPrefix(c.Server.TokenPath, "/") {
		problems = append(problems, "server paths must start with /")
	}
	if _, err := catalog.New(c.Avatars, c.Defaults); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Streaming.Settings = expandSettings(cfg.Streaming.Settings)
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
	}
}
