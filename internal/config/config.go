// Package config handles configuration loading and management for storyplay.
//
// The configuration file may be YAML (.yaml, .yml), JSON (.json) or TOML
// (.toml); the format is picked from the extension, and files without a
// known extension are read as YAML. Every field has a default, so an empty
// or missing file yields a usable configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/inercia/storyplay/internal/client"
)

// ConfigEnv is the environment variable overriding the config file path.
const ConfigEnv = "STORYPLAYRC"

// Format is a configuration file format.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format of a file from its extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Duration is a time.Duration written as a string ("1s", "500ms") in
// configuration files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig locates the story server.
type ServerConfig struct {
	// URL is the HTTP base URL of the server (default: http://127.0.0.1:8080).
	URL string `yaml:"url" json:"url" toml:"url"`
	// WSPath is the WebSocket path template; it must contain "{session}".
	WSPath string `yaml:"ws_path" json:"ws_path" toml:"ws_path"`
	// APIPrefix is prepended to every path, for servers mounted below the root.
	APIPrefix string `yaml:"api_prefix,omitempty" json:"api_prefix,omitempty" toml:"api_prefix,omitempty"`
	// Timeout bounds REST requests (default: 30s).
	Timeout Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
}

// SessionConfig selects the story session.
type SessionConfig struct {
	// ID of the session to attach to. Empty uses the last-used session
	// from the store, or a new one.
	ID string `yaml:"id,omitempty" json:"id,omitempty" toml:"id,omitempty"`
	// HistoryLimit is the number of turns requested on open (default: 50).
	HistoryLimit int `yaml:"history_limit" json:"history_limit" toml:"history_limit"`
}

// ReconnectConfig is the reconnect policy.
type ReconnectConfig struct {
	BaseDelay            Duration `yaml:"base_delay" json:"base_delay" toml:"base_delay"`
	MaxAttempts          int      `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
	MaxDelay             Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty" toml:"max_delay,omitempty"`
	Jitter               bool     `yaml:"jitter" json:"jitter" toml:"jitter"`
	IntentionalCloseCode int      `yaml:"intentional_close_code" json:"intentional_close_code" toml:"intentional_close_code"`
}

// SendRateConfig limits outbound user messages. A zero PerSecond disables
// the limit.
type SendRateConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" json:"burst" toml:"burst"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend" json:"backend" toml:"backend"`
	// Path of the store. Empty uses the data directory.
	Path string `yaml:"path,omitempty" json:"path,omitempty" toml:"path,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level" json:"level" toml:"level"`
	// File enables a rotating log file at this path.
	File string `yaml:"file,omitempty" json:"file,omitempty" toml:"file,omitempty"`
	// JSON switches log output to JSON.
	JSON bool `yaml:"json" json:"json" toml:"json"`
}

// RenderConfig configures the terminal renderer.
type RenderConfig struct {
	// Live redraws streaming replies as fragments arrive (default: true).
	Live bool `yaml:"live" json:"live" toml:"live"`
	// Width is the wrap width used to erase live replies (default: 80).
	Width int `yaml:"width" json:"width" toml:"width"`
	// ClearOnReset clears the screen before history is replayed.
	ClearOnReset bool `yaml:"clear_on_reset" json:"clear_on_reset" toml:"clear_on_reset"`
}

// PlaytestConfig configures the local playtest server.
type PlaytestConfig struct {
	// Listen is the address to listen on (default: 127.0.0.1:8080).
	Listen string `yaml:"listen" json:"listen" toml:"listen"`
	// FragmentDelay is the pause between streamed fragments (default: 30ms).
	FragmentDelay Duration `yaml:"fragment_delay" json:"fragment_delay" toml:"fragment_delay"`
}

// Config represents the complete storyplay configuration.
type Config struct {
	Server       ServerConfig    `yaml:"server" json:"server" toml:"server"`
	Session      SessionConfig   `yaml:"session" json:"session" toml:"session"`
	Reconnect    ReconnectConfig `yaml:"reconnect" json:"reconnect" toml:"reconnect"`
	ReplyTimeout Duration        `yaml:"reply_timeout,omitempty" json:"reply_timeout,omitempty" toml:"reply_timeout,omitempty"`
	SendRate     SendRateConfig  `yaml:"send_rate" json:"send_rate" toml:"send_rate"`
	Store        StoreConfig     `yaml:"store" json:"store" toml:"store"`
	Log          LogConfig       `yaml:"log" json:"log" toml:"log"`
	Render       RenderConfig    `yaml:"render" json:"render" toml:"render"`
	Playtest     PlaytestConfig  `yaml:"playtest" json:"playtest" toml:"playtest"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://127.0.0.1:8080",
			WSPath:  client.DefaultSessionPath,
			Timeout: Duration{30 * time.Second},
		},
		Session: SessionConfig{
			HistoryLimit: client.DefaultHistoryLimit,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:            Duration{client.DefaultBackoffBase},
			MaxAttempts:          client.DefaultMaxReconnectAttempts,
			IntentionalCloseCode: client.CloseNormal,
		},
		SendRate: SendRateConfig{
			PerSecond: 2,
			Burst:     3,
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Log: LogConfig{
			Level: "info",
		},
		Render: RenderConfig{
			Live:  true,
			Width: 80,
		},
		Playtest: PlaytestConfig{
			Listen:        "127.0.0.1:8080",
			FragmentDelay: Duration{30 * time.Millisecond},
		},
	}
}

// DefaultConfigPath returns the default configuration file path for the current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv(ConfigEnv); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		return filepath.Join(configDir, "storyplay", "config.yaml")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".storyplayrc")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "storyplay", "config.yaml")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".storyplayrc")
	}
}

// Load reads and parses the configuration file at path. A missing file is
// not an error when allowMissing is set; the defaults are returned.
func Load(path string, allowMissing bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format on top of the defaults and
// validates the result. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatJSON:
		if len(bytes.TrimSpace(data)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse JSON config: %w", err)
			}
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if !hasScheme(c.Server.URL, "http://", "https://", "ws://", "wss://") {
		errs = append(errs, fmt.Errorf("server.url %q must start with http://, https://, ws:// or wss://", c.Server.URL))
	}
	if !strings.Contains(c.Server.WSPath, "{session}") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must contain {session}", c.Server.WSPath))
	}
	if c.Server.Timeout.Duration < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Session.HistoryLimit < 0 {
		errs = append(errs, errors.New("session.history_limit must not be negative"))
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Reconnect.MaxDelay.Duration < 0 {
		errs = append(errs, errors.New("reconnect.max_delay must not be negative"))
	}
	if code := c.Reconnect.IntentionalCloseCode; code < 1000 || code > 4999 {
		errs = append(errs, fmt.Errorf("reconnect.intentional_close_code %d is not a WebSocket close code", code))
	}
	if c.ReplyTimeout.Duration < 0 {
		errs = append(errs, errors.New("reply_timeout must not be negative"))
	}
	if c.SendRate.PerSecond < 0 {
		errs = append(errs, errors.New("send_rate.per_second must not be negative"))
	}
	if c.SendRate.PerSecond > 0 && c.SendRate.Burst < 1 {
		errs = append(errs, errors.New("send_rate.burst must be at least 1"))
	}
	switch strings.ToLower(c.Store.Backend) {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be file or sqlite", c.Store.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Render.Width < 0 {
		errs = append(errs, errors.New("render.width must not be negative"))
	}

	return errors.Join(errs...)
}

func hasScheme(u string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}

// Backoff returns the reconnect policy.
func (c *Config) Backoff() client.Backoff {
	return client.Backoff{
		Base:        c.Reconnect.BaseDelay.Duration,
		MaxAttempts: c.Reconnect.MaxAttempts,
		MaxDelay:    c.Reconnect.MaxDelay.Duration,
		Jitter:      c.Reconnect.Jitter,
	}
}

// SendLimiter returns the outbound message limiter, or nil when sending is
// not rate limited.
func (c *Config) SendLimiter() *rate.Limiter {
	if c.SendRate.PerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.SendRate.PerSecond), c.SendRate.Burst)
}

// ClientOptions returns the REST client options for the server section.
func (c *Config) ClientOptions() []client.Option {
	opts := []client.Option{client.WithSessionPath(c.Server.WSPath)}
	if c.Server.APIPrefix != "" {
		opts = append(opts, client.WithAPIPrefix(c.Server.APIPrefix))
	}
	if c.Server.Timeout.Duration > 0 {
		opts = append(opts, client.WithTimeout(c.Server.Timeout.Duration))
	}
	return opts
}

// Encode writes the configuration in the given format.
func (c *Config) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(c, "", "  ")
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatYAML, "":
		return yaml.Marshal(c)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}
