// Package config provides configuration management for the interview client
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/mockinterview/internal/api"
	"github.com/normanking/mockinterview/internal/audio"
	"github.com/normanking/mockinterview/internal/engine"
	"github.com/normanking/mockinterview/internal/logging"
	"github.com/normanking/mockinterview/internal/push"
	"github.com/spf13/viper"
)

// Common errors
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Push      PushConfig      `mapstructure:"push"`
	Gate      GateConfig      `mapstructure:"gate"`
	Audio     AudioConfig     `mapstructure:"audio"`
	User      UserConfig      `mapstructure:"user"`
	Interview InterviewConfig `mapstructure:"interview"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig locates the interview backend
type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	TTSPath string        `mapstructure:"tts_path"` // {conversation_id} and {message_id} are substituted
}

// PushConfig configures the push channel
type PushConfig struct {
	URL            string        `mapstructure:"url"` // Derived from server.base_url when empty
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// GateConfig configures text disclosure
type GateConfig struct {
	DisclosureTimeout time.Duration `mapstructure:"disclosure_timeout"`
}

// AudioConfig configures reply playback
type AudioConfig struct {
	ReadyThreshold int    `mapstructure:"ready_threshold"`
	RequireGesture bool   `mapstructure:"require_gesture"`
	PlayerCommand  string `mapstructure:"player_command"`
	OutputFile     string `mapstructure:"output_file"`
}

// UserConfig identifies the candidate
type UserConfig struct {
	ID string `mapstructure:"id"`
}

// InterviewConfig is the problem context sent when a session starts
type InterviewConfig struct {
	Company  string `mapstructure:"company"`
	Topic    string `mapstructure:"topic"`
	Voice    string `mapstructure:"voice"`
	Language string `mapstructure:"language"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	Console    bool   `mapstructure:"console"`
	MaxHistory int    `mapstructure:"max_history"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // Empty disables the endpoint
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	client := api.DefaultClientConfig()
	pushDefaults := push.DefaultConfig()
	audioDefaults := audio.DefaultConfig()
	logDefaults := logging.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			BaseURL: client.BaseURL,
			Timeout: client.Timeout,
			TTSPath: client.TTSPath,
		},
		Push: PushConfig{
			ReconnectDelay: pushDefaults.ReconnectDelay,
			MaxBackoff:     pushDefaults.MaxBackoff,
			ReadLimit:      pushDefaults.ReadLimit,
			PingInterval:   pushDefaults.PingInterval,
		},
		Gate: GateConfig{
			DisclosureTimeout: engine.DefaultConfig().DisclosureTimeout,
		},
		Audio: AudioConfig{
			ReadyThreshold: audioDefaults.ReadyThreshold,
		},
		User: UserConfig{
			ID: "candidate",
		},
		Interview: InterviewConfig{
			Company:  "Google",
			Topic:    "arrays",
			Voice:    "alloy",
			Language: string(api.LanguageJava),
		},
		Logging: LoggingConfig{
			Level:      string(logDefaults.Level),
			Dir:        logDefaults.LogDir,
			Console:    false,
			MaxHistory: logDefaults.MaxHistory,
		},
	}
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".mockinterview"), nil
}

// DefaultPath returns the default configuration file path
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from path (or the default search paths when empty)
// and the MOCKINTERVIEW_* environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Example: MOCKINTERVIEW_GATE_DISCLOSURE_TIMEOUT=5s
	v.SetEnvPrefix("MOCKINTERVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	cfg.Audio.OutputFile = expandPath(cfg.Audio.OutputFile)

	return &cfg, nil
}

// Save writes the configuration to path, or the default path when empty
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	for key, value := range cfg.values() {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server.base_url %q must be an http(s) URL", ErrInvalidConfig, c.Server.BaseURL)
	}
	if !strings.Contains(c.Server.TTSPath, "{message_id}") {
		return fmt.Errorf("%w: server.tts_path must contain {message_id}", ErrInvalidConfig)
	}
	if c.Push.URL != "" {
		if u, err := url.Parse(c.Push.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%w: push.url %q must be a ws(s) URL", ErrInvalidConfig, c.Push.URL)
		}
	}
	if c.Gate.DisclosureTimeout <= 0 {
		return fmt.Errorf("%w: gate.disclosure_timeout must be positive", ErrInvalidConfig)
	}
	if c.Audio.ReadyThreshold <= 0 {
		return fmt.Errorf("%w: audio.ready_threshold must be positive", ErrInvalidConfig)
	}
	if c.User.ID == "" {
		return fmt.Errorf("%w: user.id is required", ErrInvalidConfig)
	}
	if !api.Language(c.Interview.Language).Valid() {
		return fmt.Errorf("%w: interview.language %q is not supported", ErrInvalidConfig, c.Interview.Language)
	}
	switch logging.LogLevel(c.Logging.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("%w: logging.level %q (must be debug, info, warn or error)", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// PushURL returns push.url, or the /ws endpoint on the backend host.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// ClientConfig builds the backend client configuration.
func (c *Config) ClientConfig() *api.ClientConfig {
	return &api.ClientConfig{
		BaseURL: c.Server.BaseURL,
		Timeout: c.Server.Timeout,
		TTSPath: c.Server.TTSPath,
	}
}

// EngineConfig builds the turn engine configuration.
func (c *Config) EngineConfig() *engine.Config {
	pushCfg := push.DefaultConfig()
	pushCfg.URL = c.PushURL()
	if c.Push.ReconnectDelay > 0 {
		pushCfg.ReconnectDelay = c.Push.ReconnectDelay
	}
	if c.Push.MaxBackoff > 0 {
		pushCfg.MaxBackoff = c.Push.MaxBackoff
	}
	if c.Push.ReadLimit > 0 {
		pushCfg.ReadLimit = c.Push.ReadLimit
	}
	if c.Push.PingInterval > 0 {
		pushCfg.PingInterval = c.Push.PingInterval
	}

	return &engine.Config{
		DisclosureTimeout: c.Gate.DisclosureTimeout,
		Audio: &audio.Config{
			ReadyThreshold: c.Audio.ReadyThreshold,
			RequireGesture: c.Audio.RequireGesture,
			PlayerCommand:  c.Audio.PlayerCommand,
			OutputFile:     c.Audio.OutputFile,
		},
		Push: pushCfg,
	}
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		LogDir:     c.Logging.Dir,
		Level:      logging.LogLevel(c.Logging.Level),
		MaxHistory: c.Logging.MaxHistory,
		Console:    c.Logging.Console,
	}
}

// Problem builds the interview context sent when a session starts.
func (c *Config) Problem() api.Problem {
	return api.Problem{
		UserID:   c.User.ID,
		Company:  c.Interview.Company,
		Topic:    c.Interview.Topic,
		Voice:    c.Interview.Voice,
		Language: api.Language(c.Interview.Language),
	}
}

// Watch reloads path whenever it is written and calls fn with the new
// configuration. Invalid edits are passed to onError and otherwise ignored.
// Watch returns once the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					report(err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					report(err)
					continue
				}
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(err)
			}
		}
	}()

	return nil
}

func setDefaults(v *viper.Viper) {
	for key, value := range DefaultConfig().values() {
		v.SetDefault(key, value)
	}
}

// values flattens the configuration into viper keys.
func (c *Config) values() map[string]any {
	return map[string]any{
		"server.base_url":         c.Server.BaseURL,
		"server.timeout":          c.Server.Timeout.String(),
		"server.tts_path":         c.Server.TTSPath,
		"push.url":                c.Push.URL,
		"push.reconnect_delay":    c.Push.ReconnectDelay.String(),
		"push.max_backoff":        c.Push.MaxBackoff.String(),
		"push.read_limit":         c.Push.ReadLimit,
		"push.ping_interval":      c.Push.PingInterval.String(),
		"gate.disclosure_timeout": c.Gate.DisclosureTimeout.String(),
		"audio.ready_threshold":   c.Audio.ReadyThreshold,
		"audio.require_gesture":   c.Audio.RequireGesture,
		"audio.player_command":    c.Audio.PlayerCommand,
		"audio.output_file":       c.Audio.OutputFile,
		"user.id":                 c.User.ID,
		"interview.company":       c.Interview.Company,
		"interview.topic":         c.Interview.Topic,
		"interview.voice":         c.Interview.Voice,
		"interview.language":      c.Interview.Language,
		"logging.level":           c.Logging.Level,
		"logging.dir":             c.Logging.Dir,
		"logging.console":         c.Logging.Console,
		"logging.max_history":     c.Logging.MaxHistory,
		"metrics.listen_addr":     c.Metrics.ListenAddr,
	}
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
