// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the listen port used when neither config nor the command line supply one.
const DefaultPort = 6000

// ListenerConfig holds TCP acceptor settings.
type ListenerConfig struct {
	// Host is the bind address for the listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-frame read deadline. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write deadline. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameBytes bounds the encoded size of one inbound envelope.
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// ChatConfig holds per-session limits.
type ChatConfig struct {
	// OutboxSize is the number of envelopes buffered per client before drops.
	OutboxSize int `mapstructure:"outbox_size"`
	// MaxTextLength bounds chat text in bytes.
	MaxTextLength int `mapstructure:"max_text_length"`
	// MaxImageBytes bounds image payloads.
	MaxImageBytes int `mapstructure:"max_image_bytes"`
	// MaxNicknameLength bounds the login nickname in bytes.
	MaxNicknameLength int `mapstructure:"max_nickname_length"`
	// MaxHistoryEntries caps the envelopes a room keeps for replay. Zero disables the cap.
	MaxHistoryEntries int `mapstructure:"max_history_entries"`
	// MaxHistoryBytes caps the payload bytes a room keeps for replay. Zero disables the cap.
	MaxHistoryBytes int `mapstructure:"max_history_bytes"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Listener ListenerConfig `mapstructure:"listener"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateListener(c.Listener); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if l.Port < 1 || l.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listener.port must be 1-65535, got %d", l.Port))
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	if l.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Sprintf("listener.max_frame_bytes must be >= 1, got %d", l.MaxFrameBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("chat.outbox_size must be >= 1, got %d", c.OutboxSize))
	}
	if c.MaxTextLength < 1 {
		errs = append(errs, fmt.Sprintf("chat.max_text_length must be >= 1, got %d", c.MaxTextLength))
	}
	if c.MaxImageBytes < 1 {
		errs = append(errs, fmt.Sprintf("chat.max_image_bytes must be >= 1, got %d", c.MaxImageBytes))
	}
	if c.MaxNicknameLength < 1 {
		errs = append(errs, fmt.Sprintf("chat.max_nickname_length must be >= 1, got %d", c.MaxNicknameLength))
	}
	if c.MaxHistoryEntries < 0 {
		errs = append(errs, fmt.Sprintf("chat.max_history_entries must be >= 0, got %d", c.MaxHistoryEntries))
	}
	if c.MaxHistoryBytes < 0 {
		errs = append(errs, fmt.Sprintf("chat.max_history_bytes must be >= 0, got %d", c.MaxHistoryBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with OMOKCHAT_ prefix
	v.SetEnvPrefix("OMOKCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML renders the effective configuration in the file format Load accepts.
//
// Postcondition: Loading the returned document yields a Config equal to c.
func (c Config) YAML() ([]byte, error) {
	doc := map[string]any{
		"listener": map[string]any{
			"host":            c.Listener.Host,
			"port":            c.Listener.Port,
			"read_timeout":    c.Listener.ReadTimeout.String(),
			"write_timeout":   c.Listener.WriteTimeout.String(),
			"max_frame_bytes": c.Listener.MaxFrameBytes,
		},
		"chat": map[string]any{
			"outbox_size":         c.Chat.OutboxSize,
			"max_text_length":     c.Chat.MaxTextLength,
			"max_image_bytes":     c.Chat.MaxImageBytes,
			"max_nickname_length": c.Chat.MaxNicknameLength,
			"max_history_entries": c.Chat.MaxHistoryEntries,
			"max_history_bytes":   c.Chat.MaxHistoryBytes,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}

// ParsePort interprets a command-line port argument.
//
// Postcondition: Returns the port and true if arg is an integer in 1-65535;
// otherwise DefaultPort and false.
func ParsePort(arg string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || port < 1 || port > 65535 {
		return DefaultPort, false
	}
	return port, true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", DefaultPort)
	v.SetDefault("listener.read_timeout", "0s")
	v.SetDefault("listener.write_timeout", "10s")
	v.SetDefault("listener.max_frame_bytes", 8<<20)

	v.SetDefault("chat.outbox_size", 256)
	v.SetDefault("chat.max_text_length", 4096)
	v.SetDefault("chat.max_image_bytes", 4<<20)
	v.SetDefault("chat.max_nickname_length", 32)
	v.SetDefault("chat.max_history_entries", 1000)
	v.SetDefault("chat.max_history_bytes", 64<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
