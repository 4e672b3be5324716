package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Listener: ListenerConfig{
			Host:          "0.0.0.0",
			Port:          6000,
			WriteTimeout:  10 * time.Second,
			MaxFrameBytes: 1 << 20,
		},
		Chat: ChatConfig{
			OutboxSize:        256,
			MaxTextLength:     4096,
			MaxImageBytes:     1 << 20,
			MaxNicknameLength: 32,
			MaxHistoryEntries: 1000,
			MaxHistoryBytes:   64 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestListenerAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:6000", cfg.Listener.Addr())
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Listener.Port)
	assert.Equal(t, time.Duration(0), cfg.Listener.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Listener.WriteTimeout)
	assert.Equal(t, 8<<20, cfg.Listener.MaxFrameBytes)
	assert.Equal(t, 256, cfg.Chat.OutboxSize)
	assert.Equal(t, 1000, cfg.Chat.MaxHistoryEntries)
	assert.Equal(t, 64<<20, cfg.Chat.MaxHistoryBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
listener:
  host: 127.0.0.1
  port: 6001
  read_timeout: 1m
  write_timeout: 5s
  max_frame_bytes: 65536
chat:
  outbox_size: 16
  max_text_length: 100
  max_image_bytes: 2048
  max_nickname_length: 12
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6001", cfg.Listener.Addr())
	assert.Equal(t, time.Minute, cfg.Listener.ReadTimeout)
	assert.Equal(t, 65536, cfg.Listener.MaxFrameBytes)
	assert.Equal(t, 16, cfg.Chat.OutboxSize)
	assert.Equal(t, 12, cfg.Chat.MaxNicknameLength)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "chatserver.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Listener.Port)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OMOKCHAT_LISTENER_PORT", "7000")
	t.Setenv("OMOKCHAT_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Listener.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestYAMLRoundTrip(t *testing.T) {
	want := validConfig()
	want.Listener.ReadTimeout = 90 * time.Second

	out, err := want.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "read_timeout: 1m30s")

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, os.WriteFile(path, out, 0644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("OMOKCHAT_LOGGING_FORMAT", "xml")
	_, err := Load("")
	assert.ErrorContains(t, err, "logging.format")
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.Port = 0
	cfg.Chat.OutboxSize = 0
	cfg.Logging.Level = "trace"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener.port")
	assert.Contains(t, err.Error(), "chat.outbox_size")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateLoggingLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.Logging.Level = level
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := validConfig()
		cfg.Logging.Format = format
		assert.NoError(t, cfg.Validate(), "format %q should be valid", format)
	}
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateListenerTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.ReadTimeout = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Listener.WriteTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateChatLimits(t *testing.T) {
	mutations := map[string]func(*ChatConfig){
		"max_text_length":     func(c *ChatConfig) { c.MaxTextLength = 0 },
		"max_image_bytes":     func(c *ChatConfig) { c.MaxImageBytes = -1 },
		"max_nickname_length": func(c *ChatConfig) { c.MaxNicknameLength = 0 },
		"max_history_entries": func(c *ChatConfig) { c.MaxHistoryEntries = -1 },
		"max_history_bytes":   func(c *ChatConfig) { c.MaxHistoryBytes = -1 },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg.Chat)
			assert.ErrorContains(t, cfg.Validate(), "chat."+field)
		})
	}
}

func TestValidateHistoryCapsMayBeDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Chat.MaxHistoryEntries = 0
	cfg.Chat.MaxHistoryBytes = 0
	assert.NoError(t, cfg.Validate())
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		arg  string
		port int
		ok   bool
	}{
		{"6000", 6000, true},
		{" 7001 ", 7001, true},
		{"65535", 65535, true},
		{"0", DefaultPort, false},
		{"65536", DefaultPort, false},
		{"abc", DefaultPort, false},
		{"", DefaultPort, false},
	}
	for _, tt := range tests {
		port, ok := ParsePort(tt.arg)
		assert.Equal(t, tt.port, port, "arg %q", tt.arg)
		assert.Equal(t, tt.ok, ok, "arg %q", tt.arg)
	}
}

// Property-based tests

func TestPropertyValidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		cfg := validConfig()
		cfg.Listener.Port = port
		if err := cfg.Validate(); err != nil {
			t.Fatalf("valid port %d rejected: %v", port, err)
		}
	})
}

func TestPropertyInvalidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-1000, 0),
			rapid.IntRange(65536, 100000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.Listener.Port = port
		if err := cfg.Validate(); err == nil {
			t.Fatalf("invalid port %d accepted", port)
		}
	})
}
