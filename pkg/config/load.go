package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
// TINYCOUNT_SERVER_URL -> server_url, TINYCOUNT_LOG_LEVEL -> log.level
const EnvPrefix = "TINYCOUNT_"

// File is the on-disk configuration shared by cmd/example and cmd/collector.
type File struct {
	ServerURL         string        `koanf:"server_url" validate:"required,url"`
	AppKey            string        `koanf:"app_key" validate:"required"`
	DeviceID          string        `koanf:"device_id"`
	Salt              string        `koanf:"salt"`
	DataDir           string        `koanf:"data_dir"`
	ForcePOST         bool          `koanf:"force_post"`
	RequiresConsent   bool          `koanf:"requires_consent"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gte=0"`
	EventThreshold    int           `koanf:"event_threshold" validate:"gte=0"`
	IgnoreCrawlers    bool          `koanf:"ignore_crawlers"`
	Log               LogSection    `koanf:"log"`
	Collector         Collector     `koanf:"collector"`
}

// LogSection configures the zerolog output of the commands.
type LogSection struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// Collector configures the development collection server.
type Collector struct {
	Port   string            `koanf:"port"`
	Remote map[string]string `koanf:"remote"`
}

func defaultFile() File {
	return File{
		ServerURL:         DefaultServerURL,
		AppKey:            "",
		DataDir:           "./data",
		HeartbeatInterval: DefaultHeartbeatInterval,
		EventThreshold:    DefaultEventQueueThreshold,
		IgnoreCrawlers:    true,
		Log: LogSection{
			Level:  "info",
			Format: "console",
		},
		Collector: Collector{
			Port: DefaultCollectorPort,
		},
	}
}

var validate = validator.New()

// Load reads configuration with precedence ENV > file > defaults.
// An empty path skips the file layer; a missing file is not an error.
func Load(path string) (*File, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultFile(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &File{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps TINYCOUNT_LOG_LEVEL to log.level and TINYCOUNT_APP_KEY to app_key.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"log_", "collector_"} {
		if strings.HasPrefix(key, section) {
			return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
		}
	}
	return key
}
