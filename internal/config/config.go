// Package config loads and merges configuration from a TOML file and
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/sweeney/upsdash/internal/logger"
	"github.com/sweeney/upsdash/internal/nut"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "UPSDASH_"

// Duration wraps time.Duration so that BurntSushi/toml can decode "30s"-style
// strings via the encoding.TextUnmarshaler interface.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// ServerEntry is one [[nut.servers]] table.
type ServerEntry struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// NUTConfig holds Network UPS Tools client settings. Servers is the
// fallback list used while the settings store has none.
type NUTConfig struct {
	Timeout      Duration      `toml:"timeout"`
	PollInterval Duration      `toml:"poll_interval"`
	Servers      []ServerEntry `toml:"servers"`
}

// SettingsConfig locates the runtime settings store.
type SettingsConfig struct {
	File string `toml:"file"`
}

// HTTPConfig controls the JSON API.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// MQTTConfig holds MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	Retained    bool   `toml:"retained"`
	QOS         byte   `toml:"qos"`
	TLSCACert   string `toml:"tls_ca_cert"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the top-level configuration struct.
type Config struct {
	NUT      NUTConfig      `toml:"nut"`
	Settings SettingsConfig `toml:"settings"`
	HTTP     HTTPConfig     `toml:"http"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Log      LogConfig      `toml:"log"`

	// Warnings lists environment overrides that were ignored. Load runs
	// before a logger exists, so the caller reports them.
	Warnings []string `toml:"-"`
}

// Load reads config from the first existing path in paths, then applies
// environment variable overrides.  Missing files are skipped silently;
// a malformed file returns an error.  Calling Load() with no arguments
// returns pure defaults plus any env overrides.
func Load(paths ...string) (*Config, error) {
	cfg := defaults()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
			break // first found file wins
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("checking config path %q: %w", path, statErr)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		NUT: NUTConfig{
			Timeout:      Duration{nut.DefaultTimeout},
			PollInterval: Duration{30 * time.Second},
		},
		Settings: SettingsConfig{
			File: "./config/settings.yml",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "upsdash",
			TopicPrefix: "ups",
			Retained:    true,
			QOS:         1,
		},
		Log: LogConfig{
			Level: logger.InfoLevel,
		},
	}
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := c.ServerConfigs(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.NUT.Timeout.Duration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("nut.timeout must be positive, got %s", c.NUT.Timeout.Duration))
	}
	if c.NUT.PollInterval.Duration < time.Second {
		errs = multierr.Append(errs, fmt.Errorf("nut.poll_interval must be at least 1s, got %s", c.NUT.PollInterval.Duration))
	}
	if strings.TrimSpace(c.Settings.File) == "" {
		errs = multierr.Append(errs, errors.New("settings.file is empty"))
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Listen) == "" {
		errs = multierr.Append(errs, errors.New("http.listen is empty"))
	}
	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			errs = multierr.Append(errs, errors.New("mqtt.broker is empty"))
		}
		if c.MQTT.QOS > 2 {
			errs = multierr.Append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QOS))
		}
		if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
			errs = multierr.Append(errs, errors.New("mqtt.topic_prefix is empty"))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !c.HTTP.Enabled && !c.MQTT.Enabled {
		errs = multierr.Append(errs, errors.New("nothing to do: both http and mqtt are disabled"))
	}
	return errs
}

// ServerConfigs converts the [[nut.servers]] tables into validated
// configs, applying the default port.
func (c *Config) ServerConfigs() ([]nut.ServerConfig, error) {
	out := make([]nut.ServerConfig, 0, len(c.NUT.Servers))
	var errs error
	for i, s := range c.NUT.Servers {
		cfg, err := nut.NewServerConfig(s.Host, s.Port, s.Username, s.Password)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("nut.servers[%d]: %w", i, err))
			continue
		}
		out = append(out, cfg)
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

// applyEnvOverrides copies any set UPSDASH_* environment variables into cfg.
// UPSDASH_NUT_HOST replaces the server list with that single server.
func applyEnvOverrides(cfg *Config) {
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }
	warn := func(name, v string, err error) {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("ignoring invalid %s%s=%q: %v", EnvPrefix, name, v, err))
	}

	if v := env("NUT_HOST"); v != "" {
		entry := ServerEntry{Host: v, Username: env("NUT_USERNAME"), Password: env("NUT_PASSWORD")}
		if p := env("NUT_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				entry.Port = n
			} else {
				warn("NUT_PORT", p, err)
			}
		}
		cfg.NUT.Servers = []ServerEntry{entry}
	}
	if v := env("NUT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NUT.Timeout = Duration{d}
		} else {
			warn("NUT_TIMEOUT", v, err)
		}
	}
	if v := env("NUT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NUT.PollInterval = Duration{d}
		} else {
			warn("NUT_POLL_INTERVAL", v, err)
		}
	}
	if v := env("SETTINGS_FILE"); v != "" {
		cfg.Settings.File = v
	}
	if v := env("HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := env("HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := env("MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := env("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := env("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := env("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := env("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := env("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := env("MQTT_RETAINED"); v != "" {
		cfg.MQTT.Retained = parseBool(v)
	}
	if v := env("MQTT_QOS"); v != "" {
		if q, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.MQTT.QOS = byte(q)
		} else {
			warn("MQTT_QOS", v, err)
		}
	}
	if v := env("MQTT_TLS_CA_CERT"); v != "" {
		cfg.MQTT.TLSCACert = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
