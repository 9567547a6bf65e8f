package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/wire"
)

type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Policy  PolicyConfig  `yaml:"policy"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

type BusConfig struct {
	Type           string `yaml:"type"`
	Service        string `yaml:"service"`
	ObjectPath     string `yaml:"object_path"`
	SelfID         string `yaml:"self_id"`
	CellularPrefix string `yaml:"cellular_prefix"`
}

type PolicyConfig struct {
	MaxCalls int `yaml:"max_calls"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StatusTopic is where the daemon's online/offline state is retained.
func (c *MQTTConfig) StatusTopic() string {
	return c.TopicPrefix + "/status"
}

type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the status server
}

type HistoryConfig struct {
	Path string `yaml:"path"` // empty disables call history
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Bus: BusConfig{
			Type:           "system",
			Service:        wire.TelephonyInterface,
			ObjectPath:     wire.TelephonyPath,
			SelfID:         wire.DefaultSelfID,
			CellularPrefix: call.DefaultCellularPrefix,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "telephony-policy",
			TopicPrefix: "telephony",
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:9470",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bus.Type != "session" && c.Bus.Type != "system" {
		return fmt.Errorf("bus.type must be session or system, got %q", c.Bus.Type)
	}
	if c.Bus.Service == "" {
		return fmt.Errorf("bus.service is required")
	}
	if len(c.Bus.ObjectPath) == 0 || c.Bus.ObjectPath[0] != '/' {
		return fmt.Errorf("bus.object_path must be an absolute object path, got %q", c.Bus.ObjectPath)
	}
	if c.Bus.SelfID == "" {
		return fmt.Errorf("bus.self_id is required")
	}
	if c.Policy.MaxCalls < 0 {
		return fmt.Errorf("policy.max_calls must not be negative, got %d", c.Policy.MaxCalls)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
