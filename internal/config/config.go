package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the sacn2mqtt configuration file.
type Config struct {
	Logger LogConf  // logging setup
	MQTT   MQTTConf // MQTT client setup
	SACN   SACNConf `toml:"sacn"` // which universes to receive
}

// LogConf configures the logger.
type LogConf struct {
	Level string `toml:"log-level"`
}

// MQTTConf configures the MQTT client.
type MQTTConf struct {
	ClientID  string `toml:"clientID"`
	Host      string `toml:"server"`
	Port      string `toml:"port"`
	User      string `toml:"user"`
	Password  string `toml:"password"`
	Qos       byte   `toml:"qos"`
	TopicBase string `toml:"topic-base"`
}

// SACNConf configures the sACN receiver group.
type SACNConf struct {
	Universes     []uint16 `toml:"universes"`
	Interfaces    []string `toml:"interfaces"`
	IPMode        string   `toml:"ip-mode"` // ipv4, ipv6 or both
	SourceLimit   int      `toml:"source-limit"`
	FilterPreview *bool    `toml:"filter-preview"`
}

// NewConfig reads and validates a TOML configuration file.
func NewConfig(path string) (*Config, error) {
	cfg := Config{
		Logger: LogConf{Level: "info"},
		MQTT:   MQTTConf{TopicBase: "sacn"},
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return &cfg, err
	}
	if len(cfg.SACN.Universes) == 0 {
		return &cfg, fmt.Errorf("config: no universes configured")
	}
	return &cfg, nil
}
