package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Proctor struct {
		// MonitorInterval is the cadence of the aggregated supervisor push.
		MonitorInterval string `yaml:"monitorInterval"`
		// HeartbeatInterval drives websocket pings; connections idle for
		// three intervals are pruned from presence.
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		// TimerTick is the deadline-check granularity (UI-grade; expiry is
		// decided by absolute timestamps).
		TimerTick string `yaml:"timerTick"`
		// TabSwitchThreshold is the switch count that forces submission.
		TabSwitchThreshold int `yaml:"tabSwitchThreshold"`
	} `yaml:"proctor"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty or invalid.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
