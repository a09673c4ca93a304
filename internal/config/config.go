// Package config loads the daemon's YAML configuration file: gateway
// fleet discovery, runtime toggles, datastore paths, peripheral
// constants, capture, and the debug server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration shape.
type Config struct {
	Fleet struct {
		USBGlob         string   `yaml:"usbGlob"`
		SocketCAN       []string `yaml:"socketcanInterfaces"`
		Simulated       bool     `yaml:"simulated"`
		RequiredSerials []string `yaml:"requiredSerials"`
	} `yaml:"fleet"`

	Runtime struct {
		FakeSend   bool `yaml:"fakeSend"`
		Spoofing   bool `yaml:"spoofing"`
		NoFanControl bool `yaml:"noFanControl"`
	} `yaml:"runtime"`

	Datastore struct {
		ParamStorePath string `yaml:"paramStorePath"`
		AuditLogPath   string `yaml:"auditLogPath"`
		InfluxDB       struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Org     string `yaml:"org"`
			Bucket  string `yaml:"bucket"`
			Token   string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Peripheral struct {
		IRCutoff     float64 `yaml:"irCutoff"`
		IRSaturation float64 `yaml:"irSaturation"`
	} `yaml:"peripheral"`

	Capture struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"capture"`

	DebugServer struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"debugServer"`
}

// Default returns a Config populated with every applyDefaults value,
// for callers that fall back to running with no config file present.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads and parses the config file at filename.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Fleet.USBGlob == "" {
		c.Fleet.USBGlob = "/dev/ttyACM*"
	}
	if c.Datastore.ParamStorePath == "" {
		c.Datastore.ParamStorePath = "/tmp/cangated-params.db"
	}
	if c.Datastore.AuditLogPath == "" {
		c.Datastore.AuditLogPath = "/tmp/cangated-audit.db"
	}
	if c.Peripheral.IRCutoff == 0 {
		c.Peripheral.IRCutoff = 400
	}
	if c.Peripheral.IRSaturation == 0 {
		c.Peripheral.IRSaturation = 1000
	}
	if c.DebugServer.Host == "" {
		c.DebugServer.Host = "127.0.0.1"
	}
	if c.DebugServer.Port == 0 {
		c.DebugServer.Port = 8080
	}
}
