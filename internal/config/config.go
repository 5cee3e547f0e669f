package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HeaderMatchDef is one (header, substring) pair of the response filter.
type HeaderMatchDef struct {
	Header string `yaml:"header"`
	Substr string `yaml:"substr"`
}

// FilterConfig holds the response-header filter. A response is emitted iff
// it matches at least one inclusion and no exclusion.
type FilterConfig struct {
	Inclusions []HeaderMatchDef `yaml:"inclusions"`
	Exclusions []HeaderMatchDef `yaml:"exclusions"`
}

// TracerConfig holds the capture policy and lifecycle knobs of the
// connection tracking core.
type TracerConfig struct {
	Protocol             string       `yaml:"protocol"`  // http1 | http2
	Selection            []string     `yaml:"selection"` // send_request, recv_response, send_response, recv_request
	InactivityDuration   string       `yaml:"inactivity_duration"`
	DeathCountdownIters  int          `yaml:"death_countdown_iters"`
	TransferInterval     string       `yaml:"transfer_interval"`
	ResponseHeaderFilter FilterConfig `yaml:"response_header_filter"`
}

// NATSConfig holds the event transport settings shared by probe and agent.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds the columnar sink settings.
type ClickHouseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	FlushInterval string `yaml:"flush_interval"`
}

// GobConfig holds the gob file sink settings.
type GobConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootPath string `yaml:"root_path"`
}

// StatsConfig holds the HTTP stats endpoint settings.
type StatsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ProbeConfig holds the BPF probe settings.
type ProbeConfig struct {
	PerfBufferPages  int `yaml:"perf_buffer_pages"`
	EventChannelSize int `yaml:"event_channel_size"`
	LostChannelSize  int `yaml:"lost_channel_size"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Tracer     TracerConfig     `yaml:"tracer"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Gob        GobConfig        `yaml:"gob"`
	Stats      StatsConfig      `yaml:"stats"`
	Probe      ProbeConfig      `yaml:"probe"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return &cfg, nil
}
