package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/forwarder"
)

type RelaySource struct {
	Kind     string  `yaml:"kind"` // synthetic | udp
	Addr     string  `yaml:"addr"` // udp listen address
	Channels int     `yaml:"channels"`
	Rate     float64 `yaml:"rate"`
	Limit    int     `yaml:"limit"` // synthetic only, 0 = endless
}

// Relay is the edge relay configuration file.
type Relay struct {
	Forwarder     forwarder.Config `yaml:"forwarder"`
	Source        RelaySource      `yaml:"source"`
	LogLevel      string           `yaml:"log_level"`
	StatsInterval time.Duration    `yaml:"stats_interval"`
}

func defaultRelay() Relay {
	return Relay{
		Forwarder: forwarder.Config{DSP: dsp.DefaultConfig()},
		Source: RelaySource{
			Kind:     "synthetic",
			Addr:     "127.0.0.1:9870",
			Channels: 8,
			Rate:     250,
		},
		LogLevel:      "info",
		StatsInterval: 30 * time.Second,
	}
}

// LoadRelay reads the YAML file at path over the defaults. RELAY_API_KEY,
// RELAY_USER_ID and RELAY_URL override the file so secrets can stay out of it.
func LoadRelay(path string) (*Relay, error) {
	c := defaultRelay()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_API_KEY")); v != "" {
		c.Forwarder.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_USER_ID")); v != "" {
		c.Forwarder.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_URL")); v != "" {
		c.Forwarder.URL = v
	}

	switch c.Source.Kind {
	case "synthetic", "udp":
	default:
		return nil, fmt.Errorf("config: unknown source kind %q", c.Source.Kind)
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.Source.Channels <= 0 || c.Source.Rate <= 0 {
		return nil, fmt.Errorf("config: source channels and rate must be positive")
	}
	return &c, nil
}
