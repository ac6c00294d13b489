// Package config loads the YAML configuration for the p2pcoredial demo CLI
// and test fixtures, using a plain struct plus yaml.v3 rather than a
// dedicated config-management library.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level on-disk shape.
type Config struct {
	Listen       string       `yaml:"listen"`
	Dial         string       `yaml:"dial,omitempty"`
	IdentityPath string       `yaml:"identity_path"`
	LogLevel     string       `yaml:"log_level"`
	Yamux        YamuxConfig  `yaml:"yamux"`
	MaxPlaintext int          `yaml:"max_plaintext"`
}

// YamuxConfig mirrors yamux.Config's tunables in YAML-friendly form.
type YamuxConfig struct {
	KeepaliveInterval       time.Duration `yaml:"keepalive_interval"`
	InitialStreamWindowSize uint32        `yaml:"initial_stream_window_size"`
	MaxStreamWindowSize     uint32        `yaml:"max_stream_window_size"`
	StreamWriteTimeout      time.Duration `yaml:"stream_write_timeout"`
	MaxStreams              int           `yaml:"max_streams"`
	MaxFrameSize            uint32        `yaml:"max_frame_size"`
	AcceptBacklog           int           `yaml:"accept_backlog"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:4001",
		IdentityPath: "identity.key",
		LogLevel:     "info",
		MaxPlaintext: 16 * 1024,
		Yamux: YamuxConfig{
			KeepaliveInterval:       30 * time.Second,
			InitialStreamWindowSize: 256 * 1024,
			MaxStreamWindowSize:     1024 * 1024,
			StreamWriteTimeout:      10 * time.Second,
			MaxStreams:              256,
			MaxFrameSize:            16 * 1024,
			AcceptBacklog:           256,
		},
	}
}

// Load reads and parses a YAML config file on top of Default(): fields the
// file does not mention keep their default values, while a field the file
// sets, even to zero, takes the file's value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}
