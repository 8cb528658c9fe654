package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the optional configuration file of the receiver. Flags
// take precedence over file values.
type Config struct {
	SRTLAPort   uint16 `yaml:"srtla_port"`
	SRTHostname string `yaml:"srt_hostname"`
	SRTPort     uint16 `yaml:"srt_port"`
	Verbose     bool   `yaml:"verbose"`
	LogPath     string `yaml:"log_path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	return &cfg, nil
}
