package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const masked = "********"

// MaskSensitiveSettings returns a copy of config with secrets replaced.
func MaskSensitiveSettings(config *Config) *Config {
	c := *config
	if c.Redis.Password != "" {
		c.Redis.Password = masked
	}
	c.Mail.To = append([]string(nil), config.Mail.To...)
	return &c
}

// Dump renders the effective configuration as YAML with secrets masked.
func Dump(config *Config) ([]byte, error) {
	out, err := yaml.Marshal(MaskSensitiveSettings(config))
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}
