// Package config loads tlsthin's runtime configuration: a YAML default
// merged with flags and environment variables through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultConfig is the embedded default YAML document; unset fields fall
// back to these values.
const defaultConfig = `
address: ""
serverName: ""
clientCertFile: ""
clientKeyFile: ""
caBundleFile: ""
handshakeTimeout: 10s
debug: false
`

// Config holds everything the dial CLI and tests need to stand up a
// connection.
type Config struct {
	Address          string        `mapstructure:"address"`
	ServerName       string        `mapstructure:"serverName"`
	ClientCertFile   string        `mapstructure:"clientCertFile"`
	ClientKeyFile    string        `mapstructure:"clientKeyFile"`
	CABundleFile     string        `mapstructure:"caBundleFile"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	Debug            bool          `mapstructure:"debug"`
}

// New returns a viper instance pre-seeded with defaultConfig and wired to
// read TLSTHIN_-prefixed environment variables, ready for flag binding by
// the CLI layer.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		return nil, fmt.Errorf("config: read default: %w", err)
	}
	v.SetEnvPrefix("TLSTHIN")
	v.AutomaticEnv()
	return v, nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the dialer relies on.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("config: address is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshakeTimeout must be positive")
	}
	return nil
}
