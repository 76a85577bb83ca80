package dbpool

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// rawConfig mirrors Config with optional fields so a partial YAML section
// overrides only what it names, and durations accept "30s" style strings.
type rawConfig struct {
	MinConns     *int `yaml:"min_connections"`
	MaxConns     *int `yaml:"max_connections"`
	InitialConns *int `yaml:"initial_connections"`

	ConnectTimeout      *string `yaml:"connection_timeout"`
	AcquireTimeout      *string `yaml:"acquire_timeout"`
	IdleTimeout         *string `yaml:"idle_timeout"`
	MaxLifetime         *string `yaml:"max_lifetime"`
	HealthCheckInterval *string `yaml:"health_check_interval"`

	HealthCheckQuery *string `yaml:"health_check_query"`
	AutoReconnect    *bool   `yaml:"auto_reconnect"`
}

// UnmarshalYAML merges a YAML mapping over the existing values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MinConns != nil {
		c.MinConns = *raw.MinConns
	}
	if raw.MaxConns != nil {
		c.MaxConns = *raw.MaxConns
	}
	if raw.InitialConns != nil {
		c.InitialConns = *raw.InitialConns
	}
	for _, f := range []struct {
		src *string
		dst *time.Duration
		key string
	}{
		{raw.ConnectTimeout, &c.ConnectTimeout, "connection_timeout"},
		{raw.AcquireTimeout, &c.AcquireTimeout, "acquire_timeout"},
		{raw.IdleTimeout, &c.IdleTimeout, "idle_timeout"},
		{raw.MaxLifetime, &c.MaxLifetime, "max_lifetime"},
		{raw.HealthCheckInterval, &c.HealthCheckInterval, "health_check_interval"},
	} {
		if f.src == nil {
			continue
		}
		d, err := time.ParseDuration(*f.src)
		if err != nil {
			return fmt.Errorf("pool %s: %w", f.key, err)
		}
		*f.dst = d
	}
	if raw.HealthCheckQuery != nil {
		c.HealthCheckQuery = *raw.HealthCheckQuery
	}
	if raw.AutoReconnect != nil {
		c.AutoReconnect = *raw.AutoReconnect
	}
	return nil
}
