package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridwatch/gridwatch/internal/dbpool"
)

// rawConfig mirrors Config with string durations. It is pre-filled from the
// current values before decoding, so keys absent from the document keep
// their defaults.
type rawConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TDengineHost string `yaml:"tdengine_host"`
	TDenginePort int    `yaml:"tdengine_port"`
	MySQLHost    string `yaml:"mysql_host"`
	MySQLPort    int    `yaml:"mysql_port"`
	DBUser       string `yaml:"db_user"`
	DBPassword   string `yaml:"db_password"`
	ResourceDB   string `yaml:"resource_db"`
	AlarmDB      string `yaml:"alarm_db"`

	HTTPPort      int `yaml:"http_port"`
	WebSocketPort int `yaml:"websocket_port"`
	MetricsPort   int `yaml:"metrics_port"`

	MulticastIP      string `yaml:"multicast_ip"`
	MulticastPort    int    `yaml:"multicast_port"`
	BMCMulticastIP   string `yaml:"bmc_multicast_ip"`
	BMCMulticastPort int    `yaml:"bmc_multicast_port"`

	EvaluationInterval string `yaml:"evaluation_interval"`
	StatsInterval      string `yaml:"stats_interval"`
	GeneratorURL       string `yaml:"generator_url"`

	AlarmPool dbpool.Config `yaml:"alarm_pool"`
	TSPool    dbpool.Config `yaml:"ts_pool"`
}

// UnmarshalYAML merges a document over the existing configuration.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := rawConfig{
		LogLevel:  c.LogLevel,
		LogFormat: c.LogFormat,

		TDengineHost: c.TDengineHost,
		TDenginePort: c.TDenginePort,
		MySQLHost:    c.MySQLHost,
		MySQLPort:    c.MySQLPort,
		DBUser:       c.DBUser,
		DBPassword:   c.DBPassword,
		ResourceDB:   c.ResourceDB,
		AlarmDB:      c.AlarmDB,

		HTTPPort:      c.HTTPPort,
		WebSocketPort: c.WebSocketPort,
		MetricsPort:   c.MetricsPort,

		MulticastIP:      c.MulticastIP,
		MulticastPort:    c.MulticastPort,
		BMCMulticastIP:   c.BMCMulticastIP,
		BMCMulticastPort: c.BMCMulticastPort,

		EvaluationInterval: c.EvaluationInterval.String(),
		StatsInterval:      c.StatsInterval.String(),
		GeneratorURL:       c.GeneratorURL,

		AlarmPool: c.AlarmPool,
		TSPool:    c.TSPool,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	evalInterval, err := time.ParseDuration(raw.EvaluationInterval)
	if err != nil {
		return fmt.Errorf("evaluation_interval: %w", err)
	}
	statsInterval, err := time.ParseDuration(raw.StatsInterval)
	if err != nil {
		return fmt.Errorf("stats_interval: %w", err)
	}

	c.LogLevel = raw.LogLevel
	c.LogFormat = raw.LogFormat
	c.TDengineHost = raw.TDengineHost
	c.TDenginePort = raw.TDenginePort
	c.MySQLHost = raw.MySQLHost
	c.MySQLPort = raw.MySQLPort
	c.DBUser = raw.DBUser
	c.DBPassword = raw.DBPassword
	c.ResourceDB = raw.ResourceDB
	c.AlarmDB = raw.AlarmDB
	c.HTTPPort = raw.HTTPPort
	c.WebSocketPort = raw.WebSocketPort
	c.MetricsPort = raw.MetricsPort
	c.MulticastIP = raw.MulticastIP
	c.MulticastPort = raw.MulticastPort
	c.BMCMulticastIP = raw.BMCMulticastIP
	c.BMCMulticastPort = raw.BMCMulticastPort
	c.EvaluationInterval = evalInterval
	c.StatsInterval = statsInterval
	c.GeneratorURL = raw.GeneratorURL
	c.AlarmPool = raw.AlarmPool
	c.TSPool = raw.TSPool
	return nil
}
