// Package config loads the service configuration: built-in defaults, then
// an optional YAML file, then GRIDWATCH_-prefixed environment variables,
// each layer overriding the previous one.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/gridwatch/gridwatch/internal/dbpool"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "GRIDWATCH_"

// Config is the full runtime configuration.
type Config struct {
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

	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
	GeneratorURL       string        `yaml:"generator_url"`

	AlarmPool dbpool.Config `yaml:"alarm_pool"`
	TSPool    dbpool.Config `yaml:"ts_pool"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "auto",

		TDengineHost: "127.0.0.1",
		TDenginePort: 6041,
		MySQLHost:    "127.0.0.1",
		MySQLPort:    3306,
		DBUser:       "root",
		DBPassword:   "",
		ResourceDB:   "gridwatch_ts",
		AlarmDB:      "gridwatch_alarm",

		HTTPPort:      8090,
		WebSocketPort: 8091,
		MetricsPort:   9091,

		MulticastIP:      "224.100.200.16",
		MulticastPort:    5716,
		BMCMulticastIP:   "224.100.200.15",
		BMCMulticastPort: 5715,

		EvaluationInterval: 30 * time.Second,
		StatsInterval:      time.Minute,

		AlarmPool: dbpool.DefaultConfig(),
		TSPool:    dbpool.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty; a missing file is not
// an error, a malformed one is. A .env file in the working directory is
// honored before the environment is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debug().Str("path", path).Msg("No config file, using defaults")
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			log.Info().Str("path", path).Msg("Loaded config file")
		}
	}

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.LogFormat, "LOG_FORMAT")

	envStr(&c.TDengineHost, "TDENGINE_HOST")
	envInt(&c.TDenginePort, "TDENGINE_PORT")
	envStr(&c.MySQLHost, "MYSQL_HOST")
	envInt(&c.MySQLPort, "MYSQL_PORT")
	envStr(&c.DBUser, "DB_USER")
	envStr(&c.DBPassword, "DB_PASSWORD")
	envStr(&c.ResourceDB, "RESOURCE_DB")
	envStr(&c.AlarmDB, "ALARM_DB")

	envInt(&c.HTTPPort, "HTTP_PORT")
	envInt(&c.WebSocketPort, "WEBSOCKET_PORT")
	envInt(&c.MetricsPort, "METRICS_PORT")

	envStr(&c.MulticastIP, "MULTICAST_IP")
	envInt(&c.MulticastPort, "MULTICAST_PORT")
	envStr(&c.BMCMulticastIP, "BMC_MULTICAST_IP")
	envInt(&c.BMCMulticastPort, "BMC_MULTICAST_PORT")

	envDur(&c.EvaluationInterval, "EVALUATION_INTERVAL")
	envDur(&c.StatsInterval, "STATS_INTERVAL")
	envStr(&c.GeneratorURL, "GENERATOR_URL")

	envInt(&c.AlarmPool.MaxConns, "ALARM_POOL_MAX_CONNECTIONS")
	envInt(&c.AlarmPool.MinConns, "ALARM_POOL_MIN_CONNECTIONS")
	envDur(&c.AlarmPool.AcquireTimeout, "ALARM_POOL_ACQUIRE_TIMEOUT")
	envInt(&c.TSPool.MaxConns, "TS_POOL_MAX_CONNECTIONS")
	envInt(&c.TSPool.MinConns, "TS_POOL_MIN_CONNECTIONS")
	envDur(&c.TSPool.AcquireTimeout, "TS_POOL_ACQUIRE_TIMEOUT")
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", EnvPrefix+key).Str("value", v).Msg("Ignoring non-integer environment value")
		return
	}
	*dst = n
}

func envDur(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", EnvPrefix+key).Str("value", v).Msg("Ignoring unparseable duration value")
		return
	}
	*dst = d
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"http_port":          c.HTTPPort,
		"websocket_port":     c.WebSocketPort,
		"metrics_port":       c.MetricsPort,
		"mysql_port":         c.MySQLPort,
		"tdengine_port":      c.TDenginePort,
		"bmc_multicast_port": c.BMCMulticastPort,
		"multicast_port":     c.MulticastPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.TDengineHost == "" || c.MySQLHost == "" {
		return fmt.Errorf("tdengine_host and mysql_host are required")
	}
	if c.ResourceDB == "" || c.AlarmDB == "" {
		return fmt.Errorf("resource_db and alarm_db are required")
	}
	for _, addr := range []string{c.BMCMulticastIP, c.MulticastIP} {
		ip := net.ParseIP(addr)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("%q is not a multicast address", addr)
		}
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluation_interval must be positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive")
	}
	return nil
}

// MySQLDSN renders the relational-store connection string.
func (c *Config) MySQLDSN(database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
		c.DBUser, c.DBPassword, c.MySQLHost, c.MySQLPort, database)
}

// TaosDSN renders the time-series-store REST connection string.
func (c *Config) TaosDSN() string {
	return fmt.Sprintf("%s:%s@http(%s:%d)/", c.DBUser, c.DBPassword, c.TDengineHost, c.TDenginePort)
}
