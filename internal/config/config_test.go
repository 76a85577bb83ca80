package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, "224.100.200.15", cfg.BMCMulticastIP)
	assert.Equal(t, 5715, cfg.BMCMulticastPort)
	assert.Equal(t, 30*time.Second, cfg.EvaluationInterval)
	assert.Equal(t, 10, cfg.AlarmPool.MaxConns)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mysql_host: db.internal
http_port: 9000
evaluation_interval: 10s
ts_pool:
  max_connections: 32
  acquire_timeout: 2s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.MySQLHost)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.EvaluationInterval)
	assert.Equal(t, 32, cfg.TSPool.MaxConns)
	assert.Equal(t, 2*time.Second, cfg.TSPool.AcquireTimeout)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.AlarmPool.MaxConns)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9000\n"), 0o644))

	t.Setenv("GRIDWATCH_HTTP_PORT", "9100")
	t.Setenv("GRIDWATCH_DB_PASSWORD", "hunter2")
	t.Setenv("GRIDWATCH_EVALUATION_INTERVAL", "5s")
	t.Setenv("GRIDWATCH_TS_POOL_MAX_CONNECTIONS", "64")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "hunter2", cfg.DBPassword)
	assert.Equal(t, 5*time.Second, cfg.EvaluationInterval)
	assert.Equal(t, 64, cfg.TSPool.MaxConns)
}

func TestLoadIgnoresBadEnvValues(t *testing.T) {
	t.Setenv("GRIDWATCH_HTTP_PORT", "not-a-number")
	t.Setenv("GRIDWATCH_STATS_INTERVAL", "sometimes")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, time.Minute, cfg.StatsInterval)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: [nope"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config { return Default() }

	cfg := base()
	cfg.HTTPPort = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.BMCMulticastIP = "10.0.0.1"
	assert.Error(t, cfg.Validate(), "unicast address rejected")

	cfg = base()
	cfg.MySQLHost = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.AlarmDB = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.EvaluationInterval = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, base().Validate())
}

func TestDSNRendering(t *testing.T) {
	cfg := Default()
	cfg.DBUser = "gw"
	cfg.DBPassword = "secret"
	cfg.MySQLHost = "db1"
	cfg.MySQLPort = 3307
	cfg.TDengineHost = "ts1"

	assert.Equal(t,
		"gw:secret@tcp(db1:3307)/gridwatch_alarm?parseTime=true&multiStatements=false",
		cfg.MySQLDSN("gridwatch_alarm"))
	assert.Equal(t, "gw:secret@http(ts1:6041)/", cfg.TaosDSN())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9000\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("http_port: 9001\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9001, cfg.HTTPPort)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}
