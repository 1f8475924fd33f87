package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFromFile_DefaultsOnly(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, "omgate", cfg.ServiceName)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.PersistInterval)
	assert.Equal(t, 5*time.Minute, cfg.PendingNoticeTimeout)
	assert.Equal(t, "Asia/Seoul", cfg.Location.String())
	assert.Equal(t, "paper", cfg.Broker.Mode)
}

func TestLoadFromFile_YAMLAndEnvOverride(t *testing.T) {
	p := writeFile(t, "omgate.yaml", `
service_name: gw-a
listen: ":9000"
control_listen: ""
retention_days: 3
persist_interval: 10m
sync_timeout: 45s
persistence:
  backend: badger
  dir: /tmp/omgate
broker:
  mode: live
  rest_url: http://broker.local
  ws_url: ws://broker.local/ws
  app_key: key
  paper_fill: false
log:
  level: debug
`)
	t.Setenv("OMGATE_RETENTION_DAYS", "5")
	t.Setenv("OMGATE_PENDING_NOTICE_TIMEOUT", "2m")

	cfg, err := LoadFromFile(p)
	require.NoError(t, err)
	assert.Equal(t, "gw-a", cfg.ServiceName)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "", cfg.ControlListen)
	assert.Equal(t, 5, cfg.RetentionDays, "环境变量优先于配置文件")
	assert.Equal(t, 10*time.Minute, cfg.PersistInterval)
	assert.Equal(t, 2*time.Minute, cfg.PendingNoticeTimeout)
	assert.Equal(t, 45*time.Second, cfg.SyncTimeout)
	assert.Equal(t, "badger", cfg.Persistence.Backend)
	assert.False(t, cfg.Broker.PaperFill)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile_JSON(t *testing.T) {
	p := writeFile(t, "omgate.json", `{"service_name":"gw-json","sweep_interval":"30s"}`)
	cfg, err := LoadFromFile(p)
	require.NoError(t, err)
	assert.Equal(t, "gw-json", cfg.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(writeFile(t, "bad.toml", "x=1"))
	require.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.yaml", "persist_interval: soon\n"))
	require.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "live.yaml", "broker:\n  mode: live\n"))
	require.Error(t, err, "live 模式缺少 rest_url 应校验失败")

	t.Setenv("OMGATE_TIMEZONE", "Mars/Olympus")
	_, err = LoadFromFile("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Persistence.Backend = "s3"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxOutboundQueue = -1
	require.Error(t, cfg.Validate())
}
