package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig 写入临时配置文件
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("加载完整配置", func(t *testing.T) {
		path := writeConfig(t, `
protocol-engine:
  general:
    instance_name: "lab-main"
    log_level: "debug"
  server:
    host: "127.0.0.1"
    port: 9090
  storage:
    database:
      type: "postgres"
      dsn: "host=localhost user=lab dbname=protocol sslmode=disable"
    cache:
      enabled: true
      default_ttl: 5m
  analysis:
    max_concurrency: 8
    max_suggestions: 20
    revalidation_cron: "0 0 * * * *"
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "lab-main", cfg.ProtocolEngine.General.InstanceName)
		assert.Equal(t, "postgres", cfg.GetDatabaseType())
		assert.Equal(t, "127.0.0.1:9090", cfg.GetListenAddr())
		assert.Equal(t, 5*time.Minute, cfg.GetCacheTTL())
		assert.Equal(t, 8, cfg.GetMaxConcurrency())
		assert.Equal(t, "0 0 * * * *", cfg.ProtocolEngine.Analysis.RevalidationCron)
	})

	t.Run("文件不存在返回默认配置", func(t *testing.T) {
		cfg, err := Load("/nonexistent/engine.yaml")
		require.NoError(t, err)

		assert.Equal(t, "sqlite", cfg.GetDatabaseType())
		assert.Equal(t, "protocol-engine.db", cfg.GetDatabaseDSN())
		assert.Equal(t, "0.0.0.0:8080", cfg.GetListenAddr())
		assert.Equal(t, 10*time.Minute, cfg.GetCacheTTL())
		assert.Equal(t, 4, cfg.GetMaxConcurrency())
	})

	t.Run("部分配置应用默认值", func(t *testing.T) {
		path := writeConfig(t, `
protocol-engine:
  server:
    port: 3000
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.ProtocolEngine.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.ProtocolEngine.Server.Host)
		assert.Equal(t, "sqlite", cfg.GetDatabaseType())
		assert.Equal(t, 10, cfg.ProtocolEngine.Storage.Database.MaxOpenConns)
	})

	t.Run("非法YAML返回错误", func(t *testing.T) {
		path := writeConfig(t, "protocol-engine: [broken")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("不支持的数据库类型返回错误", func(t *testing.T) {
		path := writeConfig(t, `
protocol-engine:
  storage:
    database:
      type: "oracle"
`)
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := &EngineConfig{}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())

	cfg.ProtocolEngine.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}
