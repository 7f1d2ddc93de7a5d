// Package config 提供引擎框架配置的加载与校验
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	ProtocolEngine struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Server struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		} `yaml:"server"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
			} `yaml:"database"`
			Cache struct {
				Enabled    bool          `yaml:"enabled"`
				DefaultTTL time.Duration `yaml:"default_ttl"`
			} `yaml:"cache"`
		} `yaml:"storage"`
		Analysis struct {
			MaxConcurrency   int    `yaml:"max_concurrency"`
			MaxSuggestions   int    `yaml:"max_suggestions"`
			RevalidationCron string `yaml:"revalidation_cron"`
		} `yaml:"analysis"`
	} `yaml:"protocol-engine"`
}

// Load 加载配置文件（对外导出）
// 文件不存在时返回默认配置
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		cfg := &EngineConfig{}
		cfg.ApplyDefaults()
		return cfg, nil
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置合法性
func (c *EngineConfig) Validate() error {
	dbType := c.ProtocolEngine.Storage.Database.Type
	switch dbType {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", dbType)
	}
	if c.ProtocolEngine.Server.Port <= 0 || c.ProtocolEngine.Server.Port > 65535 {
		return fmt.Errorf("无效的服务端口: %d", c.ProtocolEngine.Server.Port)
	}
	return nil
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.ProtocolEngine.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.ProtocolEngine.Storage.Database.DSN
}

// GetListenAddr 获取服务监听地址
func (c *EngineConfig) GetListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ProtocolEngine.Server.Host, c.ProtocolEngine.Server.Port)
}

// GetCacheTTL 获取结果缓存有效期
func (c *EngineConfig) GetCacheTTL() time.Duration {
	ttl := c.ProtocolEngine.Storage.Cache.DefaultTTL
	if ttl <= 0 {
		return 10 * time.Minute // 默认值
	}
	return ttl
}

// GetMaxConcurrency 获取批量分析并发数
func (c *EngineConfig) GetMaxConcurrency() int {
	n := c.ProtocolEngine.Analysis.MaxConcurrency
	if n <= 0 {
		return 4 // 默认值
	}
	return n
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	// General默认值
	if c.ProtocolEngine.General.InstanceName == "" {
		c.ProtocolEngine.General.InstanceName = "protocol-engine"
	}
	if c.ProtocolEngine.General.LogLevel == "" {
		c.ProtocolEngine.General.LogLevel = "info"
	}
	if c.ProtocolEngine.General.Env == "" {
		c.ProtocolEngine.General.Env = "dev"
	}

	// Server默认值
	if c.ProtocolEngine.Server.Host == "" {
		c.ProtocolEngine.Server.Host = "0.0.0.0"
	}
	if c.ProtocolEngine.Server.Port <= 0 {
		c.ProtocolEngine.Server.Port = 8080
	}

	// Database默认值
	if c.ProtocolEngine.Storage.Database.Type == "" {
		c.ProtocolEngine.Storage.Database.Type = "sqlite"
	}
	if c.ProtocolEngine.Storage.Database.DSN == "" {
		c.ProtocolEngine.Storage.Database.DSN = "protocol-engine.db"
	}
	if c.ProtocolEngine.Storage.Database.MaxOpenConns <= 0 {
		c.ProtocolEngine.Storage.Database.MaxOpenConns = 10
	}
	if c.ProtocolEngine.Storage.Database.MaxIdleConns <= 0 {
		c.ProtocolEngine.Storage.Database.MaxIdleConns = 5
	}
	if c.ProtocolEngine.Storage.Database.ConnMaxLifetime <= 0 {
		c.ProtocolEngine.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if c.ProtocolEngine.Storage.Database.ConnMaxIdleTime <= 0 {
		c.ProtocolEngine.Storage.Database.ConnMaxIdleTime = 1 * time.Hour
	}

	// Cache默认值
	if c.ProtocolEngine.Storage.Cache.DefaultTTL <= 0 {
		c.ProtocolEngine.Storage.Cache.DefaultTTL = 10 * time.Minute
	}

	// Analysis默认值
	if c.ProtocolEngine.Analysis.MaxConcurrency <= 0 {
		c.ProtocolEngine.Analysis.MaxConcurrency = 4
	}
	if c.ProtocolEngine.Analysis.MaxSuggestions <= 0 {
		c.ProtocolEngine.Analysis.MaxSuggestions = 10
	}
}
