// Package config 集中管理服務配置：預設值 + YAML 文件覆寫。
//
// 配置哲學：所有欄位都有可運行的預設值，
// 文件只需要寫出與預設不同的部分。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
}

// ServerConfig HTTP / WebSocket 服務
type ServerConfig struct {
	Port            int           `yaml:"port"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // 無活動連接多久後斷開
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 優雅關閉期限
}

// LogConfig 結構化日誌
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// CollaborationConfig 房間行為
type CollaborationConfig struct {
	MaxEditors       int           `yaml:"max_editors"`       // 每份筆記並發編輯者上限
	GracePeriod      time.Duration `yaml:"grace_period"`      // 空房間保留時間
	GCInterval       time.Duration `yaml:"gc_interval"`       // 空房間掃描週期
	SnapshotInterval time.Duration `yaml:"snapshot_interval"` // 快照持久化週期
}

// AuthConfig 外部認證與權限服務
type AuthConfig struct {
	IdentityURL string        `yaml:"identity_url"` // 身份驗證服務
	AccessURL   string        `yaml:"access_url"`   // 筆記權限服務
	Timeout     time.Duration `yaml:"timeout"`      // 驗證呼叫上限（fail-closed）
}

// RateLimitConfig 游標事件限流（令牌桶）
type RateLimitConfig struct {
	Capacity int64 `yaml:"capacity"` // 突發容量
	Rate     int64 `yaml:"rate"`     // 每秒補充速率
}

// DatabaseConfig PostgreSQL 持久化（空 URL 退化為內存存儲）
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig 分散式限流（空地址退化為本地限流）
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig 審計事件發布（空 URL 停用審計）
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Default 返回可直接運行的預設配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			IdleTimeout:     5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Collaboration: CollaborationConfig{
			MaxEditors:       5,
			GracePeriod:      30 * time.Second,
			GCInterval:       10 * time.Second,
			SnapshotInterval: 15 * time.Second,
		},
		Auth: AuthConfig{
			Timeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity: 30,
			Rate:     15,
		},
	}
}

// Load 讀取 YAML 配置文件，未設置的欄位保持預設值。
// path 為空時直接返回預設配置。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 拒絕明顯不可運行的配置。
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Collaboration.MaxEditors <= 0 {
		return fmt.Errorf("max_editors must be positive, got %d", c.Collaboration.MaxEditors)
	}
	if c.Collaboration.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if c.Collaboration.GCInterval <= 0 || c.Collaboration.SnapshotInterval <= 0 {
		return fmt.Errorf("gc_interval and snapshot_interval must be positive")
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.Rate <= 0 {
		return fmt.Errorf("rate limit capacity and rate must be positive")
	}
	return nil
}
