package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`    // 服务器配置
	Database  DatabaseConfig  `mapstructure:"database"`  // PostgreSQL配置
	Redis     RedisConfig     `mapstructure:"redis"`     // Redis配置（锁与限流）
	Auth      AuthConfig      `mapstructure:"auth"`      // 认证配置
	Reconcile ReconcileConfig `mapstructure:"reconcile"` // 对账引擎配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// DatabaseConfig PostgreSQL数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // 地址 host:port
	Password string `mapstructure:"password"` // 密码（可空）
	DB       int    `mapstructure:"db"`       // 库编号
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"` // HMAC签名密钥
}

// ReconcileConfig 对账引擎配置
type ReconcileConfig struct {
	RevenueFloor        float64       `mapstructure:"revenue_floor"`         // 孤儿记录标为 revenue_risk 的金额下限
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`  // 匹配分析默认置信阈值
	LockTTL             time.Duration `mapstructure:"lock_ttl"`              // owner 锁的TTL
	DefaultBatchSize    int           `mapstructure:"default_batch_size"`    // 默认批大小
	MaxBatches          int           `mapstructure:"max_batches"`           // 批量运行默认最大批数
	BatchDelay          time.Duration `mapstructure:"batch_delay"`           // 批间默认延迟
	StandardPerMinute   int           `mapstructure:"standard_per_minute"`   // standard 类每 owner 每分钟限额
	BulkPerHour         int           `mapstructure:"bulk_per_hour"`         // bulk 类每 owner 每小时限额
	HeavyPerHour        int           `mapstructure:"heavy_per_hour"`        // heavy 类每 owner 每小时限额
	OriginPerMinute     int           `mapstructure:"origin_per_minute"`     // 每来源地址每分钟限额
}

// LoadConfig 加载配置文件（config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig() (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	viper.SetTypeByDefaultValue(true)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// applyDefaults 未配置项兜底默认值
func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Reconcile.ConfidenceThreshold <= 0 {
		cfg.Reconcile.ConfidenceThreshold = 50
	}
	if cfg.Reconcile.LockTTL <= 0 {
		cfg.Reconcile.LockTTL = 30 * time.Second
	}
	if cfg.Reconcile.DefaultBatchSize <= 0 {
		cfg.Reconcile.DefaultBatchSize = 50
	}
	if cfg.Reconcile.MaxBatches <= 0 {
		cfg.Reconcile.MaxBatches = 10
	}
	if cfg.Reconcile.BatchDelay <= 0 {
		cfg.Reconcile.BatchDelay = 2 * time.Second
	}
	if cfg.Reconcile.StandardPerMinute <= 0 {
		cfg.Reconcile.StandardPerMinute = 30
	}
	if cfg.Reconcile.BulkPerHour <= 0 {
		cfg.Reconcile.BulkPerHour = 10
	}
	if cfg.Reconcile.HeavyPerHour <= 0 {
		cfg.Reconcile.HeavyPerHour = 5
	}
	if cfg.Reconcile.OriginPerMinute <= 0 {
		cfg.Reconcile.OriginPerMinute = 100
	}
}
