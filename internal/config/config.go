// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	GC       GCConfig       `mapstructure:"gc"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	AuthToken string `mapstructure:"auth_token"`
	// AdminToken 为空时管理接口使用 AuthToken。
	AdminToken string `mapstructure:"admin_token"`
	// SeedDir 中的文件会在启动时导入（已存在的文件名跳过）。
	SeedDir string `mapstructure:"seed_dir"`
	// StreamBlockSize 是下载时每次写出的块大小，与上传分片大小无关。
	StreamBlockSize int `mapstructure:"stream_block_size"`
	// MaxMultipartMemory 是 gin 解析 multipart 表单时保留在内存中的上限。
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// StorageConfig 存储本地文件目录相关的配置。
type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"` // sqlite 或 mysql
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用 Redis。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CatalogConfig 存储元数据列表查询相关的配置。
type CatalogConfig struct {
	DefaultListLimit int `mapstructure:"default_list_limit"`
	MaxListLimit     int `mapstructure:"max_list_limit"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时任务在进程内处理。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 镜像的配置。Endpoint 为空时不启用镜像。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	LinkExpiry      time.Duration `mapstructure:"link_expiry"`
}

// GCConfig 控制未完成分片目录的后台清理。
type GCConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Enabled 表示是否配置了 Kafka。
func (c KafkaConfig) Enabled() bool { return c.Brokers != "" }

// Enabled 表示是否配置了 MinIO 镜像。
func (c MinIOConfig) Enabled() bool { return c.Endpoint != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5002")
	v.SetDefault("server.mode", "release")
	// 没有默认值的键也要注册，否则 AutomaticEnv 不会在 Unmarshal 时生效。
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.seed_dir", "")
	v.SetDefault("server.stream_block_size", 1<<20)
	v.SetDefault("server.max_multipart_memory", 8<<20)
	v.SetDefault("storage.root", "files")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "metadata.db")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("catalog.default_list_limit", 5)
	v.SetDefault("catalog.max_list_limit", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "tinydist-file-finalized")
	v.SetDefault("kafka.group_id", "tinydist-consumer")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "tinydist")
	v.SetDefault("minio.link_expiry", time.Hour)
	v.SetDefault("gc.interval", time.Duration(0))
	v.SetDefault("gc.ttl", 24*time.Hour)
}

// Load 从指定的 YAML 文件读取配置，环境变量（前缀 TINYDIST_）可以覆盖文件中的值。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TINYDIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if cfg.Server.AuthToken == "" {
		return nil, fmt.Errorf("server.auth_token 不能为空")
	}
	return &cfg, nil
}

// Init 加载配置并写入全局变量 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
