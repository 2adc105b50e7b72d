package client

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config 是客户端的连接配置。
type Config struct {
	ServerURL  string
	AuthToken  string
	AdminToken string
	ChunkSize  int64
}

// LoadEnv 从环境变量读取 SERVER_URL、AUTH_TOKEN、ADMIN_TOKEN 和 CHUNK_SIZE。
// envFile 存在时先读取其中的值，环境变量优先。
func LoadEnv(envFile string) (Config, error) {
	v := viper.New()
	v.SetDefault("server_url", "http://localhost:5002")
	v.SetDefault("auth_token", "")
	v.SetDefault("admin_token", "")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.AutomaticEnv()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("读取 %s 失败: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	cfg := Config{
		ServerURL:  v.GetString("server_url"),
		AuthToken:  v.GetString("auth_token"),
		AdminToken: v.GetString("admin_token"),
		ChunkSize:  v.GetInt64("chunk_size"),
	}
	if cfg.AuthToken == "" {
		return Config{}, errors.New("AUTH_TOKEN 未设置")
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("CHUNK_SIZE 必须大于 0, 当前为 %d", cfg.ChunkSize)
	}
	return cfg, nil
}
