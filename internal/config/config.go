package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                   string `yaml:"port"`
	DatabaseDSN            string `yaml:"database_dsn"`
	JWTSecret              string `yaml:"jwt_secret"`
	Env                    string `yaml:"env"`
	LogLevel               string `yaml:"log_level"`
	RedisAddr              string `yaml:"redis_addr"`
	WSEventsPerSecond      int    `yaml:"ws_events_per_second"`
	WSEventBurst           int    `yaml:"ws_event_burst"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// Default 返回开发环境下可直接运行的默认配置。
func Default() Config {
	return Config{
		Port:                   "8080",
		DatabaseDSN:            "host=localhost user=postgres password=postgres dbname=whisper port=5432 sslmode=disable TimeZone=UTC",
		JWTSecret:              defaultJWTSecret,
		Env:                    "dev",
		LogLevel:               "info",
		WSEventsPerSecond:      10,
		WSEventBurst:           20,
		ShutdownTimeoutSeconds: 15,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数环境变量，非法值回退到默认值。
func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load 先读取 CHAT_CONFIG 指向的 YAML 文件（可选），再用环境变量覆盖。
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		cfg.applyDefaults()
	}

	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.WSEventsPerSecond = getenvInt("WS_EVENTS_PER_SECOND", cfg.WSEventsPerSecond)
	cfg.WSEventBurst = getenvInt("WS_EVENT_BURST", cfg.WSEventBurst)
	cfg.ShutdownTimeoutSeconds = getenvInt("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeoutSeconds)
	return cfg, nil
}

// applyDefaults 为 YAML 中缺省或非法的数值项补默认值。
func (c *Config) applyDefaults() {
	def := Default()
	if c.WSEventsPerSecond <= 0 {
		c.WSEventsPerSecond = def.WSEventsPerSecond
	}
	if c.WSEventBurst <= 0 {
		c.WSEventBurst = def.WSEventBurst
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = def.ShutdownTimeoutSeconds
	}
}

// ShutdownTimeout 返回优雅停服的等待时长。
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Validate 拒绝无法启动或不安全的配置：非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("port is required")
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return errors.New("database dsn is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("default jwt secret is not allowed in %q", cfg.Env)
	}
	return nil
}
