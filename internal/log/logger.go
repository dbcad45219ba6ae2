package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 按环境初始化全局 zerolog：dev 使用彩色控制台，其余输出 JSON。
// 无法解析的日志级别回退到 info。
func Init(env, level string) {
	InitWriter(os.Stdout, env, level)
}

// InitWriter 与 Init 相同，但允许指定输出目标，便于测试和客户端复用。
func InitWriter(out io.Writer, env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component 返回带 component 字段的子 logger。
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
