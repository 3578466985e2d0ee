// Package logger 基于zerolog的结构化日志初始化
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level" yaml:"level"`           // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"`         // json, console
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// DefaultConfig 默认日志配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// InitLogger 初始化全局日志器
func InitLogger(cfg Config) {
	InitLoggerWithWriter(cfg, os.Stdout)
}

// InitLoggerWithWriter 初始化全局日志器并指定输出
func InitLoggerWithWriter(cfg Config, out io.Writer) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	SetLevel(cfg.Level)

	var output io.Writer = out
	if strings.EqualFold(cfg.Format, "console") {
		output = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "liveavatar-gateway").
		Logger()
}

// SetLevel 调整全局日志级别，无法解析时回退到info
func SetLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// WithComponent 带组件标签的日志器
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithSession 带会话上下文的日志器
func WithSession(component, sessionID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("sessionId", sessionID).
		Logger()
}
