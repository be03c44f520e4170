package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 根据日志级别创建默认 logger（输出到 stdout）。
//
// APP_ENV=local 时使用文本格式，其余环境使用 JSON 格式，便于日志采集。
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level, os.Getenv("APP_ENV") != "local")
}

// New 创建写入 w 的 logger。
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard 返回丢弃所有输出的 logger（测试用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel 将字符串级别转换为 slog.Level，无法识别时返回 Info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
