// Package logging 配置全局 zerolog logger。
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup 配置全局 log.Logger
// format: "console" (人类可读) 或 "json"
func Setup(level, format string) error {
	return SetupWriter(os.Stderr, level, format)
}

func SetupWriter(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	switch strings.ToLower(format) {
	case "", "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	return nil
}

// Component 返回带 component 字段的子 logger
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
