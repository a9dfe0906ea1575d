// Package logging wires zerolog with rotating file output, matching
// the logging shape the engine's teacher project uses.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide logger, initialized by Init.
var Logger zerolog.Logger

// Config controls log level, destination, and rotation.
type Config struct {
	Level      string
	LogDir     string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// DefaultConfig returns sane defaults for local/dev runs.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		LogDir:     "logs",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// Init configures the package logger: a colorized console writer, a
// rotating main log file, and a rotating error-only log file.
func Init(cfg Config) error {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	mainFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "crawlkit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	errorFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "crawlkit_error.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	multi := zerolog.MultiLevelWriter(console, mainFile, &levelFilteredWriter{w: errorFile, min: zerolog.ErrorLevel})

	Logger = zerolog.New(multi).With().Timestamp().Caller().Logger()
	log.Logger = Logger

	Logger.Info().Str("level", cfg.Level).Str("log_dir", cfg.LogDir).Msg("logging initialized")
	return nil
}

// levelFilteredWriter only forwards writes at or above a minimum level.
type levelFilteredWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilteredWriter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilteredWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= f.min {
		return f.w.Write(p)
	}
	return len(p), nil
}
