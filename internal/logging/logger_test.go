package logging

import (
	"os"
	"testing"
)

func TestInit_CreatesLogDirAndWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Level: "debug", LogDir: dir, MaxSize: 10, MaxBackups: 3, MaxAge: 28, Compress: false}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatalf("log dir not created: %s", dir)
	}

	Logger.Info().Msg("test message")
	Logger.Error().Msg("test error")
}

func TestInit_FallsBackOnBadLevel(t *testing.T) {
	dir := t.TempDir()
	if err := Init(Config{Level: "not-a-level", LogDir: dir}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
}
