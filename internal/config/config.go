// Package config loads crawlkit's configuration from a YAML file and
// the CRAWLKIT_* environment variables, the way the teacher project
// layers viper defaults, file, then CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Autoscale AutoscaleConfig `mapstructure:"autoscale"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AutoscaleConfig configures internal/autoscale.Pool.
type AutoscaleConfig struct {
	MinConcurrency          int     `mapstructure:"min_concurrency"`
	MaxConcurrency          int     `mapstructure:"max_concurrency"`
	DesiredConcurrencyRatio float64 `mapstructure:"desired_concurrency_ratio"`
	ScaleUpStepRatio        float64 `mapstructure:"scale_up_step_ratio"`
	ScaleDownStepRatio      float64 `mapstructure:"scale_down_step_ratio"`
	AutoscaleIntervalSecs   float64 `mapstructure:"autoscale_interval_secs"`
	MaybeRunIntervalSecs    float64 `mapstructure:"maybe_run_interval_secs"`
	MaxTasksPerMinute       int     `mapstructure:"max_tasks_per_minute"`
}

// BrowserConfig configures internal/browserpool.Pool.
type BrowserConfig struct {
	Headless                  bool  `mapstructure:"headless"`
	MaxOpenPagesPerInstance   int   `mapstructure:"max_open_pages_per_instance"`
	RetireInstanceAfterCount  int   `mapstructure:"retire_instance_after_request_count"`
	KillInstanceAfterMillis   int64 `mapstructure:"kill_instance_after_millis"`
	ReusePages                bool  `mapstructure:"reuse_pages"`
}

// StorageConfig binds the §6 storage/env-var surface.
type StorageConfig struct {
	LocalStorageDir          string `mapstructure:"local_storage_dir"`
	Token                    string `mapstructure:"token"`
	APIBaseURL               string `mapstructure:"api_base_url"`
	DefaultKeyValueStoreID   string `mapstructure:"default_key_value_store_id"`
	DefaultRequestQueueID    string `mapstructure:"default_request_queue_id"`
	IsAtHome                 bool   `mapstructure:"is_at_home"`
	MemoryMBytes             int64  `mapstructure:"memory_mbytes"`
}

// LoggingConfig binds to internal/logging.Config.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// envPrefix namespaces the recognized environment variables, e.g.
// CRAWLKIT_LOCAL_STORAGE_DIR, CRAWLKIT_HEADLESS, CRAWLKIT_MEMORY_MBYTES.
const envPrefix = "CRAWLKIT"

// Load reads configPath (or searches default locations) layered over
// built-in defaults and CRAWLKIT_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crawlkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlkit"))
		}
	}

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("autoscale.min_concurrency", 1)
	v.SetDefault("autoscale.max_concurrency", 200)
	v.SetDefault("autoscale.desired_concurrency_ratio", 0.95)
	v.SetDefault("autoscale.scale_up_step_ratio", 0.05)
	v.SetDefault("autoscale.scale_down_step_ratio", 0.05)
	v.SetDefault("autoscale.autoscale_interval_secs", 10.0)
	v.SetDefault("autoscale.maybe_run_interval_secs", 0.5)
	v.SetDefault("autoscale.max_tasks_per_minute", 0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_open_pages_per_instance", 20)
	v.SetDefault("browser.retire_instance_after_request_count", 100)
	v.SetDefault("browser.kill_instance_after_millis", int64(5*60*1000))
	v.SetDefault("browser.reuse_pages", true)

	v.SetDefault("storage.local_storage_dir", "./storage")
	v.SetDefault("storage.is_at_home", false)
	v.SetDefault("storage.memory_mbytes", int64(0))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)
}

// bindEnv wires the §6 environment variable table onto their config
// fields so CRAWLKIT_HEADLESS=false etc. override the file/defaults.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	binds := map[string]string{
		"storage.local_storage_dir":            "LOCAL_STORAGE_DIR",
		"storage.token":                        "TOKEN",
		"storage.api_base_url":                 "API_BASE_URL",
		"storage.default_key_value_store_id":   "DEFAULT_KEY_VALUE_STORE_ID",
		"storage.default_request_queue_id":     "DEFAULT_REQUEST_QUEUE_ID",
		"storage.is_at_home":                   "IS_AT_HOME",
		"browser.headless":                     "HEADLESS",
		"storage.memory_mbytes":                "MEMORY_MBYTES",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, envPrefix+"_"+env)
	}
}
