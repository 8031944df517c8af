package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all reportflow server configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	ListenAddr          string `json:"listen_addr"`
	DBPath              string `json:"db_path"`
	DataDir             string `json:"data_dir"`
	ArtifactDir         string `json:"artifact_dir"`
	OutboxDir           string `json:"outbox_dir"`
	LogLevel            string `json:"log_level"`
	PoolSize            int    `json:"pool_size"`
	RedisURI            string `json:"redis_uri"`
	DispatchConcurrency int    `json:"dispatch_concurrency"`
	SchedulerIntervalS  int    `json:"scheduler_interval_seconds"`
	VaultPassphrase     string `json:"-"`
	VaultSalt           string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:          ":8600",
		DBPath:              "file:" + filepath.Join(reportflowDir(), "reportflow.db"),
		DataDir:             filepath.Join(reportflowDir(), "data"),
		ArtifactDir:         filepath.Join(reportflowDir(), "artifacts"),
		OutboxDir:           filepath.Join(reportflowDir(), "outbox"),
		LogLevel:            "info",
		PoolSize:            10,
		DispatchConcurrency: 4,
		SchedulerIntervalS:  60,
	}
}

func reportflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reportflow"
	}
	return filepath.Join(home, ".reportflow")
}

func settingsPath() string {
	return filepath.Join(reportflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: .env in the working directory feeds the env var layer.
	_ = godotenv.Load()

	// Layer 4: env vars override.
	if v := os.Getenv("REPORTFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REPORTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPORTFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REPORTFLOW_ARTIFACT_DIR"); v != "" {
		cfg.ArtifactDir = v
	}
	if v := os.Getenv("REPORTFLOW_OUTBOX_DIR"); v != "" {
		cfg.OutboxDir = v
	}
	if v := os.Getenv("REPORTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPORTFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("REPORTFLOW_REDIS_URI"); v != "" {
		cfg.RedisURI = v
	}
	if v := os.Getenv("REPORTFLOW_DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchConcurrency = n
		}
	}
	if v := os.Getenv("REPORTFLOW_SCHEDULER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerIntervalS = n
		}
	}
	// The passphrase only ever comes from the environment.
	cfg.VaultPassphrase = os.Getenv("REPORTFLOW_VAULT_PASSPHRASE")
	if v := os.Getenv("REPORTFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}

func (c Config) schedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalS) * time.Second
}
