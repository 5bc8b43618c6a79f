package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultAddr            = ":8080"
	defaultDataDir         = "data"
	defaultAccountName     = "Newsstand"
	defaultRefreshInterval = 30 * time.Minute
)

// Config holds runtime settings for the service.
type Config struct {
	Addr            string
	DataDir         string
	DBPath          string
	AccountName     string
	LegacyPath      string
	RefreshInterval time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:        os.Getenv("NEWSSTAND_ADDR"),
		DataDir:     os.Getenv("NEWSSTAND_DATA_DIR"),
		DBPath:      os.Getenv("NEWSSTAND_DB_PATH"),
		AccountName: os.Getenv("NEWSSTAND_ACCOUNT_NAME"),
		LegacyPath:  os.Getenv("NEWSSTAND_LEGACY_PATH"),
	}

	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "articles.db")
	}
	if cfg.AccountName == "" {
		cfg.AccountName = defaultAccountName
	}

	cfg.RefreshInterval = defaultRefreshInterval
	if raw := os.Getenv("NEWSSTAND_REFRESH_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("NEWSSTAND_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = interval
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("Addr is required")
	}
	if c.DataDir == "" {
		return errors.New("DataDir is required")
	}
	if c.DBPath == "" {
		return errors.New("DBPath is required")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("RefreshInterval must be positive: %s", c.RefreshInterval)
	}
	return nil
}
