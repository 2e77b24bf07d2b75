package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/anthropics/oversqlite/internal/model"
)

// fileConfig is the on-disk shape of the demo CLI's config file. The library
// itself never reads files; only this CLI layer does.
type fileConfig struct {
	DBPath  string `toml:"db_path"`
	BaseURL string `toml:"base_url"`
	UserID  string `toml:"user_id"`
	Schema  string `toml:"schema"`

	SyncTables []fileTableConfig `toml:"sync_tables"`

	UploadLimit        int  `toml:"upload_limit"`
	DownloadLimit      int  `toml:"download_limit"`
	SyncWindowLookback int  `toml:"sync_window_lookback"`
	LookbackMaxPasses  int  `toml:"lookback_max_passes"`
	VerboseLogs        bool `toml:"verbose_logs"`
}

type fileTableConfig struct {
	TableName     string `toml:"table_name"`
	SyncKeyColumn string `toml:"sync_key_column_name"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from an explicit operator-provided --config flag
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg fileConfig
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Schema == "" {
		return nil, fmt.Errorf("config %s: schema is required", path)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("config %s: db_path is required", path)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config %s: base_url is required", path)
	}
	return &cfg, nil
}

func (fc *fileConfig) syncTables() []model.TableConfig {
	out := make([]model.TableConfig, len(fc.SyncTables))
	for i, t := range fc.SyncTables {
		out[i] = model.TableConfig{TableName: t.TableName, SyncKeyColumn: t.SyncKeyColumn}
	}
	return out
}
