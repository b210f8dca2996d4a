package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/autorefine/internal/config"
	"github.com/spf13/viper"
)

// loadConfig reads the config named by --config. Relative data, template and engine paths
// are resolved against repoRoot.
func loadConfig(repoRoot string) (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Data.Dir = resolvePath(repoRoot, cfg.Data.Dir)
	cfg.Template = resolvePath(repoRoot, cfg.Template)
	if cfg.Engine.Dir != "" {
		cfg.Engine.Dir = resolvePath(repoRoot, cfg.Engine.Dir)
	}
	return cfg, nil
}

func resolvePath(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
