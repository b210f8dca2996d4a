package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ResolvesRelativePaths(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, writeTestFile(filepath.Join(repoRoot, defaultConfigPath), `{
		// scans live next to the workspace
		"data": {"dir": "scans"},
		"template": "/abs/template.inp",
		"engine": {"cmd": ["tc"], "dir": "engine"},
		"refinement": {"count": 5}
	}`))

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	cfg, err := loadConfig(repoRoot)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repoRoot, "scans"), cfg.Data.Dir)
	assert.Equal(t, "/abs/template.inp", cfg.Template)
	assert.Equal(t, filepath.Join(repoRoot, "engine"), cfg.Engine.Dir)
	assert.Equal(t, 5, cfg.Refinement.Count)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, writeTestFile(filepath.Join(repoRoot, defaultConfigPath), `{"data": {"dir": "scans"}, "template": "t.inp"}`))
	t.Setenv("AUTOREFINE_REFINEMENT_COUNT", "7")

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	cfg, err := loadConfig(repoRoot)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Refinement.Count)
}

func TestLoadConfig_Missing(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	_, err := loadConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func writeTestFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
