package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsLoadable(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, writeTestFile(filepath.Join(repoRoot, defaultConfigPath), defaultConfigJSONC))

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	cfg, err := loadConfig(repoRoot)
	require.NoError(t, err)
	assert.Equal(t, []string{"tc"}, cfg.Engine.Cmd)
	assert.Equal(t, filepath.Join(repoRoot, "template.inp"), cfg.Template)
	assert.Equal(t, 50, cfg.Retention.KeepLast)
}
