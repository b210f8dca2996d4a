package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigJSONC = `{
  // Engine invocation. The absolute path of the working descriptor is appended to cmd.
  "engine": {
    "cmd": ["tc"],
    "working_file": "Dummy.inp"
  },
  // Pattern directory; metadata YAML files live in data.metadata_dir below it.
  "data": {
    "dir": "data",
    "extension": "xy",
    "timecode_width": 6,
    "timecode_position": 1,
    "skip_rows": 1,
    "metadata_dir": "meta",
    "time_key": "time",
    "temperature_key": "element_temp"
  },
  "template": "template.inp",
  "refinement": {
    "count": 200,
    "reverse": false,
    "check_order": false
  },
  // 0 disables the signal-to-noise gate.
  "quality": {
    "snr_threshold": 0
  },
  "monitor": {
    "time_error": 1.1,
    "on_scale_value": 1e-5,
    "off_scale_value": 1e-100,
    "phases": []
  },
  "retention": {
    "keep_last": 50,
    "keep_days": 30
  }
}
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize an autorefine workspace",
		Long:  "Initialize an autorefine workspace by creating the .autorefine directory and installing a default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := workingDir()
			if err != nil {
				return err
			}

			dir := stateDir(repoRoot)
			log.Info().Str("dir", dir).Msg("creating autorefine directory")
			for _, sub := range []string{"runs", "locks"} {
				if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
					return fmt.Errorf("create %s dir: %w", sub, err)
				}
			}

			configPath := filepath.Join(repoRoot, defaultConfigPath)
			if _, err := os.Stat(configPath); err == nil {
				log.Info().Msg("config.json already exists, skipping")
			} else {
				log.Info().Str("path", configPath).Msg("installing default config")
				if err := os.WriteFile(configPath, []byte(defaultConfigJSONC), 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "autorefine initialized successfully")
			return nil
		},
	}
}
