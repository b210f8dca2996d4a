package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/metalagman/autorefine/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const stateDirName = ".autorefine"

var defaultConfigPath = filepath.Join(stateDirName, "config.json")

var (
	cfgFile string
	debug   bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autorefine",
		Short: "autorefine drives sequential Rietveld refinements over a time series of patterns",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(debug)
			return loadDotEnv()
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and mirror engine output")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runsCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadDotEnv loads .autorefine/.env into the environment without overriding existing variables.
func loadDotEnv() error {
	path := filepath.Join(stateDirName, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("loaded environment file")
	return nil
}

func stateDir(repoRoot string) string {
	return filepath.Join(repoRoot, stateDirName)
}

func workingDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}
	return dir, nil
}
