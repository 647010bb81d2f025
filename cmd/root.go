// Package cmd implements the coreclaw command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:     "coreclaw",
	Short:   "Single-host orchestrator for sandboxed AI communication workers",
	Long: `coreclaw triages incoming messages into tasks, runs them inside
sandboxed worker processes, reviews the results and manages the resulting
drafts through a human approval loop.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .coreclaw/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

// SetVersion overrides the version shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration and initialises logging next to the store.
func loadConfig() (config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}

	logPath := filepath.Join(filepath.Dir(cfg.DBPath), "coreclaw.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return config.Config{}, nil, fmt.Errorf("creating log directory: %w", err)
	}
	closeLog, err := log.Init(logPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("initialising log: %w", err)
	}
	if debug || cfg.Debug {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}
	return cfg, closeLog, nil
}
