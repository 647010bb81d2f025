package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/app"
	"github.com/coreclaw/coreclaw/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// First run: write a commented default config so operators have
	// something to edit.
	if cfgFile == "" {
		if _, err := os.Stat(config.DefaultConfigPath); os.IsNotExist(err) {
			if writeErr := config.WriteDefaultConfig(config.DefaultConfigPath); writeErr != nil {
				return writeErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", config.DefaultConfigPath)
		}
	}

	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "coreclaw serving (mode=%s, db=%s)\n", cfg.Mode, cfg.DBPath)
	return a.Run(ctx)
}
