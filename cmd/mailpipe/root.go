package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nhle/mailpipe/internal/app"
	"github.com/nhle/mailpipe/internal/logging"
	"github.com/nhle/mailpipe/internal/model"
)

var (
	configPath string
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "mailpipe",
	Short: "Inbox sync and thread-processing pipeline",
	Long: `mailpipe lists a user's mailbox, groups messages into threads and runs
each batch through a gate and several extraction passes. Results are kept
per user and can be read back with the summary command.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "human readable logs")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads .env, then the config file, then applies flag overrides.
func loadConfig() (*model.AppConfig, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if prettyLogs {
		cfg.Log.Pretty = true
	}
	return cfg, nil
}

// withApp wires the application, runs fn and closes every backend.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, os.Stderr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("closing backends")
		}
	}()

	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
