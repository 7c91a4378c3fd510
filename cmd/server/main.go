// chatd - streaming chat assistant backend
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/chatd/internal/config"
)

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:           "chatd",
		Short:         "Streaming chat assistant backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create database tables and indexes, then exit",
		RunE:  runMigrate,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("chatd failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the environment and configuration and installs the process
// logger. The returned cleanup closes the log file.
func setup() (*config.Config, *slog.Logger, func(), error) {
	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg)
	slog.SetDefault(logger)

	cleanup := func() {
		if err := closeLog(); err != nil {
			slog.Warn("failed to close log file", "error", err)
		}
	}
	return cfg, logger, cleanup, nil
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "chatd (unknown)"
	}
	version := bi.Main.Version
	revision := ""
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			revision = s.Value
		}
	}
	if revision != "" {
		return fmt.Sprintf("chatd %s (%s, %s)", version, revision, bi.GoVersion)
	}
	return fmt.Sprintf("chatd %s (%s)", version, bi.GoVersion)
}
