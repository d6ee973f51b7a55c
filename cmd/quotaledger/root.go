package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "quotaledger",
	Short: "Quota reservation and settlement ledger",
	Long: `quotaledger holds per-user quota pools and settles metered calls
against them.

A call reserves an amount up front, reports its actual cost when it
finishes, and the ledger refunds or charges the difference. Authorizations
that are never reported are released once their TTL passes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		slog.SetDefault(newLogger(logLevel))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotaledger.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// loadEnvFile exports the variables of a dotenv file that are not already
// set in the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		os.Setenv(k, v)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (quotaledger.Config, error) {
	cfg, err := quotaledger.LoadConfig(cfgFile)
	if err != nil {
		return quotaledger.Config{}, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}
