package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"attendsync/internal/attendsync"
)

const defaultConfigPath = "/attendsync.yaml"

var (
	configPath string
	envFile    string

	rootCmd = &cobra.Command{
		Use:   "attendsync",
		Short: "Offline-first attendance proxy",
		Long: `attendsync sits between the attendance pages and the origin server.
It serves pages and assets from tiered caches when the origin is unreachable,
captures failed attendance writes into a durable outbox and replays them once
the origin answers again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to attendsync.yaml (env ATTENDSYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadEnv reads a dotenv file if present. Variables already set in the
// environment win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig resolves the config path (flag, then ATTENDSYNC_CONFIG, then the
// default) and applies the ATTENDSYNC_DEBUG override.
func loadConfig() (attendsync.Config, error) {
	path := firstNonEmpty(configPath, os.Getenv("ATTENDSYNC_CONFIG"), defaultConfigPath)
	cfg, err := attendsync.LoadConfig(path)
	if err != nil {
		return attendsync.Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if v, ok := os.LookupEnv("ATTENDSYNC_DEBUG"); ok {
		lvl, err := attendsync.ParseDebugLevel(v)
		if err != nil {
			return attendsync.Config{}, fmt.Errorf("ATTENDSYNC_DEBUG: %w", err)
		}
		cfg.SetDebugLevel(lvl)
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
