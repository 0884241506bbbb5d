package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tiercache/internal/tiercache"
)

var version = "0.3.0"

var globalOptions struct {
	ConfigPath string
}

// cmdRoot serves the proxy when no subcommand is given.
var cmdRoot = &cobra.Command{
	Use:   "tiercache",
	Short: "Tiered caching edge proxy for the site",
	Long: `
tiercache sits in front of the site origin and serves pages, images, static
assets and API responses from versioned cache partitions. Failed JSON form
posts are queued and replayed when the origin comes back.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.ConfigPath, "config", getenvDefault("TIERCACHE_CONFIG", "/tiercache.yaml"), "path to tiercache.yaml")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (tiercache.Config, zerolog.Logger, error) {
	cfg, err := tiercache.LoadConfig(globalOptions.ConfigPath)
	if err != nil {
		return tiercache.Config{}, zerolog.Logger{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, newLogger(cfg.Logging.Level), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
