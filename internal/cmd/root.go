// Package cmd provides the CLI commands for storyplay.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/storyplay/internal/appdir"
	"github.com/inercia/storyplay/internal/client"
	"github.com/inercia/storyplay/internal/config"
	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/store"
)

var (
	// Global flags
	configPath    string
	serverURL     string
	sessionFlag   string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file the configuration was read from, if any.
	cfgSource string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "storyplay",
	Short: "storyplay - A terminal client for interactive story sessions",
	Long: `storyplay connects to a story server and lets you play a story
session from the terminal.

Replies stream in as the narrator writes them, the connection is
restored automatically when it drops, and the last session is
remembered between runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := loadConfig(); err != nil {
			return err
		}
		applyFlagOverrides()

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		if err := logging.Initialize(loggingConfig()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if cfgSource != "" {
			logging.CLI().Debug("Configuration loaded", "path", cfgSource)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (YAML, JSON or TOML, default: $"+config.ConfigEnv+" or the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Story server base URL (overrides server.url)")
	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "Story session id (overrides session.id)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'conn,stream'). Empty means all components.")
}

// loadConfig loads the configuration. An explicit --config must exist;
// the default path is optional.
func loadConfig() error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath, false)
		if err != nil {
			return err
		}
		cfgSource = configPath
		return nil
	}

	path := config.DefaultConfigPath()
	cfg, err = config.Load(path, true)
	if err != nil {
		return err
	}
	cfgSource = path
	return nil
}

func applyFlagOverrides() {
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if sessionFlag != "" {
		cfg.Session.ID = sessionFlag
	}
	// Priority: --log-level flag > --debug flag > config file
	if logLevel != "" {
		cfg.Log.Level = logLevel
	} else if debug {
		cfg.Log.Level = "debug"
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
}

func loggingConfig() logging.Config {
	lc := logging.Config{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		Components: splitList(logComponents),
	}
	if cfg.Log.File != "" {
		lc.File = &logging.FileConfig{Path: cfg.Log.File}
	}
	return lc
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// newClient returns the REST client for the configured server.
func newClient() *client.Client {
	return client.New(cfg.Server.URL, cfg.ClientOptions()...)
}

// openStore opens the configured store, in the data directory unless a
// path is set.
func openStore() (store.KV, error) {
	path := cfg.Store.Path
	if path == "" {
		var err error
		path, err = appdir.StorePath(cfg.Store.Backend)
		if err != nil {
			return nil, err
		}
	}
	return store.Open(cfg.Store.Backend, path)
}

// resolveSessionID returns the configured session id, or the last-used one.
func resolveSessionID(kv store.KV) string {
	if cfg.Session.ID != "" {
		return cfg.Session.ID
	}
	if kv == nil {
		return ""
	}
	id, ok, err := kv.Get(client.LastSessionKey)
	if err != nil {
		logging.CLI().Warn("Failed to read last session", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}
