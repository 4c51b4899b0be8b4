package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/storyplay/config"
	"github.com/inercia/storyplay/internal/config"
)

var (
	configFormat string
	configOutput string
	configForce  bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the storyplay configuration",
	Long: `Print the effective configuration, after defaults and command line
overrides, or write a default configuration file.`,
	RunE: runConfigShow,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a configuration file holding the default settings.

The format follows the file extension (.yaml, .yml, .json or .toml).
YAML files carry comments describing every setting.

Examples:
  storyplay config create                           # Default config path
  storyplay config create --output ./storyplay.toml # TOML file
  storyplay config create --force                   # Overwrite existing file`,
	RunE: runConfigCreate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)

	configCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, json or toml")

	configCreateCmd.Flags().StringVarP(&configOutput, "output", "o", "",
		"Path of the config file (default: $"+config.ConfigEnv+" or the platform config dir)")
	configCreateCmd.Flags().BoolVar(&configForce, "force", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	return printConfig(os.Stdout, cfg, config.Format(configFormat))
}

func printConfig(w io.Writer, c *config.Config, format config.Format) error {
	data, err := c.Encode(format)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
		_, err = fmt.Fprintln(w)
	}
	return err
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutput
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Printf("⚠️  Configuration file already exists: %s\n", path)
		fmt.Println("Use --force to overwrite the existing file.")
		return nil
	}

	data := embeddedconfig.DefaultConfigYAML
	if format := config.FormatFromPath(path); format != config.FormatYAML {
		var err error
		data, err = config.Default().Encode(format)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Printf("✅ Configuration file created: %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Set server.url to your story server")
	fmt.Println("  2. Run 'storyplay play' to start playing")
	return nil
}
