package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage segpulse configuration",
	Long: `am - Manage segpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. /etc/segpulse/am.toml
3. ~/.segpulse/am.toml
4. ./am.toml (searched upward from the working directory)
5. SEGPULSE_* environment variables

Examples:
  segpulse am show                               # Effective configuration, secrets masked
  segpulse am show --format json
  segpulse am set pulse.retry.delay_seconds 60   # Persist a value to ~/.segpulse/am.toml
  segpulse am where                              # Which files are loaded
  segpulse am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a dotted key (e.g. pulse.retry.max_retries) into a TOML config file.
The previous file is rotated into .back1-.back3 first. A running
"segpulse serve" picks the change up without restarting.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are loaded",
	RunE:  runAmWhere,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")
	amSetCmd.Flags().String("file", "", "Config file to write (default ~/.segpulse/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeConfig(cmd.OutOrStdout(), cfg, format)
}

// writeConfig renders cfg in the given format with secrets masked
func writeConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "toml":
		data, err := cfg.MarshalTOML()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# segpulse configuration\n%s", data)

	case "json":
		data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# segpulse configuration\n%s", data)

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = am.UserConfigPath()
	}
	if path == "" {
		return errors.New("cannot resolve home directory; pass --file")
	}

	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}

	// Reject writes that leave the file unloadable or invalid
	cfg, err := am.LoadFromFile(path)
	if err != nil {
		return errors.Wrapf(err, "%s no longer loads", path)
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printf("%s was written but is invalid: %v\n", path, err)
	}

	pterm.Success.Printf("%s = %s (%s)\n", args[0], args[1], path)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	files := am.ActiveConfigFiles()
	if len(files) == 0 {
		fmt.Fprintln(out, "No config files found; using defaults and SEGPULSE_* environment variables")
		return nil
	}

	fmt.Fprintln(out, "Loaded config files (later overrides earlier):")
	for i, f := range files {
		fmt.Fprintf(out, "  %d. %s\n", i+1, f)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	pterm.Success.Println("Configuration is valid")
	return nil
}
