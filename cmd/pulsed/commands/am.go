package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/sym"
)

// AmCmd groups the configuration commands
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and initialize pulsed configuration",
	Long: sym.AM + ` am - pulsed configuration

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. /etc/pulsed/pulsed.toml
  3. ~/.pulsed/pulsed.toml
  4. ./pulsed.toml
  5. PULSED_* environment variables (PULSED_REDIS_ADDR, PULSED_DATABASE_DSN, ...)

Examples:
  pulsed am show                  # Effective configuration as toml
  pulsed am show --format json    # ... or json / yaml
  pulsed am init                  # Write defaults to ./pulsed.toml
  pulsed am validate              # Check the effective configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Long:  "Write the built-in defaults as toml (./pulsed.toml unless a path is given). An existing file is rotated to .back1.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are read",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", am.FormatTOML, "Output format: toml, json, yaml")

	amWhereCmd.Flags().Bool("all", false, "Include settings left at their defaults")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.GetViper().AllSettings()
	if r, ok := settings["redis"].(map[string]interface{}); ok {
		if pw, _ := r["password"].(string); pw != "" {
			r["password"] = "********"
		}
	}
	data, err := am.Render(settings, configFormat)
	if err != nil {
		return err
	}
	if configFormat != am.FormatJSON {
		fmt.Fprintln(cmd.OutOrStdout(), "# pulsed configuration")
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "invalid path %s", path)
	}

	v := viper.New()
	am.SetDefaults(v)
	if err := am.WriteConfig(abs, v.AllSettings()); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote defaults to %s\n", abs)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	active := am.ActiveConfigPath()
	files := pterm.TableData{{"#", "Path", "Status"}}
	for i, path := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "merged"
			if path == active {
				status = "merged, watched"
			}
		}
		files = append(files, []string{fmt.Sprintf("%d", i+1), path, status})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(files).Render(); err != nil {
		return err
	}

	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}
	showAll, _ := cmd.Flags().GetBool("all")
	settings := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range intro.Settings {
		if s.Source == am.SourceDefault && !showAll {
			continue
		}
		value := fmt.Sprintf("%v", s.Value)
		if s.Key == "redis.password" && value != "" {
			value = "********"
		}
		settings = append(settings, []string{s.Key, value, string(s.Source), s.SourcePath})
	}
	fmt.Fprintln(cmd.OutOrStdout())
	if len(settings) == 1 {
		pterm.Info.Println("All settings are built-in defaults (--all to list them)")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(settings).Render()
}
