package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/internal/runtime"
)

// newConfigCmd registers subcommands that inspect or mutate config.yaml.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or modify config.yaml",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigGetCmd(), newConfigSetCmd())
	return cmd
}

// newConfigInitCmd writes the default config for the workspace.
func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg := runtime.DefaultConfig()
			cfg.Workspace = ""
			if err := runtime.SaveConfig(cfgFile, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// newConfigGetCmd prints the value referenced by a dotted key.
func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Read a config value by dotted key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readConfigMap(cfgFile)
			if err != nil {
				return err
			}
			value, ok := getConfigValue(data, args[0])
			if !ok {
				return fmt.Errorf("key %s not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyValue(value))
			return nil
		},
	}
}

// newConfigSetCmd updates a dotted key with the provided value. The result
// must still load as a config.
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Update a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readConfigMap(cfgFile)
			if err != nil {
				return err
			}
			if err := setConfigValue(data, args[0], parseValue(args[1])); err != nil {
				return err
			}
			previous, readErr := os.ReadFile(cfgFile)
			if err := writeConfigMap(cfgFile, data); err != nil {
				return err
			}
			if _, err := runtime.LoadConfig(cfgFile); err != nil {
				if readErr == nil {
					_ = os.WriteFile(cfgFile, previous, 0o644)
				} else {
					_ = os.Remove(cfgFile)
				}
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
			return nil
		},
	}
}
