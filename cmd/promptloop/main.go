package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/internal/runtime"
)

var (
	cfgFile   string
	workspace string
	flagDebug bool

	globalCfg runtime.Config
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfgFile, workspace, flagDebug = "", "", false
	root := &cobra.Command{
		Use:           "promptloop",
		Short:         "Prompt templates, reply parsers and tool-calling generation against chat backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				workspace = envOrDefault("PROMPTLOOP_WORKSPACE", "")
			}
			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workspace = wd
			}
			abs, err := filepath.Abs(workspace)
			if err != nil {
				return err
			}
			workspace = abs
			if cfgFile == "" {
				cfgFile = envOrDefault("PROMPTLOOP_CONFIG", runtime.DefaultConfigPath(workspace))
			}
			cfg, err := runtime.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			// an explicit workspace beats the one recorded in the file
			if cmd.Flags().Changed("workspace") || os.Getenv("PROMPTLOOP_WORKSPACE") != "" || cfg.Workspace == "" {
				cfg.Workspace = workspace
			}
			if flagDebug {
				cfg.Debug = true
			}
			globalCfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "Workspace directory (tools, sessions and logs live here)")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default <workspace>/.promptloop/config.yaml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Log backend payloads and telemetry")

	root.AddCommand(
		newRenderCmd(),
		newParseCmd(),
		newChatCmd(),
		newEmbedCmd(),
		newToolsCmd(),
		newServeCmd(),
		newSessionsCmd(),
		newConfigCmd(),
	)
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadRuntime builds a runtime from the loaded config. Debug output goes to
// stderr so it never mixes with command results.
func loadRuntime(cmd *cobra.Command, opts ...runtime.Option) (*runtime.Runtime, error) {
	if globalCfg.Debug {
		opts = append([]runtime.Option{runtime.WithLogOutput(cmd.ErrOrStderr())}, opts...)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return runtime.New(ctx, globalCfg, opts...)
}
