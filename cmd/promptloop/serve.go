package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/internal/runtime"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the built-in tools the generator offers the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, runtime.WithoutConnector())
			if err != nil {
				return err
			}
			defer rt.Close()
			if asJSON {
				return printJSON(cmd, rt.Tools.Schemas())
			}
			out := cmd.OutOrStdout()
			for _, tool := range rt.Tools.All() {
				desc := tool.Describe()
				fmt.Fprintf(out, "%s  %s\n", assistantStyle.Render(desc.Name), desc.Brief)
				for _, p := range desc.Params {
					required := ""
					if p.Required {
						required = " (required)"
					}
					fmt.Fprintf(out, "    %s %s%s %s\n", p.Name, dimStyle.Render(string(p.Type)), required, p.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the function schemas sent to the backend")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.ServerAddr
			}
			api := rt.Server()
			api.GenerateTimeout = timeout

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.Printf("Starting API server on %s using %s model %s\n", addr, rt.Config.Backend.Provider, rt.Config.Backend.Model)
			if err := api.ServeContext(ctx, addr); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("PROMPTLOOP_SERVER_ADDR", ""), "Address for the HTTP API server (default from config)")
	cmd.Flags().DurationVar(&timeout, "generate-timeout", 0, "Bound on one generate request (default 5m)")
	return cmd
}
