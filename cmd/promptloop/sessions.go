package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/internal/runtime"
)

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{Use: "sessions", Short: "Inspect stored chat sessions"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, runtime.WithoutConnector())
			if err != nil {
				return err
			}
			defer rt.Close()
			sessions, err := rt.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", s.ID, s.Entries, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, runtime.WithoutConnector())
			if err != nil {
				return err
			}
			defer rt.Close()
			history, err := rt.Store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, history)
			}
			printEntries(cmd.OutOrStdout(), history)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw chat log")

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, runtime.WithoutConnector())
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
			return nil
		},
	}

	sessionsCmd.AddCommand(listCmd, showCmd, deleteCmd)
	return sessionsCmd
}
