package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clinscribe/internal/app"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context(), app.Options{Offline: true})
			if err != nil {
				return err
			}
			defer a.Shutdown(cmd.Context())

			sessions, err := a.Sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			for _, s := range sessions {
				final := ""
				if s.Documentation.IsFinalized {
					final = " finalized"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-9s %4d segments  %s%s\n",
					s.ID, s.CreatedAt.Local().Format(time.DateTime), s.Status,
					len(s.Transcript), formatDuration(s.Metadata.Duration), final)
			}
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript and documentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context(), app.Options{Offline: true})
			if err != nil {
				return err
			}
			defer a.Shutdown(cmd.Context())

			s, err := a.Sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(s, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			printSession(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return cmd
}

func newFinalizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <session-id>",
		Short: "Mark a session's documentation as final",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context(), app.Options{Offline: true})
			if err != nil {
				return err
			}
			defer a.Shutdown(cmd.Context())

			if _, err := a.Sessions.Finalize(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s finalized.\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context(), app.Options{Offline: true})
			if err != nil {
				return err
			}
			defer a.Shutdown(cmd.Context())

			if err := a.Sessions.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted.\n", args[0])
			return nil
		},
	}
}

func formatDuration(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
