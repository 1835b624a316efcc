package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailpipe/internal/app"
)

var runID string

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap <user-id>",
	Short: "Run or resume the sign-in workflow for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Service.Bootstrap(cmd.Context(), args[0], runID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "List the inbox and process the listed threads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Service.SyncInbox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process <user-id> <thread-id>...",
	Short: "Process the given threads as one batch",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Service.ProcessThreads(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <user-id> <thread-id>...",
	Short: "Add thread IDs to the stored set",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			added, err := a.Service.AppendThreads(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"added": added})
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <user-id>",
	Short: "Print the last persisted report set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			set, ok, err := a.Service.GetThreadBatchAISummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), nil)
			}
			return printJSON(cmd.OutOrStdout(), set)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Print how the last processing run ended",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			status, ok, err := a.Service.LastRunStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), nil)
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads <user-id>",
	Short: "Print the threads known from the last sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			refs, err := a.Service.GetUserThreads(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), refs)
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Periodically re-sync the users listed in sync.users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, func(a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

func init() {
	bootstrapCmd.Flags().StringVar(&runID, "run-id", "", "resume the run with this ID instead of starting a new one")

	rootCmd.AddCommand(
		bootstrapCmd,
		syncCmd,
		processCmd,
		appendCmd,
		summaryCmd,
		statusCmd,
		threadsCmd,
		serveCmd,
	)
}
