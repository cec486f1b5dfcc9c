package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/phaseflow/store"
	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 🗂️ sessions 命令
// =============================================================================

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect archived workflow sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(flags),
		newSessionsShowCmd(flags),
		newSessionsDeleteCmd(flags),
	)
	return cmd
}

// withStore 打开配置中的存储并在 fn 返回后关闭
func withStore(cmd *cobra.Command, flags *globalFlags, fn func(store.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	s, err := store.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newSessionsListCmd(flags *globalFlags) *cobra.Command {
	var (
		workflowName string
		status       string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !workflow.Status(status).IsTerminal() {
				return fmt.Errorf("invalid --status %q (want completed, failed or paused)", status)
			}
			return withStore(cmd, flags, func(s store.Store) error {
				records, err := s.List(cmd.Context(), store.ListOptions{
					Workflow: workflowName,
					Status:   workflow.Status(status),
					Limit:    limit,
				})
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tFAILED PHASE")
				for _, r := range records {
					duration := "-"
					if !r.FinishedAt.IsZero() {
						duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
					}
					failed := orDash(r.FailedPhase)
					if r.FailureCode != "" {
						failed = fmt.Sprintf("%s (%s)", failed, r.FailureCode)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.SessionID, r.Workflow, r.Status, r.StartedAt.Format(time.RFC3339), duration, failed)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Total: %d\n", len(records))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow", "", "Only sessions of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "Only sessions with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions (0 for all)")
	return cmd
}

func newSessionsShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the archived state of a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(s store.Store) error {
				state, err := s.Load(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("session %q not found", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			})
		},
	}
}

func newSessionsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, flags, func(s store.Store) error {
				err := s.Delete(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("session %q not found", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
				return nil
			})
		},
	}
}
