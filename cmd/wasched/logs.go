package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
)

var (
	logsRecipient string
	logsLimit     int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the send audit log, newest first",
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsRecipient, "recipient", "", "Only entries for this recipient id")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Maximum number of entries to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, _ *jobs.Service, store *repo.SQLStore) error {
		entries, err := store.ListSendLogs(ctx, logsRecipient, logsLimit)
		if err != nil {
			return fmt.Errorf("failed to list send logs: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No send log entries")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tRECIPIENT\tSTATUS\tSET\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.SentAt.Local().Format(time.DateTime), e.RecipientID, e.Status, e.MessageSetID, truncate(e.Error, 50))
		}
		return w.Flush()
	})
}
