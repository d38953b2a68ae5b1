package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/bulk-messaging/internal/app"
	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
)

var (
	scheduleTo    []string
	scheduleTexts []string
	scheduleMedia []string
	scheduleSet   string
	scheduleAt    string
	scheduleIn    time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Scheduled job commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs, latest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show a job with per-recipient results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule messages for later delivery",
	Example: `  wasched jobs schedule --to 36201234567@c.us --to 36207654321@c.us \
    --text "Hello" --media image=./promo.jpg --in 2h
  wasched jobs schedule --to 36201234567@c.us --set <message_set_id> --at 2026-05-01T09:00:00Z`,
	RunE: runJobsSchedule,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Queue a failed or partial job again",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear-history",
	Short: "Delete every job that is no longer pending",
	RunE:  runJobsClear,
}

func init() {
	f := jobsScheduleCmd.Flags()
	f.StringSliceVar(&scheduleTo, "to", nil, "Recipient id (repeatable), e.g. 36201234567@c.us")
	f.StringArrayVar(&scheduleTexts, "text", nil, "Text message (repeatable)")
	f.StringArrayVar(&scheduleMedia, "media", nil, "Media message as kind=path (image, video, audio, file)")
	f.StringVar(&scheduleSet, "set", "", "Use the messages of a stored message set")
	f.StringVar(&scheduleAt, "at", "", "Delivery time (RFC 3339)")
	f.DurationVar(&scheduleIn, "in", 0, "Delivery delay from now, e.g. 30m")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsScheduleCmd, jobsCancelCmd, jobsRetryCmd, jobsClearCmd)
	rootCmd.AddCommand(jobsCmd)
}

// withControl runs fn against the job service and closes the store after.
func withControl(fn func(ctx context.Context, svc *jobs.Service, store *repo.SQLStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	svc, store, err := app.OpenControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, svc, store)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		items, err := svc.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No scheduled jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULED\tRECIPIENTS\tMESSAGES\tERROR")
		for _, j := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				j.ID, statusLabel(j), j.ScheduledTime.Local().Format(time.DateTime),
				len(j.RecipientIDs), len(j.Messages), truncate(j.Error, 40))
		}
		return w.Flush()
	})
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		j, err := svc.Get(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:         %s\n", j.ID)
		fmt.Printf("Status:     %s\n", statusLabel(j))
		fmt.Printf("Scheduled:  %s\n", j.ScheduledTime.Local().Format(time.DateTime))
		if j.SentTime != nil {
			fmt.Printf("Sent:       %s\n", j.SentTime.Local().Format(time.DateTime))
		}
		if j.MessageSetID != "" {
			fmt.Printf("Set:        %s\n", j.MessageSetID)
		}
		if j.Error != "" {
			fmt.Printf("Error:      %s\n", j.Error)
		}
		fmt.Printf("Messages:   %d\n", len(j.Messages))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nRECIPIENT\tRESULT\tERROR")
		for _, rid := range j.RecipientIDs {
			result, detail := "-", ""
			for _, r := range j.Results {
				if r.RecipientID != rid {
					continue
				}
				switch {
				case r.Success:
					result = "sent"
				case r.Skipped:
					result = "skipped"
				default:
					result = "failed"
				}
				detail = r.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", rid, result, detail)
		}
		return w.Flush()
	})
}

func runJobsSchedule(cmd *cobra.Command, args []string) error {
	at, err := deliveryTime(scheduleAt, scheduleIn, time.Now())
	if err != nil {
		return err
	}
	messages, err := buildMessages(scheduleTexts, scheduleMedia)
	if err != nil {
		return err
	}

	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		job, err := svc.Schedule(ctx, jobs.ScheduleRequest{
			RecipientIDs:  scheduleTo,
			Messages:      messages,
			MessageSetID:  scheduleSet,
			ScheduledTime: at,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Scheduled job %s for %s (%d recipients, %d messages)\n",
			job.ID, job.ScheduledTime.Local().Format(time.DateTime), len(job.RecipientIDs), len(job.Messages))
		return nil
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		if err := svc.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	})
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		if _, err := svc.Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %s queued for retry\n", args[0])
		return nil
	})
}

func runJobsClear(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		n, err := svc.ClearHistory(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d finished jobs\n", n)
		return nil
	})
}

// deliveryTime resolves --at / --in into an absolute time.
func deliveryTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, errors.New("use either --at or --in, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	case in > 0:
		return now.Add(in), nil
	}
	return time.Time{}, errors.New("a delivery time is required (--at or --in)")
}

// buildMessages turns --text and --media flags into message items, texts first.
func buildMessages(texts, media []string) ([]model.MessageItem, error) {
	out := make([]model.MessageItem, 0, len(texts)+len(media))
	for i, t := range texts {
		out = append(out, model.MessageItem{ID: fmt.Sprintf("t%d", i+1), Kind: model.KindText, Content: t})
	}
	for i, spec := range media {
		kind, path, ok := strings.Cut(spec, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --media %q, want kind=path", spec)
		}
		item := model.MessageItem{
			ID:       fmt.Sprintf("m%d", i+1),
			Kind:     model.MessageKind(strings.ToLower(kind)),
			FilePath: path,
			FileName: filepath.Base(path),
		}
		if !item.Kind.IsMedia() {
			return nil, fmt.Errorf("invalid --media kind %q", kind)
		}
		out = append(out, item)
	}
	return out, nil
}

func statusLabel(j model.ScheduledJob) string {
	if j.Running() {
		return "running"
	}
	return string(j.Status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
