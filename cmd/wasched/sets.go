package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
)

var (
	setID    string
	setName  string
	setTexts []string
	setMedia []string
)

var setsCmd = &cobra.Command{
	Use:   "sets",
	Short: "Message set commands",
}

var setsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List message sets, most recently updated first",
	RunE:  runSetsList,
}

var setsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create a message set, or replace one with --id",
	Example: `  wasched sets save --name "Spring promo" --text "Hi!" --media image=./promo.jpg`,
	RunE:    runSetsSave,
}

var setsDeleteCmd = &cobra.Command{
	Use:   "delete <set_id>",
	Short: "Delete a message set",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetsDelete,
}

func init() {
	f := setsSaveCmd.Flags()
	f.StringVar(&setID, "id", "", "Existing set id to replace")
	f.StringVar(&setName, "name", "", "Set name")
	f.StringArrayVar(&setTexts, "text", nil, "Text message (repeatable)")
	f.StringArrayVar(&setMedia, "media", nil, "Media message as kind=path (image, video, audio, file)")

	setsCmd.AddCommand(setsListCmd, setsSaveCmd, setsDeleteCmd)
	rootCmd.AddCommand(setsCmd)
}

func runSetsList(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		sets, err := svc.ListMessageSets(ctx)
		if err != nil {
			return fmt.Errorf("failed to list message sets: %w", err)
		}
		if len(sets) == 0 {
			fmt.Println("No message sets")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tUPDATED")
		for _, s := range sets {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Name, len(s.Messages), s.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	})
}

func runSetsSave(cmd *cobra.Command, args []string) error {
	messages, err := buildMessages(setTexts, setMedia)
	if err != nil {
		return err
	}
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		saved, err := svc.SaveMessageSet(ctx, model.MessageSet{ID: setID, Name: setName, Messages: messages})
		if err != nil {
			return err
		}
		fmt.Printf("Saved message set %s (%d messages)\n", saved.ID, len(saved.Messages))
		return nil
	})
}

func runSetsDelete(cmd *cobra.Command, args []string) error {
	return withControl(func(ctx context.Context, svc *jobs.Service, _ *repo.SQLStore) error {
		if err := svc.DeleteMessageSet(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Message set %s deleted\n", args[0])
		return nil
	})
}
