package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/GTFB/forlifely-sub005/pkg/assist/assistant"
	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
	"github.com/spf13/cobra"
)

// newThreadsCmd creates the `assist threads` command group for
// provisioning and inspecting conversation threads.
func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage conversation threads",
		Long: `Provision and inspect conversation threads. A thread binds a channel
conversation (e.g. a Telegram chat) to a prompt, model, and context
length. Incoming messages are only answered on provisioned threads.

Examples:
  assist threads add --channel telegram --ref 123456 --prompt "You are a support agent" --model gpt-4o-mini
  assist threads list
  assist threads list --status active
  assist threads show 4f6b2c1a-...`,
	}

	cmd.AddCommand(
		newThreadsAddCmd(),
		newThreadsListCmd(),
		newThreadsShowCmd(),
	)
	return cmd
}

func newThreadsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Provision a new thread",
		RunE:  runThreadsAdd,
	}

	cmd.Flags().String("channel", "", "channel name (whatsapp, telegram, discord)")
	cmd.Flags().String("ref", "", "conversation identifier on the channel (chat id or JID)")
	cmd.Flags().String("participant", "", "participant id (defaults to the configured one)")
	cmd.Flags().String("prompt", "", "system prompt for this thread")
	cmd.Flags().String("model", "", "completion model identifier")
	cmd.Flags().Int("context-length", 10, "recent turns sent with each completion")
	cmd.Flags().Int("batch-limit", 0, "summarization batch cap (0 = scheduler default)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func runThreadsAdd(cmd *cobra.Command, _ []string) error {
	cfg, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	channel, _ := cmd.Flags().GetString("channel")
	ref, _ := cmd.Flags().GetString("ref")
	participant, _ := cmd.Flags().GetString("participant")
	prompt, _ := cmd.Flags().GetString("prompt")
	model, _ := cmd.Flags().GetString("model")
	contextLength, _ := cmd.Flags().GetInt("context-length")
	batchLimit, _ := cmd.Flags().GetInt("batch-limit")

	if participant == "" {
		participant = cfg.ParticipantID
	}

	thread, err := db.Create(cmd.Context(), &store.Thread{
		ParticipantID: participant,
		Channel:       channel,
		ChannelRef:    ref,
		Status:        store.ThreadActive,
		Settings: store.ThreadSettings{
			Prompt:            prompt,
			Model:             model,
			ContextLength:     contextLength,
			SummaryBatchLimit: batchLimit,
		},
	})
	if err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}

	fmt.Printf("Thread created: %s (%s/%s)\n", thread.ID, thread.Channel, thread.ChannelRef)
	if err := thread.Settings.Validate(); err != nil {
		fmt.Printf("Note: %v. The assistant will not answer on this thread until settings are complete.\n", err)
	}
	return nil
}

func newThreadsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE:  runThreadsList,
	}
	cmd.Flags().String("status", "", "filter by status (active, inactive)")
	return cmd
}

func runThreadsList(cmd *cobra.Command, _ []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	status, _ := cmd.Flags().GetString("status")
	threads, err := db.List(cmd.Context(), store.ThreadStatus(status))
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}

	if len(threads) == 0 {
		fmt.Println("No threads found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tREF\tSTATUS\tMODEL\tSUMMARY")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\tv%d\n",
			t.ID, t.Channel, t.ChannelRef, t.Status, t.Settings.Model, t.Summary.Version)
	}
	return w.Flush()
}

func newThreadsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show thread details and summary state",
		Args:  cobra.ExactArgs(1),
		RunE:  runThreadsShow,
	}
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	thread, err := db.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}

	total, err := db.Count(cmd.Context(), thread.ID, thread.ParticipantID, store.KindText)
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}

	fmt.Printf("Thread:         %s\n", thread.ID)
	fmt.Printf("Channel:        %s (%s)\n", thread.Channel, thread.ChannelRef)
	fmt.Printf("Participant:    %s\n", thread.ParticipantID)
	fmt.Printf("Status:         %s\n", thread.Status)
	fmt.Printf("Model:          %s\n", thread.Settings.Model)
	fmt.Printf("Context length: %d\n", thread.Settings.ContextLength)
	if thread.Settings.SummaryBatchLimit > 0 {
		fmt.Printf("Batch limit:    %d\n", thread.Settings.SummaryBatchLimit)
	}
	fmt.Printf("Messages:       %d\n", total)
	fmt.Printf("Summary:        v%d", thread.Summary.Version)
	if !thread.Summary.UpdatedAt.IsZero() {
		fmt.Printf(" (updated %s)", thread.Summary.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	if thread.Summary.Text != "" {
		fmt.Printf("\n%s\n", thread.Summary.Text)
	}
	return nil
}

// openStore resolves config and opens the SQLite store with a quiet
// logger, for one-shot commands.
func openStore(cmd *cobra.Command) (*assistant.Config, *store.SQLiteStore, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenSQLite(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, db, nil
}
