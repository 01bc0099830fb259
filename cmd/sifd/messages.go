package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sifapp/sifd/internal/message"
	"github.com/sifapp/sifd/internal/store"
)

var (
	messagesListStatus string
	messagesListAuthor string
	messagesListLimit  int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Delivery pipeline inspection commands",
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages in the pipeline",
	RunE:  runMessagesList,
}

var messagesShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessagesShow,
}

var messagesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	RunE:  runMessagesStats,
}

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <message_id>",
	Short: "Delete a message from the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessagesDelete,
}

func init() {
	messagesListCmd.Flags().StringVar(&messagesListStatus, "status", "", "Filter by status (draft, scheduled, uploading, sending, delivered, failed, cancelled)")
	messagesListCmd.Flags().StringVar(&messagesListAuthor, "author", "", "Filter by author")
	messagesListCmd.Flags().IntVar(&messagesListLimit, "limit", 50, "Maximum number of messages to show")

	messagesCmd.AddCommand(messagesListCmd, messagesShowCmd, messagesStatsCmd, messagesDeleteCmd)
	rootCmd.AddCommand(messagesCmd)
}

func openStore() (*store.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func runMessagesList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	messages, err := st.List(context.Background(), message.ListFilter{
		Status: message.Status(messagesListStatus),
		Author: messagesListAuthor,
		Limit:  messagesListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("Pipeline is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAUTHOR\tSTATUS\tRETRIES\tCREATED\tRECIPIENTS")
	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
			msg.ID,
			msg.Author,
			msg.Status,
			msg.RetryCount,
			msg.CreatedAt.Format(time.RFC3339),
			len(msg.Recipients),
		)
	}
	return w.Flush()
}

func runMessagesShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	msg, err := st.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", msg.ID)
	fmt.Printf("Author:      %s\n", msg.Author)
	fmt.Printf("Recipients:  %v\n", msg.Recipients)
	if msg.Subject != "" {
		fmt.Printf("Subject:     %s\n", msg.Subject)
	}
	fmt.Printf("Status:      %s\n", msg.Status)
	fmt.Printf("Created:     %s\n", msg.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", msg.UpdatedAt.Format(time.RFC3339))
	if !msg.ScheduledAt.IsZero() {
		fmt.Printf("Scheduled:   %s\n", msg.ScheduledAt.Format(time.RFC3339))
	}
	if msg.Attachment != nil {
		fmt.Printf("Attachment:  %s (%d bytes)\n", msg.Attachment.FileName, msg.Attachment.Size)
	}
	if msg.AttachmentRemote != "" {
		fmt.Printf("Uploaded as: %s\n", msg.AttachmentRemote)
	}
	if msg.RetryCount > 0 {
		fmt.Printf("Retries:     %d\n", msg.RetryCount)
	}
	if !msg.NextRetryAt.IsZero() {
		fmt.Printf("Next retry:  %s\n", msg.NextRetryAt.Format(time.RFC3339))
	}
	if msg.FailureReason != "" {
		fmt.Printf("Failure:     %s\n", msg.FailureReason)
	}
	if !msg.DeliveredAt.IsZero() {
		fmt.Printf("Delivered:   %s\n", msg.DeliveredAt.Format(time.RFC3339))
	}
	if !msg.CancelledAt.IsZero() {
		fmt.Printf("Cancelled:   %s\n", msg.CancelledAt.Format(time.RFC3339))
	}

	return nil
}

func runMessagesStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Pipeline statistics:\n")
	fmt.Printf("  Draft:      %d\n", stats.Draft)
	fmt.Printf("  Scheduled:  %d\n", stats.Scheduled)
	fmt.Printf("  Uploading:  %d\n", stats.Uploading)
	fmt.Printf("  Sending:    %d\n", stats.Sending)
	fmt.Printf("  Delivered:  %d\n", stats.Delivered)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("  Cancelled:  %d\n", stats.Cancelled)
	fmt.Printf("  Total:      %d\n", stats.Total)

	return nil
}

func runMessagesDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	fmt.Printf("Message %s deleted\n", args[0])
	return nil
}
