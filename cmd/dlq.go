package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loregraph/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry dead-lettered chapters",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue entries, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "admin")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		q := resilience.NewDLQ(st)
		bookID, _ := cmd.Flags().GetString("book")
		asJSON, _ := cmd.Flags().GetBool("json")

		var entries []resilience.DLQEntry
		if bookID != "" {
			entries, err = q.ListByBook(ctx, bookID)
		} else {
			entries, err = q.ListAll(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq pop --

var dlqPopCmd = &cobra.Command{
	Use:   "pop",
	Short: "Remove and print the oldest entry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "admin")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		e, err := resilience.NewDLQ(st).Pop(ctx)
		if eris.Is(err, resilience.ErrDLQEmpty) {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

// -- dlq clear --

var dlqClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every entry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "admin")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := resilience.NewDLQ(st).Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Cleared %d entries.\n", n)
		return nil
	},
}

// -- dlq remove --

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete the entries for one chapter",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		bookID, _ := cmd.Flags().GetString("book")
		chapter, _ := cmd.Flags().GetInt("chapter")

		st, err := initStore(ctx, "admin")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := resilience.NewDLQ(st).RemoveByBookChapter(ctx, bookID, chapter)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Removed %d entries.\n", n)
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run the failed passes of a book's dead-lettered chapters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("book")
		book, err := loadBook(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "extract")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := newPipeline(st).RetryDLQ(ctx, book, nil)
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}
		return printJSON(report)
	},
}

func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BOOK\tCHAPTER\tATTEMPT\tERROR_TYPE\tFAILED_PASSES\tPUSHED\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-------\t-------\t----------\t-------------\t------\t-----")

	for _, e := range entries {
		msg := e.ErrorMessage
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			e.BookID,
			e.Chapter,
			e.AttemptCount,
			e.ErrorType,
			strings.Join(e.MetaStrings(resilience.MetaFailedPasses), ","),
			time.Unix(e.Timestamp, 0).UTC().Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func init() {
	dlqListCmd.Flags().String("book", "", "only list entries for this book ID")
	dlqListCmd.Flags().Bool("json", false, "print entries as JSON")

	dlqRemoveCmd.Flags().String("book", "", "book ID (required)")
	dlqRemoveCmd.Flags().Int("chapter", 0, "chapter number (required)")
	_ = dlqRemoveCmd.MarkFlagRequired("book")
	_ = dlqRemoveCmd.MarkFlagRequired("chapter")

	dlqRetryCmd.Flags().String("book", "", "path to the YAML or JSON book file (required)")
	_ = dlqRetryCmd.MarkFlagRequired("book")

	dlqCmd.AddCommand(dlqListCmd, dlqPopCmd, dlqClearCmd, dlqRemoveCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
