package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loregraph/internal/registry"
	"github.com/sells-group/loregraph/internal/store"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect saved entity registries",
}

var registryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a book's registry as prompt context or JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		bookID, _ := cmd.Flags().GetString("book")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := initStore(ctx, "admin")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.LoadRegistry(ctx, bookID)
		if eris.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No registry saved for book %s.\n", bookID)
			return nil
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(snap)
		}

		reg, err := registry.FromDict(*snap)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d entities, %d aliases, %d summaries, %d alias conflicts\n",
			reg.EntityCount(), reg.AliasCount(), len(reg.ChapterSummaries()), len(reg.Conflicts()))
		fmt.Fprintln(os.Stdout, reg.ToPromptContext(maxTokens))
		return nil
	},
}

func init() {
	registryShowCmd.Flags().String("book", "", "book ID (required)")
	registryShowCmd.Flags().Int("max-tokens", 2000, "token budget for the prompt rendering")
	registryShowCmd.Flags().Bool("json", false, "print the raw snapshot")
	_ = registryShowCmd.MarkFlagRequired("book")

	registryCmd.AddCommand(registryShowCmd)
	rootCmd.AddCommand(registryCmd)
}
