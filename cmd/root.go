package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loregraph/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "loregraph",
	Short: "Knowledge-graph extraction for serialized fiction",
	Long:  "Routes chapters to LLM extraction passes, grounds the results to character spans, and maintains a per-book entity registry with a dead letter queue for failed chapters.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
