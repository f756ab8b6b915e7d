package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/routing"
)

var (
	routeFile         string
	routeGenre        string
	routeRegexMatches string
)

// routeOutput is the JSON printed by the route command.
type routeOutput struct {
	Passes []model.Pass `json:"passes"`
	Chars  int          `json:"chars"`
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Show which extraction passes a chapter would run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		text, err := os.ReadFile(routeFile)
		if err != nil {
			return eris.Wrapf(err, "read %s", routeFile)
		}
		r := routing.NewRouter()
		if cfg != nil && cfg.Pipeline.ShortTextThreshold > 0 {
			r.ShortTextThreshold = cfg.Pipeline.ShortTextThreshold
		}
		d := r.Route(string(text), routeGenre, []byte(routeRegexMatches))
		return printJSON(routeOutput{Passes: d.Passes(), Chars: len([]rune(string(text)))})
	},
}

func init() {
	routeCmd.Flags().StringVar(&routeFile, "file", "", "chapter text file (required)")
	routeCmd.Flags().StringVar(&routeGenre, "genre", "", "book genre")
	routeCmd.Flags().StringVar(&routeRegexMatches, "regex-matches", "", "pre-extracted regex hints as JSON")
	_ = routeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(routeCmd)
}
