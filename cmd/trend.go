package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	trendWindowHours int
	trendK           int
)

var trendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Run the full pipeline and print the trending selection",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		k := trendK
		if k <= 0 {
			k = cfg.Select.KGlobal
		}
		sel, err := e.Pipeline.RunTrending(ctx, windowOrDefault(trendWindowHours), k)
		if err != nil {
			return eris.Wrap(err, "trending run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sel)
	},
}

func init() {
	trendCmd.Flags().IntVar(&trendWindowHours, "window-hours", 0, "run window in hours (default from config)")
	trendCmd.Flags().IntVar(&trendK, "k", 0, "number of global picks (default from config)")
	rootCmd.AddCommand(trendCmd)
}
