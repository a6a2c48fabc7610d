package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var ingestWindowHours int

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch all active feeds and store new articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.Pipeline.RunIngest(ctx, windowOrDefault(ingestWindowHours))
		if err != nil {
			return eris.Wrap(err, "ingest run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

// windowOrDefault falls back to the configured clustering window when
// the flag is left at zero.
func windowOrDefault(flag int) int {
	if flag > 0 {
		return flag
	}
	return cfg.Cluster.WindowHours
}

func init() {
	ingestCmd.Flags().IntVar(&ingestWindowHours, "window-hours", 0, "run window in hours (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
