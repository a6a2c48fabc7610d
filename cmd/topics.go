package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var topicsWindowHours int

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Run the full pipeline and print per-topic selections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		byTopic, err := e.Pipeline.RunTopics(ctx, windowOrDefault(topicsWindowHours))
		if err != nil {
			return eris.Wrap(err, "topics run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(byTopic)
	},
}

func init() {
	topicsCmd.Flags().IntVar(&topicsWindowHours, "window-hours", 0, "run window in hours (default from config)")
	rootCmd.AddCommand(topicsCmd)
}
