package main

import (
	"time"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Show per-source checkpoint state",
	Long:  "Reads the stored cursor for every configured source from the storage backend.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		type row struct {
			SourceID  string     `json:"sourceId"`
			Cursor    string     `json:"cursor"`
			UpdatedAt *time.Time `json:"updatedAt,omitempty"`
		}
		out := make([]row, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			cp, err := backend.GetCheckpoint(ctx, s.SourceID)
			if err != nil {
				return err
			}
			r := row{SourceID: s.SourceID}
			if cp != nil {
				r.Cursor = cp.Cursor
				t := cp.UpdatedAt
				r.UpdatedAt = &t
			}
			out = append(out, r)
		}

		if outputFmt != "table" {
			return printOutput(out)
		}
		rows := make([][]string, 0, len(out))
		for _, r := range out {
			updated := "-"
			if r.UpdatedAt != nil {
				updated = r.UpdatedAt.Format(time.RFC3339)
			}
			cursor := r.Cursor
			if cursor == "" {
				cursor = "-"
			}
			rows = append(rows, []string{r.SourceID, truncate(cursor, 60), updated})
		}
		printTable(stdout, []string{"source", "cursor", "updated"}, rows)
		return nil
	},
}
