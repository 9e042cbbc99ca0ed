package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/feedspine/feedspine/pkg/bronze"
)

var (
	replaySource string
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay raw items from the bronze log",
	Long:  "Reads back the captured raw payloads for one source, oldest first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.BronzeDir == "" {
			return errors.New("bronzeDir is not configured; no raw payloads were captured")
		}
		log, err := bronze.NewLog(cfg.BronzeDir)
		if err != nil {
			return err
		}
		defer log.Close()

		type row struct {
			CapturedAt time.Time `json:"capturedAt"`
			ItemID     string    `json:"itemId"`
			Fields     int       `json:"fields"`
		}
		var entries []bronze.Entry
		count := 0
		err = log.Replay(cmd.Context(), replaySource, func(e bronze.Entry) error {
			entries = append(entries, e)
			count++
			if replayLimit > 0 && count >= replayLimit {
				return bronze.ErrStopReplay
			}
			return nil
		})
		if err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.CapturedAt.Format(time.RFC3339),
				truncate(e.Item.ItemID, 50),
				fmt.Sprintf("%d", len(e.Item.Fields)),
			})
		}
		printTable(stdout, []string{"captured", "item", "fields"}, rows)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySource, "source", "", "Source whose log to replay (required)")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Stop after this many entries (0 = all)")
	_ = replayCmd.MarkFlagRequired("source")
}
