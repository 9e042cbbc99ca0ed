package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/feedspine/feedspine/pkg/feed"
	"github.com/feedspine/feedspine/pkg/storage"
)

var (
	recordsRegion string
	recordsType   string
	recordsSince  string
	recordsLimit  int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List silver records in a namespace",
	Long:  "Scans the silver layer read-only; this is the gold consumers' view.",
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

		q := storage.RecordQuery{
			Region:     recordsRegion,
			RecordType: recordsType,
			Limit:      recordsLimit,
		}
		if recordsSince != "" {
			since, err := time.Parse(time.RFC3339, recordsSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			q.SeenSince = since
		}

		var reader storage.GoldReader = backend
		var records []feed.Record
		err = reader.ListRecords(ctx, q, func(r feed.Record) error {
			records = append(records, r)
			return nil
		})
		if err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(records)
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				truncate(r.NaturalKey, 40),
				strconv.FormatInt(r.Version, 10),
				truncate(r.ContentHash, 12),
				r.FirstSeenAt.Format(time.RFC3339),
				r.LastSeenAt.Format(time.RFC3339),
			})
		}
		printTable(stdout, []string{"key", "version", "hash", "first seen", "last seen"}, rows)
		return nil
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsRegion, "region", "", "Record namespace region (required)")
	recordsCmd.Flags().StringVar(&recordsType, "type", "", "Record type (required)")
	recordsCmd.Flags().StringVar(&recordsSince, "since", "", "Only records seen at or after this RFC 3339 time")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 0, "Stop after this many records (0 = all)")
	_ = recordsCmd.MarkFlagRequired("region")
	_ = recordsCmd.MarkFlagRequired("type")
}
