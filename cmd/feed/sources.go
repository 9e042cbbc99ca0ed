package main

import (
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured sources",
	Long:  "Reads and validates the sources file, then prints every configured source.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(cfg.Sources)
		}

		rows := make([][]string, 0, len(cfg.Sources))
		for _, s := range cfg.Sources {
			rows = append(rows, []string{
				s.SourceID,
				s.AdapterType,
				s.Region,
				s.RecordType,
				s.Strategy,
				s.Interval.Std().String(),
				truncate(s.URL, 60),
			})
		}
		printTable(stdout, []string{"source", "adapter", "region", "type", "strategy", "interval", "url"}, rows)
		return nil
	},
}
