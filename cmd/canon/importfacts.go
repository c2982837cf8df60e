package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var importFactsAllowArchived bool

var importFactsCmd = &cobra.Command{
	Use:   "import-facts",
	Short: "Import a stream of fact-import JSON lines from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		im := canon.NewImporter(cat)
		im.AllowArchived = importFactsAllowArchived
		im.Warn = func(msg string) { log.Warn().Msg(msg) }

		var stats canon.ImportStats
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := im.ImportLine(cmd.Context(), line, &stats); err != nil {
				return fmt.Errorf("import-facts: %w", err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("import-facts: read stdin: %w", err)
		}

		fmt.Printf("imported %d facts (%d objects created, %d promoted, %d stale skipped, %d reserved skipped, %d archived skipped)\n",
			stats.FactsImported, stats.ObjectsCreated, stats.FactsPromoted, stats.SkippedStale, stats.SkippedReserved, stats.SkippedArchived)
		return nil
	},
}

func init() {
	importFactsCmd.Flags().BoolVar(&importFactsAllowArchived, "allow-archived", false, "accept facts for sources under an archive root")
}
