package main

import (
	"fmt"

	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	scanRole string
	scanAdd  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan PATH...",
	Short: "Walk a directory and reconcile it against the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var role canon.Role
		switch scanRole {
		case "source":
			role = canon.RoleSource
		case "archive":
			role = canon.RoleArchive
		default:
			return fmt.Errorf("--role must be \"source\" or \"archive\", got %q", scanRole)
		}

		scanner := canon.NewScanner(cat)
		scanner.Warn = func(msg string) { log.Warn().Msg(msg) }

		for _, path := range args {
			stats, err := scanner.Scan(cmd.Context(), path, role, scanAdd)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}

			fmt.Printf("scanned %d (new %d, updated %d, moved %d, unchanged %d, missing %d)\n",
				stats.Scanned, stats.New, stats.Updated, stats.Moved, stats.Unchanged, stats.Missing)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanRole, "role", "source", "root role: source or archive")
	scanCmd.Flags().BoolVar(&scanAdd, "add", false, "create a new root at PATH when it is outside every registered root")
}
