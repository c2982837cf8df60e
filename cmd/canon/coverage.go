package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	coverageScope           string
	coverageWhere           []string
	coverageArchive         string
	coverageIncludeArchived bool
	coverageIncludeExcluded bool
)

var coverageCmd = &cobra.Command{
	Use:   "coverage [PATH]",
	Short: "Report how much of a scope is hashed and archived",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := coverageScope
		if len(args) == 1 {
			scope = args[0]
		}

		filter, err := parseFilters(coverageWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, scope)
		if err != nil {
			return err
		}

		opts := canon.CoverageOpts{
			ScopeRootID:     rootID,
			ScopePrefix:     prefix,
			HasScope:        hasScope,
			Filter:          filter,
			IncludeArchived: coverageIncludeArchived,
			IncludeExcluded: coverageIncludeExcluded,
		}

		var archiveLabel string
		if coverageArchive != "" {
			abs, err := filepath.Abs(coverageArchive)
			if err != nil {
				return fmt.Errorf("coverage: %w", err)
			}
			archiveRootID, _, err := cat.FindArchiveRootForPath(cmd.Context(), abs)
			if err != nil {
				return fmt.Errorf("coverage: %w", err)
			}
			opts.HasArchiveRoot = true
			opts.ArchiveRootID = archiveRootID
			opts.ArchiveScopePrefix = abs
			archiveLabel = abs
		}

		if archiveLabel != "" {
			fmt.Printf("Archive Coverage (relative to %s)\n", archiveLabel)
		} else {
			fmt.Println("Archive Coverage")
		}

		if hasScope {
			fmt.Printf("Scope: %s\n\n", scope)

			stats, err := cat.Coverage(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("coverage: %w", err)
			}
			printCoverageStats(stats, archiveLabel != "", coverageIncludeExcluded)
			return nil
		}
		fmt.Println()

		perRoot, overall, err := cat.CoverageByRoot(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("coverage: %w", err)
		}
		if len(perRoot) == 0 {
			fmt.Println("No sources match the given filters.")
			return nil
		}
		for _, s := range perRoot {
			fmt.Printf("Root: %s (%s)\n", s.RootPath, s.RootRole)
			printCoverageStats(s, archiveLabel != "", coverageIncludeExcluded)
			fmt.Println()
		}
		fmt.Println(strings.Repeat("-", 40))
		fmt.Println("Overall:")
		printCoverageStats(overall, archiveLabel != "", coverageIncludeExcluded)
		return nil
	},
}

func printCoverageStats(s canon.CoverageStats, hasArchive, includeExcluded bool) {
	if includeExcluded && s.Excluded > 0 {
		fmt.Printf("  Total sources:   %8s\n", humanize.Comma(s.Total))
		fmt.Printf("  Excluded:        %8s (%.1f%%)\n", humanize.Comma(s.Excluded), s.ExcludedPct())
		fmt.Printf("  Included:        %8s\n", humanize.Comma(s.Included()))
		fmt.Printf("  Hashed:          %8s (%.1f%% of included)\n", humanize.Comma(s.Hashed), s.HashedPct())
	} else {
		fmt.Printf("  Total sources:   %8s\n", humanize.Comma(s.Included()))
		fmt.Printf("  Hashed:          %8s (%.1f%%)\n", humanize.Comma(s.Hashed), s.HashedPct())
	}
	if hasArchive {
		fmt.Printf("  In this archive: %8s (%.1f%% of hashed)\n", humanize.Comma(s.Archived), s.ArchivedPct())
		fmt.Printf("  Not in archive:  %8s\n", humanize.Comma(s.Unarchived()))
	} else {
		fmt.Printf("  Archived:        %8s (%.1f%% of hashed)\n", humanize.Comma(s.Archived), s.ArchivedPct())
		fmt.Printf("  Unarchived:      %8s\n", humanize.Comma(s.Unarchived()))
	}
}

func init() {
	coverageCmd.Flags().StringVar(&coverageScope, "scope", "", "report a single path scope instead of a per-root breakdown")
	coverageCmd.Flags().StringArrayVar(&coverageWhere, "where", nil, "filter expression (repeatable, ANDed)")
	coverageCmd.Flags().StringVar(&coverageArchive, "archive", "", "measure archived-ness against this archive root (or sub-path) instead of any archive")
	coverageCmd.Flags().BoolVar(&coverageIncludeArchived, "include-archived", false, "also visit sources under archive roots")
	coverageCmd.Flags().BoolVar(&coverageIncludeExcluded, "include-excluded", false, "show excluded sources in the breakdown instead of folding them out")
}
