package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	lsScope           string
	lsWhere           []string
	lsArchived        string
	lsUnarchived      bool
	lsUnhashed        bool
	lsIncludeArchived bool
	lsIncludeExcluded bool
	lsRelative        bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List sources matching a scope/filter and archive-status mode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := lsScope
		if len(args) == 1 {
			scope = args[0]
		}

		filter, err := parseFilters(lsWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, scope)
		if err != nil {
			return err
		}

		archivedSet := cmd.Flags().Changed("archived")
		mode := canon.ArchivedModeAny
		switch {
		case lsUnhashed:
			mode = canon.ArchivedModeUnhashedOnly
		case lsUnarchived:
			mode = canon.ArchivedModeUnarchivedOnly
		case archivedSet && lsArchived == "show":
			mode = canon.ArchivedModeShowPaths
		case archivedSet:
			mode = canon.ArchivedModeOnly
		}

		entries, stats, err := cat.List(cmd.Context(), canon.ListOpts{
			ScopeRootID:     rootID,
			ScopePrefix:     prefix,
			HasScope:        hasScope,
			Filter:          filter,
			Mode:            mode,
			IncludeArchived: lsIncludeArchived,
			IncludeExcluded: lsIncludeExcluded,
		})
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}

		for _, e := range entries {
			p := e.Path
			if lsRelative {
				p = e.RelPath
			}
			if len(e.ArchivePaths) == 0 {
				fmt.Println(p)
				continue
			}
			for _, ap := range e.ArchivePaths {
				fmt.Printf("%s\t%s\n", p, ap)
			}
		}

		footer := fmt.Sprintf("%s sources", humanize.Comma(stats.Total))
		var notes []string
		if !lsIncludeExcluded && stats.Excluded > 0 {
			notes = append(notes, fmt.Sprintf("%s excluded hidden", humanize.Comma(stats.Excluded)))
		}
		if stats.UnhashedSkipped > 0 {
			notes = append(notes, fmt.Sprintf("%s unhashed skipped, use --unhashed to see", humanize.Comma(stats.UnhashedSkipped)))
		}
		if len(notes) > 0 {
			footer += " (" + joinNotes(notes) + ")"
		}
		fmt.Fprintln(cmd.ErrOrStderr(), footer)
		return nil
	},
}

func joinNotes(notes []string) string {
	out := notes[0]
	for _, n := range notes[1:] {
		out += ", " + n
	}
	return out
}

func init() {
	lsCmd.Flags().StringVar(&lsScope, "scope", "", "restrict to sources under this path")
	lsCmd.Flags().StringArrayVar(&lsWhere, "where", nil, "filter expression (repeatable, ANDed)")
	lsCmd.Flags().StringVar(&lsArchived, "archived", "", `archived-only listing; "show" also prints each archive location`)
	lsCmd.Flags().Lookup("archived").NoOptDefVal = "only"
	lsCmd.Flags().BoolVar(&lsUnarchived, "unarchived", false, "list hashed sources not yet archived")
	lsCmd.Flags().BoolVar(&lsUnhashed, "unhashed", false, "list only sources with no hash yet")
	lsCmd.Flags().BoolVar(&lsIncludeArchived, "include-archived", false, "also visit sources under archive roots")
	lsCmd.Flags().BoolVar(&lsIncludeExcluded, "include-excluded", false, "also list excluded sources")
	lsCmd.Flags().BoolVar(&lsRelative, "relative", false, "print paths relative to their root instead of absolute")
}
