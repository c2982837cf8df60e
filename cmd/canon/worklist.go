package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	worklistScope           string
	worklistWhere           []string
	worklistIncludeArchived bool
	worklistIncludeExcluded bool
)

var worklistCmd = &cobra.Command{
	Use:   "worklist",
	Short: "Stream present sources matching a scope/filter as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilters(worklistWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, worklistScope)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		var n int64
		err = cat.Worklist(cmd.Context(), canon.SelectOpts{
			ScopeRootID:     rootID,
			ScopePrefix:     prefix,
			HasScope:        hasScope,
			Filter:          filter,
			IncludeArchived: worklistIncludeArchived,
			IncludeExcluded: worklistIncludeExcluded,
		}, func(rec canon.WorklistRecord) error {
			n++
			return enc.Encode(rec)
		})
		if err != nil {
			return fmt.Errorf("worklist: %w", err)
		}
		log.Info().Int64("count", n).Msg("worklist emitted")
		return nil
	},
}

func init() {
	worklistCmd.Flags().StringVar(&worklistScope, "scope", "", "restrict to sources under this path")
	worklistCmd.Flags().StringArrayVar(&worklistWhere, "where", nil, "filter expression (repeatable, ANDed)")
	worklistCmd.Flags().BoolVar(&worklistIncludeArchived, "include-archived", false, "also visit sources under archive roots")
	worklistCmd.Flags().BoolVar(&worklistIncludeExcluded, "include-excluded", false, "also include excluded sources")
}
