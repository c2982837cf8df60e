package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	factsScope           string
	factsWhere           []string
	factsAll             bool
	factsLimit           int
	factsIncludeArchived bool
	factsIncludeExcluded bool
)

var factsCmd = &cobra.Command{
	Use:   "facts [KEY] [PATH]",
	Short: "List fact keys, or a key's value distribution, across matching sources",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key, scope string
		switch len(args) {
		case 2:
			key, scope = args[0], args[1]
		case 1:
			// Disambiguate a single positional arg: a path-looking string
			// scopes the default key listing; anything else is a key.
			if strings.HasPrefix(args[0], "/") || strings.HasPrefix(args[0], ".") {
				scope = args[0]
			} else {
				key = args[0]
			}
		}
		if factsScope != "" {
			scope = factsScope
		}

		filter, err := parseFilters(factsWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, scope)
		if err != nil {
			return err
		}
		sel := canon.SelectOpts{
			ScopeRootID:     rootID,
			ScopePrefix:     prefix,
			HasScope:        hasScope,
			Filter:          filter,
			IncludeArchived: factsIncludeArchived,
			IncludeExcluded: factsIncludeExcluded,
		}

		if key == "" {
			keys, total, err := cat.FactKeyReport(cmd.Context(), sel, factsAll)
			if err != nil {
				return fmt.Errorf("facts: %w", err)
			}
			if total == 0 {
				fmt.Println("No sources match the given filters.")
				return nil
			}
			fmt.Printf("Sources matching filters: %s\n\n", humanize.Comma(total))
			fmt.Printf("%-30s %10s %10s\n", "Fact", "Count", "Coverage")
			for _, k := range keys {
				label := k.Key
				if k.Builtin {
					label += " (built-in)"
				}
				fmt.Printf("%-30s %10s %9.1f%%\n", label, humanize.Comma(k.Count), pct(k.Count, total))
			}
			if !factsAll {
				fmt.Println("\n(hidden built-ins omitted; pass --all to see them)")
			}
			return nil
		}

		rows, total, err := cat.FactValueDistribution(cmd.Context(), sel, key, factsLimit)
		if err != nil {
			return fmt.Errorf("facts: %w", err)
		}
		if total == 0 {
			fmt.Println("No sources match the given filters.")
			return nil
		}
		fmt.Printf("Sources matching filters: %s\n\n", humanize.Comma(total))
		fmt.Printf("%-40s %10s %10s\n", "Value", "Count", "Coverage")
		for _, r := range rows {
			v := r.Value
			if len(v) > 38 {
				v = v[:35] + "..."
			}
			fmt.Printf("%-40s %10s %9.1f%%\n", v, humanize.Comma(r.Count), pct(r.Count, total))
		}
		return nil
	},
}

func pct(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

var (
	factsDeleteID  int64
	factsDeleteKey string
)

var factsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a single non-reserved fact by source id and key",
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := cat.DeleteFact(cmd.Context(), factsDeleteID, factsDeleteKey)
		if err != nil {
			return fmt.Errorf("facts delete: %w", err)
		}
		if !deleted {
			fmt.Println("no matching fact found")
			return nil
		}
		fmt.Printf("deleted %s from source %d\n", factsDeleteKey, factsDeleteID)
		return nil
	},
}

var factsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every source fact whose basis_rev is stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := cat.PruneStaleFacts(cmd.Context())
		if err != nil {
			return fmt.Errorf("facts prune: %w", err)
		}
		fmt.Printf("pruned %d stale facts\n", n)
		return nil
	},
}

func init() {
	factsCmd.Flags().StringVar(&factsScope, "scope", "", "restrict to sources under this path")
	factsCmd.Flags().StringArrayVar(&factsWhere, "where", nil, "filter expression (repeatable, ANDed)")
	factsCmd.Flags().BoolVar(&factsAll, "all", false, "include hidden built-in facts (source.root, source.device, ...)")
	factsCmd.Flags().IntVar(&factsLimit, "limit", 0, "limit the number of value rows shown (0 = unlimited)")
	factsCmd.Flags().BoolVar(&factsIncludeArchived, "include-archived", false, "also visit sources under archive roots")
	factsCmd.Flags().BoolVar(&factsIncludeExcluded, "include-excluded", false, "also include excluded sources")

	factsDeleteCmd.Flags().Int64Var(&factsDeleteID, "id", 0, "source id the fact is attached to")
	factsDeleteCmd.Flags().StringVar(&factsDeleteKey, "key", "", "fact key to delete")
	factsDeleteCmd.MarkFlagRequired("id")
	factsDeleteCmd.MarkFlagRequired("key")

	factsCmd.AddCommand(factsDeleteCmd, factsPruneCmd)
}
