package main

import (
	"fmt"

	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage the policy.exclude fact over a scope/filter",
}

var (
	excludeScope string
	excludeWhere []string
)

var excludeSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Exclude every present source matching scope/filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilters(excludeWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, excludeScope)
		if err != nil {
			return err
		}
		stats, err := cat.SetExcluded(cmd.Context(), canon.SelectOpts{ScopeRootID: rootID, ScopePrefix: prefix, HasScope: hasScope}, filter)
		if err != nil {
			return fmt.Errorf("exclude set: %w", err)
		}
		fmt.Printf("matched %d, excluded %d\n", stats.Matched, stats.Changed)
		return nil
	},
}

var excludeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the exclusion on every source matching scope/filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilters(excludeWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, excludeScope)
		if err != nil {
			return err
		}
		stats, err := cat.ClearExcluded(cmd.Context(), canon.SelectOpts{ScopeRootID: rootID, ScopePrefix: prefix, HasScope: hasScope}, filter)
		if err != nil {
			return fmt.Errorf("exclude clear: %w", err)
		}
		fmt.Printf("matched %d, cleared %d\n", stats.Matched, stats.Changed)
		return nil
	},
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently excluded sources matching scope/filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilters(excludeWhere)
		if err != nil {
			return err
		}
		rootID, prefix, hasScope, err := resolveScope(cmd.Context(), cat, excludeScope)
		if err != nil {
			return err
		}
		excluded, err := cat.ListExcluded(cmd.Context(), canon.SelectOpts{ScopeRootID: rootID, ScopePrefix: prefix, HasScope: hasScope}, filter)
		if err != nil {
			return fmt.Errorf("exclude list: %w", err)
		}
		for _, cand := range excluded {
			fmt.Println(cand.RootPath + "/" + cand.RelPath)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d excluded sources\n", len(excluded))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{excludeSetCmd, excludeClearCmd, excludeListCmd} {
		c.Flags().StringVar(&excludeScope, "scope", "", "restrict to sources under this path")
		c.Flags().StringArrayVar(&excludeWhere, "where", nil, "filter expression (repeatable, ANDed)")
	}
	excludeCmd.AddCommand(excludeSetCmd, excludeClearCmd, excludeListCmd)
}
