package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Generate an archive manifest from the catalog",
}

var (
	clusterWhere           []string
	clusterDest            string
	clusterOutput          string
	clusterPattern         string
	clusterIncludeArchived bool
)

var clusterGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Query matching sources and write an apply-ready manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(clusterWhere) == 0 {
			return fmt.Errorf("cluster generate: --where is required")
		}
		filter, err := parseFilters(clusterWhere)
		if err != nil {
			return err
		}
		if clusterDest == "" {
			return fmt.Errorf("cluster generate: --dest is required")
		}
		dest, err := filepath.Abs(clusterDest)
		if err != nil {
			return fmt.Errorf("cluster generate: %w", err)
		}
		if clusterOutput == "" {
			return fmt.Errorf("cluster generate: --output is required")
		}

		m, stats, err := cat.GenerateManifest(cmd.Context(), canon.ManifestGenOpts{
			Queries:         clusterWhere,
			Filter:          filter,
			Pattern:         clusterPattern,
			BaseDir:         dest,
			IncludeArchived: clusterIncludeArchived,
		})
		if err != nil {
			return fmt.Errorf("cluster generate: %w", err)
		}
		if len(m.Sources) == 0 {
			fmt.Println("No sources matched the query")
			return nil
		}

		f, err := os.Create(clusterOutput)
		if err != nil {
			return fmt.Errorf("cluster generate: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(m); err != nil {
			return fmt.Errorf("cluster generate: write manifest: %w", err)
		}

		fmt.Printf("Generated manifest with %d sources: %s\n", len(m.Sources), clusterOutput)
		if stats.ExcludedByGate > 0 {
			fmt.Printf("(%d excluded source-role sources skipped)\n", stats.ExcludedByGate)
		}
		if stats.AlreadyArchived > 0 {
			fmt.Printf("(%d candidates already archived elsewhere skipped)\n", stats.AlreadyArchived)
		}
		return nil
	},
}

func init() {
	clusterGenerateCmd.Flags().StringArrayVar(&clusterWhere, "where", nil, "filter expression (repeatable, ANDed)")
	clusterGenerateCmd.Flags().StringVar(&clusterDest, "dest", "", "destination directory, must resolve inside a registered archive root")
	clusterGenerateCmd.Flags().StringVar(&clusterOutput, "output", "", "manifest TOML file to write")
	clusterGenerateCmd.Flags().StringVar(&clusterPattern, "pattern", "{filename}", "output path pattern recorded in the manifest")
	clusterGenerateCmd.Flags().BoolVar(&clusterIncludeArchived, "include-archived", false, "include candidates whose content is already archived elsewhere")
	clusterCmd.AddCommand(clusterGenerateCmd)
}
