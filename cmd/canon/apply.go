package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/mjhunter/canon"
	"github.com/spf13/cobra"
)

var (
	applyDryRun                     bool
	applyMode                       string
	applyAllowCrossArchiveDuplicate bool
	applyRoots                      []string
)

var applyCmd = &cobra.Command{
	Use:   "apply MANIFEST",
	Short: "Apply a generated manifest against the filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m canon.Manifest
		if _, err := toml.DecodeFile(args[0], &m); err != nil {
			return fmt.Errorf("apply: read manifest: %w", err)
		}

		var mode canon.TransferMode
		switch applyMode {
		case "", "copy":
			mode = canon.ModeCopy
		case "rename":
			mode = canon.ModeRename
		case "move":
			mode = canon.ModeMove
		default:
			return fmt.Errorf("apply: invalid --mode %q, use copy, rename, or move", applyMode)
		}

		var roots []int64
		for _, spec := range applyRoots {
			id, err := cat.ParseRootSpec(cmd.Context(), spec, canon.RoleSource)
			if err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			roots = append(roots, id)
		}

		applier := canon.NewApplier(cat)
		applier.Warn = func(msg string) { log.Warn().Msg(msg) }

		stats, errs, err := applier.Apply(cmd.Context(), m, canon.ApplyOpts{
			Mode:                        mode,
			DryRun:                      applyDryRun,
			AllowCrossArchiveDuplicates: applyAllowCrossArchiveDuplicate,
			Roots:                       roots,
		})
		if err != nil {
			return fmt.Errorf("apply: %w", err)
		}

		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e.Error())
		}

		label := "copied"
		var n int64
		switch mode {
		case canon.ModeRename:
			label, n = "renamed", stats.Renamed
		case canon.ModeMove:
			label, n = "moved", stats.Moved
		default:
			n = stats.Copied
		}
		if stats.DryRun {
			fmt.Printf("dry run: would have %s %s, skipped %s missing, %s filtered, %s errors\n",
				label, humanize.Comma(n), humanize.Comma(stats.SkippedMissing), humanize.Comma(stats.SkippedFiltered), humanize.Comma(stats.Errors))
		} else {
			fmt.Printf("%s %s, skipped %s missing, %s filtered, %s errors\n",
				label, humanize.Comma(n), humanize.Comma(stats.SkippedMissing), humanize.Comma(stats.SkippedFiltered), humanize.Comma(stats.Errors))
		}
		if stats.Errors > 0 {
			return fmt.Errorf("apply: %d source(s) failed", stats.Errors)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "report what would happen without writing")
	applyCmd.Flags().StringVar(&applyMode, "mode", "copy", "transfer mode: copy, rename, or move")
	applyCmd.Flags().BoolVar(&applyAllowCrossArchiveDuplicate, "allow-cross-archive-duplicates", false, "permit archiving content already archived under a different root")
	applyCmd.Flags().StringArrayVar(&applyRoots, "root", nil, "restrict to this source root (id:N or path:P, repeatable)")
}
