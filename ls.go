package canon

import (
	"context"
	"fmt"
	"path/filepath"
)

// ArchivedMode selects how ListOpts filters by archive status, mirroring
// ls.rs's archived_mode tri-state (absent / present / "show").
type ArchivedMode int

const (
	// ArchivedModeAny lists everything regardless of archive status.
	ArchivedModeAny ArchivedMode = iota
	// ArchivedModeOnly lists only sources already archived.
	ArchivedModeOnly
	// ArchivedModeShowPaths lists archived sources, one line per archive
	// location that holds their content.
	ArchivedModeShowPaths
	// ArchivedModeUnarchivedOnly lists hashed-but-not-archived sources.
	ArchivedModeUnarchivedOnly
	// ArchivedModeUnhashedOnly lists sources that have no hash yet.
	ArchivedModeUnhashedOnly
)

// ListOpts controls the ls command's scan.
type ListOpts struct {
	ScopeRootID int64
	ScopePrefix string
	HasScope    bool

	Filter Expr

	Mode ArchivedMode

	IncludeArchived bool // visit archive-role sources too
	IncludeExcluded bool
}

// ListEntry is one reported source, plus the archive locations ls prints
// in ArchivedModeShowPaths.
type ListEntry struct {
	SourceID     int64
	Path         string // root path + rel path, not yet display-formatted
	RelPath      string // path relative to its root, for --relative listings
	ArchivePaths []string
}

// ListStats accompanies a listing with the footer counts ls.rs prints to
// stderr.
type ListStats struct {
	Total          int64
	Excluded       int64 // hidden unless IncludeExcluded
	UnhashedSkipped int64
}

// List enumerates sources matching opts, applying the archive-status mode,
// and returns the surviving entries plus the summary stats for the footer
// line. Grounded on original_source/src/ls.rs's run().
func (c *Catalog) List(ctx context.Context, opts ListOpts) ([]ListEntry, ListStats, error) {
	var stats ListStats
	if !opts.IncludeExcluded {
		excludedCount, err := c.countExcluded(ctx, opts.ScopeRootID, opts.ScopePrefix, opts.HasScope, opts.IncludeArchived)
		if err != nil {
			return nil, stats, fmt.Errorf("canon: ls: %w", err)
		}
		stats.Excluded = excludedCount
	}

	sel := SelectOpts{
		ScopeRootID:     opts.ScopeRootID,
		ScopePrefix:     opts.ScopePrefix,
		HasScope:        opts.HasScope,
		Filter:          opts.Filter,
		IncludeArchived: opts.IncludeArchived,
		IncludeExcluded: opts.IncludeExcluded,
		PresentOnly:     true,
	}

	var entries []ListEntry
	err := c.EachCandidate(ctx, sel, func(cand Candidate) error {
		stats.Total++

		if cand.ObjectID == nil {
			if opts.Mode == ArchivedModeOnly || opts.Mode == ArchivedModeShowPaths || opts.Mode == ArchivedModeUnarchivedOnly {
				stats.UnhashedSkipped++
				return nil
			}
			entries = append(entries, ListEntry{SourceID: cand.SourceID, Path: filepath.Join(cand.RootPath, cand.RelPath), RelPath: cand.RelPath})
			return nil
		}
		if opts.Mode == ArchivedModeUnhashedOnly {
			return nil
		}

		archivePaths, err := c.archivePathsForObject(ctx, *cand.ObjectID)
		if err != nil {
			return err
		}
		archived := len(archivePaths) > 0

		switch opts.Mode {
		case ArchivedModeOnly:
			if !archived {
				return nil
			}
			entries = append(entries, ListEntry{SourceID: cand.SourceID, Path: filepath.Join(cand.RootPath, cand.RelPath), RelPath: cand.RelPath})
		case ArchivedModeShowPaths:
			if !archived {
				return nil
			}
			entries = append(entries, ListEntry{SourceID: cand.SourceID, Path: filepath.Join(cand.RootPath, cand.RelPath), RelPath: cand.RelPath, ArchivePaths: archivePaths})
		case ArchivedModeUnarchivedOnly:
			if archived {
				return nil
			}
			entries = append(entries, ListEntry{SourceID: cand.SourceID, Path: filepath.Join(cand.RootPath, cand.RelPath), RelPath: cand.RelPath})
		default: // ArchivedModeAny
			entries = append(entries, ListEntry{SourceID: cand.SourceID, Path: filepath.Join(cand.RootPath, cand.RelPath), RelPath: cand.RelPath})
		}
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("canon: ls: %w", err)
	}
	return entries, stats, nil
}

// archivePathsForObject returns every present archive-role location
// ("root/rel_path") sharing objectID, matching ls.rs's get_archive_paths.
func (c *Catalog) archivePathsForObject(ctx context.Context, objectID int64) ([]string, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT r.path, s.rel_path
		FROM sources s
		JOIN roots r ON r.id = s.root_id
		WHERE s.object_id = ? AND r.role = 'archive' AND s.present = 1
		ORDER BY r.path, s.rel_path`, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rootPath, relPath string
		if err := rows.Scan(&rootPath, &relPath); err != nil {
			return nil, err
		}
		out = append(out, filepath.Join(rootPath, relPath))
	}
	return out, rows.Err()
}

// countExcluded reports how many present sources in scope are excluded,
// for the "N excluded hidden" footer note both ls.rs and facts.rs print
// before running their main scan.
func (c *Catalog) countExcluded(ctx context.Context, scopeRootID int64, scopePrefix string, hasScope bool, includeArchived bool) (int64, error) {
	excluded, err := c.ListExcluded(ctx, SelectOpts{
		ScopeRootID:     scopeRootID,
		ScopePrefix:     scopePrefix,
		HasScope:        hasScope,
		IncludeArchived: includeArchived,
	}, nil)
	return int64(len(excluded)), err
}
