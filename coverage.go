package canon

import (
	"context"
	"fmt"
)

// CoverageStats summarizes how much of a scope is excluded, hashed, and
// archived, following original_source/src/coverage.rs's definitions:
// excluded% is of total, hashed% is of included (total - excluded), and
// archived% is of hashed.
type CoverageStats struct {
	RootPath string // empty for an un-scoped-by-root report
	RootRole Role

	Total    int64
	Excluded int64
	Hashed   int64
	Archived int64
}

func (s CoverageStats) Included() int64 { return s.Total - s.Excluded }

func (s CoverageStats) ExcludedPct() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Excluded) / float64(s.Total) * 100
}

func (s CoverageStats) HashedPct() float64 {
	included := s.Included()
	if included == 0 {
		return 0
	}
	return float64(s.Hashed) / float64(included) * 100
}

func (s CoverageStats) ArchivedPct() float64 {
	if s.Hashed == 0 {
		return 0
	}
	return float64(s.Archived) / float64(s.Hashed) * 100
}

func (s CoverageStats) Unarchived() int64 { return s.Hashed - s.Archived }

func (s *CoverageStats) add(o CoverageStats) {
	s.Total += o.Total
	s.Excluded += o.Excluded
	s.Hashed += o.Hashed
	s.Archived += o.Archived
}

// CoverageOpts selects the scope and the archive a coverage report is
// measured against.
type CoverageOpts struct {
	ScopeRootID int64
	ScopePrefix string
	HasScope    bool

	Filter Expr

	IncludeArchived bool // count archive-role sources in the scan too
	IncludeExcluded bool // show excluded sources in the breakdown rather than folding them out

	// HasArchiveRoot narrows "archived" to one archive root (optionally
	// scoped further by ArchiveScopePrefix, an absolute path prefix under
	// that root). Without it, any present archive-role source counts.
	HasArchiveRoot     bool
	ArchiveRootID      int64
	ArchiveScopePrefix string
}

// Coverage computes a single CoverageStats for opts's scope, matching
// coverage.rs's compute_scoped_stats.
func (c *Catalog) Coverage(ctx context.Context, opts CoverageOpts) (CoverageStats, error) {
	hashes, err := c.archivedHashSet(ctx, opts)
	if err != nil {
		return CoverageStats{}, err
	}
	stats, err := c.scanCoverage(ctx, c.coverageSelectOpts(opts), hashes, opts.IncludeExcluded)
	if err != nil {
		return CoverageStats{}, fmt.Errorf("canon: coverage: %w", err)
	}
	return stats, nil
}

// CoverageByRoot computes a per-root breakdown plus an overall total,
// matching coverage.rs's compute_per_root_stats. Roots with zero matching
// sources are omitted from the per-root slice, matching display_per_root_stats.
func (c *Catalog) CoverageByRoot(ctx context.Context, opts CoverageOpts) ([]CoverageStats, CoverageStats, error) {
	hashes, err := c.archivedHashSet(ctx, opts)
	if err != nil {
		return nil, CoverageStats{}, err
	}

	roleFilter := ""
	if !opts.IncludeArchived {
		roleFilter = string(RoleSource)
	}
	roots, err := c.listRoots(ctx, roleFilter)
	if err != nil {
		return nil, CoverageStats{}, fmt.Errorf("canon: coverage: list roots: %w", err)
	}

	var perRoot []CoverageStats
	var overall CoverageStats
	for _, r := range roots {
		sel := c.coverageSelectOpts(opts)
		sel.ScopeRootID = r.ID
		sel.HasScope = false
		stats, err := c.scanCoverage(ctx, sel, hashes, opts.IncludeExcluded)
		if err != nil {
			return nil, CoverageStats{}, fmt.Errorf("canon: coverage: root %d: %w", r.ID, err)
		}
		stats.RootPath = r.Path
		stats.RootRole = r.Role
		overall.add(stats)
		if stats.Total > 0 {
			perRoot = append(perRoot, stats)
		}
	}
	return perRoot, overall, nil
}

func (c *Catalog) coverageSelectOpts(opts CoverageOpts) SelectOpts {
	return SelectOpts{
		ScopeRootID:     opts.ScopeRootID,
		ScopePrefix:     opts.ScopePrefix,
		HasScope:        opts.HasScope,
		Filter:          opts.Filter,
		IncludeArchived: opts.IncludeArchived,
		IncludeExcluded: true, // always see every source; exclusion is tallied, not filtered, below
		PresentOnly:     true,
	}
}

// scanCoverage walks every candidate in sel, tallying totals, exclusions,
// hashed and archived counts. Excluded sources are always counted in Total
// and Excluded; they only contribute to Hashed/Archived when includeExcluded
// asks to see them, mirroring coverage.rs's "skip further processing...
// unless include_excluded" branch.
func (c *Catalog) scanCoverage(ctx context.Context, sel SelectOpts, archivedHashes map[string]bool, includeExcluded bool) (CoverageStats, error) {
	var stats CoverageStats
	err := c.EachCandidate(ctx, sel, func(cand Candidate) error {
		stats.Total++

		excluded, err := c.isExcluded(ctx, cand.SourceID)
		if err != nil {
			return err
		}
		if excluded {
			stats.Excluded++
			if !includeExcluded {
				return nil
			}
		}

		if cand.ObjectID == nil {
			return nil
		}
		hashValue, ok, err := c.objectHash(ctx, *cand.ObjectID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		stats.Hashed++
		if archivedHashes[hashValue] {
			stats.Archived++
		}
		return nil
	})
	return stats, err
}

func (c *Catalog) objectHash(ctx context.Context, objectID int64) (string, bool, error) {
	var hashValue string
	err := c.QueryRowContext(ctx, `SELECT hash_value FROM objects WHERE id = ?`, objectID).Scan(&hashValue)
	if err != nil {
		return "", false, nil
	}
	return hashValue, true, nil
}

// archivedHashSet builds the set of object hashes present in the archive(s)
// a coverage report measures against: one archive root (optionally
// sub-path-scoped) if opts.HasArchiveRoot, otherwise every archive root.
func (c *Catalog) archivedHashSet(ctx context.Context, opts CoverageOpts) (map[string]bool, error) {
	var rows interface {
		Next() bool
		Scan(...any) error
		Close() error
		Err() error
	}
	var err error
	if opts.HasArchiveRoot {
		rows, err = c.QueryContext(ctx, `
			SELECT DISTINCT o.hash_value
			FROM sources s
			JOIN roots r ON s.root_id = r.id
			JOIN objects o ON s.object_id = o.id
			WHERE r.id = ? AND s.present = 1
			  AND (r.path || '/' || s.rel_path) LIKE ? || '%'`,
			opts.ArchiveRootID, opts.ArchiveScopePrefix)
	} else {
		rows, err = c.QueryContext(ctx, `
			SELECT DISTINCT o.hash_value
			FROM sources s
			JOIN roots r ON s.root_id = r.id
			JOIN objects o ON s.object_id = o.id
			WHERE r.role = 'archive' AND s.present = 1`)
	}
	if err != nil {
		return nil, fmt.Errorf("canon: coverage: archived hash set: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("canon: coverage: archived hash set: %w", err)
		}
		out[h] = true
	}
	return out, rows.Err()
}

func (c *Catalog) listRoots(ctx context.Context, role string) ([]Root, error) {
	query := `SELECT id, path, role FROM roots`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY path`

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Root
	for rows.Next() {
		var r Root
		var role string
		if err := rows.Scan(&r.ID, &r.Path, &role); err != nil {
			return nil, err
		}
		r.Role = Role(role)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindArchiveRootForPath locates the archive root containing an absolute
// path, used by the coverage command's --archive flag (coverage.rs's
// find_archive_root_for_path).
func (c *Catalog) FindArchiveRootForPath(ctx context.Context, absPath string) (int64, string, error) {
	roots, err := c.listRoots(ctx, string(RoleArchive))
	if err != nil {
		return 0, "", fmt.Errorf("canon: find archive root: %w", err)
	}
	for _, r := range roots {
		if isAncestor(r.Path, absPath) {
			return r.ID, r.Path, nil
		}
	}
	return 0, "", fmt.Errorf("canon: find archive root: %q is not within any registered archive root", absPath)
}
