package canon

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// builtinFactsDefault/-Hidden mirror original_source/src/facts.rs: synthesized
// source fields always carry 100% coverage and are listed ahead of observed
// fact keys; the "hidden" set only appears behind --all.
var builtinFactsDefault = []string{nsSource + "ext", nsSource + "size", nsSource + "mtime", nsSource + "path"}
var builtinFactsHidden = []string{nsSource + "root", nsSource + "rel_path", nsSource + "device", nsSource + "inode"}

// FactKeyStat is one row of the "facts" command's no-key view: a key
// observed across the matching sources, its hit count, and whether it's a
// synthesized built-in.
type FactKeyStat struct {
	Key     string
	Count   int64
	Builtin bool
}

// FactKeyReport lists every fact key observed across the sources selected
// by opts, built-ins first (spec.md §4's supplemented facts command).
func (c *Catalog) FactKeyReport(ctx context.Context, opts SelectOpts, showAll bool) ([]FactKeyStat, int64, error) {
	ids, err := c.collectSourceIDs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(ids))

	out := make([]FactKeyStat, 0, len(builtinFactsDefault)+len(builtinFactsHidden))
	for _, k := range builtinFactsDefault {
		out = append(out, FactKeyStat{Key: k, Count: total, Builtin: true})
	}
	if showAll {
		for _, k := range builtinFactsHidden {
			out = append(out, FactKeyStat{Key: k, Count: total, Builtin: true})
		}
	}
	if total == 0 {
		return out, total, nil
	}

	var observed []FactKeyStat
	err = c.withTempSources(ctx, ids, func() error {
		rows, err := c.QueryContext(ctx, `
			SELECT key, COUNT(*) FROM (
				SELECT DISTINCT id, key FROM (
					SELECT ts.id, f.key
					FROM temp_sources ts
					JOIN facts f ON f.entity_type = 'source' AND f.entity_id = ts.id
					UNION ALL
					SELECT ts.id, f.key
					FROM temp_sources ts
					JOIN sources s ON s.id = ts.id
					JOIN facts f ON f.entity_type = 'object' AND f.entity_id = s.object_id
					WHERE s.object_id IS NOT NULL
				)
			)
			GROUP BY key
			ORDER BY COUNT(*) DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s FactKeyStat
			if err := rows.Scan(&s.Key, &s.Count); err != nil {
				return err
			}
			observed = append(observed, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("canon: fact key report: %w", err)
	}
	return append(out, observed...), total, nil
}

// FactValueRow is one bucket of a fact's value distribution.
type FactValueRow struct {
	Value string
	Count int64
}

// FactValueDistribution reports the value distribution of key across the
// sources selected by opts. Synthesized source.* keys are bucketed the
// way original_source/src/facts.rs buckets them (size by order-of-magnitude
// range, mtime by year); everything else reports exact values. limit caps
// the number of rows (0 = unlimited).
func (c *Catalog) FactValueDistribution(ctx context.Context, opts SelectOpts, key string, limit int) ([]FactValueRow, int64, error) {
	ids, err := c.collectSourceIDs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(ids))
	if total == 0 {
		return nil, 0, nil
	}

	if isSynthKey(normalizeSynthKey(key)) {
		return c.builtinValueDistribution(ctx, ids, normalizeSynthKey(key), limit)
	}

	var out []FactValueRow
	var withFact int64
	err = c.withTempSources(ctx, ids, func() error {
		query := `
			SELECT val, COUNT(*) FROM (
				SELECT DISTINCT id, val FROM (
					SELECT ts.id, COALESCE(f.value_text, CASE WHEN f.value_num = CAST(f.value_num AS INTEGER) THEN CAST(CAST(f.value_num AS INTEGER) AS TEXT) ELSE CAST(f.value_num AS TEXT) END, datetime(f.value_time, 'unixepoch'), f.value_json) AS val
					FROM temp_sources ts
					JOIN facts f ON f.entity_type = 'source' AND f.entity_id = ts.id AND f.key = ?
					UNION ALL
					SELECT ts.id, COALESCE(f.value_text, CASE WHEN f.value_num = CAST(f.value_num AS INTEGER) THEN CAST(CAST(f.value_num AS INTEGER) AS TEXT) ELSE CAST(f.value_num AS TEXT) END, datetime(f.value_time, 'unixepoch'), f.value_json) AS val
					FROM temp_sources ts
					JOIN sources s ON s.id = ts.id
					JOIN facts f ON f.entity_type = 'object' AND f.entity_id = s.object_id AND f.key = ?
					WHERE s.object_id IS NOT NULL
				)
			)
			GROUP BY val
			ORDER BY COUNT(*) DESC`
		args := []any{key, key}
		if limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", limit)
		}
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var val sql.NullString
			var cnt int64
			if err := rows.Scan(&val, &cnt); err != nil {
				return err
			}
			display := "(null)"
			if val.Valid {
				display = val.String
			}
			out = append(out, FactValueRow{Value: display, Count: cnt})
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return c.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT id) FROM (
				SELECT ts.id
				FROM temp_sources ts
				JOIN facts f ON f.entity_type = 'source' AND f.entity_id = ts.id AND f.key = ?
				UNION ALL
				SELECT ts.id
				FROM temp_sources ts
				JOIN sources s ON s.id = ts.id
				JOIN facts f ON f.entity_type = 'object' AND f.entity_id = s.object_id AND f.key = ?
				WHERE s.object_id IS NOT NULL
			)`, key, key).Scan(&withFact)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("canon: fact value distribution: %w", err)
	}
	if without := total - withFact; without > 0 {
		out = append(out, FactValueRow{Value: "(no value)", Count: without})
	}
	return out, total, nil
}

func (c *Catalog) builtinValueDistribution(ctx context.Context, ids []int64, key string, limit int) ([]FactValueRow, int64, error) {
	total := int64(len(ids))
	counts := make(map[string]int64)

	err := c.withTempSources(ctx, ids, func() error {
		switch key {
		case nsSource + "ext":
			return c.scanStrings(ctx, `SELECT rel_path FROM sources WHERE id IN (SELECT id FROM temp_sources)`,
				func(relPath string) {
					ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(relPath), "."))
					if ext == "" {
						ext = "(no extension)"
					}
					counts[ext]++
				})
		case nsSource + "size":
			return c.scanInts(ctx, `SELECT size FROM sources WHERE id IN (SELECT id FROM temp_sources)`,
				func(size int64) { counts[sizeBucket(size)]++ })
		case nsSource + "mtime":
			return c.scanInts(ctx, `SELECT mtime FROM sources WHERE id IN (SELECT id FROM temp_sources)`,
				func(mtime int64) { counts[time.Unix(mtime, 0).UTC().Format("2006")]++ })
		case nsSource + "path":
			return c.scanStrings(ctx, `
				SELECT r.path || '/' || s.rel_path FROM sources s
				JOIN roots r ON r.id = s.root_id
				WHERE s.id IN (SELECT id FROM temp_sources)`,
				func(path string) { counts[path]++ })
		case nsSource + "root":
			return c.scanStrings(ctx, `
				SELECT r.path FROM sources s
				JOIN roots r ON r.id = s.root_id
				WHERE s.id IN (SELECT id FROM temp_sources)`,
				func(path string) { counts[path]++ })
		case nsSource + "rel_path":
			return c.scanStrings(ctx, `SELECT rel_path FROM sources WHERE id IN (SELECT id FROM temp_sources)`,
				func(relPath string) { counts[relPath]++ })
		default:
			return nil
		}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("canon: builtin value distribution: %w", err)
	}

	var out []FactValueRow
	for v, n := range counts {
		out = append(out, FactValueRow{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func sizeBucket(size int64) string {
	const kb, mb, gb = 1024, 1024 * 1024, 1024 * 1024 * 1024
	switch {
	case size < kb:
		return "< 1 KB"
	case size < mb:
		return "1 KB - 1 MB"
	case size < 10*mb:
		return "1 MB - 10 MB"
	case size < 100*mb:
		return "10 MB - 100 MB"
	case size < gb:
		return "100 MB - 1 GB"
	default:
		return "> 1 GB"
	}
}

func (c *Catalog) scanStrings(ctx context.Context, query string, fn func(string)) error {
	rows, err := c.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		fn(s)
	}
	return rows.Err()
}

func (c *Catalog) scanInts(ctx context.Context, query string, fn func(int64)) error {
	rows, err := c.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return err
		}
		fn(n)
	}
	return rows.Err()
}

// collectSourceIDs materializes the ascending source-id list opts selects,
// reusing the shared candidate scan so facts/coverage/ls share exactly the
// same scope/filter/exclude semantics as worklist and manifest generation.
func (c *Catalog) collectSourceIDs(ctx context.Context, opts SelectOpts) ([]int64, error) {
	opts.PresentOnly = true
	var ids []int64
	err := c.EachCandidate(ctx, opts, func(cand Candidate) error {
		ids = append(ids, cand.SourceID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("canon: collect source ids: %w", err)
	}
	return ids, nil
}

// withTempSources populates the shared temp_sources table for the duration
// of fn, matching original_source/src/db.rs's populate_temp_sources pattern
// used throughout facts.rs for efficient joins over an id list.
func (c *Catalog) withTempSources(ctx context.Context, ids []int64, fn func() error) error {
	if err := populateTempSources(ctx, c, ids); err != nil {
		return err
	}
	defer c.ExecContext(ctx, `DROP TABLE IF EXISTS temp_sources`)
	return fn()
}
