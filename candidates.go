package canon

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SelectOpts controls which sources a candidate scan visits. It's shared
// by every command that enumerates sources: worklist, ls, facts, coverage,
// exclude, and manifest generation.
type SelectOpts struct {
	// ScopeRootID, if non-zero, restricts candidates to one root.
	ScopeRootID int64
	// ScopePrefix, used together with ScopeRootID, restricts candidates
	// to rel_path values at or under this prefix.
	ScopePrefix string
	HasScope    bool

	Filter Expr

	IncludeArchived bool // visit sources under archive roots too
	IncludeExcluded bool // skip the default policy.exclude gate
	PresentOnly     bool // only present=1 sources (default true for most commands)
}

// EachCandidate streams every source matching opts, in ascending
// source-id order, in batches of BatchSize so that no single query holds
// the catalog lock for an unbounded scan (spec.md §4.5). fn's error
// aborts the walk.
func (c *Catalog) EachCandidate(ctx context.Context, opts SelectOpts, fn func(Candidate) error) error {
	var lastID int64
	presentOnly := opts.PresentOnly

	for {
		query, args := buildCandidateQuery(opts, presentOnly, lastID)
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("canon: select candidates: %w", err)
		}

		type row struct {
			id, rootID                 int64
			rootPath, relPath          string
			size, mtime                int64
			device, inode, objectID    sql.NullInt64
			role                       string
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.rootID, &r.rootPath, &r.role, &r.relPath, &r.size, &r.mtime, &r.device, &r.inode, &r.objectID); err != nil {
				rows.Close()
				return fmt.Errorf("canon: select candidates: scan: %w", err)
			}
			batch = append(batch, r)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("canon: select candidates: %w", err)
		}
		if closeErr != nil {
			return fmt.Errorf("canon: select candidates: %w", closeErr)
		}

		if len(batch) == 0 {
			return nil
		}

		for _, r := range batch {
			// Advance past every scanned row regardless of whether it
			// passes opts.Filter: the filter runs in Go, not SQL, so a
			// run of BatchSize non-matching rows must still move the
			// "WHERE sources.id > ?" cursor forward, or the next round
			// re-fetches the identical batch forever.
			lastID = r.id

			cand := Candidate{
				SourceID: r.id,
				RootID:   r.rootID,
				RootPath: r.rootPath,
				RelPath:  r.relPath,
				Size:     r.size,
				Mtime:    r.mtime,
			}
			if r.device.Valid {
				d := r.device.Int64
				cand.Device = &d
			}
			if r.inode.Valid {
				i := r.inode.Int64
				cand.Inode = &i
			}
			if r.objectID.Valid {
				o := r.objectID.Int64
				cand.ObjectID = &o
			}
			cand.Fact = func(key string) (Fact, bool) { return c.lookupFact(ctx, cand, key) }

			if opts.Filter != nil {
				ok, err := opts.Filter.Eval(cand)
				if err != nil {
					return fmt.Errorf("canon: select candidates: filter: %w", err)
				}
				if !ok {
					continue
				}
			}
			if err := fn(cand); err != nil {
				return err
			}
		}

		if len(batch) < BatchSize {
			return nil
		}
	}
}

// lookupFact resolves a fact on the source first, then its linked object,
// matching the resolution order of spec.md §4.3/§4.6.
func (c *Catalog) lookupFact(ctx context.Context, cand Candidate, key string) (Fact, bool) {
	if f, ok := c.queryFact(ctx, EntitySource, cand.SourceID, key); ok {
		return f, true
	}
	if cand.ObjectID != nil {
		if f, ok := c.queryFact(ctx, EntityObject, *cand.ObjectID, key); ok {
			return f, true
		}
	}
	return Fact{}, false
}

func (c *Catalog) queryFact(ctx context.Context, et EntityType, id int64, key string) (Fact, bool) {
	var f Fact
	var text, jsonVal sql.NullString
	var num sql.NullFloat64
	var tval sql.NullInt64
	var obr sql.NullInt64
	row := c.QueryRowContext(ctx,
		`SELECT value_text, value_num, value_time, value_json, observed_at, observed_basis_rev
		 FROM facts WHERE entity_type = ? AND entity_id = ? AND key = ?`,
		string(et), id, key)
	if err := row.Scan(&text, &num, &tval, &jsonVal, &f.ObservedAt, &obr); err != nil {
		return Fact{}, false
	}
	f.EntityType = et
	f.EntityID = id
	f.Key = key
	if obr.Valid {
		v := obr.Int64
		f.ObservedBasisRev = &v
	}
	switch {
	case text.Valid:
		f.Kind, f.Text = ValueText, text.String
	case num.Valid:
		f.Kind, f.Num = ValueNumber, num.Float64
	case tval.Valid:
		f.Kind, f.Time = ValueTime, tval.Int64
	case jsonVal.Valid:
		f.Kind, f.JSON = ValueJSON, jsonVal.String
	}
	return f, true
}

func buildCandidateQuery(opts SelectOpts, presentOnly bool, afterID int64) (string, []any) {
	var where []string
	var args []any

	where = append(where, "sources.id > ?")
	args = append(args, afterID)

	if presentOnly {
		where = append(where, "sources.present = 1")
	}
	if !opts.IncludeArchived {
		where = append(where, "roots.role = 'source'")
	}
	if !opts.IncludeExcluded {
		where = append(where, strings.TrimSpace(ExcludePredicateSQL))
	}
	if opts.ScopeRootID != 0 {
		where = append(where, "sources.root_id = ?")
		args = append(args, opts.ScopeRootID)
		if opts.HasScope && opts.ScopePrefix != "" {
			where = append(where, "(sources.rel_path = ? OR sources.rel_path LIKE ? ESCAPE '\\')")
			args = append(args, opts.ScopePrefix, likePrefix(opts.ScopePrefix))
		}
	}

	query := fmt.Sprintf(`
		SELECT sources.id, sources.root_id, roots.path, roots.role, sources.rel_path,
		       sources.size, sources.mtime, sources.device, sources.inode, sources.object_id
		FROM sources
		JOIN roots ON roots.id = sources.root_id
		WHERE %s
		ORDER BY sources.id
		LIMIT %d`, strings.Join(where, " AND "), BatchSize)
	return query, args
}
