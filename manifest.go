package canon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// Manifest is the declarative archive plan produced by GenerateManifest
// and consumed by Apply (spec.md §4.7, §6).
type Manifest struct {
	Meta    ManifestMeta     `toml:"meta"`
	Output  ManifestOutput   `toml:"output"`
	Sources []ManifestSource `toml:"sources"`
}

// ManifestMeta records how the manifest was produced.
type ManifestMeta struct {
	Query       []string `toml:"query"`
	GeneratedAt int64    `toml:"generated_at"`
}

// ManifestOutput describes the destination layout.
type ManifestOutput struct {
	Pattern string `toml:"pattern"`
	BaseDir string `toml:"base_dir"`
}

// ManifestSource is one planned source entry.
type ManifestSource struct {
	ID        int64          `toml:"id"`
	Path      string         `toml:"path"`
	Size      int64          `toml:"size"`
	HashType  string         `toml:"hash_type,omitempty"`
	HashValue string         `toml:"hash_value,omitempty"`
	Facts     map[string]any `toml:"facts"`
}

// ManifestGenOpts configures a manifest generation run.
type ManifestGenOpts struct {
	Queries         []string // original filter strings, recorded in meta
	Filter          Expr
	Pattern         string
	BaseDir         string // must canonicalize inside a registered archive root
	IncludeArchived bool   // include candidates already archived elsewhere
}

// ManifestStats reports the counts surfaced for transparency by manifest
// generation (spec.md §4.7 step 2).
type ManifestStats struct {
	Candidates      int64
	ExcludedByGate  int64
	AlreadyArchived int64
}

// GenerateManifest computes the candidate set, filters out content already
// present in an archive (unless opts.IncludeArchived), and materializes
// each remaining candidate's fact map.
func (c *Catalog) GenerateManifest(ctx context.Context, opts ManifestGenOpts) (Manifest, ManifestStats, error) {
	var stats ManifestStats

	if _, _, _, ok, err := c.ResolveArchivePath(ctx, opts.BaseDir); err != nil {
		return Manifest{}, stats, fmt.Errorf("canon: generate manifest: %w", err)
	} else if !ok {
		return Manifest{}, stats, fmt.Errorf("canon: generate manifest: base dir %q does not canonicalize inside any archive root", opts.BaseDir)
	}

	archiveObjects, err := c.archivedObjectIDs(ctx)
	if err != nil {
		return Manifest{}, stats, fmt.Errorf("canon: generate manifest: %w", err)
	}

	excluded, err := c.countExcludedSourceRoleSources(ctx)
	if err != nil {
		return Manifest{}, stats, fmt.Errorf("canon: generate manifest: %w", err)
	}
	stats.ExcludedByGate = excluded

	var sources []ManifestSource
	selOpts := SelectOpts{PresentOnly: true, IncludeArchived: false}
	err = c.EachCandidate(ctx, selOpts, func(cand Candidate) error {
		ok, err := evalOrTrue(opts.Filter, cand)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		stats.Candidates++

		if cand.ObjectID != nil {
			if _, archived := archiveObjects[*cand.ObjectID]; archived && !opts.IncludeArchived {
				stats.AlreadyArchived++
				return nil
			}
		}

		ms, err := c.materializeManifestSource(ctx, cand)
		if err != nil {
			return err
		}
		sources = append(sources, ms)
		return nil
	})
	if err != nil {
		return Manifest{}, stats, fmt.Errorf("canon: generate manifest: %w", err)
	}

	m := Manifest{
		Meta: ManifestMeta{
			Query:       opts.Queries,
			GeneratedAt: time.Now().Unix(),
		},
		Output: ManifestOutput{
			Pattern: opts.Pattern,
			BaseDir: opts.BaseDir,
		},
		Sources: sources,
	}
	return m, stats, nil
}

func evalOrTrue(e Expr, c Candidate) (bool, error) {
	if e == nil {
		return true, nil
	}
	return e.Eval(c)
}

// archivedObjectIDs returns the set of object ids that are present from at
// least one source in an archive root, used to filter "already archived"
// duplicates out of a manifest (spec.md §4.7 step 3).
func (c *Catalog) archivedObjectIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT DISTINCT sources.object_id
		FROM sources JOIN roots ON roots.id = sources.root_id
		WHERE roots.role = 'archive' AND sources.present = 1 AND sources.object_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// countExcludedSourceRoleSources counts present, source-role sources
// carrying a policy.exclude fact, surfaced alongside manifest generation
// for transparency (spec.md §4.7 step 2).
func (c *Catalog) countExcludedSourceRoleSources(ctx context.Context) (int64, error) {
	var n int64
	err := c.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sources JOIN roots ON roots.id = sources.root_id
		WHERE roots.role = 'source' AND sources.present = 1
		AND EXISTS (
			SELECT 1 FROM facts
			WHERE facts.entity_type = 'source' AND facts.entity_id = sources.id AND facts.key = ?
		)`, PolicyExcludeKey).Scan(&n)
	return n, err
}

func (c *Catalog) materializeManifestSource(ctx context.Context, cand Candidate) (ManifestSource, error) {
	ms := ManifestSource{
		ID:    cand.SourceID,
		Path:  filepath.Join(cand.RootPath, cand.RelPath),
		Size:  cand.Size,
		Facts: make(map[string]any),
	}

	if cand.ObjectID != nil {
		var hashType, hashValue string
		err := c.QueryRowContext(ctx, `SELECT hash_type, hash_value FROM objects WHERE id = ?`, *cand.ObjectID).
			Scan(&hashType, &hashValue)
		if err != nil {
			return ManifestSource{}, fmt.Errorf("lookup object %d: %w", *cand.ObjectID, err)
		}
		ms.HashType, ms.HashValue = hashType, hashValue
	}

	if err := c.collectFactsInto(ctx, ms.Facts, EntitySource, cand.SourceID); err != nil {
		return ManifestSource{}, err
	}
	if cand.ObjectID != nil {
		if err := c.collectFactsInto(ctx, ms.Facts, EntityObject, *cand.ObjectID); err != nil {
			return ManifestSource{}, err
		}
	}
	return ms, nil
}

func (c *Catalog) collectFactsInto(ctx context.Context, dst map[string]any, et EntityType, id int64) error {
	rows, err := c.QueryContext(ctx,
		`SELECT key, value_text, value_num, value_time, value_json FROM facts WHERE entity_type = ? AND entity_id = ?`,
		string(et), id)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var f Fact
		var textV, jsonV *string
		var numV *float64
		var timeV *int64
		if err := rows.Scan(&key, &textV, &numV, &timeV, &jsonV); err != nil {
			return err
		}
		switch {
		case textV != nil:
			f.Kind, f.Text = ValueText, *textV
		case numV != nil:
			f.Kind, f.Num = ValueNumber, *numV
		case timeV != nil:
			f.Kind, f.Time = ValueTime, *timeV
		case jsonV != nil:
			f.Kind, f.JSON = ValueJSON, *jsonV
		}
		dst[key] = factToAny(f)
	}
	return rows.Err()
}

func factToAny(f Fact) any {
	switch f.Kind {
	case ValueText:
		return f.Text
	case ValueNumber:
		return f.Num
	case ValueTime:
		return f.Time
	case ValueJSON:
		return rawJSON(f.JSON)
	default:
		return nil
	}
}

// rawJSON marks a string as already-encoded JSON so the TOML encoder
// stores it as an opaque string rather than attempting to interpret it;
// the applier's pattern expander treats it as an inert fact value.
type rawJSON string
