package canon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExcludePredicateSQL is the "not excluded" clause injected into every
// default source-selection query (spec.md §4.4): no policy.exclude fact
// exists for the source.
const ExcludePredicateSQL = `NOT EXISTS (
		SELECT 1 FROM facts
		WHERE facts.entity_type = 'source' AND facts.entity_id = sources.id
		AND facts.key = '` + PolicyExcludeKey + `'
	)`

// ExcludeStats tallies the outcome of an exclude set/clear run.
type ExcludeStats struct {
	Matched int64
	Changed int64
}

// SetExcluded writes a policy.exclude fact, tagged with each matching
// source's current basis_rev, for every present source under scope
// matching filter. Because selection honors the default exclude predicate,
// an already-excluded source is never matched twice (spec.md §4.4).
func (c *Catalog) SetExcluded(ctx context.Context, opts SelectOpts, filter Expr) (ExcludeStats, error) {
	var stats ExcludeStats
	opts.Filter = filter
	opts.PresentOnly = true
	now := time.Now().Unix()

	err := c.EachCandidate(ctx, opts, func(cand Candidate) error {
		stats.Matched++
		_, err := c.ExecContext(ctx,
			`INSERT INTO facts (entity_type, entity_id, key, value_text, observed_at, observed_basis_rev)
			 VALUES ('source', ?, ?, 'true', ?, (SELECT basis_rev FROM sources WHERE id = ?))`,
			cand.SourceID, PolicyExcludeKey, now, cand.SourceID)
		if err != nil {
			return fmt.Errorf("canon: exclude set: source %d: %w", cand.SourceID, err)
		}
		stats.Changed++
		return nil
	})
	return stats, err
}

// ClearExcluded deletes the policy.exclude fact from every source under
// scope matching filter. Unlike set, clear must see already-excluded
// sources, so it bypasses the default exclude predicate.
func (c *Catalog) ClearExcluded(ctx context.Context, opts SelectOpts, filter Expr) (ExcludeStats, error) {
	var stats ExcludeStats
	opts.Filter = filter
	opts.IncludeExcluded = true
	opts.PresentOnly = true

	err := c.EachCandidate(ctx, opts, func(cand Candidate) error {
		stats.Matched++
		res, err := c.ExecContext(ctx,
			`DELETE FROM facts WHERE entity_type = 'source' AND entity_id = ? AND key = ?`,
			cand.SourceID, PolicyExcludeKey)
		if err != nil {
			return fmt.Errorf("canon: exclude clear: source %d: %w", cand.SourceID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.Changed++
		}
		return nil
	})
	return stats, err
}

// ListExcluded returns every currently excluded source under scope
// matching filter.
func (c *Catalog) ListExcluded(ctx context.Context, opts SelectOpts, filter Expr) ([]Candidate, error) {
	opts.Filter = filter
	opts.IncludeExcluded = true
	opts.PresentOnly = true

	var out []Candidate
	err := c.EachCandidate(ctx, opts, func(cand Candidate) error {
		excluded, err := c.isExcluded(ctx, cand.SourceID)
		if err != nil {
			return err
		}
		if excluded {
			out = append(out, cand)
		}
		return nil
	})
	return out, err
}

func (c *Catalog) isExcluded(ctx context.Context, sourceID int64) (bool, error) {
	var one int
	err := c.QueryRowContext(ctx,
		`SELECT 1 FROM facts WHERE entity_type = 'source' AND entity_id = ? AND key = ?`,
		sourceID, PolicyExcludeKey).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("canon: check excluded: source %d: %w", sourceID, err)
	}
	return true, nil
}

// ErrReservedFactKey is returned by DeleteFact when asked to remove a
// built-in or policy fact.
var ErrReservedFactKey = errors.New("canon: source.* and policy.* facts cannot be deleted directly")

// DeleteFact removes a single source-attached fact by source id and key
// (spec.md §3, §6's "facts delete"). The source.* and policy.* namespaces
// are synthesized or managed by other operations and can't be deleted
// this way; use exclude clear for policy.exclude.
func (c *Catalog) DeleteFact(ctx context.Context, sourceID int64, key string) (bool, error) {
	if strings.HasPrefix(key, nsSource) || strings.HasPrefix(key, nsPolicy) {
		return false, ErrReservedFactKey
	}
	res, err := c.ExecContext(ctx,
		`DELETE FROM facts WHERE entity_type = 'source' AND entity_id = ? AND key = ?`,
		sourceID, key)
	if err != nil {
		return false, fmt.Errorf("canon: delete fact: source %d key %s: %w", sourceID, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("canon: delete fact: source %d key %s: %w", sourceID, key, err)
	}
	return n > 0, nil
}
