package canon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FactImport is one decoded fact-import record (spec.md §4.6, §6).
type FactImport struct {
	SourceID   int64          `json:"source_id"`
	BasisRev   int64          `json:"basis_rev"`
	ObservedAt int64          `json:"observed_at"`
	Facts      map[string]any `json:"facts"`
}

// ImportStats tallies one import run (spec.md §4.6).
type ImportStats struct {
	LinesProcessed  int64
	FactsImported   int64
	SkippedStale    int64
	SkippedReserved int64
	SkippedArchived int64
	SkippedMissing  int64
	ObjectsCreated  int64
	FactsPromoted   int64
}

// Importer applies a stream of fact-import records to the catalog.
type Importer struct {
	Catalog *Catalog
	// AllowArchived permits importing facts onto sources in archive
	// roots; off by default (spec.md §4.6 step 2).
	AllowArchived bool
	// Warn receives one line per dropped/skipped record, mirroring the
	// "logged and skipped" per-item policy (spec.md §4.6, §7).
	Warn func(msg string)
}

func NewImporter(c *Catalog) *Importer {
	return &Importer{Catalog: c}
}

func (im *Importer) warn(format string, args ...any) {
	if im.Warn != nil {
		im.Warn(fmt.Sprintf(format, args...))
	}
}

// ImportLine decodes and applies a single NDJSON fact-import line,
// updating stats in place. A malformed line is logged and skipped,
// matching the per-line parse-failure policy. A record that fails while
// being applied (including a catalog error) is logged through Warn and
// skipped as well, so the returned error is always nil.
func (im *Importer) ImportLine(ctx context.Context, line string, stats *ImportStats) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	stats.LinesProcessed++

	var rec FactImport
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		im.warn("parse line %d: %v", stats.LinesProcessed, err)
		return nil
	}
	if rec.ObservedAt == 0 {
		rec.ObservedAt = time.Now().Unix()
	}

	if err := im.processRecord(ctx, rec, stats); err != nil {
		im.warn("process source_id %d: %v", rec.SourceID, err)
	}
	return nil
}

func (im *Importer) processRecord(ctx context.Context, rec FactImport, stats *ImportStats) error {
	var (
		currentBasisRev int64
		objectID        sql.NullInt64
		role            string
	)
	row := im.Catalog.QueryRowContext(ctx,
		`SELECT sources.basis_rev, sources.object_id, roots.role
		 FROM sources JOIN roots ON roots.id = sources.root_id
		 WHERE sources.id = ?`, rec.SourceID)
	err := row.Scan(&currentBasisRev, &objectID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		stats.SkippedMissing++
		im.warn("source_id %d not found", rec.SourceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup source: %w", err)
	}

	if role == string(RoleArchive) && !im.AllowArchived {
		stats.SkippedArchived++
		return nil
	}

	if currentBasisRev != rec.BasisRev {
		stats.SkippedStale++
		im.warn("source_id %d has basis_rev %d but import has %d, skipping", rec.SourceID, currentBasisRev, rec.BasisRev)
		return nil
	}

	type normalized struct {
		key   string
		value any
	}
	var facts []normalized
	for key, value := range rec.Facts {
		nk, err := normalizeFactKey(key)
		if err != nil {
			stats.SkippedReserved++
			im.warn("skipping fact %q: %v", key, err)
			continue
		}
		facts = append(facts, normalized{nk, value})
	}

	var hadObject bool
	if objectID.Valid {
		hadObject = true
	}
	currentObjectID := objectID

	for _, f := range facts {
		if f.key != "content.hash.sha256" {
			continue
		}
		hashStr, ok := f.value.(string)
		if !ok {
			continue
		}
		oid, err := im.getOrCreateObject(ctx, "sha256", hashStr, stats)
		if err != nil {
			return fmt.Errorf("resolve object: %w", err)
		}
		if !currentObjectID.Valid || currentObjectID.Int64 != oid {
			if _, err := im.Catalog.ExecContext(ctx,
				`UPDATE sources SET object_id = ? WHERE id = ?`, oid, rec.SourceID); err != nil {
				return fmt.Errorf("link object: %w", err)
			}
		}
		currentObjectID = sql.NullInt64{Int64: oid, Valid: true}
	}

	for _, f := range facts {
		kind, text, num, tval, jsonVal := classifyValue(f.value)
		if currentObjectID.Valid {
			if err := insertFact(ctx, im.Catalog, EntityObject, currentObjectID.Int64, f.key, kind, text, num, tval, jsonVal, rec.ObservedAt, nil); err != nil {
				return fmt.Errorf("insert object fact %s: %w", f.key, err)
			}
			stats.FactsImported++
		} else {
			basisRev := rec.BasisRev
			if err := insertFact(ctx, im.Catalog, EntitySource, rec.SourceID, f.key, kind, text, num, tval, jsonVal, rec.ObservedAt, &basisRev); err != nil {
				return fmt.Errorf("insert source fact %s: %w", f.key, err)
			}
			stats.FactsImported++
		}
	}

	if currentObjectID.Valid && !hadObject {
		promoted, err := im.promoteContentFacts(ctx, rec.SourceID, currentObjectID.Int64)
		if err != nil {
			return fmt.Errorf("promote facts: %w", err)
		}
		stats.FactsPromoted += promoted
	}

	return nil
}

// normalizeFactKey applies the namespace rules of spec.md §4.6: source.*
// is reserved, content.* is left as-is, everything else is auto-prefixed.
func normalizeFactKey(key string) (string, error) {
	if strings.HasPrefix(key, nsSource) {
		return "", fmt.Errorf("%s namespace is reserved for built-in facts", nsSource)
	}
	if strings.HasPrefix(key, nsContent) {
		return key, nil
	}
	return nsContent + key, nil
}

func (im *Importer) getOrCreateObject(ctx context.Context, hashType, hashValue string, stats *ImportStats) (int64, error) {
	var id int64
	err := im.Catalog.QueryRowContext(ctx,
		`SELECT id FROM objects WHERE hash_type = ? AND hash_value = ?`, hashType, hashValue).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := im.Catalog.ExecContext(ctx,
		`INSERT INTO objects (hash_type, hash_value) VALUES (?, ?)`, hashType, hashValue)
	if err != nil {
		return 0, err
	}
	stats.ObjectsCreated++
	return res.LastInsertId()
}

func (im *Importer) promoteContentFacts(ctx context.Context, sourceID, objectID int64) (int64, error) {
	rows, err := im.Catalog.QueryContext(ctx,
		`SELECT id, key, value_text, value_num, value_time, value_json, observed_at
		 FROM facts WHERE entity_type = 'source' AND entity_id = ?`, sourceID)
	if err != nil {
		return 0, err
	}

	type row struct {
		id                          int64
		key                         string
		text, jsonVal               sql.NullString
		num                         sql.NullFloat64
		tval                        sql.NullInt64
		observedAt                  int64
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.key, &r.text, &r.num, &r.tval, &r.jsonVal, &r.observedAt); err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var promoted int64
	for _, r := range all {
		if !strings.HasPrefix(r.key, nsContent) {
			continue
		}
		var exists int
		err := im.Catalog.QueryRowContext(ctx,
			`SELECT 1 FROM facts WHERE entity_type = 'object' AND entity_id = ? AND key = ?`,
			objectID, r.key).Scan(&exists)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return promoted, err
		}
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := im.Catalog.ExecContext(ctx,
				`INSERT INTO facts (entity_type, entity_id, key, value_text, value_num, value_time, value_json, observed_at, observed_basis_rev)
				 VALUES ('object', ?, ?, ?, ?, ?, ?, ?, NULL)`,
				objectID, r.key, r.text, r.num, r.tval, r.jsonVal, r.observedAt); err != nil {
				return promoted, err
			}
			promoted++
		}
		if _, err := im.Catalog.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, r.id); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

func insertFact(ctx context.Context, c *Catalog, et EntityType, entityID int64, key string, kind ValueKind, text string, num float64, tval int64, jsonVal string, observedAt int64, observedBasisRev *int64) error {
	var vText, vJSON sql.NullString
	var vNum sql.NullFloat64
	var vTime sql.NullInt64
	switch kind {
	case ValueText:
		vText = sql.NullString{String: text, Valid: true}
	case ValueNumber:
		vNum = sql.NullFloat64{Float64: num, Valid: true}
	case ValueTime:
		vTime = sql.NullInt64{Int64: tval, Valid: true}
	case ValueJSON:
		vJSON = sql.NullString{String: jsonVal, Valid: true}
	}
	var obr sql.NullInt64
	if observedBasisRev != nil {
		obr = sql.NullInt64{Int64: *observedBasisRev, Valid: true}
	}
	_, err := c.ExecContext(ctx,
		`INSERT INTO facts (entity_type, entity_id, key, value_text, value_num, value_time, value_json, observed_at, observed_basis_rev)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(et), entityID, key, vText, vNum, vTime, vJSON, observedAt, obr)
	return err
}

// PruneStaleFacts deletes every source-attached fact whose
// observed_basis_rev no longer matches its source's current basis_rev
// (spec.md §4.6's stale-pruning maintenance operation), returning the
// number of facts removed.
func (c *Catalog) PruneStaleFacts(ctx context.Context) (int64, error) {
	res, err := c.ExecContext(ctx, `
		DELETE FROM facts
		WHERE entity_type = 'source'
		AND observed_basis_rev IS NOT (
			SELECT basis_rev FROM sources WHERE sources.id = facts.entity_id
		)`)
	if err != nil {
		return 0, fmt.Errorf("canon: prune stale facts: %w", err)
	}
	return res.RowsAffected()
}

// classifyValue converts a decoded JSON value into one of the catalog's
// four typed columns (spec.md §4.6): strings that parse as a recognized
// datetime become time values, other strings stay text, numbers become
// numeric, booleans collapse to 0/1, and arrays/objects serialize back to
// their JSON text.
func classifyValue(v any) (kind ValueKind, text string, num float64, tval int64, jsonVal string) {
	switch val := v.(type) {
	case string:
		if t, ok := parseFilterTime(val); ok && looksLikeDatetime(val) {
			return ValueTime, "", 0, t.Unix(), ""
		}
		return ValueText, val, 0, 0, ""
	case float64:
		return ValueNumber, "", val, 0, ""
	case bool:
		if val {
			return ValueNumber, "", 1, 0, ""
		}
		return ValueNumber, "", 0, 0, ""
	case nil:
		return ValueText, "", 0, 0, ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ValueText, fmt.Sprintf("%v", val), 0, 0, ""
		}
		return ValueJSON, "", 0, 0, string(b)
	}
}

// looksLikeDatetime restricts automatic time classification to strings
// shaped like a datetime, so an arbitrary short or numeric-looking string
// doesn't get silently reinterpreted as a Unix timestamp by
// parseFilterTime's bare-integer fallback.
func looksLikeDatetime(s string) bool {
	return len(s) >= 8 && strings.ContainsAny(s, "-:T")
}
