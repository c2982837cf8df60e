package canon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TransferMode selects how the applier moves bytes from source to
// destination (spec.md §4.8).
type TransferMode int

const (
	ModeCopy TransferMode = iota
	ModeRename
	ModeMove
)

// ApplyOpts configures one application run.
type ApplyOpts struct {
	Mode      TransferMode
	DryRun    bool
	// AllowCrossArchiveDuplicates permits gate 3 to pass when a
	// duplicate is already archived under a *different* archive root
	// than the manifest's destination.
	AllowCrossArchiveDuplicates bool
	// Roots, when non-empty, restricts which source roots participate;
	// sources from other roots are skipped-filtered and never reach any
	// gate (spec.md §4.8 "Root filter").
	Roots []int64
}

// ApplyStats summarizes one applier run (spec.md §4.8).
type ApplyStats struct {
	Copied          int64
	Renamed         int64
	Moved           int64
	SkippedMissing  int64
	SkippedFiltered int64
	Errors          int64
	DryRun          bool
}

// ErrGateFailed wraps any pre-flight gate failure; the whole run aborts
// before any write.
var ErrGateFailed = errors.New("canon: apply gate failed")

// ApplyError carries a non-fatal per-source error alongside the overall
// run.
type ApplyError struct {
	SourceID int64
	Path     string
	Err      error
}

func (e ApplyError) Error() string {
	return fmt.Sprintf("source %d (%s): %v", e.SourceID, e.Path, e.Err)
}

// Applier executes a Manifest against the filesystem.
type Applier struct {
	Catalog *Catalog
	Warn    func(msg string)
}

func NewApplier(c *Catalog) *Applier {
	return &Applier{Catalog: c}
}

func (a *Applier) warn(format string, args ...any) {
	if a.Warn != nil {
		a.Warn(fmt.Sprintf(format, args...))
	}
}

// Apply runs m's plan, returning stats, the per-source errors collected
// along the way, and a gate error (wrapping ErrGateFailed) if any
// pre-flight gate failed — in which case no mutation occurred.
func (a *Applier) Apply(ctx context.Context, m Manifest, opts ApplyOpts) (ApplyStats, []ApplyError, error) {
	stats := ApplyStats{DryRun: opts.DryRun}
	var perSourceErrs []ApplyError

	destBaseRootID, _, _, ok, err := a.Catalog.ResolveArchivePath(ctx, m.Output.BaseDir)
	if err != nil {
		return stats, nil, fmt.Errorf("canon: apply: %w", err)
	}
	if !ok {
		return stats, nil, fmt.Errorf("%w: base dir %q is not inside any archive root", ErrGateFailed, m.Output.BaseDir)
	}

	rootFilter := make(map[int64]bool, len(opts.Roots))
	for _, r := range opts.Roots {
		rootFilter[r] = true
	}

	type planned struct {
		src  ManifestSource
		dest string
	}
	var active []planned

	for _, src := range m.Sources {
		rootID, _, _, ok, err := a.Catalog.ResolvePath(ctx, src.Path)
		if err == nil && ok && len(rootFilter) > 0 && !rootFilter[rootID] {
			stats.SkippedFiltered++
			continue
		}

		dest, err := expandPattern(m.Output.Pattern, src)
		if err != nil {
			return stats, nil, fmt.Errorf("%w: expand pattern for source %d: %w", ErrGateFailed, src.ID, err)
		}
		destAbs := filepath.Join(m.Output.BaseDir, dest)
		active = append(active, planned{src, destAbs})
	}

	// Gate 1: excluded sources present in the manifest (defense in depth;
	// GenerateManifest already applies the default exclude filter, but
	// Apply re-checks independently since manifests are hand-editable).
	for _, p := range active {
		excluded, err := a.Catalog.isExcluded(ctx, p.src.ID)
		if err != nil {
			return stats, nil, fmt.Errorf("canon: apply: gate 1: %w", err)
		}
		if excluded {
			return stats, nil, fmt.Errorf("%w: source %d (%s) is excluded but present in the manifest", ErrGateFailed, p.src.ID, p.src.Path)
		}
	}

	// Gate 2: destination collisions.
	byDest := make(map[string][]int64)
	for _, p := range active {
		byDest[p.dest] = append(byDest[p.dest], p.src.ID)
	}
	var collisions []string
	for dest, ids := range byDest {
		if len(ids) > 1 {
			collisions = append(collisions, fmt.Sprintf("%s <- %v", dest, ids))
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return stats, nil, fmt.Errorf("%w: destination collisions: %s", ErrGateFailed, strings.Join(collisions, "; "))
	}

	// Gate 3: archive content duplication.
	archivedRootsByObject, err := a.archiveRootsByObject(ctx)
	if err != nil {
		return stats, nil, fmt.Errorf("canon: apply: gate 3: %w", err)
	}
	for _, p := range active {
		if p.src.HashValue == "" {
			continue
		}
		objID, ok, err := a.Catalog.objectIDForHash(ctx, p.src.HashType, p.src.HashValue)
		if err != nil {
			return stats, nil, fmt.Errorf("canon: apply: gate 3: %w", err)
		}
		if !ok {
			continue
		}
		roots, ok := archivedRootsByObject[objID]
		if !ok {
			continue
		}
		for _, rid := range roots {
			if rid == destBaseRootID {
				return stats, nil, fmt.Errorf("%w: source %d is already archived in the destination archive root", ErrGateFailed, p.src.ID)
			}
		}
		if !opts.AllowCrossArchiveDuplicates {
			return stats, nil, fmt.Errorf("%w: source %d is already archived in a different archive root (pass --allow-cross-archive-duplicates to proceed)", ErrGateFailed, p.src.ID)
		}
	}

	// All gates passed: execute (or simulate, for dry-run).
	for _, p := range active {
		action, err := a.applyOne(p.src, p.dest, opts)
		if err != nil {
			stats.Errors++
			perSourceErrs = append(perSourceErrs, ApplyError{SourceID: p.src.ID, Path: p.src.Path, Err: err})
			a.warn("source %d (%s): %v", p.src.ID, p.src.Path, err)
			continue
		}
		switch action {
		case actionCopied:
			stats.Copied++
		case actionRenamed:
			stats.Renamed++
		case actionMoved:
			stats.Moved++
		case actionSkippedMissing:
			stats.SkippedMissing++
		}
	}

	return stats, perSourceErrs, nil
}

type applyAction int

const (
	actionCopied applyAction = iota
	actionRenamed
	actionMoved
	actionSkippedMissing
)

func (a *Applier) applyOne(src ManifestSource, dest string, opts ApplyOpts) (applyAction, error) {
	if _, err := os.Stat(src.Path); err != nil {
		if os.IsNotExist(err) {
			return actionSkippedMissing, nil
		}
		return 0, fmt.Errorf("stat source: %w", err)
	}

	if opts.DryRun {
		switch opts.Mode {
		case ModeRename:
			return actionRenamed, nil
		case ModeMove:
			return actionMoved, nil
		default:
			return actionCopied, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return 0, fmt.Errorf("destination already exists: %s", dest)
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("stat destination: %w", err)
	}

	switch opts.Mode {
	case ModeRename:
		if err := os.Rename(src.Path, dest); err != nil {
			return 0, fmt.Errorf("rename: %w", err)
		}
		return actionRenamed, nil

	case ModeMove:
		if err := os.Rename(src.Path, dest); err == nil {
			return actionMoved, nil
		} else if !isCrossDevice(err) {
			return 0, fmt.Errorf("rename: %w", err)
		}
		if _, err := os.Stat(dest); err == nil {
			return 0, fmt.Errorf("destination appeared during cross-device move: %s", dest)
		}
		if err := copyFile(src.Path, dest); err != nil {
			return 0, fmt.Errorf("cross-device copy: %w", err)
		}
		if err := os.Remove(src.Path); err != nil {
			return 0, fmt.Errorf("remove source after cross-device copy: %w", err)
		}
		return actionMoved, nil

	default: // ModeCopy
		if err := copyFile(src.Path, dest); err != nil {
			return 0, fmt.Errorf("copy: %w", err)
		}
		return actionCopied, nil
	}
}

func isCrossDevice(err error) bool {
	return errors.Is(err, os.ErrInvalid) || strings.Contains(err.Error(), "cross-device")
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(dest, time.Now(), info.ModTime()); err != nil {
		// metadata preservation isn't available on every host; the copy
		// itself already succeeded.
		return nil
	}
	return nil
}

// archiveRootsByObject maps each object id to every archive root that has
// a present, linked source referencing it.
func (a *Applier) archiveRootsByObject(ctx context.Context) (map[int64][]int64, error) {
	rows, err := a.Catalog.QueryContext(ctx, `
		SELECT DISTINCT sources.object_id, roots.id
		FROM sources JOIN roots ON roots.id = sources.root_id
		WHERE roots.role = 'archive' AND sources.present = 1 AND sources.object_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var objID, rootID int64
		if err := rows.Scan(&objID, &rootID); err != nil {
			return nil, err
		}
		out[objID] = append(out[objID], rootID)
	}
	return out, rows.Err()
}

func (c *Catalog) objectIDForHash(ctx context.Context, hashType, hashValue string) (int64, bool, error) {
	var id int64
	err := c.QueryRowContext(ctx, `SELECT id FROM objects WHERE hash_type = ? AND hash_value = ?`, hashType, hashValue).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("canon: lookup object by hash: %w", err)
	}
	return id, true, nil
}

// expandPattern substitutes {placeholder} tokens in pattern using src's
// filename/stem/extension, id, hash, EXIF-derived date fields, and fact
// keys (dots replaced with underscores), then sanitizes the result
// (spec.md §4.8).
func expandPattern(pattern string, src ManifestSource) (string, error) {
	vars := map[string]string{
		"id": strconv.FormatInt(src.ID, 10),
	}
	base := filepath.Base(src.Path)
	ext := filepath.Ext(base)
	vars["filename"] = base
	vars["ext"] = strings.TrimPrefix(ext, ".")
	vars["stem"] = strings.TrimSuffix(base, ext)

	if src.HashValue != "" {
		vars["hash"] = src.HashValue
		short := src.HashValue
		if len(short) > 8 {
			short = short[:8]
		}
		vars["hash_short"] = short
	}

	for key, val := range src.Facts {
		safeKey := strings.ReplaceAll(key, ".", "_")
		vars[safeKey] = factValueToString(val)
	}

	if ts, ok := exifDatetime(src.Facts); ok {
		t := time.Unix(ts, 0).UTC()
		vars["year"] = t.Format("2006")
		vars["month"] = t.Format("01")
		vars["day"] = t.Format("02")
		vars["date"] = t.Format("2006-01-02")
	}

	result := pattern
	for key, val := range vars {
		result = strings.ReplaceAll(result, "{"+key+"}", val)
	}

	if strings.Contains(result, "{") && strings.Contains(result, "}") {
		start := strings.IndexByte(result, '{')
		end := strings.IndexByte(result[start:], '}')
		if end >= 0 {
			unresolved := result[start : start+end+1]
			return "", fmt.Errorf("unresolved placeholder %s in pattern %q", unresolved, pattern)
		}
	}

	result = strings.ReplaceAll(result, "..", "_")
	result = strings.ReplaceAll(result, "\x00", "_")
	return result, nil
}

func factValueToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// exifDatetime extracts a Unix timestamp from an EXIF-style datetime fact
// key, if present, to drive {year}/{month}/{day}/{date} substitution.
func exifDatetime(facts map[string]any) (int64, bool) {
	for _, key := range []string{"content.exif.datetime_original", "content.taken_at"} {
		v, ok := facts[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case int64:
			return t, true
		case float64:
			return int64(t), true
		}
	}
	return 0, false
}
