package canon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// FileAction classifies how a scanned file reconciled against the catalog.
type FileAction int

const (
	ActionNew FileAction = iota
	ActionUpdated
	ActionMoved
	ActionUnchanged
)

func (a FileAction) String() string {
	switch a {
	case ActionNew:
		return "new"
	case ActionUpdated:
		return "updated"
	case ActionMoved:
		return "moved"
	case ActionUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// ScanStats tallies the outcome of a scan across every path passed to it.
type ScanStats struct {
	Scanned   int64
	New       int64
	Updated   int64
	Moved     int64
	Unchanged int64
	Missing   int64
	// Warnings collects per-file and per-entry walk errors that were
	// logged and skipped rather than aborting the scan (spec.md §4.2).
	Warnings []string
}

func (s *ScanStats) add(a FileAction) {
	switch a {
	case ActionNew:
		s.New++
	case ActionUpdated:
		s.Updated++
	case ActionMoved:
		s.Moved++
	case ActionUnchanged:
		s.Unchanged++
	}
}

// Scanner walks directory trees and reconciles them against a Catalog.
type Scanner struct {
	Catalog *Catalog
	// Warn, when set, receives one line per per-file/per-walk warning as
	// it happens (wired to internal/logx by cmd/canon). Defaults to a
	// no-op.
	Warn func(msg string)
}

func NewScanner(c *Catalog) *Scanner {
	return &Scanner{Catalog: c}
}

func (s *Scanner) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.Warn != nil {
		s.Warn(msg)
	}
}

// Scan reconciles the catalog against the on-disk state of path. addRoot
// must be true if path is not already inside a registered root; role
// applies to a newly created root, or is validated against an existing
// root's role when path equals that root exactly (spec.md §4.2).
func (s *Scanner) Scan(ctx context.Context, path string, role Role, addRoot bool) (ScanStats, error) {
	var stats ScanStats

	if role != RoleSource && role != RoleArchive {
		return stats, fmt.Errorf("canon: scan: invalid role %q", role)
	}

	canonical, err := filepath.Abs(path)
	if err != nil {
		return stats, fmt.Errorf("canon: scan: resolve %s: %w", path, err)
	}
	canonical = filepath.Clean(canonical)

	rootID, rootPath, relPath, ok, err := s.Catalog.ResolvePath(ctx, canonical)
	if err != nil {
		return stats, fmt.Errorf("canon: scan: %w", err)
	}

	var scanPrefix string
	var hasPrefix bool

	if ok {
		if addRoot {
			return stats, fmt.Errorf("canon: scan: %s is already inside a root at %s, remove --add to scan as a subtree", canonical, rootPath)
		}
		if relPath == "" {
			existing, err := s.Catalog.Root(ctx, rootID)
			if err != nil {
				return stats, fmt.Errorf("canon: scan: %w", err)
			}
			if existing.Role != role {
				return stats, fmt.Errorf("%w: root %s has role %q, cannot scan with role %q", ErrRoleMismatch, rootPath, existing.Role, role)
			}
		} else {
			scanPrefix, hasPrefix = relPath, true
		}
	} else {
		if !addRoot {
			return stats, fmt.Errorf("%w: %s (pass --add to create a new root)", ErrOutsideAnyRoot, canonical)
		}
		rootID, err = s.Catalog.CreateRoot(ctx, canonical, role)
		if err != nil {
			return stats, fmt.Errorf("canon: scan: %w", err)
		}
		rootPath = canonical
	}

	walkPath := rootPath
	if hasPrefix {
		walkPath = filepath.Join(rootPath, scanPrefix)
	}

	now := time.Now().Unix()
	seen := make(map[int64]struct{})
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		stats.Warnings = append(stats.Warnings, msg)
		s.warn("%s", msg)
	}

	err = filepath.WalkDir(walkPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			warn("walk %s: %v", p, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(rootPath, p)
		if err != nil {
			warn("strip root prefix from %s: %v", p, err)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			warn("stat %s: %v", p, err)
			return nil
		}
		basis, ok := basisFromInfo(info)
		if !ok {
			warn("stat %s: no device/inode available", p)
			return nil
		}

		stats.Scanned++

		id, action, err := s.processFile(ctx, rootID, rel, basis, now)
		if err != nil {
			return fmt.Errorf("canon: scan: process %s: %w", rel, err)
		}
		seen[id] = struct{}{}
		stats.add(action)
		return nil
	})
	if err != nil {
		return stats, err
	}

	missing, err := s.markMissing(ctx, rootID, scanPrefix, hasPrefix, seen, now)
	if err != nil {
		return stats, fmt.Errorf("canon: scan: %w", err)
	}
	stats.Missing = missing

	return stats, nil
}

// basisFromInfo extracts the device/inode/size/mtime basis from a file's
// os.FileInfo, using the platform's raw stat structure (the Go analogue of
// the original's std::os::unix::fs::MetadataExt).
func basisFromInfo(info fs.FileInfo) (Basis, bool) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Basis{}, false
	}
	dev := int64(sys.Dev)
	ino := int64(sys.Ino)
	return Basis{
		Device: &dev,
		Inode:  &ino,
		Size:   info.Size(),
		Mtime:  info.ModTime().Unix(),
	}, true
}

// processFile reconciles one on-disk file against the sources table,
// following the path-then-inode lookup order of spec.md §4.2.
func (s *Scanner) processFile(ctx context.Context, rootID int64, relPath string, basis Basis, now int64) (int64, FileAction, error) {
	var (
		id         int64
		oldDevice  sql.NullInt64
		oldInode   sql.NullInt64
		oldSize    int64
		oldMtime   int64
		oldBasisRV int64
	)
	row := s.Catalog.QueryRowContext(ctx,
		`SELECT id, device, inode, size, mtime, basis_rev FROM sources WHERE root_id = ? AND rel_path = ?`,
		rootID, relPath)
	err := row.Scan(&id, &oldDevice, &oldInode, &oldSize, &oldMtime, &oldBasisRV)
	switch {
	case err == nil:
		old := Basis{Size: oldSize, Mtime: oldMtime}
		if oldDevice.Valid {
			d := oldDevice.Int64
			old.Device = &d
		}
		if oldInode.Valid {
			i := oldInode.Int64
			old.Inode = &i
		}

		if !basis.Equal(old) {
			newRev := oldBasisRV + 1
			_, err := s.Catalog.ExecContext(ctx,
				`UPDATE sources SET device = ?, inode = ?, size = ?, mtime = ?, basis_rev = ?, last_seen_at = ?, present = 1 WHERE id = ?`,
				basis.Device, basis.Inode, basis.Size, basis.Mtime, newRev, now, id)
			if err != nil {
				return 0, 0, fmt.Errorf("update source %d: %w", id, err)
			}
			return id, ActionUpdated, nil
		}

		_, err = s.Catalog.ExecContext(ctx,
			`UPDATE sources SET last_seen_at = ?, present = 1 WHERE id = ?`, now, id)
		if err != nil {
			return 0, 0, fmt.Errorf("touch source %d: %w", id, err)
		}
		return id, ActionUnchanged, nil

	case errors.Is(err, sql.ErrNoRows):
		// fall through to inode lookup

	default:
		return 0, 0, fmt.Errorf("lookup by path: %w", err)
	}

	if basis.Device != nil && basis.Inode != nil {
		var (
			oldID     int64
			oldRootID int64
			oldRV     int64
		)
		row := s.Catalog.QueryRowContext(ctx,
			`SELECT id, root_id, basis_rev FROM sources WHERE device = ? AND inode = ?`,
			*basis.Device, *basis.Inode)
		err := row.Scan(&oldID, &oldRootID, &oldRV)
		switch {
		case err == nil:
			newRV := oldRV
			if oldRootID != rootID {
				newRV = oldRV + 1
			}
			_, err := s.Catalog.ExecContext(ctx,
				`UPDATE sources SET root_id = ?, rel_path = ?, size = ?, mtime = ?, basis_rev = ?, last_seen_at = ?, present = 1 WHERE id = ?`,
				rootID, relPath, basis.Size, basis.Mtime, newRV, now, oldID)
			if err != nil {
				return 0, 0, fmt.Errorf("update moved source %d: %w", oldID, err)
			}
			return oldID, ActionMoved, nil

		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert

		default:
			return 0, 0, fmt.Errorf("lookup by inode: %w", err)
		}
	}

	res, err := s.Catalog.ExecContext(ctx,
		`INSERT INTO sources (root_id, rel_path, device, inode, size, mtime, basis_rev, scanned_at, last_seen_at, present)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 1)`,
		rootID, relPath, basis.Device, basis.Inode, basis.Size, basis.Mtime, now, now)
	if err != nil {
		return 0, 0, fmt.Errorf("insert source: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("insert source: %w", err)
	}
	return newID, ActionNew, nil
}

// markMissing flips present=0 for every previously-present source under
// rootID (optionally scoped to a rel_path prefix for a subtree scan) that
// wasn't visited this pass.
func (s *Scanner) markMissing(ctx context.Context, rootID int64, prefix string, hasPrefix bool, seen map[int64]struct{}, now int64) (int64, error) {
	var rows *sql.Rows
	var err error
	if hasPrefix {
		rows, err = s.Catalog.QueryContext(ctx,
			`SELECT id FROM sources WHERE root_id = ? AND present = 1 AND (rel_path = ? OR rel_path LIKE ? ESCAPE '\')`,
			rootID, prefix, likePrefix(prefix))
	} else {
		rows, err = s.Catalog.QueryContext(ctx,
			`SELECT id FROM sources WHERE root_id = ? AND present = 1`, rootID)
	}
	if err != nil {
		return 0, fmt.Errorf("mark missing: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("mark missing: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var missing int64
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, err := s.Catalog.ExecContext(ctx,
			`UPDATE sources SET present = 0, last_seen_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("mark missing: update %d: %w", id, err)
		}
		missing++
	}
	return missing, nil
}

// likePrefix escapes SQL LIKE metacharacters in prefix and appends a
// separator-anchored wildcard, so a rel_path subtree search matches only
// prefix itself and paths under it ("sub/...") rather than sibling paths
// that merely share the same leading bytes ("subway/..."). Callers must
// OR this against an exact-match comparison to also match prefix itself.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "/%"
}
