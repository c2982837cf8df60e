package canon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// BatchSize bounds how many rows a streaming operation (worklist emission,
// batched source-id queries) holds in memory per round trip, so that long
// scans don't hold a catalog lock indefinitely. See spec.md §4.5 / §5.
const BatchSize = 1000

// BusyTimeout is how long a writer waits for the catalog lock before
// failing with a busy condition (spec.md §4.1, §5).
const BusyTimeout = 30 * time.Second

var (
	// ErrOutsideAnyRoot is returned when a path resolves to no registered
	// root and the caller did not request root creation.
	ErrOutsideAnyRoot = errors.New("canon: path is outside every registered root")
	// ErrRootOverlap is returned when a candidate root would be an
	// ancestor or descendant of an existing root.
	ErrRootOverlap = errors.New("canon: root overlaps an existing root")
	// ErrRoleMismatch is returned when a root's existing role doesn't
	// match what the caller requested.
	ErrRoleMismatch = errors.New("canon: root role mismatch")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS roots (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL CHECK (role IN ('source', 'archive'))
);

CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY,
	root_id INTEGER NOT NULL REFERENCES roots(id),
	rel_path TEXT NOT NULL,
	device INTEGER,
	inode INTEGER,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	basis_rev INTEGER NOT NULL DEFAULT 0,
	scanned_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	present INTEGER NOT NULL DEFAULT 1,
	object_id INTEGER REFERENCES objects(id),
	UNIQUE(root_id, rel_path)
);

CREATE TABLE IF NOT EXISTS objects (
	id INTEGER PRIMARY KEY,
	hash_type TEXT NOT NULL,
	hash_value TEXT NOT NULL,
	UNIQUE(hash_type, hash_value)
);

CREATE TABLE IF NOT EXISTS facts (
	id INTEGER PRIMARY KEY,
	entity_type TEXT NOT NULL CHECK (entity_type IN ('source', 'object')),
	entity_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	value_text TEXT,
	value_num REAL,
	value_time INTEGER,
	value_json TEXT,
	observed_at INTEGER NOT NULL,
	observed_basis_rev INTEGER,
	CHECK (
		(value_text IS NOT NULL) + (value_num IS NOT NULL) +
		(value_time IS NOT NULL) + (value_json IS NOT NULL) = 1
	),
	CHECK (entity_type != 'source' OR observed_basis_rev IS NOT NULL),
	CHECK (entity_type != 'object' OR observed_basis_rev IS NULL),
	UNIQUE(entity_type, entity_id, key)
);

CREATE UNIQUE INDEX IF NOT EXISTS sources_device_inode_uq ON sources(device, inode)
	WHERE device IS NOT NULL AND inode IS NOT NULL;
CREATE INDEX IF NOT EXISTS sources_object_id ON sources(object_id);
CREATE INDEX IF NOT EXISTS facts_entity ON facts(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS facts_key ON facts(key);
CREATE INDEX IF NOT EXISTS facts_key_entity ON facts(key, entity_type, entity_id);
`

// Catalog wraps a *sql.DB configured for the canon schema: WAL journaling,
// a 30s busy timeout, and one writer alongside many concurrent readers
// (spec.md §4.1, §5).
type Catalog struct {
	mu    sync.Mutex // not taken by any method; the single connection serializes writes
	db    *sql.DB
	debug bool
	// profile, when set, is called after every query with its SQL text
	// (truncated) and duration. Wired by cmd/canon when --debug is set.
	profile func(sql string, dur time.Duration)
}

// Open opens (or creates) the catalog at path, creating parent directories
// as needed, and applies the schema idempotently. New installations and
// existing ones converge to the same shape (spec.md §4.1).
func Open(ctx context.Context, path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("canon: open: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("canon: open: create directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)", path, BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("canon: open %s: %w", path, err)
	}
	// One command runs its catalog work serially (spec.md §5); a single
	// connection keeps WAL-mode semantics simple and matches how the
	// driver is used elsewhere for single-writer correctness.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// OpenMemory opens an in-memory catalog, for tests.
func OpenMemory(ctx context.Context) (*Catalog, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=busy_timeout(30000)")
	if err != nil {
		return nil, fmt.Errorf("canon: open memory catalog: %w", err)
	}
	// A single connection is required for :memory: databases — a second
	// connection would see an empty, independent database.
	db.SetMaxOpenConns(1)
	c := &Catalog{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("canon: schema: %w", err)
	}
	return nil
}

// SetDebug enables per-query timing via profile, logged by the caller.
func (c *Catalog) SetDebug(profile func(sql string, dur time.Duration)) {
	c.debug = profile != nil
	c.profile = profile
}

// DB returns the underlying *sql.DB for callers (scanner, importer, …)
// that need direct statement access.
func (c *Catalog) DB() *sql.DB { return c.db }

// Close closes the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// timed times and (optionally) logs a query via the debug profile hook.
func (c *Catalog) timed(sqlText string, fn func() error) error {
	if !c.debug {
		return fn()
	}
	start := time.Now()
	err := fn()
	c.profile(sqlText, time.Since(start))
	return err
}

// QueryContext runs a query through the debug profile hook (when set) and
// returns *sql.Rows, same as *sql.DB.QueryContext.
func (c *Catalog) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := c.timed(query, func() error {
		var e error
		rows, e = c.db.QueryContext(ctx, query, args...)
		return e
	})
	return rows, err
}

// QueryRowContext runs a single-row query through the debug profile hook.
func (c *Catalog) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	var row *sql.Row
	c.timed(query, func() error {
		row = c.db.QueryRowContext(ctx, query, args...)
		return nil
	})
	return row
}

// ExecContext runs a statement through the debug profile hook.
func (c *Catalog) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := c.timed(query, func() error {
		var e error
		res, e = c.db.ExecContext(ctx, query, args...)
		return e
	})
	return res, err
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Used by the scanner and importer for bulk writes.
func (c *Catalog) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("canon: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("canon: commit tx: %w", err)
	}
	return nil
}

// ResolvePath resolves an absolute, canonicalized path to its containing
// root, returning the root id, the root's registered path, and the
// relative path inside the root (empty for the root itself). ok is false
// if path lies outside every registered root.
func (c *Catalog) ResolvePath(ctx context.Context, absPath string) (rootID int64, rootPath string, relPath string, ok bool, err error) {
	rows, err := c.QueryContext(ctx, `SELECT id, path FROM roots`)
	if err != nil {
		return 0, "", "", false, fmt.Errorf("canon: resolve path: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var p string
		if err := rows.Scan(&id, &p); err != nil {
			return 0, "", "", false, fmt.Errorf("canon: resolve path: scan: %w", err)
		}
		if absPath == p {
			return id, p, "", true, nil
		}
		if rel, found := strings.CutPrefix(absPath, p+string(filepath.Separator)); found {
			return id, p, rel, true, nil
		}
	}
	return 0, "", "", false, rows.Err()
}

// ResolveArchivePath accepts any path inside a registered archive root and
// returns that root's id, path, and the relative subdirectory, or ok=false
// if the path is not inside any archive root.
func (c *Catalog) ResolveArchivePath(ctx context.Context, absPath string) (rootID int64, rootPath string, relDir string, ok bool, err error) {
	rows, err := c.QueryContext(ctx, `SELECT id, path FROM roots WHERE role = 'archive'`)
	if err != nil {
		return 0, "", "", false, fmt.Errorf("canon: resolve archive path: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var p string
		if err := rows.Scan(&id, &p); err != nil {
			return 0, "", "", false, fmt.Errorf("canon: resolve archive path: scan: %w", err)
		}
		if absPath == p {
			return id, p, "", true, nil
		}
		if rel, found := strings.CutPrefix(absPath, p+string(filepath.Separator)); found {
			return id, p, rel, true, nil
		}
	}
	return 0, "", "", false, rows.Err()
}

// CreateRoot inserts a new root, checking it doesn't overlap any existing
// one (neither ancestor nor descendant).
func (c *Catalog) CreateRoot(ctx context.Context, absPath string, role Role) (int64, error) {
	rows, err := c.QueryContext(ctx, `SELECT path FROM roots`)
	if err != nil {
		return 0, fmt.Errorf("canon: create root: %w", err)
	}
	var existing []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("canon: create root: scan: %w", err)
		}
		existing = append(existing, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range existing {
		if p == absPath {
			continue
		}
		if isAncestor(p, absPath) || isAncestor(absPath, p) {
			return 0, fmt.Errorf("%w: %s overlaps %s", ErrRootOverlap, absPath, p)
		}
	}

	res, err := c.ExecContext(ctx, `INSERT INTO roots (path, role) VALUES (?, ?)`, absPath, string(role))
	if err != nil {
		return 0, fmt.Errorf("canon: create root: %w", err)
	}
	return res.LastInsertId()
}

// isAncestor reports whether a is an ancestor directory of (or equal to) b.
func isAncestor(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+string(filepath.Separator))
}

// Root looks up a root by id.
func (c *Catalog) Root(ctx context.Context, id int64) (Root, error) {
	var r Root
	var role string
	err := c.QueryRowContext(ctx, `SELECT id, path, role FROM roots WHERE id = ?`, id).Scan(&r.ID, &r.Path, &role)
	if err != nil {
		return Root{}, fmt.Errorf("canon: root %d: %w", id, err)
	}
	r.Role = Role(role)
	return r, nil
}

// ParseRootSpec resolves "id:N" or "path:P" into a root id, optionally
// requiring a specific role (ported from original_source/src/db.rs).
func (c *Catalog) ParseRootSpec(ctx context.Context, spec string, requiredRole Role) (int64, error) {
	var id int64
	var role string

	switch {
	case strings.HasPrefix(spec, "id:"):
		var err error
		id, err = parseInt64(strings.TrimPrefix(spec, "id:"))
		if err != nil {
			return 0, fmt.Errorf("canon: invalid root id %q: %w", spec, err)
		}
		if err := c.QueryRowContext(ctx, `SELECT role FROM roots WHERE id = ?`, id).Scan(&role); err != nil {
			return 0, fmt.Errorf("canon: no root with id %d: %w", id, err)
		}
	case strings.HasPrefix(spec, "path:"):
		p, err := filepath.Abs(strings.TrimPrefix(spec, "path:"))
		if err != nil {
			return 0, fmt.Errorf("canon: resolve path %q: %w", spec, err)
		}
		if err := c.QueryRowContext(ctx, `SELECT id, role FROM roots WHERE path = ?`, p).Scan(&id, &role); err != nil {
			return 0, fmt.Errorf("canon: no root for path %q: %w", p, err)
		}
	default:
		return 0, fmt.Errorf("canon: invalid root spec %q, use id:N or path:P", spec)
	}

	if requiredRole != "" && Role(role) != requiredRole {
		return 0, fmt.Errorf("%w: root %d has role %q, expected %q", ErrRoleMismatch, id, role, requiredRole)
	}
	return id, nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// populateTempSources materializes a set of source ids into a temp table
// for efficient joins, mirroring original_source/src/db.rs. Callers must
// run within a transaction-scoped *sql.Tx when they need isolation from
// concurrent writers; a bare *sql.DB also works because the temp table is
// connection-scoped under database/sql's pooling when MaxOpenConns==1,
// which the canon CLI enforces for catalog connections that use this path.
func populateTempSources(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, ids []int64) error {
	if _, err := execer.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS temp_sources (id INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("canon: create temp_sources: %w", err)
	}
	if _, err := execer.ExecContext(ctx, `DELETE FROM temp_sources`); err != nil {
		return fmt.Errorf("canon: clear temp_sources: %w", err)
	}
	for _, id := range ids {
		if _, err := execer.ExecContext(ctx, `INSERT INTO temp_sources (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("canon: populate temp_sources: %w", err)
		}
	}
	return nil
}
