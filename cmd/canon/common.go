package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mjhunter/canon"
)

// parseFilters combines zero or more `--where` filter expressions with AND,
// the way every scoped command (worklist, ls, facts, coverage, exclude)
// narrows its candidate scan.
func parseFilters(exprs []string) (canon.Expr, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	parsed := make([]canon.Expr, 0, len(exprs))
	for _, s := range exprs {
		e, err := canon.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse filter %q: %w", s, err)
		}
		parsed = append(parsed, e)
	}
	return canon.And(parsed...), nil
}

// resolveScope turns a scope path argument into the (rootID, prefix) pair
// SelectOpts expects, making the path absolute first so relative arguments
// resolve the way the scanner's own paths do. Symlinks are not resolved,
// here or in the scanner.
func resolveScope(ctx context.Context, c *canon.Catalog, path string) (rootID int64, prefix string, hasScope bool, err error) {
	if path == "" {
		return 0, "", false, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, "", false, fmt.Errorf("resolve scope %q: %w", path, err)
	}
	rootID, _, relPath, ok, err := c.ResolvePath(ctx, abs)
	if err != nil {
		return 0, "", false, fmt.Errorf("resolve scope %q: %w", path, err)
	}
	if !ok {
		return 0, "", false, fmt.Errorf("resolve scope %q: not inside any registered root", path)
	}
	return rootID, relPath, true, nil
}
