package canon_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mjhunter/canon"
)

func seedSources(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		writeFile(t, filepath.Join(dir, n), "x")
	}
}

func TestExclude_SetClearList(t *testing.T) {
	dir := t.TempDir()
	seedSources(t, dir, "a.txt", "b.txt", "c.txt")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, dir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan: %v", err)
	}

	filter, err := canon.Parse("ext = txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	stats, err := c.SetExcluded(ctx, canon.SelectOpts{}, filter)
	if err != nil {
		t.Fatalf("SetExcluded: %v", err)
	}
	if stats.Matched != 3 || stats.Changed != 3 {
		t.Errorf("SetExcluded stats = %+v, want 3/3", stats)
	}

	// Setting again should match nothing: the default selection excludes
	// already-excluded sources (spec.md §4.4).
	stats, err = c.SetExcluded(ctx, canon.SelectOpts{}, filter)
	if err != nil {
		t.Fatalf("SetExcluded (second pass): %v", err)
	}
	if stats.Matched != 0 {
		t.Errorf("SetExcluded second pass matched %d, want 0", stats.Matched)
	}

	excluded, err := c.ListExcluded(ctx, canon.SelectOpts{}, nil)
	if err != nil {
		t.Fatalf("ListExcluded: %v", err)
	}
	if len(excluded) != 3 {
		t.Errorf("ListExcluded returned %d, want 3", len(excluded))
	}

	clearStats, err := c.ClearExcluded(ctx, canon.SelectOpts{}, filter)
	if err != nil {
		t.Fatalf("ClearExcluded: %v", err)
	}
	if clearStats.Changed != 3 {
		t.Errorf("ClearExcluded changed %d, want 3", clearStats.Changed)
	}

	excluded, err = c.ListExcluded(ctx, canon.SelectOpts{}, nil)
	if err != nil {
		t.Fatalf("ListExcluded (after clear): %v", err)
	}
	if len(excluded) != 0 {
		t.Errorf("ListExcluded after clear returned %d, want 0", len(excluded))
	}
}

func TestExclude_DefaultSelectionSkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	seedSources(t, dir, "a.txt", "b.txt")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, dir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan: %v", err)
	}

	onlyA, err := canon.Parse("rel_path = a.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.SetExcluded(ctx, canon.SelectOpts{}, onlyA); err != nil {
		t.Fatalf("SetExcluded: %v", err)
	}

	var seen []string
	err = c.EachCandidate(ctx, canon.SelectOpts{PresentOnly: true}, func(cand canon.Candidate) error {
		seen = append(seen, cand.RelPath)
		return nil
	})
	if err != nil {
		t.Fatalf("EachCandidate: %v", err)
	}
	if len(seen) != 1 || seen[0] != "b.txt" {
		t.Errorf("EachCandidate (default) = %v, want [b.txt]", seen)
	}
}

func TestDeleteFact_RemovesOneContentFact(t *testing.T) {
	dir := t.TempDir()
	c := openTestCatalog(t)
	ctx := context.Background()
	srcID := seedOneSource(t, c, ctx, dir)

	im := canon.NewImporter(c)
	var stats canon.ImportStats
	line := fmt.Sprintf(`{"source_id": %d, "basis_rev": 0, "facts": {"rating": 4}}`, srcID)
	if err := im.ImportLine(ctx, line, &stats); err != nil {
		t.Fatalf("ImportLine: %v", err)
	}

	deleted, err := c.DeleteFact(ctx, srcID, "content.rating")
	if err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}
	if !deleted {
		t.Error("DeleteFact reported no match for an existing fact")
	}

	deleted, err = c.DeleteFact(ctx, srcID, "content.rating")
	if err != nil {
		t.Fatalf("DeleteFact (second pass): %v", err)
	}
	if deleted {
		t.Error("DeleteFact reported a match after the fact was already removed")
	}
}

func TestDeleteFact_RefusesReservedNamespaces(t *testing.T) {
	dir := t.TempDir()
	c := openTestCatalog(t)
	ctx := context.Background()
	srcID := seedOneSource(t, c, ctx, dir)

	for _, key := range []string{"source.path", "policy.exclude"} {
		if _, err := c.DeleteFact(ctx, srcID, key); err == nil {
			t.Errorf("DeleteFact(%q) succeeded, want ErrReservedFactKey", key)
		}
	}
}
