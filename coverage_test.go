package canon_test

import (
	"context"
	"testing"

	"github.com/mjhunter/canon"
)

func TestCoverage_BasicCounts(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "same-bytes")
	writeFile(t, srcDir+"/b.jpg", "other-bytes")
	writeFile(t, srcDir+"/c.jpg", "unhashed-bytes")
	writeFile(t, archiveDir+"/a-archived.jpg", "same-bytes")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan source: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}
	importBothSidesSameHash(t, c, ctx, "a.jpg", "a-archived.jpg", "shared-hash")
	importSingleHash(t, c, ctx, "b.jpg", "other-hash")
	// c.jpg is left unhashed.

	stats, err := c.Coverage(ctx, canon.CoverageOpts{})
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Hashed != 2 {
		t.Errorf("Hashed = %d, want 2", stats.Hashed)
	}
	if stats.Archived != 1 {
		t.Errorf("Archived = %d, want 1", stats.Archived)
	}
	if stats.Unarchived() != 1 {
		t.Errorf("Unarchived() = %d, want 1", stats.Unarchived())
	}
}

func TestCoverage_ExcludedSourcesFoldedOutByDefault(t *testing.T) {
	srcDir := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "aaa")
	writeFile(t, srcDir+"/b.jpg", "bbb")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan: %v", err)
	}

	filter, err := canon.Parse("rel_path = a.jpg")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.SetExcluded(ctx, canon.SelectOpts{}, filter); err != nil {
		t.Fatalf("SetExcluded: %v", err)
	}

	stats, err := c.Coverage(ctx, canon.CoverageOpts{})
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2 (still counted)", stats.Total)
	}
	if stats.Excluded != 1 {
		t.Errorf("Excluded = %d, want 1", stats.Excluded)
	}
	if stats.Included() != 1 {
		t.Errorf("Included() = %d, want 1", stats.Included())
	}
}

func TestCoverageByRoot_PerRootBreakdownAndOverall(t *testing.T) {
	srcDirA := t.TempDir()
	srcDirB := t.TempDir()
	writeFile(t, srcDirA+"/a.jpg", "aaa")
	writeFile(t, srcDirB+"/b.jpg", "bbb")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDirA, canon.RoleSource, true); err != nil {
		t.Fatalf("scan A: %v", err)
	}
	if _, err := scanner.Scan(ctx, srcDirB, canon.RoleSource, true); err != nil {
		t.Fatalf("scan B: %v", err)
	}
	importSingleHash(t, c, ctx, "a.jpg", "hash-a")

	perRoot, overall, err := c.CoverageByRoot(ctx, canon.CoverageOpts{})
	if err != nil {
		t.Fatalf("CoverageByRoot: %v", err)
	}
	if len(perRoot) != 2 {
		t.Fatalf("perRoot = %+v, want 2 roots", perRoot)
	}
	if overall.Total != 2 || overall.Hashed != 1 {
		t.Errorf("overall = %+v, want total=2 hashed=1", overall)
	}
}

func TestCoverage_ArchiveScopedToOneRoot(t *testing.T) {
	srcDir := t.TempDir()
	archiveDirA := t.TempDir()
	archiveDirB := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "same-bytes")
	writeFile(t, archiveDirA+"/a-in-a.jpg", "same-bytes")
	writeFile(t, archiveDirB+"/a-in-b.jpg", "same-bytes")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan source: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDirA, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive A: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDirB, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive B: %v", err)
	}
	importSingleHash(t, c, ctx, "a.jpg", "shared-hash")
	var archRootA int64
	if err := c.DB().QueryRowContext(ctx, `SELECT id FROM roots WHERE path = ?`, archiveDirA).Scan(&archRootA); err != nil {
		t.Fatalf("lookup archive root A: %v", err)
	}
	importSingleHash(t, c, ctx, "a-in-a.jpg", "shared-hash")
	importSingleHash(t, c, ctx, "a-in-b.jpg", "shared-hash")

	stats, err := c.Coverage(ctx, canon.CoverageOpts{HasArchiveRoot: true, ArchiveRootID: archRootA, ArchiveScopePrefix: archiveDirA})
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if stats.Archived != 1 {
		t.Errorf("Archived (scoped to archive A) = %d, want 1", stats.Archived)
	}
}

func TestFindArchiveRootForPath(t *testing.T) {
	archiveDir := t.TempDir()
	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	writeFile(t, archiveDir+"/x.jpg", "xxx")
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan: %v", err)
	}

	id, path, err := c.FindArchiveRootForPath(ctx, archiveDir)
	if err != nil {
		t.Fatalf("FindArchiveRootForPath: %v", err)
	}
	if id == 0 || path != archiveDir {
		t.Errorf("id=%d path=%q, want a valid root matching %q", id, path, archiveDir)
	}

	if _, _, err := c.FindArchiveRootForPath(ctx, t.TempDir()); err == nil {
		t.Error("FindArchiveRootForPath: want error for a path outside any archive root")
	}
}
