package canon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjhunter/canon"
)

func buildTestManifest(t *testing.T, c *canon.Catalog, ctx context.Context, srcDir, archiveDir, pattern string) canon.Manifest {
	t.Helper()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan source: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}
	m, _, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: pattern,
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	return m
}

func TestApply_CopyMode(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{filename}")

	applier := canon.NewApplier(c)
	stats, errs, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("per-source errors: %+v", errs)
	}
	if stats.Copied != 1 {
		t.Errorf("stats.Copied = %d, want 1", stats.Copied)
	}

	got, err := os.ReadFile(filepath.Join(archiveDir, "a.jpg"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "aaa" {
		t.Errorf("copied contents = %q, want %q", got, "aaa")
	}
	if _, err := os.Stat(filepath.Join(srcDir, "a.jpg")); err != nil {
		t.Errorf("source should still exist after copy: %v", err)
	}
}

func TestApply_MoveMode(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{filename}")

	applier := canon.NewApplier(c)
	stats, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeMove})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.Moved != 1 {
		t.Errorf("stats.Moved = %d, want 1", stats.Moved)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "a.jpg")); !os.IsNotExist(err) {
		t.Errorf("source should be gone after move, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(archiveDir, "a.jpg")); err != nil {
		t.Errorf("destination should exist after move: %v", err)
	}
}

func TestApply_DryRunMakesNoChanges(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{filename}")

	applier := canon.NewApplier(c)
	stats, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy, DryRun: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !stats.DryRun || stats.Copied != 1 {
		t.Errorf("stats = %+v, want dry-run with 1 simulated copy", stats)
	}
	if _, err := os.Stat(filepath.Join(archiveDir, "a.jpg")); !os.IsNotExist(err) {
		t.Errorf("dry-run must not create the destination, stat err = %v", err)
	}
}

func TestApply_SkipsMissingSource(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{filename}")

	if err := os.Remove(filepath.Join(srcDir, "a.jpg")); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	applier := canon.NewApplier(c)
	stats, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.SkippedMissing != 1 || stats.Copied != 0 {
		t.Errorf("stats = %+v, want 1 skipped-missing", stats)
	}
}

func TestApply_DestinationCollisionAborts(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")
	writeFile(t, filepath.Join(srcDir, "sub", "a.jpg"), "bbb")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{filename}")
	if len(m.Sources) != 2 {
		t.Fatalf("manifest sources = %d, want 2", len(m.Sources))
	}

	applier := canon.NewApplier(c)
	stats, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy})
	if !errors.Is(err, canon.ErrGateFailed) {
		t.Fatalf("Apply: want ErrGateFailed for destination collision, got %v", err)
	}
	if stats.Copied != 0 {
		t.Errorf("a failed gate must not copy anything, stats = %+v", stats)
	}
	if _, statErr := os.Stat(filepath.Join(archiveDir, "a.jpg")); !os.IsNotExist(statErr) {
		t.Errorf("gate failure must leave the archive untouched")
	}
}

func TestApply_ExcludedSourceInManifestAborts(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan source: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}

	m, _, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: "{filename}",
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}

	filter, err := canon.Parse("ext = jpg")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := c.SetExcluded(ctx, canon.SelectOpts{}, filter); err != nil {
		t.Fatalf("SetExcluded: %v", err)
	}

	applier := canon.NewApplier(c)
	_, _, err = applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy})
	if !errors.Is(err, canon.ErrGateFailed) {
		t.Fatalf("Apply: want ErrGateFailed for an excluded source carried in the manifest, got %v", err)
	}
}

func TestApply_RootFilterSkipsOtherRoots(t *testing.T) {
	srcDirA := t.TempDir()
	srcDirB := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDirA, "a.jpg"), "aaa")
	writeFile(t, filepath.Join(srcDirB, "b.jpg"), "bbb")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDirA, canon.RoleSource, true); err != nil {
		t.Fatalf("scan A: %v", err)
	}
	if _, err := scanner.Scan(ctx, srcDirB, canon.RoleSource, true); err != nil {
		t.Fatalf("scan B: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}

	m, _, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: "{filename}",
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	if len(m.Sources) != 2 {
		t.Fatalf("manifest sources = %d, want 2", len(m.Sources))
	}

	var rootA int64
	if err := c.DB().QueryRowContext(ctx, `SELECT root_id FROM sources WHERE rel_path = 'a.jpg'`).Scan(&rootA); err != nil {
		t.Fatalf("lookup root A: %v", err)
	}

	applier := canon.NewApplier(c)
	stats, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy, Roots: []int64{rootA}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.Copied != 1 {
		t.Errorf("stats.Copied = %d, want 1", stats.Copied)
	}
	if stats.SkippedFiltered != 1 {
		t.Errorf("stats.SkippedFiltered = %d, want 1", stats.SkippedFiltered)
	}
	if _, statErr := os.Stat(filepath.Join(archiveDir, "b.jpg")); !os.IsNotExist(statErr) {
		t.Errorf("root-filtered source must not be applied")
	}
}

func TestExpandPattern_UnresolvedPlaceholderErrors(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.jpg"), "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	m := buildTestManifest(t, c, ctx, srcDir, archiveDir, "{nonexistent_fact}/{filename}")

	applier := canon.NewApplier(c)
	_, _, err := applier.Apply(ctx, m, canon.ApplyOpts{Mode: canon.ModeCopy})
	if !errors.Is(err, canon.ErrGateFailed) {
		t.Fatalf("Apply: want ErrGateFailed for an unresolved pattern placeholder, got %v", err)
	}
}
