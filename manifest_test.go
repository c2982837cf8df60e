package canon_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mjhunter/canon"
)

func TestGenerateManifest_BasicSelection(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "aaa")
	writeFile(t, srcDir+"/b.txt", "bbb")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan source: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}

	filter, err := canon.Parse("ext = jpg")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	m, stats, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Queries: []string{"ext = jpg"},
		Filter:  filter,
		Pattern: "{filename}",
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	if stats.Candidates != 1 {
		t.Errorf("stats.Candidates = %d, want 1", stats.Candidates)
	}
	if len(m.Sources) != 1 || m.Sources[0].Path != srcDir+"/a.jpg" {
		t.Errorf("manifest sources = %+v, want a.jpg only", m.Sources)
	}
	if m.Output.BaseDir != archiveDir || m.Output.Pattern != "{filename}" {
		t.Errorf("manifest output = %+v", m.Output)
	}
}

func TestGenerateManifest_RejectsNonArchiveBaseDir(t *testing.T) {
	srcDir := t.TempDir()
	notArchive := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "aaa")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan: %v", err)
	}

	_, _, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: "{filename}",
		BaseDir: notArchive,
	})
	if err == nil {
		t.Fatal("GenerateManifest with non-archive base dir: want error, got nil")
	}
}

func TestGenerateManifest_FiltersAlreadyArchivedContent(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "same-bytes")
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

	var srcID, archID int64
	if err := c.DB().QueryRowContext(ctx, `SELECT id FROM sources WHERE rel_path = 'a.jpg'`).Scan(&srcID); err != nil {
		t.Fatalf("lookup source: %v", err)
	}
	if err := c.DB().QueryRowContext(ctx, `SELECT id FROM sources WHERE rel_path = 'a-archived.jpg'`).Scan(&archID); err != nil {
		t.Fatalf("lookup archive source: %v", err)
	}

	im := canon.NewImporter(c)
	im.AllowArchived = true
	var stats canon.ImportStats
	for _, line := range []string{
		fmt.Sprintf(`{"source_id": %d, "basis_rev": 0, "facts": {"hash.sha256": "same-hash"}}`, srcID),
		fmt.Sprintf(`{"source_id": %d, "basis_rev": 0, "facts": {"hash.sha256": "same-hash"}}`, archID),
	} {
		if err := im.ImportLine(ctx, line, &stats); err != nil {
			t.Fatalf("ImportLine: %v", err)
		}
	}

	m, genStats, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: "{filename}",
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	if genStats.AlreadyArchived != 1 {
		t.Errorf("genStats.AlreadyArchived = %d, want 1", genStats.AlreadyArchived)
	}
	if len(m.Sources) != 0 {
		t.Errorf("manifest sources = %+v, want none (already archived)", m.Sources)
	}

	m, _, err = c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern:         "{filename}",
		BaseDir:         archiveDir,
		IncludeArchived: true,
	})
	if err != nil {
		t.Fatalf("GenerateManifest (include archived): %v", err)
	}
	if len(m.Sources) != 1 {
		t.Errorf("manifest sources with include-archived = %+v, want 1", m.Sources)
	}
}

func TestGenerateManifest_FactMapContents(t *testing.T) {
	srcDir := t.TempDir()
	archiveDir := t.TempDir()
	writeFile(t, srcDir+"/a.jpg", "bytes")

	c := openTestCatalog(t)
	ctx := context.Background()
	scanner := canon.NewScanner(c)
	if _, err := scanner.Scan(ctx, srcDir, canon.RoleSource, true); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := scanner.Scan(ctx, archiveDir, canon.RoleArchive, true); err != nil {
		t.Fatalf("scan archive: %v", err)
	}

	var srcID int64
	if err := c.DB().QueryRowContext(ctx, `SELECT id FROM sources WHERE rel_path = 'a.jpg'`).Scan(&srcID); err != nil {
		t.Fatalf("lookup source: %v", err)
	}

	im := canon.NewImporter(c)
	var stats canon.ImportStats
	line := fmt.Sprintf(`{"source_id": %d, "basis_rev": 0, "facts": {"hash.sha256": "h1", "rating": 5}}`, srcID)
	if err := im.ImportLine(ctx, line, &stats); err != nil {
		t.Fatalf("ImportLine: %v", err)
	}

	m, _, err := c.GenerateManifest(ctx, canon.ManifestGenOpts{
		Pattern: "{filename}",
		BaseDir: archiveDir,
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	if len(m.Sources) != 1 {
		t.Fatalf("manifest sources = %d, want 1", len(m.Sources))
	}
	got := m.Sources[0]
	want := canon.ManifestSource{
		ID:        srcID,
		Path:      srcDir + "/a.jpg",
		Size:      5,
		HashType:  "sha256",
		HashValue: "h1",
		Facts:     map[string]any{"content.hash.sha256": "h1", "content.rating": float64(5)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest source mismatch (-want +got):\n%s", diff)
	}
}
