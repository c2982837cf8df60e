package canon_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/mjhunter/canon"
)

func openTestCatalog(t *testing.T) *canon.Catalog {
	t.Helper()
	c, err := canon.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenMemory_TablesExist(t *testing.T) {
	c := openTestCatalog(t)
	tables := []string{"roots", "sources", "objects", "facts"}
	for _, table := range tables {
		var name string
		err := c.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestOpenMemory_Idempotent(t *testing.T) {
	ctx := context.Background()
	c, err := canon.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	if _, err := c.CreateRoot(ctx, "/a", canon.RoleSource); err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	// re-applying the schema must not disturb existing rows
	if _, err := c.DB().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS roots (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("re-apply schema: %v", err)
	}
	r, err := c.Root(ctx, 1)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if r.Path != "/a" {
		t.Errorf("root path = %q, want /a", r.Path)
	}
}

func TestCreateRoot_RejectsOverlap(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	if _, err := c.CreateRoot(ctx, "/media/photos", canon.RoleSource); err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	cases := []string{"/media/photos/2024", "/media"}
	for _, p := range cases {
		if _, err := c.CreateRoot(ctx, p, canon.RoleSource); err == nil {
			t.Errorf("CreateRoot(%q): want overlap error, got nil", p)
		}
	}

	if _, err := c.CreateRoot(ctx, "/media/videos", canon.RoleSource); err != nil {
		t.Errorf("CreateRoot(/media/videos): unexpected error: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.CreateRoot(ctx, "/media/photos", canon.RoleSource)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	tests := []struct {
		path    string
		wantOK  bool
		wantRel string
	}{
		{"/media/photos", true, ""},
		{"/media/photos/2024/a.jpg", true, "2024/a.jpg"},
		{"/media/videos/a.mp4", false, ""},
		{"/media/photos2/a.jpg", false, ""},
	}
	for _, tt := range tests {
		gotID, _, rel, ok, err := c.ResolvePath(ctx, tt.path)
		if err != nil {
			t.Fatalf("ResolvePath(%q): %v", tt.path, err)
		}
		if ok != tt.wantOK {
			t.Errorf("ResolvePath(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if ok && (gotID != id || rel != tt.wantRel) {
			t.Errorf("ResolvePath(%q) = (%d, %q), want (%d, %q)", tt.path, gotID, rel, id, tt.wantRel)
		}
	}
}

func TestParseRootSpec(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.CreateRoot(ctx, "/archive", canon.RoleArchive)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	got, err := c.ParseRootSpec(ctx, "id:"+strconv.FormatInt(id, 10), canon.RoleArchive)
	if err != nil {
		t.Fatalf("ParseRootSpec(id:): %v", err)
	}
	if got != id {
		t.Errorf("ParseRootSpec(id:) = %d, want %d", got, id)
	}

	if _, err := c.ParseRootSpec(ctx, "id:"+strconv.FormatInt(id, 10), canon.RoleSource); err == nil {
		t.Errorf("ParseRootSpec(id:) with wrong role: want error, got nil")
	}

	got, err = c.ParseRootSpec(ctx, "path:/archive", "")
	if err != nil {
		t.Fatalf("ParseRootSpec(path:): %v", err)
	}
	if got != id {
		t.Errorf("ParseRootSpec(path:) = %d, want %d", got, id)
	}

	if _, err := c.ParseRootSpec(ctx, "bogus", ""); err == nil {
		t.Errorf("ParseRootSpec(bogus): want error, got nil")
	}
}
