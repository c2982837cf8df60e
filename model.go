package canon

import "time"

// Role distinguishes a source root (candidate for inclusion in manifests)
// from an archive root (the destination a canonical layout writes into and
// the reference for "already have this content" checks). Fixed at creation.
type Role string

const (
	RoleSource  Role = "source"
	RoleArchive Role = "archive"
)

// Root is a canonicalized absolute directory registered with the catalog.
type Root struct {
	ID   int64
	Path string
	Role Role
}

// Source is a file discovered under exactly one root, identified by
// (root, relative path). Device/inode are set when the host filesystem
// supplies them; both are nil on platforms/filesystems that don't.
type Source struct {
	ID          int64
	RootID      int64
	RelPath     string
	Device      *int64
	Inode       *int64
	Size        int64
	Mtime       int64
	BasisRev    int64
	ScannedAt   int64
	LastSeenAt  int64
	Present     bool
	ObjectID    *int64
}

// Basis is the physical-state tuple that basis_rev revises on.
type Basis struct {
	Device *int64
	Inode  *int64
	Size   int64
	Mtime  int64
}

// Equal reports whether two bases are identical (same device, inode, size
// and mtime). A nil device/inode only equals another nil.
func (b Basis) Equal(o Basis) bool {
	return int64Eq(b.Device, o.Device) && int64Eq(b.Inode, o.Inode) && b.Size == o.Size && b.Mtime == o.Mtime
}

func int64Eq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Object is a content identity keyed by (hash algorithm, hash value),
// shared by all sources whose bytes match. Created on demand by the fact
// importer; never deleted.
type Object struct {
	ID        int64
	HashType  string
	HashValue string
}

// EntityType names what a Fact attaches to.
type EntityType string

const (
	EntitySource EntityType = "source"
	EntityObject EntityType = "object"
)

// ValueKind identifies which typed column of a Fact is populated.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueText
	ValueNumber
	ValueTime
	ValueJSON
)

// Fact is one typed key/value attached to exactly one entity (a source or
// an object). Exactly one of Text/Num/Time/JSON is set, matching Kind.
// ObservedBasisRev is set iff EntityType == EntitySource.
type Fact struct {
	ID               int64
	EntityType       EntityType
	EntityID         int64
	Key              string
	Kind             ValueKind
	Text             string
	Num              float64
	Time             int64
	JSON             string
	ObservedAt       int64
	ObservedBasisRev *int64
}

// TimeValue returns the Time field as a time.Time (UTC, seconds precision).
func (f Fact) TimeValue() time.Time {
	return time.Unix(f.Time, 0).UTC()
}

// reserved key namespaces, spec.md §3.
const (
	nsSource  = "source."
	nsContent = "content."
	nsPolicy  = "policy."
)

// PolicyExcludeKey is the fact key the exclusion subsystem manages.
const PolicyExcludeKey = "policy.exclude"
