// Package canon indexes large file collections — principally media
// libraries — into a content-addressed catalog and produces transactional
// plans for reorganizing them into a canonical archive.
//
// The catalog records every file a scan finds (a "source"), assigns it a
// stable identity that survives renames and moves, tracks the revision of
// its physical basis (size/mtime/device/inode), and accumulates arbitrary
// key/value facts harvested by external observation tools — hashers, EXIF
// readers, MIME sniffers. Facts attach to a source (tied to its current
// file revision) or to an "object" — a content identity keyed by hash, once
// one is known — so that the same bytes reachable from many paths share one
// set of facts.
//
// Open (a catalog file at a path) and OpenMemory (an in-memory catalog)
// open the SQLite database themselves; canon creates its own tables and
// applies its schema idempotently on every open.
// All catalog work in one command is serial: the design's only concurrency
// is external, many worklist-to-observer pipelines reading a snapshot and
// writing a fact stream back.
package canon
