package canon

import (
	"context"
	"fmt"
	"path/filepath"
)

// WorklistRecord is one streamed worklist entry (spec.md §4.5, §6).
type WorklistRecord struct {
	SourceID int64  `json:"source_id"`
	Path     string `json:"path"`
	RootID   int64  `json:"root_id"`
	Size     int64  `json:"size"`
	Mtime    int64  `json:"mtime"`
	BasisRev int64  `json:"basis_rev"`
}

// Worklist streams a filtered list of present sources as records ordered
// by ascending source-id, in bounded batches, so the emitter never holds
// a long-lived catalog lock (spec.md §4.5, §5). emit is called once per
// record; returning an error aborts the stream.
func (c *Catalog) Worklist(ctx context.Context, opts SelectOpts, emit func(WorklistRecord) error) error {
	opts.PresentOnly = true
	return c.EachCandidate(ctx, opts, func(cand Candidate) error {
		basisRev, err := c.sourceBasisRev(ctx, cand.SourceID)
		if err != nil {
			return err
		}
		rec := WorklistRecord{
			SourceID: cand.SourceID,
			Path:     filepath.Join(cand.RootPath, cand.RelPath),
			RootID:   cand.RootID,
			Size:     cand.Size,
			Mtime:    cand.Mtime,
			BasisRev: basisRev,
		}
		return emit(rec)
	})
}

func (c *Catalog) sourceBasisRev(ctx context.Context, sourceID int64) (int64, error) {
	var rev int64
	err := c.QueryRowContext(ctx, `SELECT basis_rev FROM sources WHERE id = ?`, sourceID).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("canon: worklist: source %d: %w", sourceID, err)
	}
	return rev, nil
}
