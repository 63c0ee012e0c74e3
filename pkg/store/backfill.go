package store

import (
	"context"
	"fmt"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Source is the revision log surface a backfill reads from.
type Source interface {
	Len() int
	NodeOf(rev revlog.Rev) (revlog.Node, error)
	Parents(rev revlog.Rev) (revlog.Node, revlog.Node, error)
	Revision(rev revlog.Rev) ([]byte, error)
}

// Backfill copies every revision of src into the store, skipping nodes
// already present, and returns how many entries it wrote. It checks the
// context between revisions, so an interrupted run leaves completed
// entries durable and a re-run finishes the remainder without duplicates.
func (s *Store) Backfill(ctx context.Context, src Source) (int, error) {
	written := 0
	for rev := revlog.Rev(0); int(rev) < src.Len(); rev++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		node, err := src.NodeOf(rev)
		if err != nil {
			return written, fmt.Errorf("backfill rev %d: %w", rev, err)
		}
		if s.Has(node) {
			continue
		}
		p1, p2, err := src.Parents(rev)
		if err != nil {
			return written, fmt.Errorf("backfill rev %d: %w", rev, err)
		}
		text, err := src.Revision(rev)
		if err != nil {
			return written, fmt.Errorf("backfill rev %d: %w", rev, err)
		}
		if err := s.Put(node, text, p1, p2); err != nil {
			return written, fmt.Errorf("backfill rev %d: %w", rev, err)
		}
		written++
	}
	return written, nil
}
