package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/grove/pkg/changelog"
	"github.com/odvcencio/grove/pkg/dag"
	"github.com/odvcencio/grove/pkg/revlog"
	"github.com/odvcencio/grove/pkg/store"
)

const migrateBatchSize = 1000

// migrateDest receives commits during a layout migration. Flushed data
// must be durable so an interrupted migration can resume.
type migrateDest interface {
	has(n revlog.Node) bool
	add(n, p1, p2 revlog.Node, text []byte) error
	flush() error
}

// graphDest loads commits into an id map, optionally copying text into a
// content store.
type graphDest struct {
	idmap *dag.IdMap
	texts *store.Store // nil when the target layout does not hold text
}

func (d *graphDest) has(n revlog.Node) bool { return d.idmap.Has(n) }

func (d *graphDest) add(n, p1, p2 revlog.Node, text []byte) error {
	if _, err := d.idmap.Add(n, p1, p2); err != nil {
		return err
	}
	if d.texts != nil {
		return d.texts.Put(n, text, p1, p2)
	}
	return nil
}

func (d *graphDest) flush() error { return d.idmap.Flush() }

// revlogDest appends commits into a revision log, one transaction per
// batch so each flush is durable.
type revlogDest struct {
	repo *Repo
	log  *revlog.Log
	tx   *Transaction
}

func (d *revlogDest) has(n revlog.Node) bool {
	_, err := d.log.LookupNode(n)
	return err == nil && !n.IsNull()
}

func (d *revlogDest) add(n, p1, p2 revlog.Node, text []byte) error {
	if d.tx == nil {
		tx, err := d.repo.Begin("migrate")
		if err != nil {
			return err
		}
		d.tx = tx
	}
	got, err := d.log.Append(d.tx, text, p1, p2, revlog.Rev(d.log.Len()))
	if err != nil {
		return err
	}
	if got != n {
		return &revlog.IntegrityError{
			Name: "migrate",
			Msg:  fmt.Sprintf("transferred commit hashed to %s, want %s", got.Short(), n.Short()),
		}
	}
	return nil
}

func (d *revlogDest) flush() error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Close()
	d.tx = nil
	return err
}

// Migrate converts the repository to the target layout. It runs under the
// exclusive lock, transfers (node, parents, text) in rev order in durable
// batches, and flips the persisted capability flag only after the data
// copy fully succeeds. Cancelling the context mid-run flushes progress and
// returns; re-invocation continues without duplicating entries.
func (r *Repo) Migrate(ctx context.Context, target string) error {
	if !changelog.KnownLayout(target) {
		return fmt.Errorf("migrate: unknown layout %q", target)
	}
	if target == r.Layout {
		return nil
	}
	if r.lock == nil {
		return fmt.Errorf("migrate: repository lock not held")
	}

	dest, err := r.migrateDest(target)
	if err != nil {
		return err
	}

	src := r.Changelog
	total := src.Len()
	log := logrus.WithFields(logrus.Fields{"from": r.Layout, "to": target, "commits": total})
	log.Info("migrating commit graph")

	transferred := 0
	sinceFlush := 0
	for rev := revlog.Rev(0); int(rev) < total; rev++ {
		if err := ctx.Err(); err != nil {
			if ferr := dest.flush(); ferr != nil {
				return ferr
			}
			log.WithField("transferred", transferred).Warn("migration interrupted; progress flushed, re-run to resume")
			return err
		}

		n, err := src.Node(rev)
		if err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		if dest.has(n) {
			continue
		}
		p1r, p2r, err := src.ParentRevs(rev)
		if err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		p1, err := src.Node(p1r)
		if err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		p2, err := src.Node(p2r)
		if err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		text, err := src.Text(rev)
		if err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		if err := dest.add(n, p1, p2, text); err != nil {
			return fmt.Errorf("migrate rev %d: %w", rev, err)
		}
		transferred++
		sinceFlush++

		if sinceFlush >= migrateBatchSize {
			if err := dest.flush(); err != nil {
				return err
			}
			sinceFlush = 0
			log.WithField("transferred", transferred).Info("migration progress")
		}
	}
	if err := dest.flush(); err != nil {
		return err
	}

	// All data copied: flip the capability flag, then re-wire.
	features := []string{featureBase}
	if f, ok := layoutFeatures[target]; ok {
		features = append(features, f)
	}
	if err := writeRequires(r.Dir, features); err != nil {
		return err
	}
	r.Layout = target
	if err := r.wire(r.opts); err != nil {
		return err
	}
	log.WithField("transferred", transferred).Info("migration complete")
	return nil
}

// migrateDest builds the destination writer for a target layout.
func (r *Repo) migrateDest(target string) (migrateDest, error) {
	if target == changelog.LayoutRevlog {
		log, err := revlog.Open(r.Dir, changelogName, revlog.Options{
			NoDelta:         true,
			InlineThreshold: r.Config.Storage.InlineThreshold,
		})
		if err != nil {
			return nil, err
		}
		return &revlogDest{repo: r, log: log}, nil
	}

	graphDir := filepath.Join(r.Dir, graphDirName)
	if err := os.MkdirAll(graphDir, 0o755); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	idmap, err := dag.OpenIdMap(filepath.Join(graphDir, idMapFileName))
	if err != nil {
		return nil, err
	}
	d := &graphDest{idmap: idmap}
	if target == changelog.LayoutFull {
		d.texts = store.New(filepath.Join(r.Dir, contentDirName), store.Options{})
	}
	return d, nil
}
