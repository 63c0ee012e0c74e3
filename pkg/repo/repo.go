// Package repo assembles the commit-graph storage engine: it owns the
// on-disk repository layout, the requires-file capability flags that
// select the changelog backend, the exclusive lock, and the transaction
// object every durable write runs inside.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/grove/pkg/changelog"
	"github.com/odvcencio/grove/pkg/dag"
	"github.com/odvcencio/grove/pkg/revlog"
	"github.com/odvcencio/grove/pkg/store"
	"github.com/odvcencio/grove/pkg/visibility"
)

const (
	requiresFile = "requires"
	featureBase  = "grove-store-v1"

	changelogName   = "00changelog"
	contentDirName  = "content"
	graphDirName    = "graph"
	idMapFileName   = "idmap"
	lockFileName    = "lock"
	wlockFileName   = "wlock"
	visibleFileName = "visibleheads"
	phaseFileName   = "phaseroots"
)

// layout flag names as persisted in the requires file.
var layoutFeatures = map[string]string{
	changelog.LayoutDoubleWrite: "graph-doublewrite",
	changelog.LayoutFull:        "graph-full",
	changelog.LayoutLazy:        "graph-lazy",
}

// OpenOptions carry collaborators the repository cannot construct itself.
type OpenOptions struct {
	// Fetcher serves remote text under the lazy layout.
	Fetcher store.Fetcher
}

// Repo is an opened repository.
type Repo struct {
	Dir    string
	Config Config
	Layout string

	Changelog  *changelog.Changelog
	Visibility *visibility.Tracker
	Phases     *PhaseTable

	log     *revlog.Log // changelog revision log, nil for ungraphed layouts
	idmap   *dag.IdMap
	content *store.Store
	opts    OpenOptions // as passed to Open, reused when migration re-wires

	lock  *Lock
	wlock *Lock
	tx    *Transaction
}

// Init creates a new repository at dir using the given layout and opens
// it. It fails if dir already holds a repository.
func Init(dir, layout string) (*Repo, error) {
	if !changelog.KnownLayout(layout) {
		return nil, fmt.Errorf("init: unknown layout %q", layout)
	}
	if _, err := os.Stat(filepath.Join(dir, requiresFile)); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	features := []string{featureBase}
	if f, ok := layoutFeatures[layout]; ok {
		features = append(features, f)
	}
	if err := writeRequires(dir, features); err != nil {
		return nil, err
	}
	if err := writeConfig(dir, DefaultConfig()); err != nil {
		return nil, err
	}
	return Open(dir, OpenOptions{})
}

// Open opens the repository at dir, selecting the changelog backend from
// the persisted capability flags.
func Open(dir string, opts OpenOptions) (*Repo, error) {
	features, err := readRequires(dir)
	if err != nil {
		return nil, err
	}
	layout, err := layoutFromFeatures(features)
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(dir)
	if err != nil {
		return nil, err
	}

	r := &Repo{Dir: dir, Config: cfg, Layout: layout, opts: opts}
	if err := r.wire(opts); err != nil {
		return nil, err
	}
	return r, nil
}

// wire builds the backend stack for the active layout.
func (r *Repo) wire(opts OpenOptions) error {
	needLog := r.Layout == changelog.LayoutRevlog || r.Layout == changelog.LayoutDoubleWrite
	if needLog {
		log, err := revlog.Open(r.Dir, changelogName, revlog.Options{
			NoDelta:         true,
			InlineThreshold: r.Config.Storage.InlineThreshold,
		})
		if err != nil {
			return err
		}
		r.log = log
	}

	var backend changelog.Backend
	if r.Layout == changelog.LayoutRevlog {
		backend = changelog.NewRevlogBackend(r.log)
	} else {
		graphDir := filepath.Join(r.Dir, graphDirName)
		if err := os.MkdirAll(graphDir, 0o755); err != nil {
			return fmt.Errorf("open: %w", err)
		}
		idmap, err := dag.OpenIdMap(filepath.Join(graphDir, idMapFileName))
		if err != nil {
			return err
		}
		r.idmap = idmap

		storeOpts := store.Options{FetchBatch: r.Config.Store.LazyFetchBatch}
		if r.Layout == changelog.LayoutDoubleWrite && r.Config.Store.RevlogFallback {
			storeOpts.Fallback = r.log
		}
		if r.Layout == changelog.LayoutLazy {
			storeOpts.Fetcher = opts.Fetcher
		}
		r.content = store.New(filepath.Join(r.Dir, contentDirName), storeOpts)

		backend = changelog.NewGraphBackend(
			r.Layout, r.Dir, idmap, dag.NewLocalEngine(idmap), r.content, r.log)
	}

	r.Changelog = changelog.New(backend)
	r.Phases = NewPhaseTable(filepath.Join(r.Dir, phaseFileName), r.Changelog)
	r.Visibility = visibility.NewTracker(
		filepath.Join(r.Dir, visibleFileName),
		r.Changelog,
		r.Phases,
		r.bootstrapVisibleHeads,
	)
	return nil
}

// bootstrapVisibleHeads derives the initial visible set from legacy data:
// every mutable (non-public) head is visible.
func (r *Repo) bootstrapVisibleHeads() ([]revlog.Node, error) {
	headRevs, err := r.Changelog.HeadRevs()
	if err != nil {
		return nil, err
	}
	var out []revlog.Node
	for _, rev := range headRevs {
		public, err := r.Phases.IsPublic(rev)
		if err != nil {
			return nil, err
		}
		if public {
			continue
		}
		n, err := r.Changelog.Node(rev)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ContentStore returns the content-addressed text store, nil under the
// plain revlog layout.
func (r *Repo) ContentStore() *store.Store { return r.content }

// ChangelogLog returns the underlying revision log, nil for layouts that
// do not keep one.
func (r *Repo) ChangelogLog() *revlog.Log { return r.log }

// Lock acquires the exclusive repository lock, blocking up to the
// configured timeout.
func (r *Repo) Lock() error {
	if r.lock != nil {
		return nil
	}
	l, err := acquireLock(filepath.Join(r.Dir, lockFileName), r.Config.LockTimeout())
	if err != nil {
		return err
	}
	r.lock = l
	return nil
}

// Unlock releases the repository lock.
func (r *Repo) Unlock() error {
	if r.lock == nil {
		return nil
	}
	err := r.lock.Release()
	r.lock = nil
	return err
}

// WLock acquires the working-copy lock, which is unrelated to the store
// lock.
func (r *Repo) WLock() error {
	if r.wlock != nil {
		return nil
	}
	l, err := acquireLock(filepath.Join(r.Dir, wlockFileName), r.Config.LockTimeout())
	if err != nil {
		return err
	}
	r.wlock = l
	return nil
}

// WUnlock releases the working-copy lock.
func (r *Repo) WUnlock() error {
	if r.wlock == nil {
		return nil
	}
	err := r.wlock.Release()
	r.wlock = nil
	return err
}

// Begin opens the repository's single transaction. It requires the
// exclusive lock, and fails if a transaction is already open.
func (r *Repo) Begin(name string) (*Transaction, error) {
	if r.lock == nil {
		return nil, fmt.Errorf("transaction %q: %w: repository lock not held", name, revlog.ErrNoTransaction)
	}
	if r.tx != nil {
		return nil, fmt.Errorf("transaction %q: transaction %q already open", name, r.tx.name)
	}
	t := &Transaction{repo: r, name: name, active: true}
	r.tx = t
	return t, nil
}

func requiresPath(dir string) string {
	return filepath.Join(dir, requiresFile)
}

func readRequires(dir string) ([]string, error) {
	data, err := os.ReadFile(requiresPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read requires: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func writeRequires(dir string, features []string) error {
	var b strings.Builder
	for _, f := range features {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, ".requires-*")
	if err != nil {
		return fmt.Errorf("write requires: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write requires: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write requires: %w", err)
	}
	if err := os.Rename(tmpName, requiresPath(dir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write requires: %w", err)
	}
	return nil
}

// layoutFromFeatures validates the requires lines and extracts the layout
// flag. Unknown features are a hard error: this build cannot safely touch
// a repository requesting capabilities it does not implement.
func layoutFromFeatures(features []string) (string, error) {
	layout := changelog.LayoutRevlog
	sawBase := false
	for _, f := range features {
		if f == featureBase {
			sawBase = true
			continue
		}
		known := false
		for l, name := range layoutFeatures {
			if f == name {
				layout = l
				known = true
				break
			}
		}
		if !known {
			return "", fmt.Errorf("repository requires unknown feature %q", f)
		}
	}
	if !sawBase {
		return "", fmt.Errorf("repository missing base feature %q", featureBase)
	}
	return layout, nil
}
