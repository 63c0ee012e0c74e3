package revlog

import (
	"fmt"
	"os"
)

// txWriter implements the crash-safe append protocol. The index file is
// always the last thing to change on disk, so a concurrent reader never
// observes an index entry referencing absent data, and never a half-written
// index.
//
// Two modes:
//
//   - divert: the log is empty at transaction start. The complete new index
//     stream is staged and atomically renamed over the real index at
//     finalize.
//   - delay: the log is non-empty. Appended index bytes are buffered in
//     memory; readAt serves a composite view of "real file bytes followed
//     by buffered bytes" to in-transaction readers; finalize appends the
//     buffer to the real file.
//
// Data-file chunks (non-inline logs) are written to the .d file eagerly:
// readers only trust bytes the index points at, so trailing orphan data is
// harmless, and abort truncates the data file back to its starting size.
type txWriter struct {
	log    *Log
	tx     Tx
	divert bool

	baseCount       int   // revisions in the log at transaction start
	baseIndexSize   int64 // on-disk .i size at transaction start
	baseDataSize    int64 // on-disk .d size at transaction start
	baseIndexExists bool  // .i file present at transaction start
	baseDataExists  bool  // .d file present at transaction start
	indexTail       []byte
	dataSize        int64 // virtual .d size including eager writes

	df *os.File // open data file for eager appends, non-inline only
}

func newTxWriter(l *Log, tx Tx) (*txWriter, error) {
	w := &txWriter{
		log:       l,
		tx:        tx,
		divert:    len(l.index) == 0,
		baseCount: len(l.index),
	}
	if st, err := os.Stat(l.indexPath()); err == nil {
		w.baseIndexSize = st.Size()
		w.baseIndexExists = true
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat index: %w", err)
	}
	if w.baseIndexSize == 0 {
		// A brand-new log: the header leads the staged stream.
		w.indexTail = marshalIndexHeader(l.flags)
	}
	if !l.inline() {
		st, err := os.Stat(l.dataPath())
		if err == nil {
			w.baseDataSize = st.Size()
			w.baseDataExists = true
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat data: %w", err)
		}
	}
	w.dataSize = w.baseDataSize

	tx.OnPending(w.writePending)
	tx.OnFinalize(w.finalize)
	tx.OnAbort(w.abort)
	return w, nil
}

// indexSize returns the virtual size of the index stream.
func (w *txWriter) indexSize() int64 {
	return w.baseIndexSize + int64(len(w.indexTail))
}

// appendIndex adds bytes to the buffered index tail.
func (w *txWriter) appendIndex(b []byte) {
	w.indexTail = append(w.indexTail, b...)
}

// appendData writes a chunk to the data file eagerly and returns the offset
// it was written at.
func (w *txWriter) appendData(chunk []byte) (int64, error) {
	if w.df == nil {
		df, err := os.OpenFile(w.log.dataPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open data file: %w", err)
		}
		w.df = df
	}
	offset := w.dataSize
	if _, err := w.df.Write(chunk); err != nil {
		return 0, fmt.Errorf("append data: %w", err)
	}
	w.dataSize += int64(len(chunk))
	return offset, nil
}

// readIndexAt serves the composite "real bytes then buffered tail" view.
func (w *txWriter) readIndexAt(p []byte, off int64) error {
	n := 0
	if off < w.baseIndexSize {
		f, err := os.Open(w.log.indexPath())
		if err != nil {
			return fmt.Errorf("read pending index: %w", err)
		}
		defer f.Close()
		want := int64(len(p))
		if off+want > w.baseIndexSize {
			want = w.baseIndexSize - off
		}
		if _, err := f.ReadAt(p[:want], off); err != nil {
			return fmt.Errorf("read pending index: %w", err)
		}
		n = int(want)
		off += want
	}
	if n < len(p) {
		tail := off - w.baseIndexSize
		if tail < 0 || tail+int64(len(p)-n) > int64(len(w.indexTail)) {
			return fmt.Errorf("pending index read out of range")
		}
		copy(p[n:], w.indexTail[tail:])
	}
	return nil
}

// writePending materializes the composite index into <index>.a so that
// collaborators (hook processes) can observe pending commits before the
// transaction commits. Canonical state is untouched.
func (w *txWriter) writePending() error {
	if len(w.indexTail) == 0 {
		return nil
	}
	pending := w.log.indexPath() + ".a"
	if err := w.stageComposite(pending); err != nil {
		return err
	}
	w.tx.AddTempFile(pending)
	return nil
}

func (w *txWriter) stageComposite(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stage index: %w", err)
	}
	if w.baseIndexSize > 0 {
		real, err := os.ReadFile(w.log.indexPath())
		if err != nil {
			f.Close()
			return fmt.Errorf("stage index: %w", err)
		}
		if _, err := f.Write(real); err != nil {
			f.Close()
			return fmt.Errorf("stage index: %w", err)
		}
	}
	if _, err := f.Write(w.indexTail); err != nil {
		f.Close()
		return fmt.Errorf("stage index: %w", err)
	}
	return f.Close()
}

// finalize performs the mode's durable index write, then runs post-append
// housekeeping (inline split).
func (w *txWriter) finalize() error {
	if w.df != nil {
		if err := w.df.Sync(); err != nil {
			return fmt.Errorf("sync data: %w", err)
		}
		if err := w.df.Close(); err != nil {
			return fmt.Errorf("close data: %w", err)
		}
		w.df = nil
	}

	if len(w.indexTail) > 0 {
		if w.divert {
			staged := w.log.indexPath() + ".a"
			if err := w.stageComposite(staged); err != nil {
				return err
			}
			if err := os.Rename(staged, w.log.indexPath()); err != nil {
				return fmt.Errorf("finalize index rename: %w", err)
			}
		} else {
			f, err := os.OpenFile(w.log.indexPath(), os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("finalize index open: %w", err)
			}
			if _, err := f.Write(w.indexTail); err != nil {
				f.Close()
				return fmt.Errorf("finalize index append: %w", err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return fmt.Errorf("finalize index sync: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("finalize index close: %w", err)
			}
		}
	}

	w.indexTail = nil
	w.log.w = nil
	return w.log.maybeSplitInline()
}

// abort discards buffered state and restores both files to their state at
// transaction start. The index must be restored alongside the data: when a
// transaction rolls back after the writer's finalize already made the
// index durable (a later finalizer failed), truncating only the data file
// would leave index entries referencing absent bytes.
func (w *txWriter) abort() error {
	if w.df != nil {
		w.df.Close()
		w.df = nil
	}
	w.indexTail = nil
	w.log.w = nil

	if w.baseIndexExists {
		if st, err := os.Stat(w.log.indexPath()); err == nil && st.Size() > w.baseIndexSize {
			if err := os.Truncate(w.log.indexPath(), w.baseIndexSize); err != nil {
				return fmt.Errorf("abort index truncate: %w", err)
			}
		}
	} else if err := os.Remove(w.log.indexPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("abort index remove: %w", err)
	}

	if !w.log.inline() {
		if w.baseDataExists {
			if w.dataSize > w.baseDataSize {
				if err := os.Truncate(w.log.dataPath(), w.baseDataSize); err != nil {
					return fmt.Errorf("abort data truncate: %w", err)
				}
			}
		} else if err := os.Remove(w.log.dataPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("abort data remove: %w", err)
		}
	}

	// The in-memory index may hold entries that never became durable.
	w.log.discardAppends(w.baseCount)
	return nil
}
