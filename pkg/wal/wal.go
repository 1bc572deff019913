package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultMaxFileSize is the size at which the active file is rotated
	DefaultMaxFileSize = 64 << 20
)

// Op is one mutation inside a transaction
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte
}

// Options tunes a WAL
type Options struct {
	MaxFileSize int64
	// NoSync skips fsync after each commit. Only for tests and benchmarks.
	NoSync bool
}

// WAL is a segmented append-only log of committed transactions. Files are
// named <base>.<index> next to Path and are only removed by Checkpoint.
type WAL struct {
	path string
	opts Options

	mu        sync.Mutex
	fd        *os.File
	lsn       uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the WAL rooted at path. A torn tail left by a
// crash in the newest file is cut off before appending resumes.
func Open(path string, opts Options) (*WAL, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	w := &WAL{path: path, opts: opts}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal directory")
	}
	files, err := w.Files()
	if err != nil {
		return nil, err
	}

	for i, file := range files {
		entries, valid, err := ReadFile(file)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.LSN > w.lsn {
				w.lsn = e.LSN
			}
		}
		if i == len(files)-1 {
			if err := cutTail(file, valid); err != nil {
				return nil, err
			}
			w.fileSize = valid
			w.fileIndex = w.indexOf(file)
		}
	}

	fd, err := os.OpenFile(w.filePath(w.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal file")
	}
	w.fd = fd
	return w, nil
}

func cutTail(file string, valid int64) error {
	stat, err := os.Stat(file)
	if err != nil {
		return errors.Wrap(err, "stat wal file")
	}
	if stat.Size() == valid {
		return nil
	}
	return errors.Wrapf(os.Truncate(file, valid), "cut torn tail of %s", filepath.Base(file))
}

// LastLSN returns the highest LSN written
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Commit writes ops followed by a commit marker as a single write and
// syncs. It returns the commit LSN. On a failed write the file is cut
// back so a half-written transaction never precedes later ones.
func (w *WAL) Commit(ops []Op) (uint64, error) {
	if len(ops) == 0 {
		return 0, ErrEmptyTransaction
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}

	now := time.Now()
	txnID := w.lsn + 1
	lsn := w.lsn
	buf := make([]byte, 0, 256*len(ops))
	for _, op := range ops {
		lsn++
		e := Entry{LSN: lsn, TxnID: txnID, OpType: op.Type, Key: op.Key, Value: op.Value, Timestamp: now}
		buf = e.AppendTo(buf)
	}
	lsn++
	commit := Entry{LSN: lsn, TxnID: txnID, OpType: OpCommit, Timestamp: now,
		Value: binary.LittleEndian.AppendUint32(nil, uint32(len(ops)))}
	buf = commit.AppendTo(buf)

	if w.fileSize > 0 && w.fileSize+int64(len(buf)) > w.opts.MaxFileSize {
		if err := w.rotateNoLock(); err != nil {
			return 0, err
		}
	}

	if err := w.writeNoLock(buf); err != nil {
		return 0, err
	}
	w.lsn = lsn
	return lsn, nil
}

func (w *WAL) writeNoLock(buf []byte) error {
	n, err := w.fd.Write(buf)
	if err == nil && !w.opts.NoSync {
		err = w.fd.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := w.fd.Truncate(w.fileSize); terr != nil {
				// the tail is unknown now; refuse further writes
				w.closed = true
				_ = w.fd.Close()
				return errors.CombineErrors(errors.Wrap(err, "wal write"), terr)
			}
		}
		return errors.Wrap(err, "wal write")
	}
	w.fileSize += int64(n)
	return nil
}

// Checkpoint calls snapshot with the current LSN horizon, then starts a
// fresh file and removes every older one. Commits are blocked for the
// duration, so the snapshot sees exactly the state up to the horizon.
func (w *WAL) Checkpoint(snapshot func(horizon uint64) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}

	horizon := w.lsn
	if err := snapshot(horizon); err != nil {
		return errors.Wrap(err, "snapshot")
	}

	old, err := w.Files()
	if err != nil {
		return err
	}
	if err := w.rotateNoLock(); err != nil {
		return err
	}

	marker := Entry{LSN: horizon, OpType: OpCheckpoint, Timestamp: time.Now()}
	if err := w.writeNoLock(marker.Encode()); err != nil {
		return err
	}

	for _, f := range old {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", filepath.Base(f))
		}
	}
	return nil
}

// Entries reads every intact entry across all files in order
func (w *WAL) Entries() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	files, err := w.Files()
	if err != nil {
		return nil, err
	}
	return ReadAll(files)
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}

// rotateNoLock syncs and closes the active file and opens the next one
func (w *WAL) rotateNoLock() error {
	if err := w.fd.Sync(); err != nil {
		return errors.Wrap(err, "sync before rotate")
	}
	if err := w.fd.Close(); err != nil {
		return errors.Wrap(err, "close before rotate")
	}

	w.fileIndex++
	fd, err := os.OpenFile(w.filePath(w.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return errors.Wrap(err, "open rotated wal file")
	}
	w.fd = fd
	w.fileSize = 0
	return nil
}

func (w *WAL) baseName() string {
	return filepath.Base(w.path)
}

func (w *WAL) filePath(index int) string {
	return filepath.Join(filepath.Dir(w.path), fmt.Sprintf("%s.%06d", w.baseName(), index))
}

func (w *WAL) indexOf(file string) int {
	var index int
	if _, err := fmt.Sscanf(filepath.Base(file)[len(w.baseName()):], ".%d", &index); err != nil {
		return 0
	}
	return index
}

// Files returns this log's files sorted by index
func (w *WAL) Files() ([]string, error) {
	dir := filepath.Dir(w.path)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list wal files")
	}

	var files []string
	for _, de := range dirEntries {
		if !de.IsDir() && w.isWALFile(de.Name()) {
			files = append(files, filepath.Join(dir, de.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return w.indexOf(files[i]) < w.indexOf(files[j])
	})
	return files, nil
}

// isWALFile matches <base>.<digits> exactly, so logs sharing a directory
// with similarly named bases are not confused
func (w *WAL) isWALFile(name string) bool {
	base := w.baseName() + "."
	if len(name) <= len(base) || name[:len(base)] != base {
		return false
	}
	for _, c := range name[len(base):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
