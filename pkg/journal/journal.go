// ABOUTME: File-backed version backend built on the write-ahead log
// ABOUTME: Histories live in memory; every mutation is one WAL transaction

package journal

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/nainya/scriptgov/pkg/version"
	"github.com/nainya/scriptgov/pkg/wal"
)

const (
	walName      = "journal.wal"
	snapshotName = "snapshot"
)

// Options configures a journal
type Options struct {
	Dir         string
	MaxFileSize int64
	NoSync      bool
	Logger      zerolog.Logger
}

// Backend implements version.Backend on a directory of log files and an
// optional snapshot
type Backend struct {
	dir    string
	logger zerolog.Logger
	noSync bool

	mu        sync.RWMutex
	log       *wal.WAL
	histories map[string][]version.ScriptRecord
}

var _ version.Backend = (*Backend)(nil)

// Open loads the snapshot, replays committed transactions above its
// horizon and readies the log for appends
func Open(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, errors.New("journal: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal directory")
	}

	b := &Backend{
		dir:       opts.Dir,
		logger:    opts.Logger,
		noSync:    opts.NoSync,
		histories: make(map[string][]version.ScriptRecord),
	}

	start := time.Now()
	horizon, err := b.loadSnapshot()
	if err != nil {
		return nil, err
	}

	log, err := wal.Open(filepath.Join(opts.Dir, walName), wal.Options{MaxFileSize: opts.MaxFileSize, NoSync: opts.NoSync})
	if err != nil {
		return nil, err
	}
	stats, err := log.Recover(horizon, b.apply)
	if err != nil {
		log.Close()
		return nil, errors.Wrap(err, "journal recovery")
	}
	b.log = log

	b.logger.Info().
		Str("dir", opts.Dir).
		Uint64("snapshot_horizon", horizon).
		Int("replayed_txns", stats.CommittedTxns).
		Int("discarded_txns", stats.IncompleteTxns).
		Int("scripts", len(b.histories)).
		Dur("duration", time.Since(start)).
		Msg("journal opened")
	return b, nil
}

// apply folds one replayed operation into memory
func (b *Backend) apply(op wal.OpType, key, value []byte) error {
	guid, v, err := version.SplitRecordKey(key)
	if err != nil {
		return err
	}
	switch op {
	case wal.OpPut:
		rec, err := version.DecodeRecord(value)
		if err != nil {
			return err
		}
		b.put(rec)
	case wal.OpDelete:
		b.drop(guid, v)
	}
	return nil
}

func (b *Backend) put(rec version.ScriptRecord) {
	history := b.histories[rec.ScriptGuid]
	i := sort.Search(len(history), func(i int) bool { return history[i].Version >= rec.Version })
	if i < len(history) && history[i].Version == rec.Version {
		history[i] = rec
		return
	}
	history = append(history, version.ScriptRecord{})
	copy(history[i+1:], history[i:])
	history[i] = rec
	b.histories[rec.ScriptGuid] = history
}

func (b *Backend) drop(guid string, v int) {
	history := b.histories[guid]
	out := make([]version.ScriptRecord, 0, len(history))
	for _, rec := range history {
		if rec.Version != v {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		delete(b.histories, guid)
		return
	}
	b.histories[guid] = out
}

func (b *Backend) Load(_ context.Context, guid string) ([]version.ScriptRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]version.ScriptRecord(nil), b.histories[guid]...), nil
}

func (b *Backend) Append(_ context.Context, rec version.ScriptRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := b.histories[rec.ScriptGuid]
	if n := len(history); n > 0 && history[n-1].Version >= rec.Version {
		return errors.Wrapf(version.ErrConcurrencyConflict, "version %d of %s exists", rec.Version, rec.ScriptGuid)
	}

	op := wal.Op{Type: wal.OpPut, Key: version.RecordKey(rec.ScriptGuid, rec.Version), Value: version.EncodeRecord(rec)}
	if _, err := b.log.Commit([]wal.Op{op}); err != nil {
		return err
	}
	b.put(rec)
	return nil
}

// Truncate logs every deletion in one transaction; after a crash either
// all of them replay or none do
func (b *Backend) Truncate(_ context.Context, guid string, keep, expected int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ops []wal.Op
	for _, rec := range b.histories[guid] {
		if rec.Version > keep {
			ops = append(ops, wal.Op{Type: wal.OpDelete, Key: version.RecordKey(guid, rec.Version)})
		}
	}
	if len(ops) != expected {
		return errors.Wrapf(version.ErrConcurrencyConflict,
			"truncate of %s would remove %d versions, expected %d", guid, len(ops), expected)
	}
	if len(ops) == 0 {
		return nil
	}
	return b.commitDeletes(guid, ops)
}

func (b *Backend) Remove(_ context.Context, guid string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := b.histories[guid]
	if len(history) == 0 {
		return 0, nil
	}
	ops := make([]wal.Op, len(history))
	for i, rec := range history {
		ops[i] = wal.Op{Type: wal.OpDelete, Key: version.RecordKey(guid, rec.Version)}
	}
	if err := b.commitDeletes(guid, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// commitDeletes logs ops and applies them only once the commit is durable
func (b *Backend) commitDeletes(guid string, ops []wal.Op) error {
	if _, err := b.log.Commit(ops); err != nil {
		return err
	}
	for _, op := range ops {
		_, v, err := version.SplitRecordKey(op.Key)
		if err != nil {
			return err
		}
		b.drop(guid, v)
	}
	return nil
}

func (b *Backend) Guids(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	guids := make([]string, 0, len(b.histories))
	for g := range b.histories {
		guids = append(guids, g)
	}
	sort.Strings(guids)
	return guids, nil
}

// Checkpoint writes a snapshot and discards the log files it covers
func (b *Backend) Checkpoint() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := time.Now()
	err := b.log.Checkpoint(b.writeSnapshot)
	if err != nil {
		return errors.Wrap(err, "journal checkpoint")
	}
	b.logger.Info().
		Int("scripts", len(b.histories)).
		Dur("duration", time.Since(start)).
		Msg("journal checkpoint written")
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log.Close()
}
