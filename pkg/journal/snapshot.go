package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/nainya/scriptgov/pkg/version"
	"github.com/nainya/scriptgov/pkg/wal"
)

// ErrBadSnapshot means the snapshot file exists but is incomplete. The log
// files it replaced are gone, so opening must stop rather than guess.
var ErrBadSnapshot = errors.New("journal: snapshot is damaged")

// A snapshot is a sequence of WAL entries: a checkpoint marker carrying the
// horizon LSN, one put per record, then a commit holding the record count.

// writeSnapshot is called by the WAL with commits blocked. It writes to a
// temporary file and renames it into place.
func (b *Backend) writeSnapshot(horizon uint64) error {
	now := time.Now()
	buf := (&wal.Entry{LSN: horizon, OpType: wal.OpCheckpoint, Timestamp: now}).Encode()

	guids := make([]string, 0, len(b.histories))
	for g := range b.histories {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	count := 0
	for _, g := range guids {
		for _, rec := range b.histories[g] {
			e := wal.Entry{
				LSN:       horizon,
				OpType:    wal.OpPut,
				Key:       version.RecordKey(rec.ScriptGuid, rec.Version),
				Value:     version.EncodeRecord(rec),
				Timestamp: now,
			}
			buf = e.AppendTo(buf)
			count++
		}
	}
	commit := wal.Entry{LSN: horizon, OpType: wal.OpCommit, Timestamp: now,
		Value: binary.LittleEndian.AppendUint32(nil, uint32(count))}
	buf = commit.AppendTo(buf)

	path := filepath.Join(b.dir, snapshotName)
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, buf, !b.noSync); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "install snapshot")
	}
	if b.noSync {
		return nil
	}
	return syncDir(b.dir)
}

func writeFileSync(path string, data []byte, sync bool) error {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if sync {
		if err := fd.Sync(); err != nil {
			fd.Close()
			return errors.Wrap(err, "sync snapshot")
		}
	}
	return errors.Wrap(fd.Close(), "close snapshot")
}

func syncDir(dir string) error {
	fd, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open journal directory")
	}
	defer fd.Close()
	return errors.Wrap(fd.Sync(), "sync journal directory")
}

// loadSnapshot fills histories from the snapshot and returns its horizon.
// A missing snapshot means horizon zero.
func (b *Backend) loadSnapshot() (uint64, error) {
	path := filepath.Join(b.dir, snapshotName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	entries, _, err := wal.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(entries) < 2 || entries[0].OpType != wal.OpCheckpoint {
		return 0, errors.Wrap(ErrBadSnapshot, "missing header")
	}
	last := entries[len(entries)-1]
	if last.OpType != wal.OpCommit || len(last.Value) != 4 ||
		int(binary.LittleEndian.Uint32(last.Value)) != len(entries)-2 {
		return 0, errors.Wrap(ErrBadSnapshot, "missing or mismatched trailer")
	}

	for _, e := range entries[1 : len(entries)-1] {
		if err := b.apply(e.OpType, e.Key, e.Value); err != nil {
			return 0, errors.CombineErrors(ErrBadSnapshot, err)
		}
	}
	return entries[0].LSN, nil
}
