package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestWAL(t *testing.T, path string, opts Options) *WAL {
	t.Helper()
	w, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func put(key, value string) Op {
	return Op{Type: OpPut, Key: []byte(key), Value: []byte(value)}
}

func collect(t *testing.T, w *WAL, horizon uint64) (map[string]string, *RecoveryStats) {
	t.Helper()
	state := make(map[string]string)
	stats, err := w.Recover(horizon, func(op OpType, key, value []byte) error {
		switch op {
		case OpPut:
			state[string(key)] = string(value)
		case OpDelete:
			delete(state, string(key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	return state, stats
}

func TestEntryEncodeDecode(t *testing.T) {
	entry := &Entry{
		LSN:       42,
		TxnID:     40,
		OpType:    OpPut,
		Key:       []byte("test-key"),
		Value:     []byte("test-value"),
		Timestamp: time.Unix(0, 1700000000123456789),
	}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.LSN != entry.LSN || decoded.TxnID != entry.TxnID || decoded.OpType != entry.OpType {
		t.Errorf("header mismatch: got %s, want %s", decoded, entry)
	}
	if string(decoded.Key) != "test-key" || string(decoded.Value) != "test-value" {
		t.Errorf("payload mismatch: %q %q", decoded.Key, decoded.Value)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("timestamp mismatch: got %v, want %v", decoded.Timestamp, entry.Timestamp)
	}
}

func TestEntryDecodeEmptyValue(t *testing.T) {
	entry := &Entry{LSN: 10, TxnID: 9, OpType: OpDelete, Key: []byte("gone")}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Value != nil {
		t.Errorf("expected nil value, got %q", decoded.Value)
	}
	if entry.Size() != len(entry.Encode()) {
		t.Errorf("size mismatch: %d vs %d", entry.Size(), len(entry.Encode()))
	}
}

func TestEntryDecodeDamaged(t *testing.T) {
	data := (&Entry{LSN: 1, TxnID: 1, OpType: OpPut, Key: []byte("k"), Value: []byte("v")}).Encode()

	flipped := append([]byte(nil), data...)
	flipped[EntryHeaderSize] ^= 0xFF
	if _, err := DecodeEntry(flipped); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}

	if _, err := DecodeEntry(data[:len(data)-2]); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestCommitAndRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{})

	for i := 0; i < 3; i++ {
		if _, err := w.Commit([]Op{put(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}
	if _, err := w.Commit([]Op{{Type: OpDelete, Key: []byte("key-1")}}); err != nil {
		t.Fatal(err)
	}

	state, stats := collect(t, w, 0)
	if len(state) != 2 || state["key-0"] != "value-0" || state["key-2"] != "value-2" {
		t.Errorf("unexpected state: %v", state)
	}
	if stats.CommittedTxns != 4 || stats.ReplayedOperations != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	// every op plus one commit marker per transaction
	if w.LastLSN() != 8 {
		t.Errorf("expected LSN 8, got %d", w.LastLSN())
	}
}

func TestCommitEmptyTransaction(t *testing.T) {
	w := openTestWAL(t, filepath.Join(t.TempDir(), "j.wal"), Options{})
	if _, err := w.Commit(nil); !errors.Is(err, ErrEmptyTransaction) {
		t.Errorf("expected ErrEmptyTransaction, got %v", err)
	}
}

func TestMultiOpTransactionIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{})

	if _, err := w.Commit([]Op{put("a", "1"), put("b", "2")}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	// Simulate a crash midway through writing a three-op transaction: the
	// first two entries reach the disk, the third and the commit do not.
	lsn := uint64(3)
	var partial []byte
	for i, key := range []string{"a", "b"} {
		e := Entry{LSN: lsn + uint64(i) + 1, TxnID: lsn + 1, OpType: OpDelete, Key: []byte(key)}
		partial = e.AppendTo(partial)
	}
	third := Entry{LSN: lsn + 3, TxnID: lsn + 1, OpType: OpDelete, Key: []byte("c")}
	partial = append(partial, third.Encode()[:EntryHeaderSize/2]...)
	appendRaw(t, w.filePath(0), partial)

	w2 := openTestWAL(t, path, Options{})
	state, stats := collect(t, w2, 0)
	if state["a"] != "1" || state["b"] != "2" {
		t.Errorf("partial transaction leaked into state: %v", state)
	}
	if stats.IncompleteTxns != 1 {
		t.Errorf("expected 1 incomplete transaction, got %+v", stats)
	}

	// appending after the reopen must not be hidden behind the torn bytes
	if _, err := w2.Commit([]Op{put("c", "3")}); err != nil {
		t.Fatal(err)
	}
	state, _ = collect(t, w2, 0)
	if state["c"] != "3" {
		t.Errorf("commit after torn tail was lost: %v", state)
	}
}

func TestCommitCountMismatchIsIgnored(t *testing.T) {
	now := time.Now()
	entries := []*Entry{
		{LSN: 1, TxnID: 1, OpType: OpPut, Key: []byte("x"), Value: []byte("1"), Timestamp: now},
		{LSN: 2, TxnID: 1, OpType: OpCommit, Value: []byte{2, 0, 0, 0}, Timestamp: now},
		{LSN: 3, TxnID: 3, OpType: OpPut, Key: []byte("y"), Value: []byte("2"), Timestamp: now},
		{LSN: 4, TxnID: 3, OpType: OpCommit, Value: []byte{1, 0, 0, 0}, Timestamp: now},
	}

	var keys []string
	stats, err := Replay(entries, 0, func(op OpType, key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "y" {
		t.Errorf("expected only y replayed, got %v", keys)
	}
	if stats.IncompleteTxns != 1 || stats.LastLSN != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReplayErrorStops(t *testing.T) {
	w := openTestWAL(t, filepath.Join(t.TempDir(), "j.wal"), Options{})
	w.Commit([]Op{put("a", "1")})

	boom := errors.New("boom")
	_, err := w.Recover(0, func(OpType, []byte, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected replay error, got %v", err)
	}
}

func TestRotationKeepsAllFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{MaxFileSize: 512})

	value := string(make([]byte, 200))
	for i := 0; i < 10; i++ {
		if _, err := w.Commit([]Op{put(fmt.Sprintf("key-%02d", i), value)}); err != nil {
			t.Fatal(err)
		}
	}

	files, err := w.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 5 {
		t.Errorf("expected rotation to produce several files, got %d", len(files))
	}

	state, _ := collect(t, w, 0)
	if len(state) != 10 {
		t.Errorf("expected all 10 keys after rotation, got %d", len(state))
	}
}

func TestReopenContinuesLSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{})
	for i := 0; i < 5; i++ {
		w.Commit([]Op{put(fmt.Sprintf("k%d", i), "v")})
	}
	last := w.LastLSN()
	w.Close()

	if _, err := w.Commit([]Op{put("late", "v")}); !errors.Is(err, ErrLogClosed) {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}

	w2 := openTestWAL(t, path, Options{})
	if w2.LastLSN() != last {
		t.Fatalf("expected LSN %d after reopen, got %d", last, w2.LastLSN())
	}
	lsn, err := w2.Commit([]Op{put("k5", "v")})
	if err != nil {
		t.Fatal(err)
	}
	if lsn != last+2 {
		t.Errorf("expected commit LSN %d, got %d", last+2, lsn)
	}
}

func TestCheckpointRemovesOldFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{MaxFileSize: 256})

	for i := 0; i < 6; i++ {
		w.Commit([]Op{put(fmt.Sprintf("before-%d", i), "0123456789012345678901234567890123456789")})
	}

	var horizon uint64
	err := w.Checkpoint(func(h uint64) error {
		horizon = h
		return nil
	})
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if horizon != w.LastLSN() {
		t.Errorf("horizon %d should equal last LSN %d", horizon, w.LastLSN())
	}

	files, _ := w.Files()
	if len(files) != 1 {
		t.Errorf("expected a single file after checkpoint, got %d", len(files))
	}

	w.Commit([]Op{put("after", "1")})
	state, stats := collect(t, w, horizon)
	if len(state) != 1 || state["after"] != "1" {
		t.Errorf("expected only post-checkpoint state, got %v", state)
	}
	if stats.CommittedTxns != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// the marker keeps the LSN sequence going even with the old files gone
	w.Close()
	w2 := openTestWAL(t, path, Options{})
	if w2.LastLSN() <= horizon {
		t.Errorf("LSN went backwards after checkpoint: %d <= %d", w2.LastLSN(), horizon)
	}
}

func TestCheckpointSnapshotFailureKeepsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{})
	w.Commit([]Op{put("a", "1")})

	err := w.Checkpoint(func(uint64) error { return errors.New("disk full") })
	if err == nil {
		t.Fatal("expected snapshot error")
	}

	state, _ := collect(t, w, 0)
	if state["a"] != "1" {
		t.Errorf("log lost after failed checkpoint: %v", state)
	}
}

func TestCrashBetweenSnapshotAndCleanup(t *testing.T) {
	// With old files still present, replay above the horizon must not
	// re-apply what the snapshot already holds.
	path := filepath.Join(t.TempDir(), "journal.wal")
	w := openTestWAL(t, path, Options{})
	w.Commit([]Op{put("a", "1")})
	horizon := w.LastLSN()
	w.Commit([]Op{put("b", "2")})

	state, _ := collect(t, w, horizon)
	if _, ok := state["a"]; ok || state["b"] != "2" {
		t.Errorf("unexpected state above horizon: %v", state)
	}
}

func TestMultipleLogsSameDirectory(t *testing.T) {
	dir := t.TempDir()
	w1 := openTestWAL(t, filepath.Join(dir, "one.wal"), Options{})
	w2 := openTestWAL(t, filepath.Join(dir, "one.wal2"), Options{})

	w1.Commit([]Op{put("k", "from-one")})
	w2.Commit([]Op{put("k", "from-two")})

	s1, _ := collect(t, w1, 0)
	s2, _ := collect(t, w2, 0)
	if s1["k"] != "from-one" || s2["k"] != "from-two" {
		t.Errorf("logs leaked into each other: %v %v", s1, s2)
	}
}

func TestCheckpointerRunsAndStops(t *testing.T) {
	calls := make(chan struct{}, 1)
	c := NewCheckpointer(func() error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}, 10*time.Millisecond, zerolog.Nop())

	c.Start(context.Background())
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpointer never ran")
	}
	c.Stop()
	c.Stop()
}

func TestCheckpointerStopWithoutStart(t *testing.T) {
	c := NewCheckpointer(func() error { return nil }, time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a checkpointer that never started")
	}
}

func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()
	if _, err := fd.Write(data); err != nil {
		t.Fatal(err)
	}
}
