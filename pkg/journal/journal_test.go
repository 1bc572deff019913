package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
	"github.com/nainya/scriptgov/pkg/wal"
)

const guid = "0c8a1f5e-3d2b-4e6f-8a9b-0c1d2e3f4a5b"

func openJournal(t *testing.T, dir string) *Backend {
	t.Helper()
	b, err := Open(Options{Dir: dir, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func rec(v int) version.ScriptRecord {
	return version.ScriptRecord{
		ScriptGuid:    guid,
		Version:       v,
		ScriptName:    "Stale guests",
		RiskLevel:     version.RiskMedium,
		ScriptContent: fmt.Sprintf("Get-Date # %d", v),
		CreatedBy:     "carol",
		CreatedAtUtc:  time.Date(2025, 2, 3, 4, 5, 6, v, time.UTC),
	}
}

func fill(t *testing.T, b *Backend, n int) {
	t.Helper()
	for v := 1; v <= n; v++ {
		require.NoError(t, b.Append(context.Background(), rec(v)))
	}
}

func loadVersions(t *testing.T, b *Backend) []int {
	t.Helper()
	history, err := b.Load(context.Background(), guid)
	require.NoError(t, err)
	out := make([]int, len(history))
	for i, r := range history {
		out[i] = r.Version
	}
	return out
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	fill(t, b, 3)
	require.NoError(t, b.Close())

	b2 := openJournal(t, dir)
	history, err := b2.Load(context.Background(), guid)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Get-Date # 2", history[1].ScriptContent)
	assert.True(t, history[2].CreatedAtUtc.Equal(rec(3).CreatedAtUtc))

	guids, err := b2.Guids(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{guid}, guids)
}

func TestAppendExistingVersionConflicts(t *testing.T) {
	b := openJournal(t, t.TempDir())
	fill(t, b, 2)
	err := b.Append(context.Background(), rec(2))
	assert.ErrorIs(t, err, version.ErrConcurrencyConflict)
}

func TestTruncateAndRemoveSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	fill(t, b, 5)

	require.NoError(t, b.Truncate(context.Background(), guid, 2, 3))
	other := rec(1)
	other.ScriptGuid = "other"
	require.NoError(t, b.Append(context.Background(), other))
	removed, err := b.Remove(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, b.Close())

	b2 := openJournal(t, dir)
	assert.Equal(t, []int{1, 2}, loadVersions(t, b2))
	guids, _ := b2.Guids(context.Background())
	assert.Equal(t, []string{guid}, guids)
}

func TestTruncateCountMismatchChangesNothing(t *testing.T) {
	b := openJournal(t, t.TempDir())
	fill(t, b, 4)

	err := b.Truncate(context.Background(), guid, 1, 2)
	assert.ErrorIs(t, err, version.ErrConcurrencyConflict)
	assert.Equal(t, []int{1, 2, 3, 4}, loadVersions(t, b))
}

func TestCrashMidTruncateRollsBack(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	fill(t, b, 3)
	require.NoError(t, b.Close())

	// Three appends used LSNs 1-6. Write the first two deletes of a
	// truncate to version 1 with no commit marker, as a crash would.
	var torn []byte
	for i, v := range []int{3, 2} {
		e := wal.Entry{LSN: uint64(7 + i), TxnID: 7, OpType: wal.OpDelete, Key: version.RecordKey(guid, v)}
		torn = e.AppendTo(torn)
	}
	fd, err := os.OpenFile(filepath.Join(dir, walName+".000000"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = fd.Write(torn)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	b2 := openJournal(t, dir)
	assert.Equal(t, []int{1, 2, 3}, loadVersions(t, b2))

	// the torn transaction must not resurface once later commits land
	require.NoError(t, b2.Truncate(context.Background(), guid, 2, 1))
	require.NoError(t, b2.Close())
	b3 := openJournal(t, dir)
	assert.Equal(t, []int{1, 2}, loadVersions(t, b3))
}

func TestCheckpointCompactsLog(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	fill(t, b, 4)
	require.NoError(t, b.Truncate(context.Background(), guid, 3, 1))

	require.NoError(t, b.Checkpoint())
	files, err := filepath.Glob(filepath.Join(dir, walName+".*"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
	_, err = os.Stat(filepath.Join(dir, snapshotName))
	require.NoError(t, err)

	require.NoError(t, b.Append(context.Background(), rec(4)))
	require.NoError(t, b.Truncate(context.Background(), guid, 2, 2))
	require.NoError(t, b.Close())

	b2 := openJournal(t, dir)
	assert.Equal(t, []int{1, 2}, loadVersions(t, b2))
	history, _ := b2.Load(context.Background(), guid)
	assert.Equal(t, version.RiskMedium, history[0].RiskLevel)
}

func TestEmptyCheckpoint(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	require.NoError(t, b.Checkpoint())
	require.NoError(t, b.Close())

	b2 := openJournal(t, dir)
	guids, err := b2.Guids(context.Background())
	require.NoError(t, err)
	assert.Empty(t, guids)
}

func TestDamagedSnapshotRefusesToOpen(t *testing.T) {
	dir := t.TempDir()
	b := openJournal(t, dir)
	fill(t, b, 2)
	require.NoError(t, b.Checkpoint())
	require.NoError(t, b.Close())

	path := filepath.Join(dir, snapshotName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	_, err = Open(Options{Dir: dir, NoSync: true})
	assert.ErrorIs(t, err, ErrBadSnapshot)
}

func TestStoreOnJournal(t *testing.T) {
	catalog, err := policy.Default()
	require.NoError(t, err)
	v := validator.New(catalog)

	dir := t.TempDir()
	b := openJournal(t, dir)
	s := version.NewStore(b)
	ctx := context.Background()

	for _, content := range []string{"Get-Date", "Get-Date | Out-String", "Get-Date | Out-Null"} {
		r := version.ScriptRecord{ScriptName: "n", ScriptContent: content}
		_, err := s.AppendVersion(ctx, guid, r, v.Validate(content))
		require.NoError(t, err)
	}
	_, err = s.RestoreTo(ctx, guid, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	s2 := version.NewStore(openJournal(t, dir))
	latest, err := s2.Latest(ctx, guid)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, "Get-Date", latest.ScriptContent)
	assert.Equal(t, catalog.Revision(), latest.PolicyRevision)
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}
