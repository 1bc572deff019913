// ABOUTME: Tests for the governance facade
// ABOUTME: Submit, restore confirmation, policy regression and compare

package governance

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/scriptgov/pkg/diff"
	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
)

func loadCatalog(t *testing.T, edit func(string) string) *policy.Catalog {
	t.Helper()
	doc := string(policy.DefaultDocument())
	if edit != nil {
		doc = edit(doc)
	}
	c, err := policy.Load([]byte(doc))
	require.NoError(t, err)
	return c
}

func newService(t *testing.T, store *version.Store, catalog *policy.Catalog) *Service {
	t.Helper()
	var n atomic.Int32
	return New(validator.New(catalog), store, WithIDGenerator(func() string {
		return fmt.Sprintf("guid-%d", n.Add(1))
	}))
}

func setup(t *testing.T) (*Service, *version.Store) {
	t.Helper()
	store := version.NewStore(version.NewMemoryBackend())
	return newService(t, store, loadCatalog(t, nil)), store
}

func rec(content string) version.ScriptRecord {
	return version.ScriptRecord{ScriptName: "Stale guests", ScriptContent: content, CreatedBy: "alice"}
}

func submitNew(t *testing.T, s *Service, content string) version.ScriptRecord {
	t.Helper()
	res, err := s.Submit(context.Background(), SubmitRequest{Record: rec(content)})
	require.NoError(t, err)
	return res.Record
}

func submitEdit(t *testing.T, s *Service, guid, content string) version.ScriptRecord {
	t.Helper()
	res, err := s.Submit(context.Background(), SubmitRequest{Guid: guid, IsEdit: true, Record: rec(content)})
	require.NoError(t, err)
	return res.Record
}

func TestSubmitEditRestoreScenario(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	a := submitNew(t, s, "Write-Output 'A'")
	assert.Equal(t, 1, a.Version)
	guid := a.ScriptGuid

	b := submitEdit(t, s, guid, "Write-Output 'B'")
	assert.Equal(t, 2, b.Version)

	res, err := s.Submit(ctx, SubmitRequest{Guid: guid, IsEdit: true, Record: rec("& calc.exe")})
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, res.Verdict.Accepted())
	assert.Equal(t, []validator.Rule{validator.ForbiddenOperator}, res.Verdict.Rules())

	history, err := s.ListVersions(ctx, guid)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	c, err := s.ConfirmRestore(ctx, guid, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, c.Removes)

	restored, err := s.Restore(ctx, guid, 1, c.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Record.Version)
	assert.Nil(t, restored.Verdict)

	history, err = s.ListVersions(ctx, guid)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Write-Output 'A'", history[0].ScriptContent)

	next := submitEdit(t, s, guid, "Write-Output 'D'")
	assert.Equal(t, 2, next.Version)
}

func TestSubmitNormalizes(t *testing.T) {
	s, _ := setup(t)
	r := rec("Get-Date")
	r.ScriptName = "  Padded  "
	r.Version = 99
	r.ScriptGuid = "ignored"

	res, err := s.Submit(context.Background(), SubmitRequest{Record: r})
	require.NoError(t, err)
	assert.Equal(t, "guid-1", res.Record.ScriptGuid)
	assert.Equal(t, 1, res.Record.Version)
	assert.Equal(t, "Padded", res.Record.ScriptName)
	assert.Equal(t, version.DefaultCategory, res.Record.Category)
	assert.Equal(t, version.RiskLow, res.Record.RiskLevel)
	assert.Equal(t, "alice", res.Record.CreatedBy)
	assert.NotEmpty(t, res.Record.PolicyRevision)
}

func TestSubmitFieldValidation(t *testing.T) {
	s, store := setup(t)
	cases := map[string]func(*version.ScriptRecord){
		"missing name":    func(r *version.ScriptRecord) { r.ScriptName = "   " },
		"missing content": func(r *version.ScriptRecord) { r.ScriptContent = "" },
		"long name":       func(r *version.ScriptRecord) { r.ScriptName = strings.Repeat("n", 201) },
		"long category":   func(r *version.ScriptRecord) { r.Category = strings.Repeat("c", 101) },
		"bad risk":        func(r *version.ScriptRecord) { r.RiskLevel = "Severe" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := rec("Get-Date")
			mutate(&r)
			_, err := s.Submit(context.Background(), SubmitRequest{Record: r})
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
	scripts, err := store.Scripts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scripts)
}

func TestSubmitGuidRules(t *testing.T) {
	s, _ := setup(t)
	_, err := s.Submit(context.Background(), SubmitRequest{Guid: "missing", IsEdit: true, Record: rec("Get-Date")})
	assert.ErrorIs(t, err, version.ErrNotFound)

	_, err = s.Submit(context.Background(), SubmitRequest{Guid: "chosen", Record: rec("Get-Date")})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRejectedSubmitStoresNothing(t *testing.T) {
	s, store := setup(t)
	_, err := s.Submit(context.Background(), SubmitRequest{Record: rec("Remove-Item C:\\data")})
	require.ErrorIs(t, err, ErrRejected)
	scripts, err := store.Scripts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scripts)
}

type conflictOnce struct {
	version.Backend
	left atomic.Int32
}

func (c *conflictOnce) Append(ctx context.Context, r version.ScriptRecord) error {
	if c.left.Add(-1) >= 0 {
		return errors.Wrap(version.ErrConcurrencyConflict, "injected")
	}
	return c.Backend.Append(ctx, r)
}

func TestSubmitRetriesConflicts(t *testing.T) {
	backend := &conflictOnce{Backend: version.NewMemoryBackend()}
	backend.left.Store(2)
	s := newService(t, version.NewStore(backend), loadCatalog(t, nil))

	res, err := s.Submit(context.Background(), SubmitRequest{Record: rec("Get-Date")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Record.Version)

	backend.left.Store(10)
	_, err = s.Submit(context.Background(), SubmitRequest{Record: rec("Get-Date")})
	assert.ErrorIs(t, err, version.ErrConcurrencyConflict)
}

func TestRestoreNeedsMatchingToken(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	guid := submitNew(t, s, "Write-Output 1").ScriptGuid
	submitEdit(t, s, guid, "Write-Output 2")

	_, err := s.Restore(ctx, guid, 1, "")
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	_, err = s.Restore(ctx, guid, 1, "deadbeef")
	assert.ErrorIs(t, err, ErrConfirmationMismatch)

	c, err := s.ConfirmRestore(ctx, guid, 1)
	require.NoError(t, err)

	// history moved after the user confirmed
	submitEdit(t, s, guid, "Write-Output 3")
	_, err = s.Restore(ctx, guid, 1, c.Token)
	assert.ErrorIs(t, err, ErrConfirmationMismatch)

	history, err := s.ListVersions(ctx, guid)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = s.ConfirmRestore(ctx, guid, 7)
	assert.ErrorIs(t, err, version.ErrVersionNotFound)
	_, err = s.ConfirmRestore(ctx, "nope", 1)
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestRestoreTokenIsBoundToTarget(t *testing.T) {
	s, _ := setup(t)
	guid := submitNew(t, s, "Write-Output 1").ScriptGuid
	submitEdit(t, s, guid, "Write-Output 2")
	submitEdit(t, s, guid, "Write-Output 3")

	c, err := s.ConfirmRestore(context.Background(), guid, 2)
	require.NoError(t, err)
	_, err = s.Restore(context.Background(), guid, 1, c.Token)
	assert.ErrorIs(t, err, ErrConfirmationMismatch)
}

func TestTokensExpireWhenHistoryRegrows(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	guid := submitNew(t, s, "Write-Output 'A'").ScriptGuid
	submitEdit(t, s, guid, "Write-Output 'B'")

	del, err := s.ConfirmDelete(ctx, guid)
	require.NoError(t, err)
	restore, err := s.ConfirmRestore(ctx, guid, 1)
	require.NoError(t, err)

	_, err = s.Restore(ctx, guid, 1, restore.Token)
	require.NoError(t, err)
	regrown := submitEdit(t, s, guid, "Write-Output 'C'")
	require.Equal(t, del.Latest, regrown.Version)

	_, err = s.Delete(ctx, guid, del.Token)
	assert.ErrorIs(t, err, ErrConfirmationMismatch)
	_, err = s.Restore(ctx, guid, 1, restore.Token)
	assert.ErrorIs(t, err, ErrConfirmationMismatch)

	history, err := s.ListVersions(ctx, guid)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEditOfDeletedScriptIsNotFound(t *testing.T) {
	s, store := setup(t)
	ctx := context.Background()
	guid := submitNew(t, s, "Get-Date").ScriptGuid

	c, err := s.ConfirmDelete(ctx, guid)
	require.NoError(t, err)
	_, err = s.Delete(ctx, guid, c.Token)
	require.NoError(t, err)

	_, err = s.Submit(ctx, SubmitRequest{Guid: guid, IsEdit: true, Record: rec("Get-Date")})
	assert.ErrorIs(t, err, version.ErrNotFound)
	list, err := store.ListVersions(ctx, guid)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestorePolicyRegression(t *testing.T) {
	store := version.NewStore(version.NewMemoryBackend())
	before := newService(t, store, loadCatalog(t, nil))
	guid := submitNew(t, before, "Get-Date").ScriptGuid
	submitEdit(t, before, guid, "Write-Output 2")

	tightened := loadCatalog(t, func(doc string) string {
		return strings.Replace(doc, "  - name: Get-Date\n", "", 1)
	})
	after := newService(t, store, tightened)

	c, err := after.ConfirmRestore(context.Background(), guid, 1)
	require.NoError(t, err)
	res, err := after.Restore(context.Background(), guid, 1, c.Token)
	require.ErrorIs(t, err, version.ErrPolicyRegression)
	require.NotNil(t, res.Verdict)
	assert.False(t, res.Verdict.Accepted())

	history, err := store.ListVersions(context.Background(), guid)
	require.NoError(t, err)
	assert.Len(t, history, 2, "nothing truncated")

	_, err = after.Prepare(context.Background(), guid, 1)
	assert.ErrorIs(t, err, version.ErrPolicyRegression)
}

func TestRestoreRevalidatesUnderNewRevision(t *testing.T) {
	store := version.NewStore(version.NewMemoryBackend())
	before := newService(t, store, loadCatalog(t, nil))
	guid := submitNew(t, before, "Get-Date").ScriptGuid
	submitEdit(t, before, guid, "Write-Output 2")

	relaxed := loadCatalog(t, func(doc string) string {
		return strings.Replace(doc, "maxScriptBytes: 65536", "maxScriptBytes: 131072", 1)
	})
	after := newService(t, store, relaxed)

	c, err := after.ConfirmRestore(context.Background(), guid, 1)
	require.NoError(t, err)
	res, err := after.Restore(context.Background(), guid, 1, c.Token)
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.True(t, res.Verdict.Accepted())
	assert.Equal(t, []int{2}, res.Removed)
}

func TestDeleteWithConfirmation(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	guid := submitNew(t, s, "Write-Output 1").ScriptGuid
	submitEdit(t, s, guid, "Write-Output 2")

	_, err := s.Delete(ctx, guid, "")
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	c, err := s.ConfirmDelete(ctx, guid)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, c.Removes)

	restore, err := s.ConfirmRestore(ctx, guid, 2)
	require.NoError(t, err)
	_, err = s.Delete(ctx, guid, restore.Token)
	assert.ErrorIs(t, err, ErrConfirmationMismatch, "restore tokens do not authorize deletes")

	removed, err := s.Delete(ctx, guid, c.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Latest(ctx, guid)
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestCompare(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	guid := submitNew(t, s, "Get-Date\nWrite-Output 1\n").ScriptGuid
	submitEdit(t, s, guid, "Get-Date\nWrite-Output 2\n")
	submitEdit(t, s, guid, "Get-Date\nWrite-Output 2\nWrite-Output 3\n")

	res, err := s.Compare(ctx, guid, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.From)
	assert.Equal(t, 3, res.To)
	assert.Equal(t, diff.Stats{Added: 2, Removed: 1, Unchanged: 1}, res.Stats)

	res, err = s.Compare(ctx, guid, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.From)
	assert.Equal(t, diff.Stats{Added: 1, Unchanged: 2}, res.Stats)

	_, err = s.Compare(ctx, guid, 0, 1)
	assert.ErrorIs(t, err, version.ErrVersionNotFound)
	_, err = s.Compare(ctx, guid, 9, 0)
	assert.ErrorIs(t, err, version.ErrVersionNotFound)
}

func TestPrepare(t *testing.T) {
	s, _ := setup(t)
	guid := submitNew(t, s, "Get-Date").ScriptGuid
	submitEdit(t, s, guid, "Write-Output 2")

	script, err := s.Prepare(context.Background(), guid, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, script.Version())
	assert.Equal(t, "Write-Output 2", script.Content())

	script, err = s.Prepare(context.Background(), guid, 1)
	require.NoError(t, err)
	assert.Equal(t, "Get-Date", script.Content())
}

func TestValidateIsDryRun(t *testing.T) {
	s, store := setup(t)
	v := s.Validate(context.Background(), "Get-Date")
	assert.True(t, v.Accepted())
	scripts, err := store.Scripts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scripts)
}
