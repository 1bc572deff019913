package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
)

type fakeConn struct {
	subject string
	request Request
	reply   []byte
	err     error
	wait    bool
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.request); err != nil {
		return nil, err
	}
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func validated(t *testing.T, content string) ValidatedScript {
	t.Helper()
	catalog, err := policy.Default()
	require.NoError(t, err)
	verdict := validator.New(catalog).Validate(content)
	require.True(t, verdict.Accepted(), "violations: %+v", verdict.Violations())
	s, err := NewValidatedScript(version.ScriptRecord{ScriptGuid: "g1", Version: 3, ScriptContent: content}, verdict)
	require.NoError(t, err)
	return s
}

func TestValidatedScriptNeedsCoveringVerdict(t *testing.T) {
	catalog, err := policy.Default()
	require.NoError(t, err)
	v := validator.New(catalog)

	_, err = NewValidatedScript(version.ScriptRecord{ScriptContent: "Get-Date"}, v.Validate("Write-Output 1"))
	assert.ErrorIs(t, err, ErrNotValidated)

	_, err = NewValidatedScript(version.ScriptRecord{ScriptContent: "& calc"}, v.Validate("& calc"))
	assert.ErrorIs(t, err, ErrNotValidated)

	s := validated(t, "Get-Date")
	assert.Equal(t, "g1", s.Guid())
	assert.Equal(t, 3, s.Version())
	assert.Equal(t, "Get-Date", s.Content())
	assert.Equal(t, catalog.Revision(), s.PolicyRevision())
	assert.Len(t, s.Digest(), 64)
}

func TestExecuteSendsRequest(t *testing.T) {
	conn := &fakeConn{reply: []byte(`{"Output":[{"User":"bob"}]}`)}
	exec := NewNATSExecutor(conn, WithSubject("sandbox.run"))

	res, err := exec.Execute(context.Background(), validated(t, "Get-Date"), "tenant-a", map[string]any{"DaysThreshold": 30, "Mode": "summary"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"User":"bob"}]`, string(res.Output))

	assert.Equal(t, "sandbox.run", conn.subject)
	assert.Equal(t, "g1", conn.request.ScriptGuid)
	assert.Equal(t, 3, conn.request.Version)
	assert.Equal(t, "Get-Date", conn.request.ScriptContent)
	assert.Equal(t, "tenant-a", conn.request.TenantFilter)
	assert.Equal(t, map[string]any{"DaysThreshold": float64(30), "Mode": "summary"}, conn.request.Parameters)
}

func TestExecuteRefusesZeroScript(t *testing.T) {
	conn := &fakeConn{}
	_, err := NewNATSExecutor(conn).Execute(context.Background(), ValidatedScript{}, "t", nil)
	assert.ErrorIs(t, err, ErrNotValidated)
	assert.Empty(t, conn.subject)
}

func TestRemoteErrorIsBounded(t *testing.T) {
	long := strings.Repeat("x", 10_000)
	data, err := json.Marshal(Reply{Error: long})
	require.NoError(t, err)

	_, err = NewNATSExecutor(&fakeConn{reply: data}).Execute(context.Background(), validated(t, "Get-Date"), "t", nil)
	require.ErrorIs(t, err, ErrExecution)
	assert.Less(t, len(err.Error()), MaxErrorBytes+200)
}

func TestUndecodableReply(t *testing.T) {
	_, err := NewNATSExecutor(&fakeConn{reply: []byte("not json")}).Execute(context.Background(), validated(t, "Get-Date"), "t", nil)
	assert.ErrorIs(t, err, ErrExecution)
}

func TestTransportErrors(t *testing.T) {
	_, err := NewNATSExecutor(&fakeConn{err: nats.ErrNoResponders}).Execute(context.Background(), validated(t, "Get-Date"), "t", nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewNATSExecutor(&fakeConn{err: nats.ErrTimeout}).Execute(context.Background(), validated(t, "Get-Date"), "t", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimeout(t *testing.T) {
	exec := NewNATSExecutor(&fakeConn{wait: true}, WithTimeout(20*time.Millisecond))
	_, err := exec.Execute(context.Background(), validated(t, "Get-Date"), "t", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	// é is two bytes; never split it
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "aé", Truncate("aé", 3))
}
