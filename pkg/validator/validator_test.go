package validator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/scriptgov/pkg/policy"
)

const sampleScript = `# Example: Find disabled users with licenses
param($TenantFilter, $DaysThreshold = 30)

$users = New-CIPPDbRequest -TenantFilter $TenantFilter -Type 'Users'
$licensed = $users | Where-Object {
    $_.assignedLicenses.Count -gt 0 -and
    $_.accountEnabled -eq $false
}

# Return results - output is automatically returned
$licensed | ForEach-Object {
    [PSCustomObject]@{
        UserPrincipalName = $_.userPrincipalName
        DisplayName = $_.displayName
        Message = "User has license but is disabled"
    }
}
`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	c, err := policy.Default()
	require.NoError(t, err)
	return New(c)
}

func rulesOf(v Verdict) []Rule {
	var out []Rule
	for _, vi := range v.Violations() {
		out = append(out, vi.Rule)
	}
	return out
}

func TestAcceptsSampleScript(t *testing.T) {
	v := newValidator(t)
	verdict := v.Validate(sampleScript)
	require.True(t, verdict.Accepted(), "violations: %+v", verdict.Violations())
	assert.Empty(t, verdict.Violations())
	assert.True(t, verdict.Covers(sampleScript))
	assert.False(t, verdict.Covers(sampleScript+" "))
	assert.Equal(t, v.Catalog().Revision(), verdict.PolicyRevision())
}

func TestAcceptsCommonIdioms(t *testing.T) {
	v := newValidator(t)
	scripts := map[string]string{
		"aliases":        "$x | % { $_.Name } | ? { $_ -like 'a*' } | select -First 5",
		"static methods": "$d = [datetime]::UtcNow.AddDays(-30)\n[math]::Round(1.5)",
		"generic list":   "$l = [System.Collections.Generic.List[string]]::new()\n[void]$l.Add('a')\n$l.ToArray()",
		"string methods": "$s = 'A,B'.Split(',') | ForEach-Object { $_.Trim().ToLower() }",
		"format":         `"{0} of {1}" -f $a, $b`,
		"interpolation":  `"Found $($users.Count) users for $TenantFilter"`,
		"try catch":      "try { Get-CIPPDbItem -TenantFilter $TenantFilter -Type 'Groups' } catch { Write-Warning $_.Exception.Message }",
		"null redirect":  "Get-Date > $null\nGet-Date 2>&1",
		"switch":         "switch ($x) { 'a' { 1 } default { 2 } }",
		"foreach":        "foreach ($u in $users) { if ($u.Enabled) { $u } }",
		"increment":      "$n = 0\n$n++",
		"read method":    "New-CIPPDbRequest -TenantFilter $TenantFilter -Type 'Users' -Method 'GET'",
		"member names":   "$names | ForEach-Object ToUpper\n$names.ForEach('Trim')\n$users.Where({ $_.Enabled })",
		"hashtable":      "$h = @{}\n$h['a'] = 1\n$h.ContainsKey('a')",
		"empty":          "",
	}
	for name, src := range scripts {
		t.Run(name, func(t *testing.T) {
			verdict := v.Validate(src)
			assert.True(t, verdict.Accepted(), "violations: %+v", verdict.Violations())
		})
	}
}

func TestCompoundAssignmentAlwaysRejected(t *testing.T) {
	v := newValidator(t)
	for _, op := range []string{"+=", "-=", "*=", "/=", "%="} {
		src := "$total = 0\n$users | ForEach-Object { $total " + op + " 1 }"
		verdict := v.Validate(src)
		require.False(t, verdict.Accepted(), op)
		vs := verdict.Violations()
		require.Len(t, vs, 1)
		assert.Equal(t, ForbiddenOperator, vs[0].Rule)
		assert.Equal(t, "compound-assignment", vs[0].Construct)
		assert.Equal(t, 2, vs[0].Location.Line)
		assert.Equal(t, 34, vs[0].Location.Column)
	}
}

func TestCompoundAssignmentCannotBeDisabled(t *testing.T) {
	c, err := policy.New(policy.Document{
		Version:  1,
		Commands: []policy.AllowEntry{{Name: "ForEach-Object"}},
	})
	require.NoError(t, err)
	verdict := New(c).Validate("$a = 1\n$a += 1")
	assert.False(t, verdict.Accepted())
	assert.Equal(t, []Rule{ForbiddenOperator}, rulesOf(verdict))
}

func TestMutationAttempts(t *testing.T) {
	v := newValidator(t)
	cases := map[string]struct {
		src       string
		construct string
	}{
		"mutating verb":         {"Remove-MgUser -UserId $id", "Remove-MgUser"},
		"mutating alias":        {"rm $path", "Remove-Item"},
		"invoke expression":     {"iex 'Get-Date'", "Invoke-Expression"},
		"data access post":      {"New-CIPPDbRequest -TenantFilter $TenantFilter -Method 'POST'", "New-CIPPDbRequest"},
		"data access abbrev":    {"New-CIPPDbRequest -TenantFilter $TenantFilter -Meth Delete", "New-CIPPDbRequest"},
		"data access switch":    {"Get-CIPPDbItem -TenantFilter $TenantFilter -Remove", "Get-CIPPDbItem"},
		"data access dynamic":   {"New-CIPPDbRequest -Method $m", "New-CIPPDbRequest"},
		"data access splat":     {"New-CIPPDbRequest @params", "New-CIPPDbRequest"},
		"mutating method":       {"$user.Delete()", "Delete"},
		"mutating setter":       {"$obj.SetValue(1)", "SetValue"},
		"static mutating":       {"[math]::Execute(1)", "Execute"},
		"write mode not listed": {"Set-CIPPDbItem -Type x", "Set-CIPPDbItem"},
		"foreach member name":   {"$users | ForEach-Object Delete", "Delete"},
		"foreach alias member":  {"$users | % Delete", "Delete"},
		"foreach member param":  {"$users | ForEach-Object -MemberName Delete", "Delete"},
		"foreach member abbrev": {"$users | % -Mem:'Delete'", "Delete"},
		"foreach after switch":  {"$users | % -Verbose Delete", "Delete"},
		"foreach member args":   {"$users | % SetPassword 'p'", "SetPassword"},
		"foreach method name":   {"$users.ForEach('Delete')", "Delete"},
		"where method name":     {"$users.Where('RemoveAll')", "RemoveAll"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			verdict := v.Validate(tc.src)
			require.False(t, verdict.Accepted())
			var found bool
			for _, vi := range verdict.Violations() {
				if vi.Rule == MutationAttempt && vi.Construct == tc.construct {
					found = true
				}
			}
			assert.True(t, found, "violations: %+v", verdict.Violations())
		})
	}
}

func TestDisallowedCommands(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"unknown read command": "Get-MgUser -All",
		"unknown bare word":    "ls",
		"unknown method":       "$x.GetType()",
		"unknown type":         "[System.IO.File]::ReadAllText('x')",
		"unknown cast":         "[System.Net.WebClient]$x",
		"type via -as":         "'x' -as [type]",
		"external program":     "calc.exe",
		"script path":          `.\tools\run.ps1`,
		"dynamic member name":  "$users | % $name",
		"dynamic foreach name": "$users.ForEach($name)",
		"unlisted member name": "$users | ForEach-Object DisplayName",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			verdict := v.Validate(src)
			require.False(t, verdict.Accepted())
			assert.Contains(t, rulesOf(verdict), DisallowedCommand, "violations: %+v", verdict.Violations())
		})
	}
}

func TestForbiddenConstructs(t *testing.T) {
	v := newValidator(t)
	cases := map[string]struct {
		src       string
		construct string
	}{
		"call operator":   {"& 'Get-Date'", "call-operator"},
		"call program":    {"& calc.exe", "call-operator"},
		"dot source":      {". $script", "dot-source"},
		"dot source path": {". ./x.ps1", "dot-source"},
		"file redirect":   {"Get-Date > out.txt", "file-redirection"},
		"append redirect": {"$x >> log.txt", "file-redirection"},
		"while":           {"while ($true) { 1 }", "while-loop"},
		"do":              {"do { 1 } while ($true)", "do-loop"},
		"for":             {"for ($i = 0; $i -lt 3; $i++) { $i }", "for-loop"},
		"function":        {"function Get-X { 1 }", "function-definition"},
		"exit":            {"exit 1", "exit-statement"},
		"env variable":    {"$p = $env:PATH", "provider-variable"},
		"braced provider": {"${function:Get-X}", "provider-variable"},
		"global write":    {"$global:state = 1", "scoped-write"},
		"script write":    {"$script:count = 2", "scoped-write"},
		"dynamic method":  {"$x.$name()", "dynamic-member"},
		"dynamic prop":    {"$x.$name", "dynamic-member"},
		"switch file":     {"switch -File ($p) { default { 1 } }", "switch-file"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			verdict := v.Validate(tc.src)
			require.False(t, verdict.Accepted())
			var constructs []string
			for _, vi := range verdict.Violations() {
				if vi.Rule == ForbiddenOperator {
					constructs = append(constructs, vi.Construct)
				}
			}
			assert.Contains(t, constructs, tc.construct, "violations: %+v", verdict.Violations())
		})
	}
}

func TestDenylistPreemptsAllowlist(t *testing.T) {
	v := newValidator(t)
	// Get-Date is allowlisted but the call operator is denied first
	verdict := v.Validate("& Get-Date")
	assert.Equal(t, []Rule{ForbiddenOperator}, rulesOf(verdict))
}

func TestDisabledConstructFallsBackToAllowlist(t *testing.T) {
	c, err := policy.New(policy.Document{
		Version:  1,
		Commands: []policy.AllowEntry{{Name: "Get-Date"}},
	})
	require.NoError(t, err)
	v := New(c)

	assert.True(t, v.Validate("& Get-Date").Accepted())
	verdict := v.Validate("& $cmd")
	assert.Equal(t, []Rule{DisallowedCommand}, rulesOf(verdict))
}

func TestSyntaxError(t *testing.T) {
	v := newValidator(t)
	verdict := v.Validate("$a = 'unterminated\n$b = 1")
	require.False(t, verdict.Accepted())
	vs := verdict.Violations()
	require.Len(t, vs, 1)
	assert.Equal(t, SyntaxError, vs[0].Rule)
	assert.Equal(t, 1, vs[0].Location.Line)
	assert.Equal(t, 6, vs[0].Location.Column)
}

func TestOversizedScript(t *testing.T) {
	v := newValidator(t)
	src := "# " + strings.Repeat("x", v.Catalog().MaxScriptBytes())
	verdict := v.Validate(src)
	require.False(t, verdict.Accepted())
	vs := verdict.Violations()
	require.Len(t, vs, 1)
	assert.Equal(t, ForbiddenOperator, vs[0].Rule)
	assert.Equal(t, "oversized-script", vs[0].Construct)
}

func TestViolationsOrderedByOffset(t *testing.T) {
	v := newValidator(t)
	src := "Remove-Item x\n$a += 1\nGet-MgUser\n$env:X"
	vs := v.Validate(src).Violations()
	require.Len(t, vs, 4)
	for i := 1; i < len(vs); i++ {
		assert.Less(t, vs[i-1].Location.Offset, vs[i].Location.Offset)
	}
	assert.Equal(t, []Rule{MutationAttempt, ForbiddenOperator, DisallowedCommand, ForbiddenOperator}, rulesOf(v.Validate(src)))
}

func TestValidateIsDeterministic(t *testing.T) {
	v := newValidator(t)
	first := v.Validate(sampleScript)
	second := v.Validate(sampleScript)
	assert.Equal(t, first, second)

	bad := "$x += 1\nRemove-Item y"
	assert.Equal(t, v.Validate(bad), v.Validate(bad))
}

func TestValidateConcurrent(t *testing.T) {
	v := newValidator(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if !v.Validate(sampleScript).Accepted() {
					t.Error("sample script rejected")
				}
			}
		}()
	}
	wg.Wait()
}

func TestZeroVerdictIsRejection(t *testing.T) {
	var verdict Verdict
	assert.False(t, verdict.Accepted())
	assert.False(t, verdict.Covers(""))
}

func TestVerdictViolationsAreCopies(t *testing.T) {
	v := newValidator(t)
	verdict := v.Validate("ls")
	vs := verdict.Violations()
	vs[0].Rule = "tampered"
	assert.Equal(t, DisallowedCommand, verdict.Violations()[0].Rule)
}

func TestVerdictJSON(t *testing.T) {
	v := newValidator(t)
	data, err := json.Marshal(v.Validate("ls"))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, false, out["Accepted"])
	assert.Len(t, out["Violations"], 1)
	assert.NotEmpty(t, out["PolicyRevision"])
}

type recorder struct {
	calls    int
	accepted bool
	rules    []string
}

func (r *recorder) RecordValidation(accepted bool, rules []string, _ time.Duration) {
	r.calls++
	r.accepted = accepted
	r.rules = rules
}

func TestValidateContextRecords(t *testing.T) {
	c, err := policy.Default()
	require.NoError(t, err)
	rec := &recorder{}
	v := New(c, WithRecorder(rec))

	verdict := v.ValidateContext(context.Background(), "$a += 1")
	assert.False(t, verdict.Accepted())
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, []string{"ForbiddenOperator"}, rec.rules)
}
