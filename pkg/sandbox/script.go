// ABOUTME: Immutable handle on a script body the validator accepted
// ABOUTME: The only value an executor will run

package sandbox

import (
	"github.com/cockroachdb/errors"

	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
)

var ErrNotValidated = errors.New("sandbox: script has no covering acceptance")

// ValidatedScript can only be built from a record and an acceptance of
// exactly its content. The zero value is refused by executors.
type ValidatedScript struct {
	guid     string
	version  int
	content  string
	digest   string
	revision string
}

func NewValidatedScript(rec version.ScriptRecord, verdict validator.Verdict) (ValidatedScript, error) {
	if !verdict.Covers(rec.ScriptContent) {
		return ValidatedScript{}, errors.Wrapf(ErrNotValidated, "script %s v%d", rec.ScriptGuid, rec.Version)
	}
	return ValidatedScript{
		guid:     rec.ScriptGuid,
		version:  rec.Version,
		content:  rec.ScriptContent,
		digest:   verdict.Digest(),
		revision: verdict.PolicyRevision(),
	}, nil
}

func (s ValidatedScript) Guid() string           { return s.guid }
func (s ValidatedScript) Version() int           { return s.version }
func (s ValidatedScript) Content() string        { return s.content }
func (s ValidatedScript) Digest() string         { return s.digest }
func (s ValidatedScript) PolicyRevision() string { return s.revision }

func (s ValidatedScript) valid() bool { return s.digest != "" }
