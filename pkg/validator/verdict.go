// ABOUTME: Validation verdicts and violations
// ABOUTME: Verdicts are immutable and bound to the exact source they judged

package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nainya/scriptgov/pkg/script"
)

// Rule classifies a violation
type Rule string

const (
	SyntaxError       Rule = "SyntaxError"
	DisallowedCommand Rule = "DisallowedCommand"
	ForbiddenOperator Rule = "ForbiddenOperator"
	MutationAttempt   Rule = "MutationAttempt"
)

// Violation is one reason a script was rejected
type Violation struct {
	Rule      Rule       `json:"Rule"`
	Construct string     `json:"Construct"`
	Location  script.Pos `json:"Location"`
	Message   string     `json:"Message"`
}

// Verdict is the outcome of validating one script body. Only this package
// can build an accepted verdict; the zero value is a rejection.
type Verdict struct {
	accepted   bool
	violations []Violation
	digest     [sha256.Size]byte
	revision   string
}

func (v Verdict) Accepted() bool { return v.accepted }

// Violations returns a copy, ordered by source offset
func (v Verdict) Violations() []Violation {
	if len(v.violations) == 0 {
		return nil
	}
	out := make([]Violation, len(v.violations))
	copy(out, v.violations)
	return out
}

// PolicyRevision is the catalog revision the verdict was reached under
func (v Verdict) PolicyRevision() string { return v.revision }

// Digest is the hex SHA-256 of the judged source
func (v Verdict) Digest() string { return hex.EncodeToString(v.digest[:]) }

// Covers reports whether this is an acceptance of exactly content
func (v Verdict) Covers(content string) bool {
	return v.accepted && sha256.Sum256([]byte(content)) == v.digest
}

type verdictJSON struct {
	Accepted       bool        `json:"Accepted"`
	Violations     []Violation `json:"Violations"`
	PolicyRevision string      `json:"PolicyRevision"`
	Digest         string      `json:"Digest"`
}

// MarshalJSON exposes the verdict for transport. There is no UnmarshalJSON:
// verdicts cannot be reconstructed from the wire.
func (v Verdict) MarshalJSON() ([]byte, error) {
	violations := v.Violations()
	if violations == nil {
		violations = []Violation{}
	}
	return json.Marshal(verdictJSON{
		Accepted:       v.accepted,
		Violations:     violations,
		PolicyRevision: v.revision,
		Digest:         v.Digest(),
	})
}

// Rules lists the distinct rules among the violations
func (v Verdict) Rules() []Rule {
	seen := make(map[Rule]bool)
	var out []Rule
	for _, vi := range v.violations {
		if !seen[vi.Rule] {
			seen[vi.Rule] = true
			out = append(out, vi.Rule)
		}
	}
	return out
}
