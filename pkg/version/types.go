// ABOUTME: Script version data model
// ABOUTME: A record is one immutable snapshot of a script at a version number

package version

import (
	"time"

	"github.com/cockroachdb/errors"
)

// RiskLevel grades how much damage a script could do if misused
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// DefaultCategory is applied when a record has no category
const DefaultCategory = "General"

// Categories offered by the authoring form. Category is free text; these
// are suggestions.
var Categories = []string{
	"License Management",
	"Security",
	"Compliance",
	"User Management",
	"Group Management",
	"Device Management",
	"Guest Management",
	DefaultCategory,
}

// ScriptRecord is one version of a script
type ScriptRecord struct {
	ScriptGuid     string    `json:"ScriptGuid" db:"script_guid"`
	Version        int       `json:"Version" db:"version"`
	ScriptName     string    `json:"ScriptName" db:"script_name" validate:"required,max=200"`
	Description    string    `json:"Description" db:"description" validate:"max=2000"`
	Category       string    `json:"Category" db:"category" validate:"max=100"`
	RiskLevel      RiskLevel `json:"RiskLevel" db:"risk_level"`
	ScriptContent  string    `json:"ScriptContent" db:"script_content" validate:"required"`
	CreatedBy      string    `json:"CreatedBy" db:"created_by"`
	CreatedAtUtc   time.Time `json:"CreatedAtUtc" db:"created_at_utc"`
	PolicyRevision string    `json:"PolicyRevision,omitempty" db:"policy_revision"`
}

var (
	// ErrNotValidated is returned when a record is appended without an
	// accepted verdict for exactly its content
	ErrNotValidated = errors.New("script content has not been validated")

	// ErrNotFound is returned when a script has no versions
	ErrNotFound = errors.New("script not found")

	// ErrVersionNotFound is returned when a script lacks the requested version
	ErrVersionNotFound = errors.New("version not found")

	// ErrConcurrencyConflict is transient; retrying the whole operation is safe
	ErrConcurrencyConflict = errors.New("concurrent modification")

	// ErrPolicyRegression is returned when content accepted under an
	// older policy is rejected by the current one
	ErrPolicyRegression = errors.New("content no longer passes the current policy")
)
