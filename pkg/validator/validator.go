// ABOUTME: Static script validator
// ABOUTME: Parses a script and judges every node against the policy catalog

package validator

import (
	"context"
	"crypto/sha256"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/script"
)

// Recorder receives validation outcomes for metrics
type Recorder interface {
	RecordValidation(accepted bool, rules []string, duration time.Duration)
}

// Validator is stateless apart from its catalog and safe for concurrent use
type Validator struct {
	catalog  *policy.Catalog
	logger   zerolog.Logger
	recorder Recorder
}

type Option func(*Validator)

func WithLogger(logger zerolog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(v *Validator) { v.recorder = r }
}

func New(catalog *policy.Catalog, opts ...Option) *Validator {
	v := &Validator{catalog: catalog, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Catalog returns the catalog verdicts are reached under
func (v *Validator) Catalog() *policy.Catalog { return v.catalog }

// Validate judges source. It performs no I/O and always returns a verdict.
func (v *Validator) Validate(source string) Verdict {
	verdict := Verdict{
		digest:   sha256.Sum256([]byte(source)),
		revision: v.catalog.Revision(),
	}

	if len(source) > v.catalog.MaxScriptBytes() {
		verdict.violations = []Violation{{
			Rule:      ForbiddenOperator,
			Construct: string(policy.OversizedScript),
			Location:  script.Pos{Offset: 0, Line: 1, Column: 1},
			Message:   "script exceeds the maximum size",
		}}
		return verdict
	}

	tree, err := script.Parse(source)
	if err != nil {
		vi := Violation{Rule: SyntaxError, Construct: "syntax", Message: err.Error()}
		var se *script.SyntaxError
		if errors.As(err, &se) {
			vi.Location = se.Pos
			vi.Message = se.Msg
		}
		verdict.violations = []Violation{vi}
		return verdict
	}

	c := &checker{catalog: v.catalog}
	script.Inspect(tree, c.visit)

	sort.SliceStable(c.violations, func(i, j int) bool {
		return c.violations[i].Location.Offset < c.violations[j].Location.Offset
	})
	verdict.violations = c.violations
	verdict.accepted = len(c.violations) == 0
	return verdict
}

// ValidateContext is Validate plus logging and metrics
func (v *Validator) ValidateContext(ctx context.Context, source string) Verdict {
	start := time.Now()
	verdict := v.Validate(source)
	elapsed := time.Since(start)

	rules := verdict.Rules()
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = string(r)
	}
	if v.recorder != nil {
		v.recorder.RecordValidation(verdict.Accepted(), names, elapsed)
	}

	event := v.logger.Debug()
	if !verdict.Accepted() {
		event = v.logger.Info()
	}
	event.Ctx(ctx).
		Bool("accepted", verdict.Accepted()).
		Int("violations", len(verdict.violations)).
		Strs("rules", names).
		Str("policy_revision", verdict.revision).
		Dur("duration", elapsed).
		Msg("script validated")
	return verdict
}
