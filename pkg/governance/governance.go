// ABOUTME: Governance facade over the validator, version store and diff engine
// ABOUTME: Every path that persists or activates a script goes through a verdict

package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/scriptgov/pkg/diff"
	"github.com/nainya/scriptgov/pkg/policy"
	"github.com/nainya/scriptgov/pkg/sandbox"
	"github.com/nainya/scriptgov/pkg/validator"
	"github.com/nainya/scriptgov/pkg/version"
)

// DefaultAppendRetries bounds retries of an append that lost a race
const DefaultAppendRetries = 3

type SubmitRequest struct {
	Guid   string
	IsEdit bool
	Record version.ScriptRecord
}

// SubmitResult carries the verdict whether or not the script was stored
type SubmitResult struct {
	Record  version.ScriptRecord `json:"Record"`
	Verdict validator.Verdict    `json:"Verdict"`
}

type RestoreResult struct {
	Record  version.ScriptRecord `json:"Record"`
	Removed []int                `json:"RemovedVersions"`
	// Verdict is set when the target was re-validated
	Verdict *validator.Verdict `json:"Verdict,omitempty"`
}

type CompareResult struct {
	Guid  string      `json:"ScriptGuid"`
	From  int         `json:"FromVersion"`
	To    int         `json:"ToVersion"`
	Lines []diff.Line `json:"Lines"`
	Stats diff.Stats  `json:"Stats"`
}

type Service struct {
	validator *validator.Validator
	store     *version.Store
	fields    *playground.Validate
	logger    zerolog.Logger
	retries   int
	newID     func() string
	backoff   time.Duration
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAppendRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithIDGenerator replaces uuid.NewString for new script guids
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func New(v *validator.Validator, store *version.Store, opts ...Option) *Service {
	s := &Service{
		validator: v,
		store:     store,
		fields:    playground.New(),
		logger:    zerolog.Nop(),
		retries:   DefaultAppendRetries,
		newID:     uuid.NewString,
		backoff:   10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() *version.Store { return s.store }

// Catalog is the policy new verdicts are reached under
func (s *Service) Catalog() *policy.Catalog { return s.validator.Catalog() }

// Validate is a dry run; nothing is stored
func (s *Service) Validate(ctx context.Context, source string) validator.Verdict {
	return s.validator.ValidateContext(ctx, source)
}

// normalize fills defaults and checks the record's fields
func (s *Service) normalize(rec version.ScriptRecord) (version.ScriptRecord, error) {
	rec.ScriptName = strings.TrimSpace(rec.ScriptName)
	rec.Category = strings.TrimSpace(rec.Category)
	if rec.Category == "" {
		rec.Category = version.DefaultCategory
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = version.RiskLow
	}
	// the store stamps these
	rec.ScriptGuid = ""
	rec.Version = 0
	rec.CreatedAtUtc = time.Time{}
	rec.PolicyRevision = ""

	var problems []string
	if !rec.RiskLevel.Valid() {
		problems = append(problems, fmt.Sprintf("RiskLevel %q is not one of Low, Medium, High, Critical", rec.RiskLevel))
	}
	if err := s.fields.Struct(rec); err != nil {
		var verrs playground.ValidationErrors
		if !errors.As(err, &verrs) {
			return rec, errors.Wrap(err, "validate record")
		}
		for _, fe := range verrs {
			problems = append(problems, fieldProblem(fe))
		}
	}
	if len(problems) > 0 {
		return rec, errors.Wrapf(ErrInvalidRecord, "%s", strings.Join(problems, "; "))
	}
	return rec, nil
}

func fieldProblem(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// Submit validates req.Record and, when accepted, stores it as a new
// version. A rejection returns ErrRejected with the verdict in the result.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	rec, err := s.normalize(req.Record)
	if err != nil {
		return SubmitResult{}, err
	}

	guid := req.Guid
	if req.IsEdit {
		if _, err := s.store.Latest(ctx, guid); err != nil {
			return SubmitResult{}, err
		}
	} else {
		if guid != "" {
			return SubmitResult{}, errors.Wrap(ErrInvalidRecord, "new scripts cannot choose their guid")
		}
		guid = s.newID()
	}

	verdict := s.validator.ValidateContext(ctx, rec.ScriptContent)
	result := SubmitResult{Verdict: verdict}
	if !verdict.Accepted() {
		s.logger.Info().
			Str("script_guid", guid).
			Bool("edit", req.IsEdit).
			Int("violations", len(verdict.Violations())).
			Msg("submission rejected")
		return result, errors.Wrapf(ErrRejected, "%d violation(s)", len(verdict.Violations()))
	}

	appendFn := s.store.AppendVersion
	if req.IsEdit {
		appendFn = s.store.AppendEdit
	}
	for attempt := 0; ; attempt++ {
		stored, err := appendFn(ctx, guid, rec, verdict)
		if err == nil {
			result.Record = stored
			s.logger.Info().
				Str("script_guid", guid).
				Int("version", stored.Version).
				Str("created_by", stored.CreatedBy).
				Msg("script version stored")
			return result, nil
		}
		if !errors.Is(err, version.ErrConcurrencyConflict) || attempt >= s.retries {
			return result, err
		}
		s.logger.Debug().Err(err).Str("script_guid", guid).Int("attempt", attempt+1).Msg("retrying append")
		select {
		case <-ctx.Done():
			return result, errors.Wrap(ctx.Err(), "retry append")
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Service) Scripts(ctx context.Context) ([]version.ScriptRecord, error) {
	return s.store.Scripts(ctx)
}

func (s *Service) Latest(ctx context.Context, guid string) (version.ScriptRecord, error) {
	return s.store.Latest(ctx, guid)
}

func (s *Service) ListVersions(ctx context.Context, guid string) ([]version.ScriptRecord, error) {
	return s.store.ListVersions(ctx, guid)
}

func (s *Service) Get(ctx context.Context, guid string, v int) (version.ScriptRecord, error) {
	return s.store.Get(ctx, guid, v)
}

// ConfirmRestore describes what restoring guid to target would delete
func (s *Service) ConfirmRestore(ctx context.Context, guid string, target int) (Confirmation, error) {
	history, err := s.history(ctx, guid)
	if err != nil {
		return Confirmation{}, err
	}
	if !hasVersion(history, target) {
		return Confirmation{}, errors.Wrapf(version.ErrVersionNotFound, "version %d of %s", target, guid)
	}
	latest := history[0].Version
	c := Confirmation{
		Token:   token("restore", guid, target, history[0]),
		Latest:  latest,
		Target:  target,
		Removes: []int{},
	}
	for _, rec := range history {
		if rec.Version > target {
			c.Removes = append(c.Removes, rec.Version)
		}
	}
	return c, nil
}

// Restore truncates guid's history back to target. The token must come
// from ConfirmRestore against the current history. Content accepted under
// another policy revision is re-validated first.
func (s *Service) Restore(ctx context.Context, guid string, target int, confirmation string) (RestoreResult, error) {
	if confirmation == "" {
		return RestoreResult{}, ErrConfirmationRequired
	}
	want, err := s.ConfirmRestore(ctx, guid, target)
	if err != nil {
		return RestoreResult{}, err
	}
	if !tokenMatches(confirmation, want.Token) {
		return RestoreResult{}, errors.Wrapf(ErrConfirmationMismatch, "restore %s to version %d", guid, target)
	}

	rec, err := s.store.Get(ctx, guid, target)
	if err != nil {
		return RestoreResult{}, err
	}
	result := RestoreResult{Removed: want.Removes}
	if verdict, checked := s.recheck(ctx, rec); checked {
		result.Verdict = &verdict
		if !verdict.Accepted() {
			s.logger.Warn().
				Str("script_guid", guid).
				Int("version", target).
				Str("stored_revision", rec.PolicyRevision).
				Str("current_revision", verdict.PolicyRevision()).
				Msg("restore blocked by policy regression")
			return result, errors.Wrapf(version.ErrPolicyRegression, "version %d of %s", target, guid)
		}
	}

	restored, err := s.store.RestoreToIf(ctx, guid, target, want.Latest)
	if err != nil {
		return result, err
	}
	result.Record = restored
	return result, nil
}

// recheck re-validates rec when it was accepted under a different
// catalog revision than the current one
func (s *Service) recheck(ctx context.Context, rec version.ScriptRecord) (validator.Verdict, bool) {
	if rec.PolicyRevision != "" && rec.PolicyRevision == s.validator.Catalog().Revision() {
		return validator.Verdict{}, false
	}
	return s.validator.ValidateContext(ctx, rec.ScriptContent), true
}

func (s *Service) ConfirmDelete(ctx context.Context, guid string) (Confirmation, error) {
	history, err := s.history(ctx, guid)
	if err != nil {
		return Confirmation{}, err
	}
	latest := history[0].Version
	c := Confirmation{Token: token("delete", guid, 0, history[0]), Latest: latest}
	for _, rec := range history {
		c.Removes = append(c.Removes, rec.Version)
	}
	return c, nil
}

// Delete removes every version of guid
func (s *Service) Delete(ctx context.Context, guid, confirmation string) (int, error) {
	if confirmation == "" {
		return 0, ErrConfirmationRequired
	}
	want, err := s.ConfirmDelete(ctx, guid)
	if err != nil {
		return 0, err
	}
	if !tokenMatches(confirmation, want.Token) {
		return 0, errors.Wrapf(ErrConfirmationMismatch, "delete %s", guid)
	}
	removed, err := s.store.Remove(ctx, guid)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("script_guid", guid).Int("removed_versions", removed).Msg("script deleted")
	return removed, nil
}

// Compare diffs two versions of guid. to == 0 means the latest version;
// from == 0 means the version before to.
func (s *Service) Compare(ctx context.Context, guid string, from, to int) (CompareResult, error) {
	history, err := s.history(ctx, guid)
	if err != nil {
		return CompareResult{}, err
	}
	if to == 0 {
		to = history[0].Version
	}
	newer, ok := lookup(history, to)
	if !ok {
		return CompareResult{}, errors.Wrapf(version.ErrVersionNotFound, "version %d of %s", to, guid)
	}
	if from == 0 {
		for _, rec := range history {
			if rec.Version < to {
				from = rec.Version
				break
			}
		}
	}
	older, ok := lookup(history, from)
	if !ok {
		return CompareResult{}, errors.Wrapf(version.ErrVersionNotFound, "version %d of %s", from, guid)
	}

	lines, err := diff.Lines(older.ScriptContent, newer.ScriptContent)
	if err != nil {
		return CompareResult{}, err
	}
	return CompareResult{Guid: guid, From: from, To: to, Lines: lines, Stats: diff.Count(lines)}, nil
}

// Prepare hands out a version for execution. It is re-validated against
// the current catalog every time.
func (s *Service) Prepare(ctx context.Context, guid string, v int) (sandbox.ValidatedScript, error) {
	var (
		rec version.ScriptRecord
		err error
	)
	if v == 0 {
		rec, err = s.store.Latest(ctx, guid)
	} else {
		rec, err = s.store.Get(ctx, guid, v)
	}
	if err != nil {
		return sandbox.ValidatedScript{}, err
	}
	verdict := s.validator.ValidateContext(ctx, rec.ScriptContent)
	if !verdict.Accepted() {
		return sandbox.ValidatedScript{}, errors.Wrapf(version.ErrPolicyRegression, "version %d of %s", rec.Version, guid)
	}
	return sandbox.NewValidatedScript(rec, verdict)
}

// history is guid's history newest first; empty is ErrNotFound
func (s *Service) history(ctx context.Context, guid string) ([]version.ScriptRecord, error) {
	history, err := s.store.ListVersions(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.Wrapf(version.ErrNotFound, "script %s", guid)
	}
	return history, nil
}

func lookup(history []version.ScriptRecord, v int) (version.ScriptRecord, bool) {
	for _, rec := range history {
		if rec.Version == v {
			return rec, true
		}
	}
	return version.ScriptRecord{}, false
}

func hasVersion(history []version.ScriptRecord, v int) bool {
	_, ok := lookup(history, v)
	return ok
}
