// ABOUTME: Versioned script store with per-script locking
// ABOUTME: Appends number versions contiguously; restore truncates newer versions

package version

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/nainya/scriptgov/pkg/validator"
)

// Recorder receives store outcomes for metrics
type Recorder interface {
	RecordStoreOperation(op string, err error, duration time.Duration)
	RecordTruncation(removed int)
}

// Store owns every script's version history. Mutations of one guid are
// mutually exclusive; different guids never share a lock.
type Store struct {
	backend  Backend
	locks    lockTable
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithClock overrides the time source for CreatedAtUtc
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the persistence layer, for maintenance commands
func (s *Store) Backend() Backend { return s.backend }

type guidLock struct {
	sync.RWMutex
	refs int
}

// lockTable holds one lock per guid, only while some caller holds or
// waits on it
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*guidLock
}

func (t *lockTable) acquire(guid string) *guidLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*guidLock)
	}
	l, ok := t.locks[guid]
	if !ok {
		l = &guidLock{}
		t.locks[guid] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(guid string, l *guidLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, guid)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// lock takes guid's exclusive lock and returns its release
func (s *Store) lock(guid string) func() {
	l := s.locks.acquire(guid)
	l.Lock()
	return func() {
		l.Unlock()
		s.locks.release(guid, l)
	}
}

func (s *Store) rlock(guid string) func() {
	l := s.locks.acquire(guid)
	l.RLock()
	return func() {
		l.RUnlock()
		s.locks.release(guid, l)
	}
}

func (s *Store) observe(op, guid string, start time.Time, err error) {
	elapsed := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordStoreOperation(op, err, elapsed)
	}
	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.Str("operation", op).Str("script_guid", guid).Dur("duration", elapsed).Msg("store operation")
}

func checkGuid(guid string) error {
	if guid == "" {
		return errors.Wrap(ErrNotFound, "empty script guid")
	}
	return nil
}

// AppendVersion stores rec as the next version of guid. verdict must be an
// acceptance of exactly rec.ScriptContent. Once the lock is taken the
// append runs to completion even if ctx is cancelled.
func (s *Store) AppendVersion(ctx context.Context, guid string, rec ScriptRecord, verdict validator.Verdict) (ScriptRecord, error) {
	return s.append(ctx, guid, rec, verdict, false)
}

// AppendEdit is AppendVersion for an existing script: it fails with
// ErrNotFound, under the same lock as the append, when guid has no history
func (s *Store) AppendEdit(ctx context.Context, guid string, rec ScriptRecord, verdict validator.Verdict) (ScriptRecord, error) {
	return s.append(ctx, guid, rec, verdict, true)
}

func (s *Store) append(ctx context.Context, guid string, rec ScriptRecord, verdict validator.Verdict, mustExist bool) (stored ScriptRecord, err error) {
	start := time.Now()
	defer func() { s.observe("append", guid, start, err) }()

	if err := checkGuid(guid); err != nil {
		return ScriptRecord{}, err
	}
	if !verdict.Covers(rec.ScriptContent) {
		return ScriptRecord{}, ErrNotValidated
	}

	ctx = context.WithoutCancel(ctx)
	defer s.lock(guid)()

	history, err := s.backend.Load(ctx, guid)
	if err != nil {
		return ScriptRecord{}, errors.Wrapf(err, "load history of %s", guid)
	}
	if mustExist && len(history) == 0 {
		return ScriptRecord{}, errors.Wrapf(ErrNotFound, "script %s", guid)
	}

	rec.ScriptGuid = guid
	rec.Version = 1
	if n := len(history); n > 0 {
		rec.Version = history[n-1].Version + 1
	}
	if rec.CreatedAtUtc.IsZero() {
		rec.CreatedAtUtc = s.now()
	}
	rec.CreatedAtUtc = rec.CreatedAtUtc.UTC()
	rec.PolicyRevision = verdict.PolicyRevision()

	if err := s.backend.Append(ctx, rec); err != nil {
		return ScriptRecord{}, errors.Wrapf(err, "append version %d of %s", rec.Version, guid)
	}
	return rec, nil
}

// read loads guid's history under the read lock, so it never observes
// a mutation halfway through
func (s *Store) read(ctx context.Context, guid string) ([]ScriptRecord, error) {
	if err := checkGuid(guid); err != nil {
		return nil, err
	}
	defer s.rlock(guid)()

	history, err := s.backend.Load(ctx, guid)
	if err != nil {
		return nil, errors.Wrapf(err, "load history of %s", guid)
	}
	return history, nil
}

// ListVersions returns guid's history newest first; an unknown guid has an
// empty history
func (s *Store) ListVersions(ctx context.Context, guid string) ([]ScriptRecord, error) {
	if guid == "" {
		return nil, nil
	}
	history, err := s.read(ctx, guid)
	if err != nil {
		return nil, err
	}
	out := make([]ScriptRecord, len(history))
	for i, rec := range history {
		out[len(history)-1-i] = rec
	}
	return out, nil
}

// Latest returns the highest version of guid
func (s *Store) Latest(ctx context.Context, guid string) (ScriptRecord, error) {
	history, err := s.read(ctx, guid)
	if err != nil {
		return ScriptRecord{}, err
	}
	if len(history) == 0 {
		return ScriptRecord{}, errors.Wrapf(ErrNotFound, "script %s", guid)
	}
	return history[len(history)-1], nil
}

// Get returns one version of guid
func (s *Store) Get(ctx context.Context, guid string, version int) (ScriptRecord, error) {
	history, err := s.read(ctx, guid)
	if err != nil {
		return ScriptRecord{}, err
	}
	if len(history) == 0 {
		return ScriptRecord{}, errors.Wrapf(ErrNotFound, "script %s", guid)
	}
	rec, ok := find(history, version)
	if !ok {
		return ScriptRecord{}, errors.Wrapf(ErrVersionNotFound, "version %d of %s", version, guid)
	}
	return rec, nil
}

func find(history []ScriptRecord, version int) (ScriptRecord, bool) {
	i := sort.Search(len(history), func(i int) bool { return history[i].Version >= version })
	if i < len(history) && history[i].Version == version {
		return history[i], true
	}
	return ScriptRecord{}, false
}

// RestoreTo makes target the latest version of guid by permanently
// removing every newer version. No version is created.
func (s *Store) RestoreTo(ctx context.Context, guid string, target int) (ScriptRecord, error) {
	return s.RestoreToIf(ctx, guid, target, 0)
}

// RestoreToIf is RestoreTo that fails with ErrConcurrencyConflict unless
// the latest version is still expectedLatest. Zero skips the check.
func (s *Store) RestoreToIf(ctx context.Context, guid string, target, expectedLatest int) (restored ScriptRecord, err error) {
	start := time.Now()
	defer func() { s.observe("restore", guid, start, err) }()

	if err := checkGuid(guid); err != nil {
		return ScriptRecord{}, err
	}

	ctx = context.WithoutCancel(ctx)
	defer s.lock(guid)()

	history, err := s.backend.Load(ctx, guid)
	if err != nil {
		return ScriptRecord{}, errors.Wrapf(err, "load history of %s", guid)
	}
	rec, ok := find(history, target)
	if !ok {
		return ScriptRecord{}, errors.Wrapf(ErrVersionNotFound, "version %d of %s", target, guid)
	}
	latest := history[len(history)-1].Version
	if expectedLatest > 0 && latest != expectedLatest {
		return ScriptRecord{}, errors.Wrapf(ErrConcurrencyConflict,
			"latest version of %s is %d, expected %d", guid, latest, expectedLatest)
	}

	removed := 0
	for _, r := range history {
		if r.Version > target {
			removed++
		}
	}
	if removed == 0 {
		return rec, nil
	}

	if err := s.backend.Truncate(ctx, guid, target, removed); err != nil {
		return ScriptRecord{}, errors.Wrapf(err, "truncate %s to version %d", guid, target)
	}
	if s.recorder != nil {
		s.recorder.RecordTruncation(removed)
	}
	s.logger.Info().
		Str("script_guid", guid).
		Int("restored_version", target).
		Int("removed_versions", removed).
		Msg("history truncated")
	return rec, nil
}

// Remove deletes every version of guid. Removing an unknown guid is a no-op.
func (s *Store) Remove(ctx context.Context, guid string) (removed int, err error) {
	start := time.Now()
	defer func() { s.observe("remove", guid, start, err) }()

	if err := checkGuid(guid); err != nil {
		return 0, err
	}

	ctx = context.WithoutCancel(ctx)
	defer s.lock(guid)()

	removed, err = s.backend.Remove(ctx, guid)
	if err != nil {
		return 0, errors.Wrapf(err, "remove %s", guid)
	}
	return removed, nil
}

// Scripts returns the latest version of every script, ordered by name
func (s *Store) Scripts(ctx context.Context) ([]ScriptRecord, error) {
	guids, err := s.backend.Guids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list scripts")
	}

	out := make([]ScriptRecord, 0, len(guids))
	for _, guid := range guids {
		rec, err := s.Latest(ctx, guid)
		if errors.Is(err, ErrNotFound) {
			continue // removed since listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScriptName != out[j].ScriptName {
			return out[i].ScriptName < out[j].ScriptName
		}
		return out[i].ScriptGuid < out[j].ScriptGuid
	})
	return out, nil
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
