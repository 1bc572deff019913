// ABOUTME: Persistence contract for version histories plus an in-memory backend
// ABOUTME: Backends guarantee all-or-nothing truncation and unique (guid, version) keys

package version

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Backend persists histories. The Store serializes mutations per guid, so
// a backend only has to keep each call atomic.
type Backend interface {
	// Load returns the history of guid in ascending version order
	Load(ctx context.Context, guid string) ([]ScriptRecord, error)

	// Append stores rec. It fails with ErrConcurrencyConflict when the
	// (guid, version) key already exists.
	Append(ctx context.Context, rec ScriptRecord) error

	// Truncate removes every version of guid above keep. Exactly expected
	// records must be removed, otherwise nothing is removed and
	// ErrConcurrencyConflict is returned.
	Truncate(ctx context.Context, guid string, keep, expected int) error

	// Remove deletes the whole history and reports how many records went
	Remove(ctx context.Context, guid string) (int, error)

	// Guids lists every guid with at least one version
	Guids(ctx context.Context) ([]string, error)

	Close() error
}

// MemoryBackend keeps histories in process memory
type MemoryBackend struct {
	mu        sync.RWMutex
	histories map[string][]ScriptRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{histories: make(map[string][]ScriptRecord)}
}

func (m *MemoryBackend) Load(_ context.Context, guid string) ([]ScriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ScriptRecord(nil), m.histories[guid]...), nil
}

func (m *MemoryBackend) Append(_ context.Context, rec ScriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.histories[rec.ScriptGuid]
	if n := len(history); n > 0 && history[n-1].Version >= rec.Version {
		return errors.Wrapf(ErrConcurrencyConflict, "version %d of %s exists", rec.Version, rec.ScriptGuid)
	}
	m.histories[rec.ScriptGuid] = append(history, rec)
	return nil
}

func (m *MemoryBackend) Truncate(_ context.Context, guid string, keep, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.histories[guid]
	cut := sort.Search(len(history), func(i int) bool { return history[i].Version > keep })
	if removed := len(history) - cut; removed != expected {
		return errors.Wrapf(ErrConcurrencyConflict, "truncate of %s would remove %d versions, expected %d", guid, removed, expected)
	}
	// copy so slices handed out by Load never see the shrink
	m.histories[guid] = append([]ScriptRecord(nil), history[:cut]...)
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, guid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.histories[guid])
	delete(m.histories, guid)
	return n, nil
}

func (m *MemoryBackend) Guids(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	guids := make([]string, 0, len(m.histories))
	for g := range m.histories {
		guids = append(guids, g)
	}
	sort.Strings(guids)
	return guids, nil
}

func (m *MemoryBackend) Close() error { return nil }
