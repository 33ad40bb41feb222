package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/cexll/genbridge/pkg/model"
)

var (
	// ErrInvalidSessionID reports an empty or unsafe session id.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrStoreClosed is returned by a closed store.
	ErrStoreClosed = errors.New("session: store closed")
)

// Store persists session transcripts. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the transcript of id, oldest first. An unknown id yields
	// an empty transcript.
	Load(id string) ([]model.Entry, error)
	// Append adds entries atomically with respect to other Appends on id.
	Append(id string, entries ...model.Entry) error
	Delete(id string) error
	Close() error
}

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]model.Entry
	closed      bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transcripts: make(map[string][]model.Entry)}
}

func (m *MemoryStore) Load(id string) ([]model.Entry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return cloneEntries(m.transcripts[id]), nil
}

func (m *MemoryStore) Append(id string, entries ...model.Entry) error {
	if err := validateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.transcripts[id] = append(m.transcripts[id], cloneEntries(entries)...)
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.transcripts, id)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.transcripts = nil
	return nil
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || trimmed != id || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return ErrInvalidSessionID
	}
	return nil
}

// cloneEntries copies the slices inside entries. Content values are
// immutable and shared.
func cloneEntries(entries []model.Entry) []model.Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]model.Entry, len(entries))
	for i, e := range entries {
		e.Tools = append([]string(nil), e.Tools...)
		e.Calls = append(e.Calls[:0:0], e.Calls...)
		if e.Output != nil {
			o := *e.Output
			e.Output = &o
		}
		out[i] = e
	}
	return out
}
