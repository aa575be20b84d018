package memory

import (
	"context"
	"sync"

	"github.com/nicktill/tinycount/pkg/storage"
)

// Storage keeps SDK state in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	requests  []string
	events    []storage.StoredEvent
	prefs     map[string]string
	nextEvent uint64
	closed    bool
	mu        sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		requests: make([]string, 0, 64),
		prefs:    make(map[string]string),
	}
}

// Append adds a request at the tail
func (s *Storage) Append(ctx context.Context, request string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	s.requests = append(s.requests, request)
	return nil
}

// PeekOldest returns the head of the request queue
func (s *Storage) PeekOldest(ctx context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}

	if len(s.requests) == 0 {
		return "", false, nil
	}
	return s.requests[0], true, nil
}

// Remove deletes the oldest occurrence of request
func (s *Storage) Remove(ctx context.Context, request string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	for i, r := range s.requests {
		if r == request {
			s.requests = append(s.requests[:i], s.requests[i+1:]...)
			return nil
		}
	}
	return nil
}

// IsEmpty reports whether no request is pending
func (s *Storage) IsEmpty(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	return len(s.requests) == 0, nil
}

// SnapshotAll returns a copy of every pending request in order
func (s *Storage) SnapshotAll(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out, nil
}

// AppendEvent stores a raw event
func (s *Storage) AppendEvent(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	s.nextEvent++
	buf := make([]byte, len(raw))
	copy(buf, raw)
	s.events = append(s.events, storage.StoredEvent{ID: s.nextEvent, Raw: buf})
	return nil
}

// Events returns every stored event in order
func (s *Storage) Events(ctx context.Context) ([]storage.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	out := make([]storage.StoredEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// RemoveEvents deletes the events with the given ids
func (s *Storage) RemoveEvents(ctx context.Context, ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	drop := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := s.events[:0]
	for _, e := range s.events {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// EventCount returns the number of stored events
func (s *Storage) EventCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	return len(s.events), nil
}

// Preference returns a stored preference
func (s *Storage) Preference(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}

	v, ok := s.prefs[key]
	return v, ok, nil
}

// SetPreference stores a preference
func (s *Storage) SetPreference(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	s.prefs[key] = value
	return nil
}

// DeletePreference removes a preference
func (s *Storage) DeletePreference(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	delete(s.prefs, key)
	return nil
}

// Close marks the store closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
