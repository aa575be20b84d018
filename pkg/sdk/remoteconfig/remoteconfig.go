// Package remoteconfig keeps server-provided configuration values between
// runs.
package remoteconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/transport"
	"github.com/nicktill/tinycount/pkg/storage"
)

// ErrUnreachable is returned when the fetch never got a response.
var ErrUnreachable = errors.New("failed to reach the server")

// Fetcher performs a one-shot GET.
type Fetcher interface {
	Fetch(ctx context.Context, path, query string) (transport.Response, error)
}

// Store holds the values as one JSON object under storage.KeyRemoteConfig.
type Store struct {
	prefs storage.Preferences
	mu    sync.Mutex
}

// NewStore creates a Store.
func NewStore(prefs storage.Preferences) *Store {
	return &Store{prefs: prefs}
}

// load reads the stored object. A missing or corrupt blob reads as empty.
func (s *Store) load(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, ok, err := s.prefs.Preference(ctx, storage.KeyRemoteConfig)
	if err != nil {
		return nil, err
	}
	values := make(map[string]json.RawMessage)
	if !ok || raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return make(map[string]json.RawMessage), nil
	}
	return values, nil
}

func (s *Store) save(ctx context.Context, values map[string]json.RawMessage) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode remote config: %w", err)
	}
	return s.prefs.SetPreference(ctx, storage.KeyRemoteConfig, string(raw))
}

// Merge overwrites the given keys and keeps the rest.
func (s *Store) Merge(ctx context.Context, values map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(ctx)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	return s.save(ctx, current)
}

// Replace discards every stored key and stores values.
func (s *Store) Replace(ctx context.Context, values map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return s.save(ctx, values)
}

// Value decodes the value stored under key. ok is false for a missing key.
func (s *Store) Value(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	raw, ok := values[key]
	if !ok {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// All returns every stored value, decoded.
func (s *Store) All(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for k, raw := range values {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out, nil
}

// Clear empties the store.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs.SetPreference(ctx, storage.KeyRemoteConfig, "")
}

// Update fetches values with query. A full update replaces the store, a
// keyed one merges into it.
func (s *Store) Update(ctx context.Context, f Fetcher, query string, full bool) error {
	resp, err := f.Fetch(ctx, config.SDKPath, query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.Success() {
		return fmt.Errorf("remote config request failed with status %d", resp.StatusCode)
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &values); err != nil {
		return fmt.Errorf("failed to decode remote config: %w", err)
	}
	if full {
		return s.Replace(ctx, values)
	}
	return s.Merge(ctx, values)
}
