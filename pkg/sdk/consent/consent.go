package consent

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/storage"
)

// Feature names a consent-gated capability.
type Feature string

const (
	Sessions    Feature = "sessions"
	Events      Feature = "events"
	Views       Feature = "views"
	Location    Feature = "location"
	Crashes     Feature = "crashes"
	Attribution Feature = "attribution"
	Users       Feature = "users"
	Push        Feature = "push"
	StarRating  Feature = "star-rating"
)

// All lists every known feature.
var All = []Feature{Sessions, Events, Views, Location, Crashes, Attribution, Users, Push, StarRating}

// Valid reports whether f is a known feature.
func Valid(f Feature) bool {
	for _, known := range All {
		if known == f {
			return true
		}
	}
	return false
}

// Change is the outcome of one Set call that must be acted on.
type Change struct {
	// Values is the consent diff to send to the server
	Values map[string]bool

	// SessionsGiven is true when sessions consent went from off to on
	SessionsGiven bool

	// LocationRemoved is true when location consent was withdrawn
	LocationRemoved bool
}

// Manager tracks feature consent for one client. Values live only in memory
// except push, which is persisted.
type Manager struct {
	store  storage.Preferences
	logger zerolog.Logger

	mu       sync.Mutex
	requires bool
	values   map[Feature]bool
	groups   map[string][]Feature

	// before Activate, changes are collected instead of handed out
	active         bool
	pending        []map[string]bool
	pendingPush    *bool
	pendingErasure bool
}

// New creates a Manager. When requires is false every feature counts as given.
func New(store storage.Preferences, requires bool, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		logger:   logger,
		requires: requires,
		values:   make(map[Feature]bool),
		groups:   make(map[string][]Feature),
	}
}

// Requires reports whether consent is being enforced.
func (m *Manager) Requires() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requires
}

// Given reports whether f may be used. An undecided push falls back to the
// persisted flag; any other undecided feature is not given.
func (m *Manager) Given(ctx context.Context, f Feature) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.givenLocked(ctx, f)
}

func (m *Manager) givenLocked(ctx context.Context, f Feature) bool {
	if !m.requires {
		return true
	}
	if v, ok := m.values[f]; ok {
		return v
	}
	if f == Push {
		return m.storedPush(ctx)
	}
	return false
}

// AnyGiven reports whether at least one feature is given.
func (m *Manager) AnyGiven(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.requires {
		return true
	}
	for _, f := range All {
		if m.givenLocked(ctx, f) {
			return true
		}
	}
	return false
}

// Give grants consent for features.
func (m *Manager) Give(ctx context.Context, features ...Feature) (Change, bool) {
	return m.set(ctx, features, true)
}

// Remove withdraws consent for features.
func (m *Manager) Remove(ctx context.Context, features ...Feature) (Change, bool) {
	return m.set(ctx, features, false)
}

// CreateGroup names a set of features for GiveGroup and RemoveGroup.
func (m *Manager) CreateGroup(name string, features ...Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = append([]Feature(nil), features...)
}

// GiveGroup grants every feature in the group. ok is false for an unknown
// group or while inactive.
func (m *Manager) GiveGroup(ctx context.Context, name string) (Change, bool) {
	return m.setGroup(ctx, name, true)
}

// RemoveGroup withdraws every feature in the group.
func (m *Manager) RemoveGroup(ctx context.Context, name string) (Change, bool) {
	return m.setGroup(ctx, name, false)
}

func (m *Manager) setGroup(ctx context.Context, name string, given bool) (Change, bool) {
	m.mu.Lock()
	features, ok := m.groups[name]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("group", name).Msg("unknown consent group")
		return Change{}, false
	}
	return m.set(ctx, features, given)
}

// set applies the change. The returned bool is true when the caller should
// act on the Change now; false means it was collected for Activate.
func (m *Manager) set(ctx context.Context, features []Feature, given bool) (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevSessions := m.values[Sessions]
	prevLocation := m.values[Location]
	change := Change{Values: make(map[string]bool, len(features))}

	for _, f := range features {
		if !Valid(f) {
			m.logger.Debug().Str("feature", string(f)).Msg("ignoring unknown consent feature")
			continue
		}
		m.values[f] = given
		change.Values[string(f)] = given

		switch f {
		case Push:
			if m.active {
				m.persistPush(ctx, given)
			} else {
				v := given
				m.pendingPush = &v
			}
		case Location:
			if prevLocation && !given {
				change.LocationRemoved = true
			}
		}
	}
	change.SessionsGiven = !prevSessions && m.values[Sessions]

	if len(change.Values) == 0 {
		return Change{}, false
	}
	if !m.active || len(m.pending) > 0 {
		m.pending = append(m.pending, change.Values)
		if change.LocationRemoved {
			m.pendingErasure = true
		}
		return Change{}, false
	}
	return change, true
}

// Activate ends the collecting phase. It applies a delayed push change and
// returns the diffs collected so far, plus whether a location erasure is owed.
func (m *Manager) Activate(ctx context.Context) (pending []map[string]bool, eraseLocation bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = true
	if m.pendingPush != nil {
		m.persistPush(ctx, *m.pendingPush)
		m.pendingPush = nil
	}

	pending, m.pending = m.pending, nil
	eraseLocation, m.pendingErasure = m.pendingErasure, false
	return pending, eraseLocation
}

// Snapshot returns the current decision for every feature.
func (m *Manager) Snapshot(ctx context.Context) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(All))
	for _, f := range All {
		out[string(f)] = m.givenLocked(ctx, f)
	}
	return out
}

func (m *Manager) storedPush(ctx context.Context) bool {
	raw, ok, err := m.store.Preference(ctx, storage.KeyConsentPush)
	if err != nil || !ok {
		return false
	}
	v, _ := strconv.ParseBool(raw)
	return v
}

func (m *Manager) persistPush(ctx context.Context, given bool) {
	if err := m.store.SetPreference(ctx, storage.KeyConsentPush, strconv.FormatBool(given)); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist push consent")
	}
}
