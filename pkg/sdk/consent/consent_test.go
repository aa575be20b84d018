package consent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/storage"
	"github.com/nicktill/tinycount/pkg/storage/memory"
)

func TestManager_NotRequired(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), false, zerolog.Nop())

	for _, f := range All {
		assert.True(t, m.Given(ctx, f), string(f))
	}
	assert.True(t, m.AnyGiven(ctx))
}

func TestManager_RequiredDefaultsToDenied(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), true, zerolog.Nop())

	assert.False(t, m.Given(ctx, Sessions))
	assert.False(t, m.AnyGiven(ctx))
}

func TestManager_CollectsBeforeActivate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := New(store, true, zerolog.Nop())

	_, act := m.Give(ctx, Sessions, Push)
	assert.False(t, act, "changes before activation are collected")
	assert.True(t, m.Given(ctx, Sessions), "value applies immediately")

	_, stored, _ := store.Preference(ctx, storage.KeyConsentPush)
	assert.False(t, stored, "push is persisted only on activation")

	pending, erase := m.Activate(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, map[string]bool{"sessions": true, "push": true}, pending[0])
	assert.False(t, erase)

	v, _, _ := store.Preference(ctx, storage.KeyConsentPush)
	assert.Equal(t, "true", v)

	change, act := m.Give(ctx, Events)
	assert.True(t, act)
	assert.Equal(t, map[string]bool{"events": true}, change.Values)
}

func TestManager_SessionsGivenAndLocationRemoved(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), true, zerolog.Nop())
	m.Activate(ctx)

	change, act := m.Give(ctx, Sessions, Location)
	require.True(t, act)
	assert.True(t, change.SessionsGiven)
	assert.False(t, change.LocationRemoved)

	change, act = m.Give(ctx, Sessions)
	require.True(t, act)
	assert.False(t, change.SessionsGiven, "no transition")

	change, act = m.Remove(ctx, Location)
	require.True(t, act)
	assert.True(t, change.LocationRemoved)
	assert.False(t, m.Given(ctx, Location))
}

func TestManager_PushRehydratedFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.SetPreference(ctx, storage.KeyConsentPush, "true")

	m := New(store, true, zerolog.Nop())
	assert.True(t, m.Given(ctx, Push))
	assert.False(t, m.Given(ctx, Sessions), "other features reset every process")
	assert.True(t, m.AnyGiven(ctx))
}

func TestManager_Groups(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), true, zerolog.Nop())
	m.Activate(ctx)

	m.CreateGroup("analytics", Sessions, Events, Views)

	change, act := m.GiveGroup(ctx, "analytics")
	require.True(t, act)
	assert.Len(t, change.Values, 3)
	assert.True(t, m.Given(ctx, Views))

	_, act = m.GiveGroup(ctx, "nope")
	assert.False(t, act)

	_, act = m.RemoveGroup(ctx, "analytics")
	assert.True(t, act)
	assert.False(t, m.Given(ctx, Events))
}

func TestManager_UnknownFeatureIgnored(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), true, zerolog.Nop())
	m.Activate(ctx)

	_, act := m.Give(ctx, Feature("scrolls"))
	assert.False(t, act)
	assert.False(t, m.AnyGiven(ctx))
}

func TestManager_Snapshot(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), true, zerolog.Nop())
	m.Give(ctx, Crashes)

	snap := m.Snapshot(ctx)
	assert.True(t, snap["crashes"])
	assert.False(t, snap["sessions"])
	assert.Len(t, snap, len(All))
}
