// Package storagetest holds behaviour checks shared by every storage.Store backend.
package storagetest

import (
	"context"
	"testing"

	"github.com/nicktill/tinycount/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) storage.Store

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("RemoveDuplicate", func(t *testing.T) { testRemoveDuplicate(t, newStore(t)) })
	t.Run("RemoveMissing", func(t *testing.T) { testRemoveMissing(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Preferences", func(t *testing.T) { testPreferences(t, newStore(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore(t)) })
}

func testFIFO(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	_, ok, err := s.PeekOldest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, r := range []string{"a=1", "b=2", "c=3"} {
		require.NoError(t, s.Append(ctx, r))
	}

	all, err := s.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, all)

	var drained []string
	for {
		head, ok, err := s.PeekOldest(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		drained = append(drained, head)
		require.NoError(t, s.Remove(ctx, head))
	}
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, drained)

	empty, err = s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func testRemoveDuplicate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "dup"))
	require.NoError(t, s.Append(ctx, "other"))
	require.NoError(t, s.Append(ctx, "dup"))

	require.NoError(t, s.Remove(ctx, "dup"))

	all, err := s.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "dup"}, all)
}

func testRemoveMissing(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "kept"))
	require.NoError(t, s.Remove(ctx, "never-added"))

	all, err := s.SnapshotAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, all)
}

func testEvents(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, []byte(`{"key":"a"}`)))
	require.NoError(t, s.AppendEvent(ctx, []byte(`{"key":"b"}`)))
	require.NoError(t, s.AppendEvent(ctx, []byte(`{"key":"c"}`)))

	n, err := s.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := s.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, `{"key":"a"}`, string(events[0].Raw))
	assert.Equal(t, `{"key":"c"}`, string(events[2].Raw))

	require.NoError(t, s.RemoveEvents(ctx, []uint64{events[0].ID, events[1].ID}))

	events, err = s.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, `{"key":"c"}`, string(events[0].Raw))
}

func testPreferences(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Preference(ctx, storage.KeyDeviceID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPreference(ctx, storage.KeyDeviceID, "device-1"))
	require.NoError(t, s.SetPreference(ctx, storage.KeyAdvertisingID, ""))

	v, ok, err := s.Preference(ctx, storage.KeyDeviceID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "device-1", v)

	// empty string is a real value, distinct from unset
	v, ok, err = s.Preference(ctx, storage.KeyAdvertisingID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)

	require.NoError(t, s.DeletePreference(ctx, storage.KeyDeviceID))
	_, ok, err = s.Preference(ctx, storage.KeyDeviceID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClosed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(ctx, "x"), storage.ErrClosed)
	_, _, err := s.PeekOldest(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}
