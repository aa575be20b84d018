package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/storage"
	"github.com/nicktill/tinycount/pkg/storage/memory"
)

func newIdentity(t *testing.T, store storage.Preferences, providers map[Type]Provider) *Identity {
	t.Helper()
	id := New(Config{Store: store, Providers: providers, Logger: zerolog.Nop()})
	t.Cleanup(id.Close)
	return id
}

func TestIdentity_DeveloperSupplied(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id := newIdentity(t, store, nil)

	require.NoError(t, id.Initialize(ctx, DeveloperSupplied, "dev-1"))

	got, ok := id.ID()
	assert.True(t, ok)
	assert.Equal(t, "dev-1", got)
	assert.Equal(t, DeveloperSupplied, id.Type())

	stored, _, _ := store.Preference(ctx, storage.KeyDeviceID)
	assert.Equal(t, "dev-1", stored)
}

func TestIdentity_DeveloperSuppliedEmpty(t *testing.T) {
	id := newIdentity(t, memory.New(), nil)
	assert.ErrorIs(t, id.Initialize(context.Background(), DeveloperSupplied, ""), ErrEmptyDeveloperID)
}

func TestIdentity_StoredIDWins(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.SetPreference(ctx, storage.KeyDeviceID, "persisted")
	_ = store.SetPreference(ctx, storage.KeyDeviceIDType, string(PlatformGenerated))

	id := newIdentity(t, store, nil)
	require.NoError(t, id.Initialize(ctx, DeveloperSupplied, "fresh"))

	got, ok := id.ID()
	assert.True(t, ok)
	assert.Equal(t, "persisted", got)
	assert.Equal(t, PlatformGenerated, id.Type())
}

func TestIdentity_PlatformGeneratedStable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	first := newIdentity(t, store, nil)
	require.NoError(t, first.Initialize(ctx, PlatformGenerated, ""))
	first.Wait()
	a, ok := first.ID()
	require.True(t, ok)
	require.NotEmpty(t, a)

	// wipe the resolved id but keep the platform id, like a reinstall of the SDK state
	_ = store.DeletePreference(ctx, storage.KeyDeviceID)
	second := newIdentity(t, store, nil)
	require.NoError(t, second.Initialize(ctx, PlatformGenerated, ""))
	second.Wait()
	b, _ := second.ID()
	assert.Equal(t, a, b)
}

func TestIdentity_UnavailableStaysUnresolved(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context) Result {
		if calls.Add(1) == 1 {
			return Result{Status: Unavailable, Err: errors.New("service busy")}
		}
		return Result{Status: Available, ID: "ad-123"}
	})

	now := time.Unix(1000, 0)
	id := New(Config{
		Store:     memory.New(),
		Providers: map[Type]Provider{AdvertisingID: provider},
		Logger:    zerolog.Nop(),
		Clock:     func() time.Time { return now },
	})
	defer id.Close()

	require.NoError(t, id.Initialize(ctx, AdvertisingID, ""))
	id.Wait()

	_, ok := id.ID()
	assert.False(t, ok, "must stay unresolved after a recoverable failure")
	assert.Equal(t, AdvertisingID, id.Type())

	// still inside the backoff window
	id.Retry()
	id.Wait()
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(time.Hour)
	id.Retry()
	id.Wait()

	got, ok := id.ID()
	assert.True(t, ok)
	assert.Equal(t, "ad-123", got)
}

func TestIdentity_FailedFallsBackAndSticks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	failing := Static(Result{Status: Failed, Err: errors.New("no ad provider installed")})

	id := newIdentity(t, store, map[Type]Provider{AdvertisingID: failing})
	require.NoError(t, id.Initialize(ctx, AdvertisingID, ""))
	id.Wait()

	got, ok := id.ID()
	require.True(t, ok)
	assert.NotEmpty(t, got)
	assert.Equal(t, PlatformGenerated, id.Type())

	override, _, _ := store.Preference(ctx, storage.KeyDeviceTypeOverride)
	assert.Equal(t, string(PlatformGenerated), override)

	// next start: advertising id is available now, but the fallback sticks
	_ = store.DeletePreference(ctx, storage.KeyDeviceID)
	available := Static(Result{Status: Available, ID: "ad-now-works"})
	again := newIdentity(t, store, map[Type]Provider{AdvertisingID: available})
	require.NoError(t, again.Initialize(ctx, AdvertisingID, ""))
	again.Wait()

	assert.Equal(t, PlatformGenerated, again.Type())
	gotAgain, _ := again.ID()
	assert.Equal(t, got, gotAgain)
}

func TestIdentity_ProviderPanicIsContained(t *testing.T) {
	ctx := context.Background()
	boom := ProviderFunc(func(context.Context) Result { panic("adapter exploded") })

	id := newIdentity(t, memory.New(), map[Type]Provider{AdvertisingID: boom})
	require.NoError(t, id.Initialize(ctx, AdvertisingID, ""))
	id.Wait()

	_, ok := id.ID()
	assert.False(t, ok)
}

func TestIdentity_ChangeToDeveloperIDRollback(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id := newIdentity(t, store, map[Type]Provider{AdvertisingID: Static(Result{Status: Available, ID: "ad-1"})})

	require.NoError(t, id.Initialize(ctx, AdvertisingID, ""))
	id.Wait()

	require.NoError(t, id.ChangeToDeveloperID(ctx, "user-7"))
	got, _ := id.ID()
	assert.Equal(t, "user-7", got)
	assert.Equal(t, DeveloperSupplied, id.Type())

	rid, _, _ := store.Preference(ctx, storage.KeyRollbackID)
	rtype, _, _ := store.Preference(ctx, storage.KeyRollbackType)
	assert.Equal(t, "ad-1", rid)
	assert.Equal(t, string(AdvertisingID), rtype)

	// a second developer change does not clobber the rollback slot
	require.NoError(t, id.ChangeToDeveloperID(ctx, "user-8"))
	rid, _, _ = store.Preference(ctx, storage.KeyRollbackID)
	assert.Equal(t, "ad-1", rid)

	old, err := id.RevertFromDeveloperID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-8", old)

	got, _ = id.ID()
	assert.Equal(t, "ad-1", got)
	assert.Equal(t, AdvertisingID, id.Type())

	_, ok, _ := store.Preference(ctx, storage.KeyRollbackID)
	assert.False(t, ok, "rollback slot is consumed")
}

func TestIdentity_ChangeToType(t *testing.T) {
	ctx := context.Background()
	id := newIdentity(t, memory.New(), nil)
	require.NoError(t, id.Initialize(ctx, DeveloperSupplied, "dev"))

	assert.ErrorIs(t, id.ChangeToType(ctx, DeveloperSupplied, ""), ErrEmptyDeveloperID)

	require.NoError(t, id.ChangeToType(ctx, PlatformGenerated, ""))
	id.Wait()

	got, ok := id.ID()
	assert.True(t, ok)
	assert.NotEqual(t, "dev", got)
	assert.Equal(t, PlatformGenerated, id.Type())
}

func TestIdentity_OnResolvedCallback(t *testing.T) {
	ctx := context.Background()
	resolved := make(chan string, 1)
	id := New(Config{
		Store:      memory.New(),
		Logger:     zerolog.Nop(),
		OnResolved: func(v string, _ Type) { resolved <- v },
	})
	defer id.Close()

	require.NoError(t, id.Initialize(ctx, DeveloperSupplied, "cb-id"))
	select {
	case v := <-resolved:
		assert.Equal(t, "cb-id", v)
	case <-time.After(time.Second):
		t.Fatal("OnResolved was not called")
	}
}

func TestParseType(t *testing.T) {
	_, ok := ParseType("open_udid")
	assert.False(t, ok)

	typ, ok := ParseType("advertising_id")
	assert.True(t, ok)
	assert.Equal(t, AdvertisingID, typ)
}
