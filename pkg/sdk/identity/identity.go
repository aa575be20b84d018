// Package identity holds the device identifier every request is attributed to.
//
// An Identity is either resolved (id plus type) or unresolved while an
// asynchronous provider is still working. Delivery pauses while unresolved.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/storage"
)

// Type says where the device id came from.
type Type string

const (
	DeveloperSupplied Type = "developer_supplied"
	PlatformGenerated Type = "platform_generated"
	AdvertisingID     Type = "advertising_id"
)

// ParseType converts a stored type name. ok is false for unknown names.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case DeveloperSupplied, PlatformGenerated, AdvertisingID:
		return Type(s), true
	default:
		return "", false
	}
}

// fallback is the type a permanently failed provider falls back to.
var fallback = map[Type]Type{
	AdvertisingID: PlatformGenerated,
}

// ErrEmptyDeveloperID is returned when a developer-supplied id is blank.
var ErrEmptyDeveloperID = errors.New("identity: developer supplied device id is empty")

// Config wires an Identity.
type Config struct {
	Store     storage.Preferences
	Providers map[Type]Provider
	Logger    zerolog.Logger

	// OnResolved is called after every transition to a resolved id.
	OnResolved func(id string, t Type)

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Identity is the mutable device identity. All methods are safe for
// concurrent use.
type Identity struct {
	store      storage.Preferences
	providers  map[Type]Provider
	logger     zerolog.Logger
	onResolved func(string, Type)
	now        func() time.Time

	mu          sync.Mutex
	id          string
	resolved    bool
	typ         Type
	resolving   bool
	generation  uint64
	retry       *backoff.Backoff
	nextAttempt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unresolved Identity. PlatformGenerated gets a
// PlatformProvider when none is configured.
func New(cfg Config) *Identity {
	providers := make(map[Type]Provider, len(cfg.Providers)+1)
	for t, p := range cfg.Providers {
		providers[t] = p
	}
	if _, ok := providers[PlatformGenerated]; !ok {
		providers[PlatformGenerated] = PlatformProvider{Store: cfg.Store}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Identity{
		store:      cfg.Store,
		providers:  providers,
		logger:     cfg.Logger,
		onResolved: cfg.OnResolved,
		now:        cfg.Clock,
		retry: &backoff.Backoff{
			Min:    config.ResolveBackoffMin,
			Max:    config.ResolveBackoffMax,
			Factor: 2,
			Jitter: true,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize picks the effective type and resolves the id. A fallback type
// persisted earlier wins over preferred. A stored id is reused as is.
// Only a blank developer id is reported; provider trouble is logged.
func (d *Identity) Initialize(ctx context.Context, preferred Type, developerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	typ := preferred
	if raw, ok, err := d.store.Preference(ctx, storage.KeyDeviceTypeOverride); err != nil {
		return fmt.Errorf("failed to read type override: %w", err)
	} else if override, valid := ParseType(raw); ok && valid && override != typ {
		d.logger.Info().
			Str("preferred", string(preferred)).
			Str("override", string(override)).
			Msg("using persisted fallback device id type")
		typ = override
	}

	storedID, hasID, err := d.store.Preference(ctx, storage.KeyDeviceID)
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if hasID && storedID != "" {
		storedRaw, _, err := d.store.Preference(ctx, storage.KeyDeviceIDType)
		if err != nil {
			return fmt.Errorf("failed to read device id type: %w", err)
		}
		if storedType, ok := ParseType(storedRaw); ok {
			typ = storedType
		}
		d.setResolvedLocked(storedID, typ)
		return nil
	}

	if typ == DeveloperSupplied {
		if developerID == "" {
			return ErrEmptyDeveloperID
		}
		return d.commitLocked(ctx, developerID, DeveloperSupplied)
	}

	d.typ = typ
	d.resolved = false
	d.id = ""
	d.startResolveLocked()
	return nil
}

// ID returns the current id. ok is false while unresolved.
func (d *Identity) ID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id, d.resolved
}

// Type returns the current id type.
func (d *Identity) Type() Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typ
}

// ChangeToDeveloperID switches to a developer-supplied id. The previous
// non-developer id goes into the single rollback slot.
func (d *Identity) ChangeToDeveloperID(ctx context.Context, newID string) error {
	if newID == "" {
		return ErrEmptyDeveloperID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resolved && d.typ != DeveloperSupplied {
		if err := d.store.SetPreference(ctx, storage.KeyRollbackID, d.id); err != nil {
			return fmt.Errorf("failed to save rollback id: %w", err)
		}
		if err := d.store.SetPreference(ctx, storage.KeyRollbackType, string(d.typ)); err != nil {
			return fmt.Errorf("failed to save rollback type: %w", err)
		}
	}
	return d.commitLocked(ctx, newID, DeveloperSupplied)
}

// RevertFromDeveloperID restores the rollback slot. It returns the id that
// was replaced, or "" when nothing changed.
func (d *Identity) RevertFromDeveloperID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rid, okID, err := d.store.Preference(ctx, storage.KeyRollbackID)
	if err != nil {
		return "", fmt.Errorf("failed to read rollback id: %w", err)
	}
	rawType, okType, err := d.store.Preference(ctx, storage.KeyRollbackType)
	if err != nil {
		return "", fmt.Errorf("failed to read rollback type: %w", err)
	}
	rtype, valid := ParseType(rawType)
	if !okID || !okType || !valid || rid == "" {
		return "", nil
	}

	old := d.id
	if err := d.commitLocked(ctx, rid, rtype); err != nil {
		return "", err
	}
	_ = d.store.DeletePreference(ctx, storage.KeyRollbackID)
	_ = d.store.DeletePreference(ctx, storage.KeyRollbackType)

	if old == rid {
		return "", nil
	}
	return old, nil
}

// ChangeToType switches type without merging. DeveloperSupplied needs id;
// other types use id when given and otherwise ask their provider.
func (d *Identity) ChangeToType(ctx context.Context, t Type, id string) error {
	if t == DeveloperSupplied && id == "" {
		return ErrEmptyDeveloperID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id != "" {
		return d.commitLocked(ctx, id, t)
	}

	if err := d.store.DeletePreference(ctx, storage.KeyDeviceID); err != nil {
		return fmt.Errorf("failed to clear device id: %w", err)
	}
	d.generation++
	d.typ = t
	d.id = ""
	d.resolved = false
	d.startResolveLocked()
	return nil
}

// Retry asks the provider again if the identity is still unresolved and the
// backoff window has passed. The heartbeat calls it.
func (d *Identity) Retry() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resolved || d.resolving || d.typ == DeveloperSupplied || d.typ == "" {
		return
	}
	if d.now().Before(d.nextAttempt) {
		return
	}
	d.startResolveLocked()
}

// Wait blocks until no provider call is in flight.
func (d *Identity) Wait() {
	d.wg.Wait()
}

// Close cancels provider calls and waits for them.
func (d *Identity) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Identity) startResolveLocked() {
	provider, ok := d.providers[d.typ]
	gen := d.generation
	typ := d.typ
	d.resolving = true
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		var res Result
		if !ok {
			res = Result{Status: Failed, Err: fmt.Errorf("no provider for %s", typ)}
		} else {
			res = resolveSafely(d.ctx, provider)
		}
		d.finishResolve(gen, typ, res)
	}()
}

// resolveSafely turns a provider panic into an Unavailable result.
func resolveSafely(ctx context.Context, p Provider) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: Unavailable, Err: fmt.Errorf("provider panic: %v", r)}
		}
	}()
	return p.Resolve(ctx)
}

func (d *Identity) finishResolve(gen uint64, typ Type, res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolving = false
	// a change made while the provider was running wins
	if gen != d.generation || d.resolved {
		return
	}

	log := d.logger.With().Str("type", string(typ)).Logger()
	switch res.Status {
	case Available:
		if res.ID == "" {
			log.Warn().Msg("provider returned an empty id")
			d.nextAttempt = d.now().Add(d.retry.Duration())
			return
		}
		d.retry.Reset()
		if err := d.commitLocked(d.ctx, res.ID, typ); err != nil {
			log.Error().Err(err).Msg("failed to persist resolved device id")
		}

	case Unavailable:
		wait := d.retry.Duration()
		d.nextAttempt = d.now().Add(wait)
		log.Warn().Err(res.Err).Dur("retry_in", wait).Msg("device id not available yet")

	case Failed:
		next, ok := fallback[typ]
		if !ok {
			log.Error().Err(res.Err).Msg("device id provider failed permanently, no fallback")
			return
		}
		log.Warn().Err(res.Err).Str("fallback", string(next)).Msg("device id provider failed, switching type")
		if err := d.store.SetPreference(d.ctx, storage.KeyDeviceTypeOverride, string(next)); err != nil {
			log.Error().Err(err).Msg("failed to persist fallback type")
		}
		d.typ = next
		d.retry.Reset()
		d.nextAttempt = time.Time{}
		d.startResolveLocked()
	}
}

// commitLocked makes (id, t) current and persists it.
func (d *Identity) commitLocked(ctx context.Context, id string, t Type) error {
	if err := d.store.SetPreference(ctx, storage.KeyDeviceID, id); err != nil {
		return fmt.Errorf("failed to persist device id: %w", err)
	}
	if err := d.store.SetPreference(ctx, storage.KeyDeviceIDType, string(t)); err != nil {
		return fmt.Errorf("failed to persist device id type: %w", err)
	}
	d.generation++
	d.setResolvedLocked(id, t)
	return nil
}

func (d *Identity) setResolvedLocked(id string, t Type) {
	d.id = id
	d.typ = t
	d.resolved = true
	d.logger.Debug().Str("device_id", id).Str("type", string(t)).Msg("device id resolved")
	if d.onResolved != nil {
		d.onResolved(id, t)
	}
}
