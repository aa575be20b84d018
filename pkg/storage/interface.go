package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("storage: store is closed")

// Store is the durable state the SDK keeps between process restarts.
// Implementations: memory (testing), badger (production).
type Store interface {
	RequestQueue
	EventQueue
	Preferences

	// Close cleanly shuts down the store
	Close() error
}

// RequestQueue is the FIFO list of pending outbound request strings.
// A call returns only once the mutation is visible to later reads,
// including reads after a restart for durable backends.
type RequestQueue interface {
	// Append adds a request at the tail
	Append(ctx context.Context, request string) error

	// PeekOldest returns the head without removing it. ok is false when empty.
	PeekOldest(ctx context.Context) (request string, ok bool, err error)

	// Remove deletes the oldest entry equal to request. Absent values are a no-op.
	Remove(ctx context.Context, request string) error

	// IsEmpty reports whether there is nothing to deliver
	IsEmpty(ctx context.Context) (bool, error)

	// SnapshotAll returns every pending request in insertion order
	SnapshotAll(ctx context.Context) ([]string, error)
}

// StoredEvent is a raw event JSON object waiting to be flattened into a request.
type StoredEvent struct {
	ID  uint64
	Raw []byte
}

// EventQueue holds recorded custom events until they are batched.
type EventQueue interface {
	AppendEvent(ctx context.Context, raw []byte) error
	Events(ctx context.Context) ([]StoredEvent, error)
	RemoveEvents(ctx context.Context, ids []uint64) error
	EventCount(ctx context.Context) (int, error)
}

// Preferences is a flat string-keyed settings map.
type Preferences interface {
	// Preference returns the stored value. ok is false when the key was never set.
	Preference(ctx context.Context, key string) (value string, ok bool, err error)
	SetPreference(ctx context.Context, key, value string) error
	DeletePreference(ctx context.Context, key string) error
}

// Preference keys
const (
	KeyDeviceID           = "device.id"
	KeyDeviceIDType       = "device.id_type"
	KeyDeviceTypeOverride = "device.id_type_override"
	KeyPlatformID         = "device.platform_id"
	KeyRollbackID         = "rollback.id"
	KeyRollbackType       = "rollback.type"
	KeyLocationDisabled   = "location.disabled"
	KeyLocationCountry    = "location.country_code"
	KeyLocationCity       = "location.city"
	KeyLocationGPS        = "location.gps"
	KeyLocationIP         = "location.ip"
	KeyAdvertisingID      = "advertising.id"
	KeyConsentPush        = "consent.push"
	KeyRemoteConfig       = "remoteconfig.values"
)
