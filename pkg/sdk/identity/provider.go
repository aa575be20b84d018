package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nicktill/tinycount/pkg/storage"
)

// Status classifies a provider answer.
type Status int

const (
	// Available means ID holds a usable identifier.
	Available Status = iota
	// Unavailable is recoverable: ask again later.
	Unavailable
	// Failed is permanent: this provider will never produce an id on this device.
	Failed
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what a Provider returns.
type Result struct {
	Status Status
	ID     string
	Err    error
}

// Provider resolves a device identifier of one Type.
type Provider interface {
	Resolve(ctx context.Context) Result
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) Result

// Resolve calls f.
func (f ProviderFunc) Resolve(ctx context.Context) Result {
	return f(ctx)
}

// PlatformProvider generates a random identifier once and keeps it in the
// preference store, so the same install always reports the same id.
type PlatformProvider struct {
	Store storage.Preferences
}

// Resolve returns the stored platform id, creating it on first use.
func (p PlatformProvider) Resolve(ctx context.Context) Result {
	id, ok, err := p.Store.Preference(ctx, storage.KeyPlatformID)
	if err != nil {
		return Result{Status: Unavailable, Err: err}
	}
	if ok && id != "" {
		return Result{Status: Available, ID: id}
	}

	id = uuid.NewString()
	if err := p.Store.SetPreference(ctx, storage.KeyPlatformID, id); err != nil {
		return Result{Status: Unavailable, Err: err}
	}
	return Result{Status: Available, ID: id}
}

// Static returns a fixed answer. Hosts that obtain an advertising id out of
// band use it; tests use it to script provider behaviour.
func Static(r Result) Provider {
	return ProviderFunc(func(context.Context) Result { return r })
}
