package sdk

import (
	"context"
	"fmt"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/identity"
)

// DeviceID returns the current device id. ok is false while an asynchronous
// provider is still resolving it.
func (c *Client) DeviceID() (id string, ok bool) {
	return c.identity.ID()
}

// DeviceIDType returns the current device id type.
func (c *Client) DeviceIDType() identity.Type {
	return c.identity.Type()
}

// ChangeDeviceID switches to a developer supplied id.
//
// With merge the server folds the old id's data into the new one. The merge
// request is queued and the local identity only changes once the server
// accepted it. Without merge the running session is ended under the old
// id and a new one is started under id.
func (c *Client) ChangeDeviceID(ctx context.Context, id string, merge bool) error {
	if id == "" {
		return ErrEmptyDeviceID
	}
	if !c.consent.AnyGiven(ctx) {
		c.logger.Debug().Msg("device id change ignored, no consent given")
		return nil
	}

	if !merge {
		return c.ChangeDeviceIDType(ctx, identity.DeveloperSupplied, id)
	}

	if current, ok := c.identity.ID(); ok && current == id {
		return nil
	}

	c.mu.Lock()
	duration := 0
	if c.session {
		duration = c.durationSinceLastLocked()
	}
	c.mu.Unlock()

	if err := c.enqueue(ctx, c.builder.ChangeDeviceID(c.consent.Given(ctx, consent.Sessions), duration, id)); err != nil {
		return err
	}
	if err := c.remote.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear remote config")
	}
	if c.config.RemoteConfigAutoUpdate {
		// the merge has to land before the server knows the new id
		c.updateRemoteConfigAsync(nil, nil, config.RemoteConfigMergeDelay, nil)
	}
	return nil
}

// ChangeDeviceIDType switches the device id type without merging. An empty
// id asks the type's provider for one. A running session is closed under
// the old id and restarted under the new one.
func (c *Client) ChangeDeviceIDType(ctx context.Context, t identity.Type, id string) error {
	if t == identity.DeveloperSupplied && id == "" {
		return ErrEmptyDeviceID
	}

	old, _ := c.identity.ID()

	c.mu.Lock()
	active := c.session
	duration := 0
	if active {
		duration = c.durationSinceLastLocked()
	}
	c.mu.Unlock()

	if active {
		if err := c.sendEndSession(ctx, duration, old); err != nil {
			return err
		}
	}

	if err := c.identity.ChangeToType(ctx, t, id); err != nil {
		return fmt.Errorf("failed to change device id: %w", err)
	}

	if err := c.remote.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear remote config")
	}

	if active {
		c.mu.Lock()
		c.lastDuration = c.config.Clock()
		c.mu.Unlock()
		if err := c.sendBeginSession(ctx); err != nil {
			return err
		}
	}

	if c.config.RemoteConfigAutoUpdate && c.consent.AnyGiven(ctx) {
		c.updateRemoteConfigAsync(nil, nil, 0, nil)
	}
	c.scheduler.Tick()
	return nil
}
