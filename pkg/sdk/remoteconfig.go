package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/request"
)

// ErrNoDeviceID is returned by a remote config update while the device id is
// still being resolved.
var ErrNoDeviceID = errors.New("device id not resolved")

// UpdateRemoteConfig fetches remote config values in the background and
// calls cb with the outcome. Passing neither keys nor omit fetches and
// replaces everything; otherwise the answer is merged into the stored values.
func (c *Client) UpdateRemoteConfig(keys, omit []string, cb func(error)) {
	c.updateRemoteConfigAsync(keys, omit, 0, cb)
}

// RemoteConfigValue returns a stored remote config value.
func (c *Client) RemoteConfigValue(ctx context.Context, key string) (any, bool, error) {
	return c.remote.Value(ctx, key)
}

// RemoteConfigAll returns every stored remote config value.
func (c *Client) RemoteConfigAll(ctx context.Context) (map[string]any, error) {
	return c.remote.All(ctx)
}

func (c *Client) updateRemoteConfigAsync(keys, omit []string, delay time.Duration, cb func(error)) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if cb != nil {
			cb(ErrStopped)
		}
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-c.ctx.Done():
				if cb != nil {
					cb(ErrStopped)
				}
				return
			case <-t.C:
			}
		}

		err := c.updateRemoteConfig(c.ctx, keys, omit)
		if err != nil {
			c.logger.Warn().Err(err).Msg("remote config update failed")
		}
		if cb != nil {
			cb(err)
		}
	}()
}

func (c *Client) updateRemoteConfig(ctx context.Context, keys, omit []string) error {
	id, ok := c.identity.ID()
	if !ok {
		return ErrNoDeviceID
	}

	p := request.RemoteConfig{
		DeviceID: id,
		Keys:     keys,
		OmitKeys: omit,
	}
	if c.consent.Given(ctx, consent.Sessions) {
		p.Metrics = c.config.Device.Metrics(ctx).JSON()
	}
	loc, err := c.loadLocation(ctx)
	if err != nil {
		return err
	}
	p.Location = request.LocationParams(loc, c.consent.Given(ctx, consent.Location))

	query, err := c.builder.RemoteConfig(p)
	if err != nil {
		return err
	}
	return c.remote.Update(ctx, c.transport, query, len(keys) == 0 && len(omit) == 0)
}
