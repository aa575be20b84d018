package sdk

import (
	"context"
	"time"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/request"
)

// BeginSession starts a session. The begin request carries the device
// metrics, the stored location and the advertising id when the respective
// consents are given.
func (c *Client) BeginSession(ctx context.Context) error {
	c.mu.Lock()
	if c.session {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.session = true
	c.lastDuration = c.config.Clock()
	c.mu.Unlock()

	return c.sendBeginSession(ctx)
}

func (c *Client) sendBeginSession(ctx context.Context) error {
	loc, err := c.loadLocation(ctx)
	if err != nil {
		return err
	}

	req, ok := c.builder.BeginSession(request.BeginSession{
		SessionsConsent: c.consent.Given(ctx, consent.Sessions),
		Metrics:         c.config.Device.Metrics(ctx).JSON(),
		Location:        request.LocationParams(loc, c.consent.Given(ctx, consent.Location)),
		AdvertisingID:   c.advertisingID(ctx),
	})

	c.mu.Lock()
	c.beginSent = true
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.enqueue(ctx, req)
}

// UpdateSession reports the time spent since the last report.
func (c *Client) UpdateSession(ctx context.Context) error {
	c.mu.Lock()
	if !c.session {
		c.mu.Unlock()
		return ErrNoSession
	}
	duration := c.durationSinceLastLocked()
	c.mu.Unlock()

	req, ok := c.builder.UpdateSession(c.consent.Given(ctx, consent.Sessions), duration, c.advertisingID(ctx))
	if !ok {
		return nil
	}
	return c.enqueue(ctx, req)
}

// EndSession ends the session and queues any recorded events.
func (c *Client) EndSession(ctx context.Context) error {
	c.mu.Lock()
	if !c.session {
		c.mu.Unlock()
		return ErrNoSession
	}
	duration := c.durationSinceLastLocked()
	c.session = false
	c.lastDuration = time.Time{}
	c.mu.Unlock()

	if err := c.sendEndSession(ctx, duration, ""); err != nil {
		return err
	}
	if err := c.reportViewDuration(ctx); err != nil {
		return err
	}
	return c.FlushEvents(ctx)
}

// sendEndSession queues an end_session. overrideID pins the request to the
// id the session ran under.
func (c *Client) sendEndSession(ctx context.Context, duration int, overrideID string) error {
	req, ok := c.builder.EndSession(c.consent.Given(ctx, consent.Sessions), duration, overrideID, c.consent.AnyGiven(ctx))
	if !ok {
		return nil
	}
	return c.enqueue(ctx, req)
}

// SessionActive reports whether BeginSession was called without a matching
// EndSession.
func (c *Client) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
