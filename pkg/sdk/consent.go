package sdk

import (
	"context"
	"fmt"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
)

// Feature is re-exported so hosts need only import sdk.
type Feature = consent.Feature

// GiveConsent grants features. It does nothing unless the client was
// configured with RequiresConsent.
func (c *Client) GiveConsent(ctx context.Context, features ...Feature) error {
	if !c.consent.Requires() {
		return nil
	}
	change, now := c.consent.Give(ctx, features...)
	return c.handleConsent(ctx, change, now)
}

// RemoveConsent withdraws features.
func (c *Client) RemoveConsent(ctx context.Context, features ...Feature) error {
	if !c.consent.Requires() {
		return nil
	}
	change, now := c.consent.Remove(ctx, features...)
	return c.handleConsent(ctx, change, now)
}

// GiveAllConsent grants every known feature.
func (c *Client) GiveAllConsent(ctx context.Context) error {
	return c.GiveConsent(ctx, consent.All...)
}

// RemoveAllConsent withdraws every known feature.
func (c *Client) RemoveAllConsent(ctx context.Context) error {
	return c.RemoveConsent(ctx, consent.All...)
}

// CreateConsentGroup names a set of features.
func (c *Client) CreateConsentGroup(name string, features ...Feature) {
	c.consent.CreateGroup(name, features...)
}

// GiveConsentGroup grants every feature of a group.
func (c *Client) GiveConsentGroup(ctx context.Context, name string) error {
	if !c.consent.Requires() {
		return nil
	}
	change, now := c.consent.GiveGroup(ctx, name)
	return c.handleConsent(ctx, change, now)
}

// RemoveConsentGroup withdraws every feature of a group.
func (c *Client) RemoveConsentGroup(ctx context.Context, name string) error {
	if !c.consent.Requires() {
		return nil
	}
	change, now := c.consent.RemoveGroup(ctx, name)
	return c.handleConsent(ctx, change, now)
}

// ConsentGiven reports whether f may be used.
func (c *Client) ConsentGiven(ctx context.Context, f Feature) bool {
	return c.consent.Given(ctx, f)
}

func (c *Client) handleConsent(ctx context.Context, change consent.Change, now bool) error {
	if !now {
		return nil
	}
	if err := c.sendConsent(ctx, change.Values); err != nil {
		return err
	}
	if change.LocationRemoved {
		if err := c.eraseLocation(ctx); err != nil {
			return err
		}
	}

	if change.SessionsGiven {
		c.mu.Lock()
		resend := c.session && c.beginSent
		c.mu.Unlock()
		if resend {
			// the earlier begin went out without begin_session=1
			return c.sendBeginSession(ctx)
		}
	}
	return nil
}

func (c *Client) sendConsent(ctx context.Context, values map[string]bool) error {
	if len(values) == 0 {
		return nil
	}
	req, err := c.builder.Consent(values)
	if err != nil {
		return fmt.Errorf("failed to encode consent: %w", err)
	}
	return c.enqueue(ctx, req)
}
