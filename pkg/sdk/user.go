package sdk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/request"
	"github.com/nicktill/tinycount/pkg/storage"
)

// Location is what SetLocation accepts. Empty fields leave the stored value
// untouched.
type Location struct {
	CountryCode string
	City        string
	GPS         string // "lat,lon"
	IP          string
}

// UserDetails is the user profile sent in user_details.
type UserDetails struct {
	Name         string            `json:"name,omitempty"`
	Username     string            `json:"username,omitempty"`
	Email        string            `json:"email,omitempty"`
	Organization string            `json:"organization,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Picture      string            `json:"picture,omitempty"`
	PicturePath  string            `json:"picturePath,omitempty"` // local file uploaded with the request
	Gender       string            `json:"gender,omitempty"`
	BirthYear    int               `json:"byear,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
}

var locationKeys = []string{
	storage.KeyLocationCountry,
	storage.KeyLocationCity,
	storage.KeyLocationGPS,
	storage.KeyLocationIP,
}

func (c *Client) loadLocation(ctx context.Context) (request.Location, error) {
	var loc request.Location

	get := func(key string) (string, error) {
		v, _, err := c.store.Preference(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", key, err)
		}
		return v, nil
	}

	disabled, err := get(storage.KeyLocationDisabled)
	if err != nil {
		return loc, err
	}
	loc.Disabled, _ = strconv.ParseBool(disabled)

	for key, dst := range map[string]*string{
		storage.KeyLocationCountry: &loc.CountryCode,
		storage.KeyLocationCity:    &loc.City,
		storage.KeyLocationGPS:     &loc.GPS,
		storage.KeyLocationIP:      &loc.IP,
	} {
		if *dst, err = get(key); err != nil {
			return loc, err
		}
	}
	return loc, nil
}

// SetLocation stores the location and re-enables location reporting. Before
// the first begin session it rides along with it; afterwards, or without
// sessions consent, it is sent on its own.
func (c *Client) SetLocation(ctx context.Context, loc Location) error {
	if !c.consent.Given(ctx, consent.Location) {
		return nil
	}

	updates := map[string]string{
		storage.KeyLocationCountry: loc.CountryCode,
		storage.KeyLocationCity:    loc.City,
		storage.KeyLocationGPS:     loc.GPS,
		storage.KeyLocationIP:      loc.IP,
	}
	changed := false
	for key, v := range updates {
		if v == "" {
			continue
		}
		changed = true
		if err := c.store.SetPreference(ctx, key, v); err != nil {
			return fmt.Errorf("failed to store location: %w", err)
		}
	}
	if (loc.CountryCode == "") != (loc.City == "") {
		c.logger.Warn().Msg("country code and city should be set together")
	}
	if changed {
		if err := c.store.SetPreference(ctx, storage.KeyLocationDisabled, "false"); err != nil {
			return fmt.Errorf("failed to store location: %w", err)
		}
	}

	c.mu.Lock()
	beginSent := c.beginSent
	c.mu.Unlock()

	if beginSent || !c.consent.Given(ctx, consent.Sessions) {
		return c.sendLocation(ctx)
	}
	return nil
}

// DisableLocation clears the stored location and tells the server to stop
// using one.
func (c *Client) DisableLocation(ctx context.Context) error {
	if !c.consent.Given(ctx, consent.Location) {
		return nil
	}
	if err := c.resetLocation(ctx); err != nil {
		return err
	}
	if err := c.store.SetPreference(ctx, storage.KeyLocationDisabled, "true"); err != nil {
		return fmt.Errorf("failed to store location: %w", err)
	}
	return c.sendLocation(ctx)
}

// eraseLocation runs when location consent is withdrawn.
func (c *Client) eraseLocation(ctx context.Context) error {
	if err := c.resetLocation(ctx); err != nil {
		return err
	}
	return c.sendLocation(ctx)
}

func (c *Client) resetLocation(ctx context.Context) error {
	for _, key := range locationKeys {
		if err := c.store.SetPreference(ctx, key, ""); err != nil {
			return fmt.Errorf("failed to reset location: %w", err)
		}
	}
	return nil
}

func (c *Client) sendLocation(ctx context.Context) error {
	loc, err := c.loadLocation(ctx)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, c.builder.Location(loc, c.consent.Given(ctx, consent.Location)))
}

// SetUserDetails sends the user profile.
func (c *Client) SetUserDetails(ctx context.Context, details UserDetails) error {
	if !c.consent.Given(ctx, consent.Users) {
		return nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode user details: %w", err)
	}
	return c.enqueue(ctx, c.builder.UserDetails(payload))
}

// SendReferrer attributes the install to a campaign.
func (c *Client) SendReferrer(ctx context.Context, campaignID, campaignUser string) error {
	if campaignID == "" {
		return &ConfigError{Field: "campaignID", Message: "cannot be empty"}
	}
	if !c.consent.Given(ctx, consent.Attribution) {
		return nil
	}
	return c.enqueue(ctx, c.builder.Referrer(campaignID, campaignUser))
}

// SetAdvertisingID stores the advertising id reported with sessions. With
// limitTracking the stored id is cleared instead.
func (c *Client) SetAdvertisingID(ctx context.Context, id string, limitTracking bool) error {
	if limitTracking {
		id = ""
	}
	if err := c.store.SetPreference(ctx, storage.KeyAdvertisingID, id); err != nil {
		return fmt.Errorf("failed to store advertising id: %w", err)
	}
	return nil
}

// advertisingID returns the stored id when attribution is allowed.
func (c *Client) advertisingID(ctx context.Context) string {
	if !c.consent.Given(ctx, consent.Attribution) {
		return ""
	}
	id, _, err := c.store.Preference(ctx, storage.KeyAdvertisingID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read advertising id")
		return ""
	}
	return id
}
