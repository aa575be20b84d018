package sdk

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"time"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/event"
)

// Timed event errors
var (
	ErrEventAlreadyStarted = errors.New("timed event already started")
	ErrEventNotStarted     = errors.New("timed event not started")
)

// Event is re-exported so hosts need only import sdk.
type Event = event.Event

// featureFor says which consent gates an event key.
func featureFor(key string) consent.Feature {
	switch key {
	case event.ViewKey:
		return consent.Views
	case event.StarRatingKey:
		return consent.StarRating
	default:
		return consent.Events
	}
}

// RecordEvent stores e. Views and star ratings are sent right away; other
// events once the queue threshold is reached. A missing consent drops the
// event without an error.
func (c *Client) RecordEvent(ctx context.Context, e Event) error {
	if e.Count == 0 {
		e.Count = 1
	}
	if err := e.Validate(); err != nil {
		return err
	}

	feature := featureFor(e.Key)
	if !c.consent.Given(ctx, feature) {
		c.logger.Debug().Str("key", e.Key).Str("feature", string(feature)).Msg("event dropped, no consent")
		return nil
	}

	if err := c.events.Record(ctx, e); err != nil {
		return err
	}

	if feature != consent.Events {
		return c.FlushEvents(ctx)
	}
	return c.flushEventsIfNeeded(ctx)
}

func (c *Client) flushEventsIfNeeded(ctx context.Context) error {
	n, err := c.events.Size(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	threshold := c.threshold
	c.mu.Unlock()

	if n >= threshold {
		return c.FlushEvents(ctx)
	}
	return nil
}

// FlushEvents moves every stored event into one events request.
func (c *Client) FlushEvents(ctx context.Context) error {
	_, err := c.events.Drain(ctx, func(encoded string) error {
		return c.enqueue(ctx, c.builder.Events(encoded))
	})
	return err
}

// RecordView records a view named name and the duration of the previous one.
func (c *Client) RecordView(ctx context.Context, name string) error {
	if name == "" {
		return &ConfigError{Field: "name", Message: "view name cannot be empty"}
	}
	if err := c.reportViewDuration(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastView = name
	c.lastViewStart = c.config.Clock()
	first := c.firstView
	c.firstView = false
	c.mu.Unlock()

	seg := map[string]any{
		"name":    name,
		"visit":   "1",
		"segment": runtime.GOOS,
	}
	if first {
		seg["start"] = "1"
	}
	return c.RecordEvent(ctx, Event{Key: event.ViewKey, Count: 1, Segmentation: seg})
}

// reportViewDuration records how long the last view was shown.
func (c *Client) reportViewDuration(ctx context.Context) error {
	c.mu.Lock()
	name, start := c.lastView, c.lastViewStart
	c.mu.Unlock()

	if name == "" || start.IsZero() || !c.consent.Given(ctx, consent.Views) {
		return nil
	}

	dur := int64(c.config.Clock().Sub(start).Seconds())
	c.mu.Lock()
	c.lastView = ""
	c.lastViewStart = time.Time{}
	c.mu.Unlock()

	return c.RecordEvent(ctx, Event{
		Key:   event.ViewKey,
		Count: 1,
		Segmentation: map[string]any{
			"name":    name,
			"dur":     strconv.FormatInt(dur, 10),
			"segment": runtime.GOOS,
		},
	})
}

// StartEvent starts timing key.
func (c *Client) StartEvent(key string) error {
	if key == "" {
		return &ConfigError{Field: "key", Message: "event key cannot be empty"}
	}
	if !c.timed.Start(key) {
		return ErrEventAlreadyStarted
	}
	return nil
}

// EndEvent stops timing key and records it with its duration in seconds.
func (c *Client) EndEvent(ctx context.Context, key string, segmentation map[string]any, count int, sum float64) error {
	if count == 0 {
		count = 1
	}
	e, ok := c.timed.End(key, segmentation, count, sum)
	if !ok {
		return ErrEventNotStarted
	}
	return c.RecordEvent(ctx, e)
}

// CancelEvent drops a running timed event.
func (c *Client) CancelEvent(key string) error {
	if !c.timed.Cancel(key) {
		return ErrEventNotStarted
	}
	return nil
}
