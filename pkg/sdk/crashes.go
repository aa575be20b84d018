package sdk

import (
	"context"
	"errors"
	"os"

	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/crash"
	"github.com/nicktill/tinycount/pkg/sdk/device"
)

// RecordError queues a crash report for err with its stack. segments are
// merged over the custom crash segments.
func (c *Client) RecordError(ctx context.Context, err error, nonfatal bool, segments map[string]string) error {
	if err == nil {
		return nil
	}
	return c.recordCrash(ctx, crash.FromError(err), nonfatal, false, segments)
}

// RecordPanic must be deferred directly. It records a recovered panic as a
// fatal crash, queues it and panics again with the same value.
//
//	defer client.RecordPanic(ctx)
func (c *Client) RecordPanic(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	if err := c.recordCrash(ctx, crash.FromPanic(r), false, false, nil); err != nil {
		c.logger.Error().Err(err).Msg("failed to record panic")
	}
	panic(r)
}

func (c *Client) recordCrash(ctx context.Context, text string, nonfatal, native bool, segments map[string]string) error {
	if !c.consent.Given(ctx, consent.Crashes) {
		return nil
	}

	report := crash.Report{
		Error:    text,
		Nonfatal: nonfatal,
		Native:   native,
		Logs:     c.crumbs.String(),
		Custom:   c.crumbs.Custom(segments),
		Metrics:  c.config.Device.Metrics(ctx),
		Stats:    device.ReadStats(),
	}
	payload, err := report.JSON()
	if err != nil {
		return err
	}
	return c.enqueue(ctx, c.builder.Crash(payload))
}

// AddCrashLog adds a breadcrumb to every later crash report.
func (c *Client) AddCrashLog(ctx context.Context, line string) {
	if !c.consent.Given(ctx, consent.Crashes) {
		return
	}
	c.crumbs.Add(line)
}

// SetCustomCrashSegments replaces the segments attached to crash reports.
func (c *Client) SetCustomCrashSegments(ctx context.Context, segments map[string]string) {
	if !c.consent.Given(ctx, consent.Crashes) {
		return
	}
	c.crumbs.SetCustom(segments)
}

// sendCrashDumps queues dump files left by an earlier run and deletes them.
func (c *Client) sendCrashDumps(ctx context.Context) {
	if !c.consent.Given(ctx, consent.Crashes) {
		return
	}

	dumps, err := crash.CollectDumps(c.config.CrashDumpDir)
	if err != nil && !errors.Is(err, crash.ErrNoDumpDir) {
		c.logger.Warn().Err(err).Msg("failed to read crash dumps")
	}
	for _, d := range dumps {
		if err := c.recordCrash(ctx, d.Encoded, false, true, nil); err != nil {
			c.logger.Warn().Err(err).Str("path", d.Path).Msg("failed to queue crash dump")
			continue
		}
		if err := os.Remove(d.Path); err != nil {
			c.logger.Warn().Err(err).Str("path", d.Path).Msg("failed to delete crash dump")
		}
	}
}
