package delivery

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/request"
	"github.com/nicktill/tinycount/pkg/sdk/transport"
	"github.com/nicktill/tinycount/pkg/storage"
)

// Status says why a Drain call returned.
type Status int

const (
	// Idle means the queue is empty.
	Idle Status = iota
	// Unresolved means no device id is available yet.
	Unresolved
	// Retry means a send failed and the oldest request was kept.
	Retry
	// Deferred means a merge request is waiting out its grace period.
	Deferred
	// Stopped means the context ended or the store failed.
	Stopped
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Unresolved:
		return "unresolved"
	case Retry:
		return "retry"
	case Deferred:
		return "deferred"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Drain.
type Outcome struct {
	Status Status
	Until  time.Time // set for Deferred
	Err    error
}

// Identity is the device identity seen by the worker.
type Identity interface {
	ID() (string, bool)
	ChangeToDeveloperID(ctx context.Context, id string) error
}

// WorkerConfig holds the worker's collaborators.
type WorkerConfig struct {
	Queue     storage.RequestQueue
	Identity  Identity
	Transport transport.Transport
	Logger    zerolog.Logger

	// SkipCrawler reports whether requests should be dropped because the
	// device is a known crawler and crawler traffic is ignored.
	SkipCrawler func() bool

	// MergeGrace defaults to config.MergeGracePeriod.
	MergeGrace time.Duration
	Clock      func() time.Time
}

type pendingMerge struct {
	request string
	readyAt time.Time
}

// Worker drains the request queue oldest first. A Worker is not safe for
// concurrent use; the Scheduler guarantees a single caller.
type Worker struct {
	queue       storage.RequestQueue
	identity    Identity
	transport   transport.Transport
	logger      zerolog.Logger
	skipCrawler func() bool
	grace       time.Duration
	now         func() time.Time

	merge *pendingMerge
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		queue:       cfg.Queue,
		identity:    cfg.Identity,
		transport:   cfg.Transport,
		logger:      cfg.Logger,
		skipCrawler: cfg.SkipCrawler,
		grace:       cfg.MergeGrace,
		now:         cfg.Clock,
	}
	if w.grace <= 0 {
		w.grace = config.MergeGracePeriod
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.skipCrawler == nil {
		w.skipCrawler = func() bool { return false }
	}
	return w
}

// Drain sends stored requests until the queue is empty or something stops it.
func (w *Worker) Drain(ctx context.Context) Outcome {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: Stopped, Err: err}
		}

		stored, ok, err := w.queue.PeekOldest(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to read request queue")
			return Outcome{Status: Stopped, Err: err}
		}
		if !ok {
			w.merge = nil
			return Outcome{Status: Idle}
		}

		current, resolved := w.identity.ID()
		if !resolved {
			w.logger.Info().Msg("no device id available yet, delivery paused")
			return Outcome{Status: Unresolved}
		}

		payload, mergeID, until := w.prepare(stored, current)
		if !until.IsZero() {
			DeferredTotal.Inc()
			return Outcome{Status: Deferred, Until: until}
		}

		if w.skipCrawler() {
			w.logger.Info().Msg("device is a known crawler, dropping request")
			if err := w.queue.Remove(ctx, stored); err != nil {
				return Outcome{Status: Stopped, Err: err}
			}
			w.merge = nil
			RequestsTotal.WithLabelValues(outcomeSkipped).Inc()
			continue
		}

		resp, err := w.transport.Send(ctx, payload)
		if err != nil {
			w.logger.Warn().Err(err).Msg("failed to deliver request, will retry")
			RequestsTotal.WithLabelValues(outcomeRetried).Inc()
			return Outcome{Status: Retry, Err: err}
		}

		switch {
		case resp.Success():
			if err := w.queue.Remove(ctx, stored); err != nil {
				return Outcome{Status: Stopped, Err: err}
			}
			w.merge = nil
			if mergeID != "" {
				if err := w.identity.ChangeToDeveloperID(ctx, mergeID); err != nil {
					w.logger.Error().Err(err).Msg("failed to commit device id change")
				}
			}
			RequestsTotal.WithLabelValues(outcomeSent).Inc()
			w.logger.Debug().Int("status", resp.StatusCode).Msg("request delivered")

		case resp.StatusCode == http.StatusTooManyRequests:
			w.logger.Warn().Msg("rate limited by server, will retry")
			RequestsTotal.WithLabelValues(outcomeRetried).Inc()
			return Outcome{Status: Retry}

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			w.logger.Warn().Int("status", resp.StatusCode).Msg("request rejected, dropping it")
			if err := w.queue.Remove(ctx, stored); err != nil {
				return Outcome{Status: Stopped, Err: err}
			}
			w.merge = nil
			RequestsTotal.WithLabelValues(outcomeRejected).Inc()

		default:
			w.logger.Warn().Int("status", resp.StatusCode).Msg("request failed, will retry")
			RequestsTotal.WithLabelValues(outcomeRetried).Inc()
			return Outcome{Status: Retry}
		}
	}
}

// prepare rewrites a stored request for sending. mergeID is set when a 2xx
// must commit a device id change; until is set while a merge is held back.
func (w *Worker) prepare(stored, current string) (payload, mergeID string, until time.Time) {
	switch {
	case strings.Contains(stored, request.TagOverrideID):
		return strings.ReplaceAll(stored, request.TagOverrideID, request.TagDeviceID), "", time.Time{}

	case strings.Contains(stored, request.TagDeviceID):
		newID, _ := request.DeviceIDAfterTag(stored)
		if newID == current {
			return stored, "", time.Time{}
		}

		now := w.now()
		if w.merge == nil || w.merge.request != stored {
			w.merge = &pendingMerge{request: stored, readyAt: now.Add(w.grace)}
			w.logger.Debug().Dur("grace", w.grace).Msg("holding device id merge request")
		}
		if now.Before(w.merge.readyAt) {
			return "", "", w.merge.readyAt
		}
		return stored + request.TagOldDeviceID + request.Encode(current), newID, time.Time{}

	default:
		return stored + request.TagDeviceID + request.Encode(current), "", time.Time{}
	}
}
