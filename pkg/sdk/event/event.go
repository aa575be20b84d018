package event

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinycount/pkg/sdk/request"
	"github.com/nicktill/tinycount/pkg/storage"
)

// Reserved keys
const (
	ViewKey       = "[CLY]_view"
	StarRatingKey = "[CLY]_star_rating"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid event")

// Event is one custom event as sent in the events array.
type Event struct {
	Key          string         `json:"key"`
	Count        int            `json:"count"`
	Sum          float64        `json:"sum,omitempty"`
	Dur          float64        `json:"dur,omitempty"`
	Segmentation map[string]any `json:"segmentation,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Hour         int            `json:"hour"`
	DOW          int            `json:"dow"`
	TZ           int            `json:"tz"`
}

// Validate checks key, count and segmentation. Segment values may be
// strings (non-empty), integers, floats or booleans.
func (e Event) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalid)
	}
	if e.Count < 1 {
		return fmt.Errorf("%w: count must be at least 1, got %d", ErrInvalid, e.Count)
	}
	for k, v := range e.Segmentation {
		if k == "" {
			return fmt.Errorf("%w: empty segmentation key", ErrInvalid)
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				return fmt.Errorf("%w: empty value for segment %q", ErrInvalid, k)
			}
		case int, int32, int64, float32, float64, bool:
		default:
			return fmt.Errorf("%w: unsupported value type %T for segment %q", ErrInvalid, v, k)
		}
	}
	return nil
}

// Queue stores events until they are flushed as one events request.
type Queue struct {
	store storage.EventQueue
	clock *request.TimeSource

	// mu keeps Drain from interleaving with itself
	mu sync.Mutex
}

// NewQueue creates a queue over the given store.
func NewQueue(store storage.EventQueue, clock *request.TimeSource) *Queue {
	return &Queue{store: store, clock: clock}
}

// Record stamps, validates and stores e.
func (q *Queue) Record(ctx context.Context, e Event) error {
	if e.Count == 0 {
		e.Count = 1
	}
	if err := e.Validate(); err != nil {
		return err
	}

	now := q.clock.Now()
	e.Timestamp = now.Millis
	e.Hour = now.Hour
	e.DOW = now.DOW
	e.TZ = now.TZ

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return q.store.AppendEvent(ctx, raw)
}

// Size returns how many events are waiting.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.EventCount(ctx)
}

// Drain hands every stored event to commit as a URL-encoded JSON array ready
// for the events field, then removes them. commit runs under the drain lock,
// so batches reach it in storage order; when it fails the events stay stored.
// n is 0 when nothing was stored, and commit is not called.
func (q *Queue) Drain(ctx context.Context, commit func(encoded string) error) (n int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.store.Events(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	ids := make([]uint64, 0, len(events))
	buf.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e.Raw)
		ids = append(ids, e.ID)
	}
	buf.WriteByte(']')

	if err := commit(request.Encode(buf.String())); err != nil {
		return 0, err
	}
	if err := q.store.RemoveEvents(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to remove flushed events: %w", err)
	}
	return len(events), nil
}

// Timer tracks events started with Start and finished with End.
type Timer struct {
	now func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// NewTimer creates a Timer. A nil clock means time.Now.
func NewTimer(clock func() time.Time) *Timer {
	if clock == nil {
		clock = time.Now
	}
	return &Timer{now: clock, started: make(map[string]time.Time)}
}

// Start begins timing key. It returns false when key is already running.
func (t *Timer) Start(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.started[key]; ok {
		return false
	}
	t.started[key] = t.now()
	return true
}

// End stops timing key and returns the event with Dur in seconds.
// ok is false when key was never started.
func (t *Timer) End(key string, segmentation map[string]any, count int, sum float64) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.started[key]
	if !ok {
		return Event{}, false
	}
	delete(t.started, key)

	return Event{
		Key:          key,
		Count:        count,
		Sum:          sum,
		Dur:          t.now().Sub(start).Seconds(),
		Segmentation: segmentation,
	}, true
}

// Cancel drops a running timer. It returns false when key was not running.
func (t *Timer) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.started[key]; !ok {
		return false
	}
	delete(t.started, key)
	return true
}
