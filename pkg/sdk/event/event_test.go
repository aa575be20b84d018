package event

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/sdk/request"
	"github.com/nicktill/tinycount/pkg/storage/memory"
)

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"ok", Event{Key: "purchase", Count: 1}, false},
		{"empty key", Event{Count: 1}, true},
		{"zero count", Event{Key: "k", Count: 0}, true},
		{"empty segment key", Event{Key: "k", Count: 1, Segmentation: map[string]any{"": "v"}}, true},
		{"empty segment value", Event{Key: "k", Count: 1, Segmentation: map[string]any{"a": ""}}, true},
		{"numeric segment", Event{Key: "k", Count: 1, Segmentation: map[string]any{"n": 3, "f": 1.5}}, false},
		{"bad segment type", Event{Key: "k", Count: 1, Segmentation: map[string]any{"x": []int{1}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueue_RecordAndDrain(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() }
	q := NewQueue(memory.New(), request.NewTimeSource(clock))

	require.NoError(t, q.Record(ctx, Event{Key: "a", Segmentation: map[string]any{"plan": "pro"}}))
	require.NoError(t, q.Record(ctx, Event{Key: "b", Count: 3, Sum: 9.5}))

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var encoded string
	drained, err := q.Drain(ctx, func(e string) error {
		encoded = e
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drained)

	raw, err := url.QueryUnescape(encoded)
	require.NoError(t, err)

	var events []Event
	require.NoError(t, json.Unmarshal([]byte(raw), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, 1, events[0].Count)
	assert.Equal(t, "pro", events[0].Segmentation["plan"])
	assert.Equal(t, "b", events[1].Key)
	assert.Equal(t, 9.5, events[1].Sum)
	assert.Greater(t, events[1].Timestamp, events[0].Timestamp, "timestamps are unique")

	n, _ = q.Size(ctx)
	assert.Equal(t, 0, n)

	drained, err = q.Drain(ctx, func(string) error {
		t.Fatal("commit called for an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, drained)
}

func TestQueue_DrainKeepsEventsWhenCommitFails(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(memory.New(), request.NewTimeSource(nil))
	require.NoError(t, q.Record(ctx, Event{Key: "a"}))

	errFull := errors.New("queue full")
	_, err := q.Drain(ctx, func(string) error { return errFull })
	assert.ErrorIs(t, err, errFull)

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_ConcurrentDrainsCommitInOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(memory.New(), request.NewTimeSource(nil))

	var (
		mu        sync.Mutex
		committed []string
		wg        sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Record(ctx, Event{Key: fmt.Sprintf("e%02d", i)}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Drain(ctx, func(encoded string) error {
				raw, err := url.QueryUnescape(encoded)
				if err != nil {
					return err
				}
				var events []Event
				if err := json.Unmarshal([]byte(raw), &events); err != nil {
					return err
				}
				mu.Lock()
				for _, e := range events {
					committed = append(committed, e.Key)
				}
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, committed, 20)
	for i, key := range committed {
		assert.Equal(t, fmt.Sprintf("e%02d", i), key)
	}
}

func TestQueue_RecordRejectsInvalid(t *testing.T) {
	q := NewQueue(memory.New(), request.NewTimeSource(nil))
	assert.ErrorIs(t, q.Record(context.Background(), Event{}), ErrInvalid)
}

func TestTimer(t *testing.T) {
	now := time.Unix(100, 0)
	timer := NewTimer(func() time.Time { return now })

	assert.True(t, timer.Start("load"))
	assert.False(t, timer.Start("load"), "duplicate start")

	now = now.Add(2500 * time.Millisecond)
	e, ok := timer.End("load", nil, 1, 0)
	require.True(t, ok)
	assert.Equal(t, "load", e.Key)
	assert.InDelta(t, 2.5, e.Dur, 0.0001)

	_, ok = timer.End("load", nil, 1, 0)
	assert.False(t, ok)

	assert.True(t, timer.Start("x"))
	assert.True(t, timer.Cancel("x"))
	assert.False(t, timer.Cancel("x"))
}
