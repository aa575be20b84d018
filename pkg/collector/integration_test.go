package collector_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/collector"
	"github.com/nicktill/tinycount/pkg/sdk"
	"github.com/nicktill/tinycount/pkg/sdk/device"
	"github.com/nicktill/tinycount/pkg/storage/badger"
)

func kinds(h *collector.Handler) map[string]int {
	out := map[string]int{}
	for _, r := range h.Requests() {
		out[r.Kind]++
	}
	return out
}

func TestSDKToCollector(t *testing.T) {
	h := collector.New(collector.Config{
		AppKey: "itest",
		Salt:   "s3cret",
		Remote: map[string]any{"banner": "spring"},
	})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	client, err := sdk.New(sdk.ClientConfig{
		ServerURL:         srv.URL,
		AppKey:            "itest",
		DeviceID:          "user-1",
		Salt:              "s3cret",
		HeartbeatInterval: time.Hour,
		Device:            device.Static{device.KeyDevice: "itest"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx))

	require.NoError(t, client.BeginSession(ctx))
	require.NoError(t, client.RecordEvent(ctx, sdk.Event{Key: "signup"}))
	require.NoError(t, client.FlushEvents(ctx))
	require.NoError(t, client.RecordError(ctx, errors.New("checkout failed"), true, nil))
	require.NoError(t, client.EndSession(ctx))

	require.Eventually(t, func() bool {
		k := kinds(h)
		return k["begin_session"] == 1 && k["events"] == 1 && k["crash"] == 1 && k["end_session"] == 1
	}, 5*time.Second, 20*time.Millisecond)

	for _, r := range h.Requests() {
		assert.Equal(t, "user-1", r.DeviceID)
	}

	done := make(chan error, 1)
	client.UpdateRemoteConfig(nil, nil, func(err error) { done <- err })
	require.NoError(t, <-done)

	v, ok, err := client.RemoteConfigValue(ctx, "banner")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spring", v)

	require.NoError(t, client.Stop(ctx))
}

func TestSDKToCollector_WrongSaltIsRejected(t *testing.T) {
	h := collector.New(collector.Config{Salt: "right"})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	client, err := sdk.New(sdk.ClientConfig{
		ServerURL:         srv.URL,
		AppKey:            "itest",
		DeviceID:          "user-1",
		Salt:              "wrong",
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.BeginSession(ctx))

	// a 400 is permanent, so the request leaves the queue without being recorded
	require.Eventually(t, func() bool {
		pending, err := client.PendingRequests(ctx)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.Requests())

	require.NoError(t, client.Stop(ctx))
}

func TestSDKToCollector_QueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// first run: the server is down, everything stays queued
	client, err := sdk.New(sdk.ClientConfig{
		ServerURL:         "http://127.0.0.1:1",
		AppKey:            "itest",
		DeviceID:          "user-1",
		DataDir:           dir,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, client.BeginSession(ctx))
	require.NoError(t, client.RecordEvent(ctx, sdk.Event{Key: "offline"}))
	require.NoError(t, client.FlushEvents(ctx))
	require.NoError(t, client.Stop(ctx))

	// second run: a reachable server drains the old queue in order
	h := collector.New(collector.Config{})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	store, err := badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	client, err = sdk.New(sdk.ClientConfig{
		ServerURL:         srv.URL,
		AppKey:            "itest",
		DeviceID:          "user-1",
		Store:             store,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	require.Eventually(t, func() bool { return len(h.Requests()) == 2 }, 5*time.Second, 20*time.Millisecond)
	reqs := h.Requests()
	assert.Equal(t, "begin_session", reqs[0].Kind)
	assert.Equal(t, "events", reqs[1].Kind)

	require.NoError(t, client.Stop(ctx))
}

func TestSDKToCollector_LongUserDetailsWithPicture(t *testing.T) {
	pic := filepath.Join(t.TempDir(), "avatar.png")
	require.NoError(t, os.WriteFile(pic, []byte("PNGDATA"), 0o600))

	h := collector.New(collector.Config{AppKey: "itest", Salt: "s3cret"})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	client, err := sdk.New(sdk.ClientConfig{
		ServerURL:         srv.URL,
		AppKey:            "itest",
		DeviceID:          "user-1",
		Salt:              "s3cret",
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx))

	name := strings.Repeat("n", 3000)
	require.NoError(t, client.SetUserDetails(ctx, sdk.UserDetails{Name: name, PicturePath: pic}))

	require.Eventually(t, func() bool { return kinds(h)["user_details"] == 1 }, 5*time.Second, 20*time.Millisecond)
	for _, r := range h.Requests() {
		if r.Kind != "user_details" {
			continue
		}
		assert.Equal(t, "user-1", r.DeviceID)
		assert.Equal(t, "itest", r.Params["app_key"])
		assert.Contains(t, r.Params["user_details"], name)
		assert.Equal(t, int64(7), r.PictureSize)
	}

	require.NoError(t, client.Stop(ctx))
}
