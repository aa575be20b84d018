/*
Package sdk provides the tinycount client library for reporting product
analytics from Go applications.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    ServerURL: "https://analytics.example.com",
	    AppKey:    "YOUR_APP_KEY",
	    DataDir:   "/var/lib/myapp/tinycount",
	})
	if err != nil {
	    log.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer client.Stop(ctx)

	client.BeginSession(ctx)
	client.RecordEvent(ctx, sdk.Event{Key: "purchase", Sum: 9.99})
	client.EndSession(ctx)

# Delivery

Every feature call turns into a request string appended to a durable queue.
Nothing is sent from the caller's goroutine. A single delivery goroutine
takes the oldest request, sends it and removes it once the server answered:

  - 2xx: delivered, removed
  - 429 or 5xx or a network error: kept, retried on the next heartbeat
  - any other 4xx: rejected by the server, removed

Requests are delivered strictly in order. With DataDir set the queue lives in
BadgerDB and survives restarts; without it the queue is in memory.

The device id is attached at send time, so requests recorded while an
asynchronous id provider is still working are held until it resolves.

# Sessions

	client.BeginSession(ctx)   // begin_session with device metrics
	client.UpdateSession(ctx)  // called by the heartbeat as well
	client.EndSession(ctx)     // end_session, flushes events

The heartbeat (default 5 seconds) reports session duration and queues any
recorded events.

# Events

	client.RecordEvent(ctx, sdk.Event{
	    Key:          "level_up",
	    Segmentation: map[string]any{"level": 4, "class": "mage"},
	})

	client.StartEvent("checkout")
	// ...
	client.EndEvent(ctx, "checkout", nil, 1, 0) // Dur is filled in

	client.RecordView(ctx, "settings")

Events are batched until EventQueueThreshold (default 10) is reached. Views
are sent right away.

# Consent

With RequiresConsent every feature starts denied:

	client.GiveConsent(ctx, consent.Sessions, consent.Events)
	client.RemoveConsent(ctx, consent.Location) // also clears the stored location

Calls for a feature without consent are dropped silently. Consent given
before Start is sent once Start runs.

# Device IDs

	client.ChangeDeviceID(ctx, "user-42", true)  // merge on the server
	client.ChangeDeviceID(ctx, "user-42", false) // new session under the new id

A merge is held back for a short grace period before it is sent, and the
local id only changes after the server accepted it.

# Crashes

	defer client.RecordPanic(ctx)

	if err := doWork(); err != nil {
	    client.RecordError(ctx, err, true, map[string]string{"job": "sync"})
	}

	client.AddCrashLog(ctx, "opened cart")

# Remote Config

	client.UpdateRemoteConfig(nil, nil, func(err error) {
	    v, ok, _ := client.RemoteConfigValue(ctx, "banner_color")
	    // ...
	})

# Tamper Protection

	client.EnableParameterTamperingProtection("shared-salt")

Every request then carries checksum=SHA1(data+salt).

# See Also

  - pkg/sdk/delivery for the queue worker and scheduler
  - pkg/sdk/transport for how requests are put on the wire
  - pkg/collector for a server that accepts these requests
*/
package sdk
