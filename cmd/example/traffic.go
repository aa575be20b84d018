package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// simulateTraffic browses and buys every few seconds until ctx ends.
func simulateTraffic(ctx context.Context, base string, logger zerolog.Logger) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			method, path := http.MethodGet, "/api/products"
			if n%3 == 0 {
				method, path = http.MethodPost, "/api/checkout"
			}

			req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				logger.Debug().Err(err).Str("path", path).Msg("simulated request failed")
				continue
			}
			resp.Body.Close()
			logger.Debug().Int("n", n).Str("path", path).Int("status", resp.StatusCode).Msg("simulated request")
		}
	}
}
