package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/sdk"
)

// analytics is what the shop reports to.
type analytics interface {
	RecordEvent(ctx context.Context, e sdk.Event) error
	RecordView(ctx context.Context, name string) error
	RecordError(ctx context.Context, err error, nonfatal bool, segments map[string]string) error
	AddCrashLog(ctx context.Context, line string)
	RemoteConfigValue(ctx context.Context, key string) (any, bool, error)
}

var _ analytics = (*sdk.Client)(nil)

var errPaymentDeclined = errors.New("payment declined")

type product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

var catalog = []product{
	{ID: 1, Name: "Mechanical keyboard", Price: 129},
	{ID: 2, Name: "USB-C hub", Price: 49.5},
	{ID: 3, Name: "Desk lamp", Price: 35},
}

type shop struct {
	analytics analytics
	logger    zerolog.Logger
}

func newShop(a analytics, logger zerolog.Logger) *shop {
	return &shop{analytics: a, logger: logger}
}

func (s *shop) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/products", s.handleProducts)
	mux.HandleFunc("/api/checkout", s.handleCheckout)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
}

func (s *shop) handleProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.analytics.RecordView(ctx, "products"); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record view")
	}

	banner := "none"
	if v, ok, err := s.analytics.RemoteConfigValue(ctx, "banner"); err == nil && ok {
		if str, isStr := v.(string); isStr {
			banner = str
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": catalog, "banner": banner})
}

func (s *shop) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	item := catalog[rand.Intn(len(catalog))]
	s.analytics.AddCrashLog(ctx, "checkout started for product "+item.Name)
	time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

	// one in ten payments fails
	if rand.Intn(10) == 0 {
		if err := s.analytics.RecordError(ctx, errPaymentDeclined, true, map[string]string{"product": item.Name}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record error")
		}
		http.Error(w, errPaymentDeclined.Error(), http.StatusPaymentRequired)
		return
	}

	if err := s.analytics.RecordEvent(ctx, sdk.Event{
		Key:          "purchase",
		Count:        1,
		Sum:          item.Price,
		Segmentation: map[string]any{"product": item.Name},
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record purchase")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ordered": item})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
