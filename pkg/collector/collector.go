// Package collector is a small collection server for the tinycount SDK.
//
// It accepts the /i ingest and /o/sdk remote config endpoints, keeps the most
// recent requests in memory and streams them to websocket subscribers. It is
// meant for development and integration tests, not as an analytics backend.
package collector

import (
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/request"
)

const maxBodySize = 32 << 20

// Config configures a Handler.
type Config struct {
	// AppKey, when set, must match every request's app_key.
	AppKey string

	// Salt, when set, requires a valid checksum on every request.
	Salt string

	// Remote is served by fetch_remote_config.
	Remote map[string]any

	// MaxRecorded caps the in-memory history. Defaults to config.MaxRecordedRequests.
	MaxRecorded int

	Logger zerolog.Logger
	Clock  func() time.Time
}

// Request is one accepted SDK request.
type Request struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Method      string            `json:"method"`
	DeviceID    string            `json:"device_id"`
	Params      map[string]string `json:"params"`
	PictureSize int64             `json:"picture_size,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// Handler serves the collection endpoints.
type Handler struct {
	cfg    Config
	logger zerolog.Logger
	hub    *Hub

	mu       sync.RWMutex
	requests []Request
	seen     map[uint64]struct{}
	order    []uint64
	remote   map[string]any
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.MaxRecorded <= 0 {
		cfg.MaxRecorded = config.MaxRecordedRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	remote := make(map[string]any, len(cfg.Remote))
	for k, v := range cfg.Remote {
		remote[k] = v
	}
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		hub:    NewHub(cfg.Logger),
		seen:   make(map[uint64]struct{}),
		remote: remote,
	}
}

// Hub returns the live tail hub. Its Run loop is owned by the caller.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Router returns a gorilla/mux router with every endpoint mounted.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(cors)

	router.HandleFunc(config.IngestPath, h.HandleIngest).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	router.HandleFunc(config.SDKPath, h.HandleSDK).Methods(http.MethodGet, http.MethodOptions)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/requests", h.HandleRequests).Methods(http.MethodGet)
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	api.Handle("/ws", h.hub).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleIngest accepts /i as a query string, a form body or a multipart
// upload with the request in the query string or in form fields.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	data, values, pictureSize, err := readIngest(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	if reason, msg := h.verify(data, values); reason != "" {
		h.respondError(w, http.StatusBadRequest, reason, msg)
		return
	}

	deviceID := values.Get("device_id")
	if deviceID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_device_id", "Missing parameter device_id")
		return
	}

	key := xxhash.Sum64String(deviceID + "|" + values.Get("timestamp") + "|" + values.Get("app_key"))
	req := Request{
		ID:          strconv.FormatUint(key, 16),
		Kind:        kindOf(values),
		Method:      r.Method,
		DeviceID:    deviceID,
		Params:      flatten(values),
		PictureSize: pictureSize,
		ReceivedAt:  h.cfg.Clock(),
	}

	if !h.record(key, req) {
		duplicates.Inc()
		h.logger.Debug().Str("id", req.ID).Msg("duplicate request acknowledged")
		h.respondJSON(w, http.StatusOK, resultResponse{Result: "Success"})
		return
	}

	received.WithLabelValues(req.Kind).Inc()
	h.logger.Debug().Str("kind", req.Kind).Str("device_id", deviceID).Msg("request received")
	if err := h.hub.Broadcast(req); err != nil {
		h.logger.Warn().Err(err).Msg("failed to broadcast request")
	}
	h.respondJSON(w, http.StatusOK, resultResponse{Result: "Success"})
}

// readIngest returns the checksummed data and the parsed parameters. Data in
// the query string wins; a body is only read when the query carries nothing
// but the checksum.
func readIngest(r *http.Request) (data string, values url.Values, pictureSize int64, err error) {
	data, sum := splitChecksum(r.URL.RawQuery)

	if r.Method == http.MethodPost {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			fields, size, err := readMultipart(r)
			if err != nil {
				return "", nil, 0, err
			}
			pictureSize = size
			if data == "" {
				data = fields
			}
		} else if data == "" {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			if err != nil {
				return "", nil, 0, err
			}
			data = string(body)
		}
	}

	values, err = url.ParseQuery(data)
	if err != nil {
		return "", nil, 0, err
	}
	if sum != "" {
		values.Set("checksum", sum)
	}
	return data, values, pictureSize, nil
}

// readMultipart walks the parts in order. Form fields are joined back into
// the query they were split from; binaryFile is only measured.
func readMultipart(r *http.Request) (fields string, pictureSize int64, err error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", 0, err
	}

	var pairs []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}

		if part.FileName() != "" {
			n, err := io.Copy(io.Discard, io.LimitReader(part, maxBodySize))
			if err != nil {
				return "", 0, err
			}
			if part.FormName() == "binaryFile" {
				pictureSize = n
			}
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxBodySize))
		if err != nil {
			return "", 0, err
		}
		pairs = append(pairs, part.FormName()+"="+url.QueryEscape(string(value)))
	}
	return strings.Join(pairs, "&"), pictureSize, nil
}

// splitChecksum separates a trailing checksum parameter from a raw query.
func splitChecksum(raw string) (data, sum string) {
	if strings.HasPrefix(raw, request.TagChecksum) {
		return "", raw[len(request.TagChecksum):]
	}
	idx := strings.LastIndex(raw, "&"+request.TagChecksum)
	if idx < 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1+len(request.TagChecksum):]
}

// verify checks app_key and checksum. It returns the rejection reason, or
// "" when the request is acceptable.
func (h *Handler) verify(data string, values url.Values) (reason, message string) {
	appKey := values.Get("app_key")
	if appKey == "" {
		return "missing_app_key", "Missing parameter app_key"
	}
	if h.cfg.AppKey != "" && appKey != h.cfg.AppKey {
		return "unknown_app", "App does not exist"
	}

	if h.cfg.Salt == "" {
		return "", ""
	}
	got, err := hex.DecodeString(values.Get("checksum"))
	if err != nil || len(got) == 0 {
		return "bad_checksum", "Request does not match checksum"
	}
	want, _ := hex.DecodeString(request.Checksum(data, h.cfg.Salt))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return "bad_checksum", "Request does not match checksum"
	}
	return "", ""
}

// HandleSDK answers /o/sdk?method=fetch_remote_config.
func (h *Handler) HandleSDK(w http.ResponseWriter, r *http.Request) {
	data, _ := splitChecksum(r.URL.RawQuery)
	values := r.URL.Query()

	if reason, msg := h.verify(data, values); reason != "" {
		h.respondError(w, http.StatusBadRequest, reason, msg)
		return
	}
	if values.Get("method") != "fetch_remote_config" {
		h.respondError(w, http.StatusBadRequest, "unknown_method", "Invalid method")
		return
	}

	var keys, omit []string
	if raw := values.Get("keys"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			h.respondError(w, http.StatusBadRequest, "malformed", "keys must be a JSON array")
			return
		}
	}
	if raw := values.Get("omit_keys"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &omit); err != nil {
			h.respondError(w, http.StatusBadRequest, "malformed", "omit_keys must be a JSON array")
			return
		}
	}

	received.WithLabelValues("remote_config").Inc()
	h.respondJSON(w, http.StatusOK, h.RemoteConfig(keys, omit))
}

// RemoteConfig returns the configured values filtered by keys, or by omit
// when keys is empty.
func (h *Handler) RemoteConfig(keys, omit []string) map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]any)
	if len(keys) > 0 {
		for _, k := range keys {
			if v, ok := h.remote[k]; ok {
				out[k] = v
			}
		}
		return out
	}

	skip := make(map[string]bool, len(omit))
	for _, k := range omit {
		skip[k] = true
	}
	for k, v := range h.remote {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}

// SetRemoteConfig replaces the served values.
func (h *Handler) SetRemoteConfig(values map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = make(map[string]any, len(values))
	for k, v := range values {
		h.remote[k] = v
	}
}

// HandleRequests lists recorded requests, newest last. ?device_id= and
// ?kind= filter the list.
func (h *Handler) HandleRequests(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	kind := r.URL.Query().Get("kind")

	all := h.Requests()
	out := make([]Request, 0, len(all))
	for _, req := range all {
		if deviceID != "" && req.DeviceID != deviceID {
			continue
		}
		if kind != "" && req.Kind != kind {
			continue
		}
		out = append(out, req)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"requests": out,
		"count":    len(out),
	})
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"sdk_version": config.SDKVersion,
	})
}

// Requests returns a copy of the recorded requests, oldest first.
func (h *Handler) Requests() []Request {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Request(nil), h.requests...)
}

// record stores req unless key was seen before. The history and the dedup
// window are both capped at MaxRecorded.
func (h *Handler) record(key uint64, req Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.seen[key]; dup {
		return false
	}
	h.seen[key] = struct{}{}
	h.order = append(h.order, key)
	h.requests = append(h.requests, req)

	if over := len(h.requests) - h.cfg.MaxRecorded; over > 0 {
		h.requests = append([]Request(nil), h.requests[over:]...)
	}
	if over := len(h.order) - h.cfg.MaxRecorded; over > 0 {
		for _, old := range h.order[:over] {
			delete(h.seen, old)
		}
		h.order = append([]uint64(nil), h.order[over:]...)
	}
	return true
}

var kinds = []string{"begin_session", "end_session", "events", "crash", "consent", "user_details", "campaign_id", "session_duration", "location"}

func kindOf(values url.Values) string {
	for _, k := range kinds {
		if values.Has(k) {
			return k
		}
	}
	return "other"
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if k == "checksum" || len(v) == 0 {
			continue
		}
		out[k] = v[len(v)-1]
	}
	return out
}
