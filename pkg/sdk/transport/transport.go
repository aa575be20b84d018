package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/request"
)

// maxBodyRead caps how much of a response body is kept.
const maxBodyRead = 1 << 20

// Response is what the collector answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport sends one stored request.
type Transport interface {
	Send(ctx context.Context, data string) (Response, error)
}

// Config holds the transport settings.
type Config struct {
	ServerURL string
	Headers   map[string]string
	Salt      string
	ForcePOST bool

	// Client overrides the default client with 30s timeouts
	Client *http.Client
}

// HTTPTransport implements Transport using HTTP
type HTTPTransport struct {
	server  string
	headers map[string]string
	client  *http.Client

	mu        sync.RWMutex
	salt      string
	forcePOST bool
}

// NewHTTP creates a new HTTP transport
func NewHTTP(cfg Config) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: config.ConnectTimeout + config.ReadTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: config.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   config.ConnectTimeout,
				ResponseHeaderTimeout: config.ReadTimeout,
				MaxIdleConns:          4,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if k != "" {
			headers[k] = v
		}
	}

	return &HTTPTransport{
		server:    strings.TrimSuffix(cfg.ServerURL, "/"),
		headers:   headers,
		client:    client,
		salt:      cfg.Salt,
		forcePOST: cfg.ForcePOST,
	}
}

// SetSalt enables checksums over every request. An empty salt disables them.
func (t *HTTPTransport) SetSalt(salt string) {
	t.mu.Lock()
	t.salt = salt
	t.mu.Unlock()
}

// SetForcePOST makes every request without a picture a POST.
func (t *HTTPTransport) SetForcePOST(force bool) {
	t.mu.Lock()
	t.forcePOST = force
	t.mu.Unlock()
}

func (t *HTTPTransport) settings() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.salt, t.forcePOST
}

// usePOST reports whether data has to travel in the body.
func usePOST(data string, forced bool) bool {
	return forced || strings.Contains(data, request.TagCrash) || len(data) >= config.MaxGETLength
}

// inURL reports whether data fits the query string.
func inURL(data string) bool {
	return !strings.Contains(data, request.TagCrash) && len(data) < config.MaxGETLength
}

// URL returns the ingest URL for data. Short crash-free data rides in the
// query string; anything else only carries the checksum.
func (t *HTTPTransport) URL(data string) string {
	salt, _ := t.settings()

	url := t.server + config.IngestPath + "?"
	if inURL(data) {
		url += data
		if salt != "" {
			url += "&" + request.TagChecksum + request.Checksum(data, salt)
		}
		return url
	}
	if salt != "" {
		url += request.TagChecksum + request.Checksum(data, salt)
	}
	return url
}

// Send sends data to the ingest endpoint
func (t *HTTPTransport) Send(ctx context.Context, data string) (Response, error) {
	_, forced := t.settings()
	url := t.URL(data)

	var (
		req *http.Request
		err error
	)
	if picture := request.PicturePath(data); picture != "" && readable(picture) {
		req, err = t.multipartRequest(ctx, url, data, picture)
	} else if usePOST(data, forced) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	return t.do(req)
}

// Fetch issues a GET to path with the query appended, e.g. remote config.
func (t *HTTPTransport) Fetch(ctx context.Context, path, query string) (Response, error) {
	salt, _ := t.settings()
	url := t.server + path + "?" + query
	if salt != "" {
		url += "&" + request.TagChecksum + request.Checksum(query, salt)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	return t.do(req)
}

func (t *HTTPTransport) do(req *http.Request) (Response, error) {
	for k, v := range t.headers {
		req.Header.Add(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("failed to read response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// multipartRequest uploads the file at path as the binaryFile field. Data too
// long for the URL goes first as one form field per parameter, in order. The
// body is streamed so the picture is never held in memory.
func (t *HTTPTransport) multipartRequest(ctx context.Context, url, data, path string) (*http.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var fields [][2]string
	if !inURL(data) {
		if fields, err = splitPairs(data); err != nil {
			f.Close()
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	if err := w.SetBoundary(strings.ReplaceAll(uuid.NewString(), "-", "")); err != nil {
		f.Close()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		f.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	go func() {
		defer f.Close()
		pw.CloseWithError(writeMultipart(w, fields, f, filepath.Base(path)))
	}()
	return req, nil
}

func writeMultipart(w *multipart.Writer, fields [][2]string, f io.Reader, name string) error {
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="binaryFile"; filename="%s"`, name))
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "binary")

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read picture: %w", err)
	}
	return w.Close()
}

// splitPairs decodes data into its parameters without reordering them.
func splitPairs(data string) ([][2]string, error) {
	var pairs [][2]string
	for _, pair := range strings.Split(data, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		value, err := neturl.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("malformed parameter %q: %w", k, err)
		}
		pairs = append(pairs, [2]string{k, value})
	}
	return pairs, nil
}

func readable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
