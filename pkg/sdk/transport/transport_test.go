package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinycount/pkg/sdk/request"
)

type captured struct {
	method      string
	rawQuery    string
	body        string
	contentType string
	header      http.Header
	fileName    string
	fileData    string
	fileEnc     string
	fields      []string // multipart form fields as k=v, in order
}

func newServer(t *testing.T, status int) (*httptest.Server, func() captured) {
	t.Helper()

	var (
		mu   sync.Mutex
		last captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{
			method:      r.Method,
			rawQuery:    r.URL.RawQuery,
			contentType: r.Header.Get("Content-Type"),
			header:      r.Header.Clone(),
		}
		if strings.HasPrefix(c.contentType, "multipart/form-data") {
			mr, err := r.MultipartReader()
			if err != nil {
				t.Errorf("multipart reader: %v", err)
			} else {
				for {
					part, err := mr.NextPart()
					if err != nil {
						break
					}
					data, _ := io.ReadAll(part)
					if part.FileName() == "" {
						c.fields = append(c.fields, part.FormName()+"="+url.QueryEscape(string(data)))
						continue
					}
					c.fileName = part.FileName()
					c.fileData = string(data)
					c.fileEnc = part.Header.Get("Content-Transfer-Encoding")
				}
			}
		} else {
			body, _ := io.ReadAll(r.Body)
			c.body = string(body)
		}

		mu.Lock()
		last = c
		mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"Success"}`))
	}))
	t.Cleanup(server.Close)

	return server, func() captured {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestHTTPTransport_ShortRequestUsesGET(t *testing.T) {
	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL + "/"})

	resp, err := tr.Send(context.Background(), "app_key=k&events=x")
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, `{"result":"Success"}`, string(resp.Body))

	got := last()
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "app_key=k&events=x", got.rawQuery)
	assert.Empty(t, got.body)
}

func TestHTTPTransport_Checksum(t *testing.T) {
	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL, Salt: "pepper"})

	data := "app_key=k&begin_session=1"
	_, err := tr.Send(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, data+"&checksum="+request.Checksum(data, "pepper"), last().rawQuery)

	tr.SetSalt("")
	_, err = tr.Send(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, data, last().rawQuery)
}

func TestHTTPTransport_POSTCases(t *testing.T) {
	long := "app_key=k&events=" + strings.Repeat("a", 2048)
	crash := "app_key=k&crash=%7B%7D"

	tests := []struct {
		name   string
		data   string
		forced bool
	}{
		{"long payload", long, false},
		{"crash", crash, false},
		{"forced", "app_key=k", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, last := newServer(t, http.StatusOK)
			tr := NewHTTP(Config{ServerURL: server.URL, Salt: "s"})
			tr.SetForcePOST(tt.forced)

			_, err := tr.Send(context.Background(), tt.data)
			require.NoError(t, err)

			got := last()
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, tt.data, got.body)
			assert.Equal(t, "application/x-www-form-urlencoded", got.contentType)
			if tt.forced {
				assert.Equal(t, tt.data+"&checksum="+request.Checksum(tt.data, "s"), got.rawQuery)
			} else {
				assert.Equal(t, "checksum="+request.Checksum(tt.data, "s"), got.rawQuery)
			}
		})
	}
}

func TestHTTPTransport_PictureUpload(t *testing.T) {
	dir := t.TempDir()
	pic := filepath.Join(dir, "avatar.png")
	require.NoError(t, os.WriteFile(pic, []byte("PNGDATA"), 0o600))

	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL})

	data := "app_key=k&" + request.TagUserDetails + request.Encode(`{"name":"a","picturePath":"`+pic+`"}`)
	_, err := tr.Send(context.Background(), data)
	require.NoError(t, err)

	got := last()
	assert.Equal(t, http.MethodPost, got.method)
	assert.True(t, strings.HasPrefix(got.contentType, "multipart/form-data"))
	assert.Equal(t, "avatar.png", got.fileName)
	assert.Equal(t, "PNGDATA", got.fileData)
	assert.Equal(t, "binary", got.fileEnc)
	assert.Equal(t, data, got.rawQuery)
	assert.Empty(t, got.fields)
}

func TestHTTPTransport_LongPictureRequestSendsDataAsFields(t *testing.T) {
	dir := t.TempDir()
	pic := filepath.Join(dir, "avatar.jpg")
	require.NoError(t, os.WriteFile(pic, []byte("JPEGDATA"), 0o600))

	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL, Salt: "s"})

	details := `{"name":"` + strings.Repeat("a", 2500) + `","picturePath":"` + pic + `"}`
	data := "app_key=k&timestamp=1&device_id=d-1&" + request.TagUserDetails + request.Encode(details)
	require.GreaterOrEqual(t, len(data), 2048)

	_, err := tr.Send(context.Background(), data)
	require.NoError(t, err)

	got := last()
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "checksum="+request.Checksum(data, "s"), got.rawQuery)
	assert.Equal(t, data, strings.Join(got.fields, "&"))
	assert.Equal(t, "JPEGDATA", got.fileData)
	assert.Equal(t, "avatar.jpg", got.fileName)
}

func TestHTTPTransport_MissingPictureFallsBack(t *testing.T) {
	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL})

	data := "app_key=k&" + request.TagUserDetails + request.Encode(`{"picturePath":"/does/not/exist.png"}`)
	_, err := tr.Send(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, last().method)
}

func TestHTTPTransport_Headers(t *testing.T) {
	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{
		ServerURL: server.URL,
		Headers:   map[string]string{"X-Tenant": "acme", "": "ignored"},
	})

	_, err := tr.Send(context.Background(), "app_key=k")
	require.NoError(t, err)
	assert.Equal(t, "acme", last().header.Get("X-Tenant"))
}

func TestHTTPTransport_StatusIsNotAnError(t *testing.T) {
	server, _ := newServer(t, http.StatusBadRequest)
	tr := NewHTTP(Config{ServerURL: server.URL})

	resp, err := tr.Send(context.Background(), "app_key=k")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, resp.Success())
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	tr := NewHTTP(Config{ServerURL: url})
	_, err := tr.Send(context.Background(), "app_key=k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestHTTPTransport_Fetch(t *testing.T) {
	server, last := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL})

	resp, err := tr.Fetch(context.Background(), "/o/sdk", "method=fetch_remote_config&device_id=d")
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "method=fetch_remote_config&device_id=d", last().rawQuery)
}

func TestHTTPTransport_ContextCanceled(t *testing.T) {
	server, _ := newServer(t, http.StatusOK)
	tr := NewHTTP(Config{ServerURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Send(ctx, "app_key=k")
	assert.ErrorIs(t, err, context.Canceled)
}
