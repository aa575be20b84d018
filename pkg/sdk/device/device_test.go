package device

import (
	"context"
	"runtime"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSource(t *testing.T) {
	m := RuntimeSource{AppVersion: "1.2.3", DeviceName: "build-box"}.Metrics(context.Background())

	assert.Equal(t, "build-box", m[KeyDevice])
	assert.Equal(t, runtime.GOOS, m[KeyOS])
	assert.Equal(t, "1.2.3", m[KeyAppVersion])
}

func TestMetrics_JSONSkipsEmpty(t *testing.T) {
	m := Metrics{KeyOS: "linux", KeyCarrier: ""}

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(m.JSON(), &decoded))
	assert.Equal(t, map[string]string{"_os": "linux"}, decoded)
}

func TestLocale(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "nb_NO.UTF-8")
	assert.Equal(t, "nb_NO", Locale())

	t.Setenv("LANG", "C")
	assert.Equal(t, "", Locale())
}

func TestIsCrawler(t *testing.T) {
	crawlers := []string{"Calypso AppCrawler"}

	assert.True(t, IsCrawler("Calypso AppCrawler", crawlers))
	assert.True(t, IsCrawler("calypso appcrawler ", crawlers))
	assert.False(t, IsCrawler("Pixel 8", crawlers))
	assert.False(t, IsCrawler("", crawlers))
}

func TestReadStats(t *testing.T) {
	s := ReadStats()
	assert.Greater(t, s.Goroutines, 0)
	assert.Greater(t, s.HeapBytes, uint64(0))
	assert.Equal(t, runtime.NumCPU(), s.CPUCount)
}

func TestStatic(t *testing.T) {
	src := Static{KeyDevice: "fixed"}
	m := src.Metrics(context.Background())
	m[KeyDevice] = "changed"
	assert.Equal(t, "fixed", src[KeyDevice])
}
