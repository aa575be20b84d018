// Package device describes the machine the host program runs on.
package device

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Metrics is the flat attribute bag sent as the metrics field.
type Metrics map[string]string

// Well-known metric keys
const (
	KeyDevice     = "_device"
	KeyOS         = "_os"
	KeyOSVersion  = "_os_version"
	KeyCarrier    = "_carrier"
	KeyResolution = "_resolution"
	KeyDensity    = "_density"
	KeyLocale     = "_locale"
	KeyAppVersion = "_app_version"
)

// JSON encodes the non-empty entries.
func (m Metrics) JSON() []byte {
	clean := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			clean[k] = v
		}
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// Source produces the metrics bag.
type Source interface {
	Metrics(ctx context.Context) Metrics
}

// RuntimeSource reports what the Go runtime and the OS expose.
type RuntimeSource struct {
	AppVersion string

	// DeviceName overrides the hostname
	DeviceName string
}

// Metrics reads the current device attributes.
func (s RuntimeSource) Metrics(ctx context.Context) Metrics {
	name := s.DeviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	return Metrics{
		KeyDevice:     name,
		KeyOS:         runtime.GOOS,
		KeyOSVersion:  osVersion(),
		KeyLocale:     Locale(),
		KeyAppVersion: s.AppVersion,
	}
}

// Static is a fixed metrics bag.
type Static Metrics

// Metrics returns a copy of the bag.
func (s Static) Metrics(ctx context.Context) Metrics {
	out := make(Metrics, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Locale returns the POSIX locale as lang_COUNTRY, e.g. en_US.
func Locale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" && v != "C" && v != "POSIX" {
			if i := strings.IndexAny(v, ".@"); i >= 0 {
				v = v[:i]
			}
			return v
		}
	}
	return ""
}

// osVersion reads VERSION_ID from /etc/os-release where it exists.
func osVersion() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// IsCrawler reports whether name matches one of the known crawler devices.
func IsCrawler(name string, crawlers []string) bool {
	if name == "" {
		return false
	}
	for _, c := range crawlers {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// Stats is a snapshot of process resource usage attached to crash reports.
type Stats struct {
	Goroutines   int
	HeapBytes    uint64
	SysBytes     uint64
	NumGC        uint32
	Uptime       time.Duration
	CPUCount     int
	Architecture string
}

var processStart = time.Now()

// ReadStats collects runtime memory and scheduler figures.
func ReadStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Stats{
		Goroutines:   runtime.NumGoroutine(),
		HeapBytes:    m.HeapAlloc,
		SysBytes:     m.Sys,
		NumGC:        m.NumGC,
		Uptime:       time.Since(processStart),
		CPUCount:     runtime.NumCPU(),
		Architecture: runtime.GOARCH,
	}
}
