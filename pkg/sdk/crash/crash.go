// Package crash builds crash reports and keeps the breadcrumb log that
// travels with them.
package crash

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/device"
)

// Report is one crash as sent in the crash field.
type Report struct {
	Error    string
	Nonfatal bool
	Native   bool
	Logs     string
	Custom   map[string]string
	Metrics  device.Metrics
	Stats    device.Stats
}

type wireReport struct {
	Error      string            `json:"_error"`
	Nonfatal   bool              `json:"_nonfatal"`
	Native     bool              `json:"_native_cpp,omitempty"`
	Logs       string            `json:"_logs"`
	Custom     map[string]string `json:"_custom,omitempty"`
	OS         string            `json:"_os,omitempty"`
	OSVersion  string            `json:"_os_version,omitempty"`
	Device     string            `json:"_device,omitempty"`
	AppVersion string            `json:"_app_version,omitempty"`
	Arch       string            `json:"_architecture,omitempty"`
	Run        string            `json:"_run"`
	Goroutines string            `json:"_goroutines"`
	RAMCurrent string            `json:"_ram_current"`
	RAMTotal   string            `json:"_ram_total"`
	CPUs       string            `json:"_cpus"`
}

// JSON encodes the report. Non-native error text is cut to
// config.MaxCrashPayloadSize bytes.
func (r Report) JSON() ([]byte, error) {
	text := r.Error
	if !r.Native && len(text) > config.MaxCrashPayloadSize {
		text = text[:config.MaxCrashPayloadSize]
	}

	w := wireReport{
		Error:      text,
		Nonfatal:   r.Nonfatal,
		Native:     r.Native,
		Logs:       r.Logs,
		Custom:     r.Custom,
		OS:         r.Metrics[device.KeyOS],
		OSVersion:  r.Metrics[device.KeyOSVersion],
		Device:     r.Metrics[device.KeyDevice],
		AppVersion: r.Metrics[device.KeyAppVersion],
		Arch:       r.Stats.Architecture,
		Run:        strconv.FormatInt(int64(r.Stats.Uptime.Seconds()), 10),
		Goroutines: strconv.Itoa(r.Stats.Goroutines),
		RAMCurrent: strconv.FormatUint(r.Stats.HeapBytes/(1<<20), 10),
		RAMTotal:   strconv.FormatUint(r.Stats.SysBytes/(1<<20), 10),
		CPUs:       strconv.Itoa(r.Stats.CPUCount),
	}
	return json.Marshal(w)
}

// FromError renders err with the current goroutine's stack.
func FromError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error() + "\n\n" + string(debug.Stack())
}

// FromPanic renders a recovered value with the current stack.
func FromPanic(v any) string {
	return fmt.Sprintf("panic: %v\n\n%s", v, debug.Stack())
}

// Breadcrumbs is a bounded log of recent host messages. The oldest entry is
// dropped once the limit is reached.
type Breadcrumbs struct {
	mu     sync.Mutex
	limit  int
	lines  []string
	custom map[string]string
}

// NewBreadcrumbs creates a log holding at most limit lines.
func NewBreadcrumbs(limit int) *Breadcrumbs {
	if limit <= 0 {
		limit = config.MaxBreadcrumbs
	}
	return &Breadcrumbs{limit: limit}
}

// Add appends a line.
func (b *Breadcrumbs) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.limit {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
	}
	b.lines = append(b.lines, line)
}

// String joins the lines with newlines.
func (b *Breadcrumbs) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// SetCustom replaces the custom segments attached to every report.
func (b *Breadcrumbs) SetCustom(segments map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.custom = make(map[string]string, len(segments))
	for k, v := range segments {
		b.custom[k] = v
	}
}

// Custom merges extra over the stored custom segments.
func (b *Breadcrumbs) Custom(extra map[string]string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.custom) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(b.custom)+len(extra))
	for k, v := range b.custom {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Dump is a crash dump file left by an earlier run.
type Dump struct {
	Path    string
	Encoded string // base64 of the file contents
}

// ErrNoDumpDir is returned when the dump directory does not exist.
var ErrNoDumpDir = errors.New("crash dump directory does not exist")

// CollectDumps reads every regular file in dir, oldest name first.
func CollectDumps(dir string) ([]Dump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDumpDir
		}
		return nil, fmt.Errorf("failed to list crash dumps: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var dumps []Dump
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return dumps, fmt.Errorf("failed to read crash dump %s: %w", e.Name(), err)
		}
		dumps = append(dumps, Dump{Path: path, Encoded: base64.StdEncoding.EncodeToString(raw)})
	}
	return dumps, nil
}
