package request

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nicktill/tinycount/pkg/config"
)

// Query tags the delivery worker and transport look for inside stored requests.
const (
	TagDeviceID    = "&device_id="
	TagOverrideID  = "&override_id="
	TagOldDeviceID = "&old_device_id="
	TagCrash       = "&crash="
	TagChecksum    = "checksum="
	TagUserDetails = "user_details="
)

// Location is the last location the host reported.
type Location struct {
	Disabled    bool
	CountryCode string
	City        string
	GPS         string // "lat,lon"
	IP          string
}

// Builder assembles request query strings. It holds no state besides the
// app key and the shared timestamp source.
type Builder struct {
	appKey string
	clock  *TimeSource
}

// NewBuilder creates a Builder. A nil clock uses the wall clock.
func NewBuilder(appKey string, clock *TimeSource) *Builder {
	if clock == nil {
		clock = NewTimeSource(nil)
	}
	return &Builder{appKey: appKey, clock: clock}
}

// Encode URL-encodes a single query value.
func Encode(s string) string {
	return url.QueryEscape(s)
}

// Common returns the fields every request starts with.
func (b *Builder) Common() string {
	now := b.clock.Now()

	var sb strings.Builder
	sb.Grow(160)
	sb.WriteString("app_key=")
	sb.WriteString(b.appKey)
	sb.WriteString("&timestamp=")
	sb.WriteString(strconv.FormatInt(now.Millis, 10))
	sb.WriteString("&hour=")
	sb.WriteString(strconv.Itoa(now.Hour))
	sb.WriteString("&dow=")
	sb.WriteString(strconv.Itoa(now.DOW))
	sb.WriteString("&tz=")
	sb.WriteString(strconv.Itoa(now.TZ))
	sb.WriteString("&sdk_version=")
	sb.WriteString(config.SDKVersion)
	sb.WriteString("&sdk_name=")
	sb.WriteString(config.SDKName)
	return sb.String()
}

// BeginSession describes a session start.
type BeginSession struct {
	SessionsConsent bool
	Metrics         []byte // device metrics JSON
	Location        string // output of LocationParams
	AdvertisingID   string // empty when attribution is off or tracking is limited
}

// BeginSession builds a begin_session request. ok is false when there is
// nothing worth sending.
func (b *Builder) BeginSession(p BeginSession) (string, bool) {
	data := b.Common()
	ok := false

	if p.SessionsConsent {
		data += "&begin_session=1&metrics=" + Encode(string(p.Metrics))
		ok = true
	}
	if p.Location != "" {
		data += p.Location
		ok = true
	}
	if p.AdvertisingID != "" {
		data += advertisingParam(p.AdvertisingID)
		ok = true
	}
	return data, ok
}

// UpdateSession builds a session_duration heartbeat. Non-positive durations
// produce nothing.
func (b *Builder) UpdateSession(sessionsConsent bool, duration int, advertisingID string) (string, bool) {
	if duration <= 0 {
		return "", false
	}

	data := b.Common()
	ok := false
	if sessionsConsent {
		data += "&session_duration=" + strconv.Itoa(duration)
		ok = true
	}
	if advertisingID != "" {
		data += advertisingParam(advertisingID)
		ok = true
	}
	return data, ok
}

// EndSession builds an end_session request. overrideID carries the device id
// the session was started under when it has since changed; it is only sent
// when anyConsent is true.
func (b *Builder) EndSession(sessionsConsent bool, duration int, overrideID string, anyConsent bool) (string, bool) {
	data := b.Common()
	ok := false

	if sessionsConsent {
		data += "&end_session=1"
		if duration > 0 {
			data += "&session_duration=" + strconv.Itoa(duration)
		}
		ok = true
	}
	if overrideID != "" && anyConsent {
		data += TagOverrideID + Encode(overrideID)
		ok = true
	}
	return data, ok
}

// ChangeDeviceID builds the merge request. device_id has to be the last field.
func (b *Builder) ChangeDeviceID(sessionsConsent bool, duration int, newID string) string {
	data := b.Common()
	if sessionsConsent {
		data += "&session_duration=" + strconv.Itoa(duration)
	}
	return data + TagDeviceID + Encode(newID)
}

// LocationParams renders the location block. A disabled location or missing
// consent sends an empty location so the server clears it and skips geoip.
func LocationParams(loc Location, consented bool) string {
	if loc.Disabled || !consented {
		return "&location="
	}

	var data string
	if loc.GPS != "" {
		data += "&location=" + Encode(loc.GPS)
	}
	if loc.City != "" {
		data += "&city=" + Encode(loc.City)
	}
	if loc.CountryCode != "" {
		data += "&country_code=" + Encode(loc.CountryCode)
	}
	if loc.IP != "" {
		data += "&ip=" + Encode(loc.IP)
	}
	return data
}

// Location builds a standalone location request.
func (b *Builder) Location(loc Location, consented bool) string {
	return b.Common() + LocationParams(loc, consented)
}

// Events builds an events request from an already URL-encoded JSON array.
func (b *Builder) Events(encoded string) string {
	return b.Common() + "&events=" + encoded
}

// Crash builds a crash request from a crash JSON document.
func (b *Builder) Crash(payload []byte) string {
	return b.Common() + TagCrash + Encode(string(payload))
}

// Consent builds a consent-change request.
func (b *Builder) Consent(changes map[string]bool) (string, error) {
	raw, err := json.Marshal(changes)
	if err != nil {
		return "", err
	}
	return b.Common() + "&consent=" + Encode(string(raw)), nil
}

// UserDetails builds a user_details request from a user JSON document.
func (b *Builder) UserDetails(payload []byte) string {
	return b.Common() + "&" + TagUserDetails + Encode(string(payload))
}

// Referrer builds an install attribution request.
func (b *Builder) Referrer(campaignID, campaignUser string) string {
	data := b.Common() + "&campaign_id=" + Encode(campaignID)
	if campaignUser != "" {
		data += "&campaign_user=" + Encode(campaignUser)
	}
	return data
}

// RemoteConfig describes a remote-config fetch.
type RemoteConfig struct {
	DeviceID string
	Metrics  []byte // nil when sessions consent is missing
	Location string
	Keys     []string
	OmitKeys []string
}

// RemoteConfig builds the query for /o/sdk. Keys wins over OmitKeys.
func (b *Builder) RemoteConfig(p RemoteConfig) (string, error) {
	data := b.Common() + "&method=fetch_remote_config" + TagDeviceID + Encode(p.DeviceID)

	if p.Metrics != nil {
		data += "&metrics=" + Encode(string(p.Metrics))
	}
	data += p.Location

	switch {
	case len(p.Keys) > 0:
		raw, err := json.Marshal(p.Keys)
		if err != nil {
			return "", err
		}
		data += "&keys=" + Encode(string(raw))
	case len(p.OmitKeys) > 0:
		raw, err := json.Marshal(p.OmitKeys)
		if err != nil {
			return "", err
		}
		data += "&omit_keys=" + Encode(string(raw))
	}
	return data, nil
}

func advertisingParam(id string) string {
	raw, _ := json.Marshal(map[string]string{"adid": id})
	return "&aid=" + Encode(string(raw))
}

// Checksum returns the lowercase hex SHA-1 of data+salt.
func Checksum(data, salt string) string {
	sum := sha1.Sum([]byte(data + salt))
	return hex.EncodeToString(sum[:])
}

// DeviceIDAfterTag returns the decoded value following the last device_id tag.
func DeviceIDAfterTag(request string) (string, bool) {
	idx := strings.LastIndex(request, TagDeviceID)
	if idx < 0 {
		return "", false
	}
	raw := request[idx+len(TagDeviceID):]
	if amp := strings.IndexByte(raw, '&'); amp >= 0 {
		raw = raw[:amp]
	}
	id, err := url.QueryUnescape(raw)
	if err != nil {
		return raw, true
	}
	return id, true
}

// PicturePath extracts a local picture path from a user_details request.
func PicturePath(request string) string {
	values, err := url.ParseQuery(request)
	if err != nil {
		return ""
	}
	details := values.Get(strings.TrimSuffix(TagUserDetails, "="))
	if details == "" {
		return ""
	}

	var user struct {
		PicturePath string `json:"picturePath"`
	}
	if err := json.Unmarshal([]byte(details), &user); err != nil {
		return ""
	}
	return user.PicturePath
}
