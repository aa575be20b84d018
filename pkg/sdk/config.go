package sdk

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
	"github.com/nicktill/tinycount/pkg/sdk/consent"
	"github.com/nicktill/tinycount/pkg/sdk/device"
	"github.com/nicktill/tinycount/pkg/sdk/identity"
	"github.com/nicktill/tinycount/pkg/storage"
)

// ClientConfig holds configuration for the client
type ClientConfig struct {
	ServerURL string `validate:"required,url"`
	AppKey    string `validate:"required"`

	// DeviceID is used when DeviceIDType is DeveloperSupplied or empty.
	DeviceID     string
	DeviceIDType identity.Type `validate:"omitempty,oneof=developer_supplied platform_generated advertising_id"`

	// AdvertisingProvider resolves AdvertisingID identities.
	AdvertisingProvider identity.Provider

	// Store overrides the badger store at DataDir. With neither set, state
	// is kept in memory.
	Store   storage.Store
	DataDir string

	Salt      string
	ForcePOST bool
	Headers   map[string]string

	RequiresConsent bool
	Consent         []consent.Feature

	HeartbeatInterval   time.Duration `validate:"gte=0"`
	EventQueueThreshold int           `validate:"gte=0"`

	IgnoreCrawlers bool
	CrawlerNames   []string

	Device     device.Source
	AppVersion string

	// CrashDumpDir holds crash dumps left by earlier runs. They are sent as
	// native crashes on Start and then deleted.
	CrashDumpDir string

	// RemoteConfigAutoUpdate fetches remote config on Start and after every
	// device id change.
	RemoteConfigAutoUpdate bool

	Logger     zerolog.Logger
	HTTPClient *http.Client
	Clock      func() time.Time
}

// ConfigError describes an invalid ClientConfig field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

var validate = validator.New()

// normalize fills defaults and validates cfg.
func (cfg *ClientConfig) normalize() error {
	cfg.ServerURL = strings.TrimSuffix(strings.TrimSpace(cfg.ServerURL), "/")

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return &ConfigError{Field: "ClientConfig", Message: err.Error()}
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ConfigError{Field: "ServerURL", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Field: "ServerURL", Message: "scheme must be http or https"}
	}

	if cfg.DeviceIDType == "" {
		if cfg.DeviceID != "" {
			cfg.DeviceIDType = identity.DeveloperSupplied
		} else {
			cfg.DeviceIDType = identity.PlatformGenerated
		}
	}
	if cfg.DeviceIDType == identity.DeveloperSupplied && cfg.DeviceID == "" {
		return &ConfigError{Field: "DeviceID", Message: "required for developer supplied ids"}
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.EventQueueThreshold == 0 {
		cfg.EventQueueThreshold = config.DefaultEventQueueThreshold
	}
	if len(cfg.CrawlerNames) == 0 {
		cfg.CrawlerNames = []string{config.DefaultCrawlerName}
	}
	if cfg.Device == nil {
		cfg.Device = device.RuntimeSource{AppVersion: cfg.AppVersion}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return nil
}

// FromFile converts the loaded file configuration.
func FromFile(f *config.File) ClientConfig {
	return ClientConfig{
		ServerURL:           f.ServerURL,
		AppKey:              f.AppKey,
		DeviceID:            f.DeviceID,
		DataDir:             f.DataDir,
		Salt:                f.Salt,
		ForcePOST:           f.ForcePOST,
		RequiresConsent:     f.RequiresConsent,
		HeartbeatInterval:   f.HeartbeatInterval,
		EventQueueThreshold: f.EventThreshold,
		IgnoreCrawlers:      f.IgnoreCrawlers,
	}
}
